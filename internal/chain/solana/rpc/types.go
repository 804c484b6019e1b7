package rpc

import "encoding/json"

// valueEnvelope is the {"context": ..., "value": ...} wrapper most
// account-level Solana responses use.
type valueEnvelope struct {
	Value json.RawMessage `json:"value"`
}

type PrioritizationFee struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

type SignatureStatus struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *uint64     `json:"confirmations"`
	ConfirmationStatus string      `json:"confirmationStatus"`
	Err                interface{} `json:"err"`
}
