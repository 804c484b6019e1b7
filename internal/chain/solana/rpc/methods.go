package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

func (c *Client) GetSlot(ctx context.Context, commitment string) (uint64, error) {
	params := []interface{}{
		map[string]string{"commitment": commitment},
	}
	result, err := c.call(ctx, "getSlot", params)
	if err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}
	var slot uint64
	if err := json.Unmarshal(result, &slot); err != nil {
		return 0, fmt.Errorf("unmarshal slot: %w", err)
	}
	return slot, nil
}

// GetBalance returns the lamport balance at confirmed commitment.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	params := []interface{}{
		address,
		map[string]string{"commitment": "confirmed"},
	}
	result, err := c.call(ctx, "getBalance", params)
	if err != nil {
		return 0, fmt.Errorf("getBalance(%s): %w", address, err)
	}
	var envelope valueEnvelope
	if err := json.Unmarshal(result, &envelope); err != nil {
		return 0, fmt.Errorf("unmarshal balance envelope: %w", err)
	}
	var lamports uint64
	if err := json.Unmarshal(envelope.Value, &lamports); err != nil {
		return 0, fmt.Errorf("unmarshal lamports: %w", err)
	}
	return lamports, nil
}

// GetRecentPrioritizationFees reports per-slot priority fees observed in
// recent blocks. An empty slice means the cluster saw no priority fees.
func (c *Client) GetRecentPrioritizationFees(ctx context.Context) ([]PrioritizationFee, error) {
	result, err := c.call(ctx, "getRecentPrioritizationFees", []interface{}{})
	if err != nil {
		return nil, fmt.Errorf("getRecentPrioritizationFees: %w", err)
	}
	var fees []PrioritizationFee
	if err := json.Unmarshal(result, &fees); err != nil {
		return nil, fmt.Errorf("unmarshal prioritization fees: %w", err)
	}
	return fees, nil
}

// SendTransaction submits a fully signed transaction and returns its
// signature. Preflight stays enabled so blockhash and simulation failures
// surface as RPC errors instead of silent drops.
func (c *Client) SendTransaction(ctx context.Context, payload []byte) (string, error) {
	params := []interface{}{
		base64.StdEncoding.EncodeToString(payload),
		map[string]interface{}{"encoding": "base64"},
	}
	result, err := c.call(ctx, "sendTransaction", params)
	if err != nil {
		return "", fmt.Errorf("sendTransaction: %w", err)
	}
	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", fmt.Errorf("unmarshal signature: %w", err)
	}
	return signature, nil
}

// GetSignatureStatuses returns one entry per requested signature; nil
// entries mean the cluster has not seen that signature.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	params := []interface{}{
		signatures,
		map[string]bool{"searchTransactionHistory": true},
	}
	result, err := c.call(ctx, "getSignatureStatuses", params)
	if err != nil {
		return nil, fmt.Errorf("getSignatureStatuses: %w", err)
	}
	var envelope valueEnvelope
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal status envelope: %w", err)
	}
	var statuses []*SignatureStatus
	if err := json.Unmarshal(envelope.Value, &statuses); err != nil {
		return nil, fmt.Errorf("unmarshal statuses: %w", err)
	}
	return statuses, nil
}
