// Package signer defines the boundary to external signing. Key storage
// and signature schemes live behind it; nothing in this repo ever sees a
// private key.
package signer

import "context"

// Signer produces a fully signed, submission-ready payload for one chain
// family. sequence is the allocated account sequence for families that
// carry one; sequenceless families receive zero.
type Signer interface {
	// Address returns the submitting address in the family's format.
	Address() string

	// Sign builds and signs a transaction around the unsigned body.
	Sign(ctx context.Context, unsigned []byte, sequence uint64) ([]byte, error)
}
