// Package sig implements the signature gate: stateless Ed25519
// verification over caller-supplied canonical message bytes. It never builds
// or knows the shape of those messages.
package sig

import "crypto/ed25519"

// Verify reports whether signature is a valid Ed25519 signature over message
// under pubKey. It is pure, CPU-bound, and never retried on failure.
func Verify(pubKey [32]byte, message []byte, signature [64]byte) bool {
	return ed25519.Verify(pubKey[:], message, signature[:])
}
