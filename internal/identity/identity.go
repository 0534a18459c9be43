// Package identity abstracts node identity and signing. The concrete key
// store and signature scheme live outside the core (see spec §1); this
// package only declares the capability the core depends on.
package identity

import "context"

// NodeID is the public-key-derived identity of a market participant.
type NodeID string

func (n NodeID) String() string { return string(n) }

// Signer signs and verifies payloads on behalf of a NodeID. A concrete
// implementation wraps a key management service; the core never touches
// private key material directly.
type Signer interface {
	NodeID() NodeID
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	Verify(ctx context.Context, signer NodeID, payload, signature []byte) error
}
