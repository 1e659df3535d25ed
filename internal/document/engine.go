// Package document defines the opaque state primitive the collaboration
// service is built around. The service never inspects document content; it
// moves update payloads between sessions and storage through the four
// operations below. Any conflict-free replicated document type that satisfies
// Engine and State can back a deployment.
package document

import "errors"

var (
	// ErrMalformedUpdate indicates that an update payload could not be decoded.
	ErrMalformedUpdate = errors.New("document: malformed update")
	// ErrMalformedVector indicates that a state vector could not be decoded.
	ErrMalformedVector = errors.New("document: malformed state vector")
	// ErrMalformedState indicates that an encoded state could not be decoded.
	ErrMalformedState = errors.New("document: malformed state")
	// ErrNoUpdates indicates that a merge was requested over zero updates.
	ErrNoUpdates = errors.New("document: no updates to merge")
)

// Engine produces and decodes document states and combines update payloads.
// Merge over any multiset of updates is commutative, associative, and
// idempotent; the service relies on those laws, not on payload contents.
type Engine interface {
	// NewState returns an empty document state.
	NewState() State

	// DecodeState reconstructs a state from a blob produced by State.Encode.
	DecodeState(encoded []byte) (State, error)

	// Merge combines one or more update payloads into a single equivalent
	// update. Merge with a single argument validates that the payload decodes.
	Merge(updates ...[]byte) ([]byte, error)
}

// State is one materialized document. Implementations are not safe for
// concurrent use; the owning room serializes access.
type State interface {
	// Apply folds an update payload into the state.
	Apply(update []byte) error

	// Vector returns a compact description of everything the state contains,
	// suitable for Diff on a peer.
	Vector() []byte

	// Diff returns an update carrying everything this state contains that the
	// given vector does not. Applying the result to the vector's owner brings
	// it up to date with this state.
	Diff(vector []byte) ([]byte, error)

	// Encode serializes the full state. The result decodes via
	// Engine.DecodeState and also applies as an ordinary update.
	Encode() []byte
}
