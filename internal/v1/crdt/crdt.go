// Package crdt defines the contract the backend requires from a CRDT
// implementation. The server never interprets document content; it only merges
// opaque updates and computes diffs against state vectors.
package crdt

// Provider merges opaque updates into opaque states. Implementations must be
// associative, commutative, and idempotent under Merge, and safe for
// concurrent use.
type Provider interface {
	// Merge combines any number of updates and/or full states into a single
	// state. An empty input yields the empty state.
	Merge(updates [][]byte) ([]byte, error)

	// Diff computes the minimal update that brings a replica described by
	// stateVector up to date with state. A nil stateVector means "has nothing".
	Diff(state, stateVector []byte) ([]byte, error)

	// StateVector summarizes which updates state has absorbed.
	StateVector(state []byte) ([]byte, error)
}
