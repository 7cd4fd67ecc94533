// Package storage persists merged document snapshots under opaque references.
//
// The merge-on-read pattern makes concurrent persists safe: a winning worker
// writes a new reference, then deletes losers, and any reader in between
// merges whatever references are live through the CRDT.
package storage

import (
	"context"
	"errors"
)

// Reference is a driver-specific handle to one snapshot blob. References are
// immutable once created.
type Reference string

// Doc is the result of a merge-on-read retrieval.
type Doc struct {
	Merged      []byte
	StateVector []byte
	// References lists every live snapshot that contributed to Merged, so a
	// caller can request their deletion once a fresher snapshot supersedes them.
	References []Reference
}

// ErrQuarantined is returned for rooms that hold an undecodable snapshot. The
// worker refuses to delete references for such rooms.
var ErrQuarantined = errors.New("storage: room is quarantined")

// Storage is the snapshot driver contract. All operations are idempotent on
// the (room, docid) key space.
type Storage interface {
	// PersistDoc durably writes a new snapshot blob and its state vector,
	// returning an opaque reference.
	PersistDoc(ctx context.Context, room, docid string, state, stateVector []byte) (Reference, error)

	// RetrieveDoc reads all live snapshots, merges them through the CRDT, and
	// returns nil when none exist.
	RetrieveDoc(ctx context.Context, room, docid string) (*Doc, error)

	// RetrieveStateVector returns the state vector of the room's snapshots, or
	// nil when none exist.
	RetrieveStateVector(ctx context.Context, room, docid string) ([]byte, error)

	// DeleteReferences removes superseded snapshots. Best-effort: partial
	// failure is logged and retried on the next compaction.
	DeleteReferences(ctx context.Context, room, docid string, refs []Reference) error

	// Quarantine writes a companion marker recording a data invariant
	// violation for the room. Quarantined rooms refuse reference deletion.
	Quarantine(ctx context.Context, room, docid, reason string) error

	// Destroy releases driver resources.
	Destroy() error
}
