package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/meshdocs/meshdocs/internal/v1/crdt"
)

// Memory is an in-process Storage driver used by tests and single-node
// development deployments.
type Memory struct {
	provider crdt.Provider

	mu          sync.RWMutex
	snapshots   map[string]map[Reference]snapshot // docKey -> ref -> blob
	quarantined map[string]string                 // docKey -> reason
}

type snapshot struct {
	state       []byte
	stateVector []byte
}

// NewMemory creates an empty in-memory driver.
func NewMemory(provider crdt.Provider) *Memory {
	return &Memory{
		provider:    provider,
		snapshots:   make(map[string]map[Reference]snapshot),
		quarantined: make(map[string]string),
	}
}

func docKey(room, docid string) string {
	return room + "\x00" + docid
}

func (m *Memory) PersistDoc(_ context.Context, room, docid string, state, stateVector []byte) (Reference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := docKey(room, docid)
	if m.snapshots[key] == nil {
		m.snapshots[key] = make(map[Reference]snapshot)
	}
	ref := Reference(uuid.NewString())
	m.snapshots[key][ref] = snapshot{
		state:       append([]byte(nil), state...),
		stateVector: append([]byte(nil), stateVector...),
	}
	return ref, nil
}

func (m *Memory) RetrieveDoc(_ context.Context, room, docid string) (*Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blobs := m.snapshots[docKey(room, docid)]
	if len(blobs) == 0 {
		return nil, nil
	}

	states := make([][]byte, 0, len(blobs))
	refs := make([]Reference, 0, len(blobs))
	for ref, s := range blobs {
		states = append(states, s.state)
		refs = append(refs, ref)
	}

	merged, err := m.provider.Merge(states)
	if err != nil {
		return nil, fmt.Errorf("merge snapshots for %s/%s: %w", room, docid, err)
	}
	sv, err := m.provider.StateVector(merged)
	if err != nil {
		return nil, fmt.Errorf("state vector for %s/%s: %w", room, docid, err)
	}
	return &Doc{Merged: merged, StateVector: sv, References: refs}, nil
}

func (m *Memory) RetrieveStateVector(ctx context.Context, room, docid string) ([]byte, error) {
	doc, err := m.RetrieveDoc(ctx, room, docid)
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.StateVector, nil
}

func (m *Memory) DeleteReferences(_ context.Context, room, docid string, refs []Reference) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := docKey(room, docid)
	if reason, ok := m.quarantined[key]; ok {
		return fmt.Errorf("%w: %s", ErrQuarantined, reason)
	}
	blobs := m.snapshots[key]
	for _, ref := range refs {
		delete(blobs, ref)
	}
	if len(blobs) == 0 {
		delete(m.snapshots, key)
	}
	return nil
}

func (m *Memory) Quarantine(_ context.Context, room, docid, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantined[docKey(room, docid)] = reason
	return nil
}

func (m *Memory) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = make(map[string]map[Reference]snapshot)
	m.quarantined = make(map[string]string)
	return nil
}

var _ Storage = (*Memory)(nil)
