package crdt

import (
	"encoding/json"
	"fmt"
)

// LWWMap is the reference Provider: a map of last-writer-wins registers.
// States and updates share one encoding, a JSON object mapping keys to
// timestamped registers, which makes Merge trivially associative, commutative,
// and idempotent. It backs the memory deployment profile and the test suites;
// production deployments bind a real CRDT behind the Provider interface.
type LWWMap struct{}

type register struct {
	Clock int64           `json:"c"`
	Actor string          `json:"a"`
	Value json.RawMessage `json:"v"`
}

// wins reports whether r supersedes other. Ties break on actor so that merge
// order can never change the outcome.
func (r register) wins(other register) bool {
	if r.Clock != other.Clock {
		return r.Clock > other.Clock
	}
	return r.Actor > other.Actor
}

func decodeState(b []byte) (map[string]register, error) {
	regs := make(map[string]register)
	if len(b) == 0 {
		return regs, nil
	}
	if err := json.Unmarshal(b, &regs); err != nil {
		return nil, fmt.Errorf("decode lww state: %w", err)
	}
	return regs, nil
}

func encodeState(regs map[string]register) ([]byte, error) {
	b, err := json.Marshal(regs)
	if err != nil {
		return nil, fmt.Errorf("encode lww state: %w", err)
	}
	return b, nil
}

// Merge combines updates by keeping, per key, the register with the highest
// (clock, actor) pair.
func (LWWMap) Merge(updates [][]byte) ([]byte, error) {
	merged := make(map[string]register)
	for _, u := range updates {
		regs, err := decodeState(u)
		if err != nil {
			return nil, err
		}
		for k, r := range regs {
			if cur, ok := merged[k]; !ok || r.wins(cur) {
				merged[k] = r
			}
		}
	}
	return encodeState(merged)
}

// Diff returns the registers of state that the remote, described by
// stateVector (key to clock), has not yet seen.
func (LWWMap) Diff(state, stateVector []byte) ([]byte, error) {
	regs, err := decodeState(state)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]int64)
	if len(stateVector) > 0 {
		if err := json.Unmarshal(stateVector, &seen); err != nil {
			return nil, fmt.Errorf("decode state vector: %w", err)
		}
	}

	out := make(map[string]register)
	for k, r := range regs {
		if clock, ok := seen[k]; !ok || r.Clock > clock {
			out[k] = r
		}
	}
	return encodeState(out)
}

// StateVector summarizes state as a key-to-clock map.
func (LWWMap) StateVector(state []byte) ([]byte, error) {
	regs, err := decodeState(state)
	if err != nil {
		return nil, err
	}
	sv := make(map[string]int64, len(regs))
	for k, r := range regs {
		sv[k] = r.Clock
	}
	b, err := json.Marshal(sv)
	if err != nil {
		return nil, fmt.Errorf("encode state vector: %w", err)
	}
	return b, nil
}

// Set builds a single-register update, useful in tests and tooling.
func Set(key string, clock int64, actor string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode register value: %w", err)
	}
	return json.Marshal(map[string]register{
		key: {Clock: clock, Actor: actor, Value: raw},
	})
}

// Get reads a register value out of a state, for assertions in tests.
func Get[T any](state []byte, key string) (T, bool, error) {
	var zero T
	regs, err := decodeState(state)
	if err != nil {
		return zero, false, err
	}
	r, ok := regs[key]
	if !ok {
		return zero, false, nil
	}
	var v T
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return zero, false, fmt.Errorf("decode register value: %w", err)
	}
	return v, true, nil
}
