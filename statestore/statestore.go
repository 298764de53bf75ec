// Package statestore implements the per-service key-value store of C4: a
// flat, in-memory, JSON-shaped map with an atomic per-key mutate operation.
// It is grounded on onurartan-mockserver's server/utils/state_engine.go
// (a mutex-guarded in-memory map driving stateful mock responses),
// generalized from its named-collection shape to the flat string-keyed
// store the data model requires, and sharded over 32 locks so unrelated
// keys contend only when they hash to the same shard.
package statestore

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

type shard struct {
	mu   sync.Mutex
	data map[string]any
}

// Store is a per-service state store. The zero value is not usable; create
// one with New. A Store is safe for concurrent use by many goroutines.
type Store struct {
	shards [shardCount]*shard
}

// New returns an empty Store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{data: map[string]any{}}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Read returns the current value for key and whether it is present.
func (s *Store) Read(key string) (any, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.data[key]
	return v, ok
}

// Write sets key unconditionally.
func (s *Store) Write(key string, value any) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[key] = value
}

// Mutate applies reduce to the current value of key (nil if absent) under
// the exclusive lock of key's shard (shared with every key hashing to it),
// stores the result, and returns it. reduce must
// be a pure function of its argument; it runs while the shard lock is held,
// so it must not call back into the Store.
func (s *Store) Mutate(key string, reduce func(current any) any) any {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	next := reduce(sh.data[key])
	sh.data[key] = next
	return next
}

// Delete removes key, if present.
func (s *Store) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.data, key)
}

// Reset clears every key, then seeds the store with a deep copy of
// overlay. Called by the fleet manager (C8) on every service start using
// the active scenario's InitialState.
func (s *Store) Reset(overlay map[string]any) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.data = map[string]any{}
		sh.mu.Unlock()
	}
	for k, v := range overlay {
		s.Write(k, deepCopy(v))
	}
}

// Snapshot returns a deep copy of the entire store, primarily for
// diagnostics and tests; it is not used on any request-serving path.
func (s *Store) Snapshot() map[string]any {
	out := map[string]any{}
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, v := range sh.data {
			out[k] = deepCopy(v)
		}
		sh.mu.Unlock()
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}
