package session

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by a Store when no state was saved under a key.
var ErrNotFound = errors.New("session: not found")

// Store persists session state across process restarts.
type Store interface {
	Save(ctx context.Context, key string, st State) error
	Load(ctx context.Context, key string) (State, error)
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, key string, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Endpoint = st.Endpoint.Clone()
	st.Location = copyLocation(st.Location)
	m.states[key] = st
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, key string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		return State{}, ErrNotFound
	}
	st.Endpoint = st.Endpoint.Clone()
	st.Location = copyLocation(st.Location)
	return st, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}
