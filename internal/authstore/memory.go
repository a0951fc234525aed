package authstore

import (
	"context"
	"sync"

	"github.com/chatwarp/waconnect-go/internal/waproto"
)

// InMemoryStore is a process-local Store used by tests and lightweight
// local runs, mirroring auth_store.rs's InMemoryAuthStore.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[string]*waproto.AuthState
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[string]*waproto.AuthState)}
}

// Load returns a deep copy of the stored state, or (nil, nil) if absent.
func (s *InMemoryStore) Load(ctx context.Context, instanceName string) (*waproto.AuthState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[instanceName]
	if !ok {
		return nil, nil
	}

	// Round-trip through the same JSON encoding the other backends use,
	// so callers never observe aliasing between stored and returned state.
	data, err := marshal(state)
	if err != nil {
		return nil, err
	}
	return unmarshal(data)
}

// Save stores a deep copy of state under instanceName.
func (s *InMemoryStore) Save(ctx context.Context, instanceName string, state *waproto.AuthState) error {
	data, err := marshal(state)
	if err != nil {
		return err
	}
	copied, err := unmarshal(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[instanceName] = copied
	return nil
}
