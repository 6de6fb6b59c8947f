package setup

import (
	"context"
	"sync"

	"github.com/fedimint/guardianctl/internal/domain"
)

// Store durably keeps the persisted subset of each guardian's setup state,
// keyed by guardian instance id. Writes are last-write-wins.
type Store interface {
	LoadSetupState(ctx context.Context, guardianID string) (domain.PersistedSetup, bool, error)
	SaveSetupState(ctx context.Context, guardianID string, state domain.PersistedSetup) error
	DeleteSetupState(ctx context.Context, guardianID string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]domain.PersistedSetup
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]domain.PersistedSetup)}
}

func (s *MemoryStore) LoadSetupState(_ context.Context, id string) (domain.PersistedSetup, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok, nil
}

func (s *MemoryStore) SaveSetupState(_ context.Context, id string, state domain.PersistedSetup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = state
	return nil
}

func (s *MemoryStore) DeleteSetupState(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}
