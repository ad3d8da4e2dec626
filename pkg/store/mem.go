package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aeroforge/firmware/backend/pkg/build"
)

// MemStore keeps build records in memory. It satisfies the Store contract
// for single-process deployments and tests; records do not survive restart,
// so ReconcileInterrupted is only meaningful for the Postgres store.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]build.Build
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]build.Build)}
}

func (s *MemStore) Create(_ context.Context, b build.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[b.ID] = b
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (build.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.items[id]
	if !ok {
		return build.Build{}, ErrNotFound
	}
	return b, nil
}

func (s *MemStore) Update(_ context.Context, id string, fn func(*build.Build) error) (build.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.items[id]
	if !ok {
		return build.Build{}, ErrNotFound
	}
	if b.State.Terminal() {
		return build.Build{}, ErrAlreadyTerminal
	}
	prior := b.State
	if err := fn(&b); err != nil {
		return build.Build{}, err
	}
	if b.State != prior && !prior.CanTransition(b.State) {
		return build.Build{}, ErrIllegalTransition
	}
	s.items[id] = b
	return b, nil
}

func (s *MemStore) List(_ context.Context, f Filter) ([]build.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]build.Build, 0, len(s.items))
	for _, b := range s.items {
		if matches(b, f) {
			all = append(all, b)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return nil, nil
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return all, nil
}

func (s *MemStore) CountActive(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.items {
		if b.State == build.StatePending || b.State == build.StateRunning {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ReconcileInterrupted(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, b := range s.items {
		if b.State != build.StateRunning {
			continue
		}
		b.State = build.StateFailure
		b.ErrorKind = build.ErrKindInterrupted
		b.Error = "orchestrator restarted while build was running"
		b.WorkspaceSlot = nil
		b.FinishedAt = &now
		s.items[id] = b
		n++
	}
	return n, nil
}

func (s *MemStore) Close() error { return nil }
