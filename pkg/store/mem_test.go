package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aeroforge/firmware/backend/pkg/build"
)

func newBuild(id, vehicle string, state build.State, created time.Time) build.Build {
	return build.Build{
		ID:        id,
		Request:   build.Request{Vehicle: vehicle, Board: "SPEDIXF405", Version: "stable-4.5"},
		State:     state,
		CreatedAt: created,
	}
}

func TestMemStoreUpdateAtomicity(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	base := time.Now().UTC()

	if err := s.Create(ctx, newBuild("b1", "copter", build.StatePending, base)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := s.Update(ctx, "b1", func(b *build.Build) error {
		b.State = build.StateRunning
		now := time.Now().UTC()
		b.StartedAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.State != build.StateRunning || updated.StartedAt == nil {
		t.Fatalf("transition not applied together: %+v", updated)
	}

	// fn errors leave the record untouched.
	boom := errors.New("boom")
	if _, err := s.Update(ctx, "b1", func(b *build.Build) error {
		b.State = build.StateFailure
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	got, _ := s.Get(ctx, "b1")
	if got.State != build.StateRunning {
		t.Fatalf("failed update leaked state change: %s", got.State)
	}
}

func TestMemStoreTerminalImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.Create(ctx, newBuild("b1", "copter", build.StateSuccess, time.Now()))

	_, err := s.Update(ctx, "b1", func(b *build.Build) error {
		b.State = build.StateRunning
		return nil
	})
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestMemStoreUpdateRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.Create(ctx, newBuild("b1", "copter", build.StateRunning, time.Now()))

	_, err := s.Update(ctx, "b1", func(b *build.Build) error {
		b.State = build.StatePending
		return nil
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	got, _ := s.Get(ctx, "b1")
	if got.State != build.StateRunning {
		t.Fatalf("illegal transition leaked: %s", got.State)
	}

	// Same-state updates stay legal; the progress updater relies on it.
	if _, err := s.Update(ctx, "b1", func(b *build.Build) error {
		b.Progress = 42
		return nil
	}); err != nil {
		t.Fatalf("same-state update rejected: %v", err)
	}
}

func TestMemStoreGetNotFound(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreListFilterAndPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	base := time.Now().UTC()
	s.Create(ctx, newBuild("b1", "copter", build.StateSuccess, base))
	s.Create(ctx, newBuild("b2", "plane", build.StatePending, base.Add(time.Second)))
	s.Create(ctx, newBuild("b3", "copter", build.StatePending, base.Add(2*time.Second)))
	s.Create(ctx, newBuild("b4", "copter", build.StateRunning, base.Add(3*time.Second)))

	got, err := s.List(ctx, Filter{Vehicle: "copter"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("vehicle filter: got %d builds", len(got))
	}
	// Newest first.
	if got[0].ID != "b4" || got[2].ID != "b1" {
		t.Fatalf("unexpected order: %s .. %s", got[0].ID, got[2].ID)
	}

	got, _ = s.List(ctx, Filter{State: build.StatePending})
	if len(got) != 2 {
		t.Fatalf("state filter: got %d builds", len(got))
	}

	got, _ = s.List(ctx, Filter{Vehicle: "copter", Limit: 1, Offset: 1})
	if len(got) != 1 || got[0].ID != "b3" {
		t.Fatalf("pagination: %#v", got)
	}

	got, _ = s.List(ctx, Filter{Offset: 10})
	if len(got) != 0 {
		t.Fatalf("offset past end should be empty, got %d", len(got))
	}
}

func TestMemStoreCountActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	base := time.Now().UTC()
	s.Create(ctx, newBuild("b1", "copter", build.StatePending, base))
	s.Create(ctx, newBuild("b2", "copter", build.StateRunning, base))
	s.Create(ctx, newBuild("b3", "copter", build.StateFailure, base))

	n, err := s.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 active, got %d", n)
	}
}

func TestMemStoreReconcileInterrupted(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	base := time.Now().UTC()
	slot := 1
	running := newBuild("b1", "copter", build.StateRunning, base)
	running.WorkspaceSlot = &slot
	s.Create(ctx, running)
	s.Create(ctx, newBuild("b2", "copter", build.StatePending, base))

	n, err := s.ReconcileInterrupted(ctx)
	if err != nil {
		t.Fatalf("ReconcileInterrupted: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled, got %d", n)
	}
	got, _ := s.Get(ctx, "b1")
	if got.State != build.StateFailure || got.ErrorKind != build.ErrKindInterrupted {
		t.Fatalf("unexpected reconciled record: %+v", got)
	}
	if got.WorkspaceSlot != nil || got.FinishedAt == nil {
		t.Fatalf("reconcile must clear the slot and stamp finish time: %+v", got)
	}
	pending, _ := s.Get(ctx, "b2")
	if pending.State != build.StatePending {
		t.Fatalf("pending build must not be touched: %+v", pending)
	}
}
