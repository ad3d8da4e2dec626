// Package store persists build lifecycle records. All writes go through the
// orchestrator; reads are safe from any goroutine.
package store

import (
	"context"
	"errors"

	"github.com/aeroforge/firmware/backend/pkg/build"
)

var (
	// ErrNotFound indicates no record exists for the given build id.
	ErrNotFound = errors.New("build not found")
	// ErrAlreadyTerminal indicates a write against a finished build.
	ErrAlreadyTerminal = errors.New("build already terminal")
	// ErrIllegalTransition indicates fn moved a record to a state its
	// current state cannot reach.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Filter narrows List results. Zero values match everything. Limit of 0
// means no limit.
type Filter struct {
	Vehicle string
	Board   string
	State   build.State
	Limit   int
	Offset  int
}

// Store is the durable record set of builds, one entry per build id.
//
// Update applies fn to the current record under a per-record lock and
// persists the result before returning; a transition is not considered
// committed until Update returns nil. Updates against terminal records fail
// with ErrAlreadyTerminal so a finished build can never change again, and a
// state change fn makes must be legal per State.CanTransition or the whole
// update fails with ErrIllegalTransition.
type Store interface {
	Create(ctx context.Context, b build.Build) error
	Get(ctx context.Context, id string) (build.Build, error)
	Update(ctx context.Context, id string, fn func(*build.Build) error) (build.Build, error)
	List(ctx context.Context, f Filter) ([]build.Build, error)

	// CountActive returns the number of pending plus running builds, used
	// for the admission ceiling.
	CountActive(ctx context.Context) (int, error)

	// ReconcileInterrupted marks every running build as failed with the
	// interrupted kind. It is called once at startup, before any worker
	// exists, to repair records orphaned by a crash.
	ReconcileInterrupted(ctx context.Context) (int, error)

	Close() error
}

func matches(b build.Build, f Filter) bool {
	if f.Vehicle != "" && b.Request.Vehicle != f.Vehicle {
		return false
	}
	if f.Board != "" && b.Request.Board != f.Board {
		return false
	}
	if f.State != "" && b.State != f.State {
		return false
	}
	return true
}
