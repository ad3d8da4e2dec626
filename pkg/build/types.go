package build

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// State represents the lifecycle state of a build.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StateFailure   State = "failure"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step in
// the build state machine.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateRunning || next == StateCancelled
	case StateRunning:
		return next.Terminal()
	}
	return false
}

// ErrorKind classifies why a build ended in failure.
type ErrorKind string

const (
	ErrKindNone                 ErrorKind = ""
	ErrKindIncompatibleFeatures ErrorKind = "incompatible_features"
	ErrKindUnresolvableRef      ErrorKind = "unresolvable_ref"
	ErrKindGitFailure           ErrorKind = "git_failure"
	ErrKindCorruptWorkspace     ErrorKind = "corrupt_workspace"
	ErrKindNonZeroExit          ErrorKind = "nonzero_exit"
	ErrKindTimeout              ErrorKind = "timeout"
	ErrKindInterrupted          ErrorKind = "interrupted"
	ErrKindInternal             ErrorKind = "internal"
)

// Request is the immutable input for one firmware build.
type Request struct {
	Vehicle  string   `json:"vehicle"`
	Board    string   `json:"board"`
	Version  string   `json:"version"`
	Features []string `json:"features"`
}

// Normalize returns a copy with the feature list sorted and deduplicated.
// Fingerprints and configurator output are computed over normalized
// requests only.
func (r Request) Normalize() Request {
	out := r
	out.Features = make([]string, 0, len(r.Features))
	seen := make(map[string]struct{}, len(r.Features))
	for _, f := range r.Features {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out.Features = append(out.Features, f)
	}
	sort.Strings(out.Features)
	return out
}

// Fingerprint returns a stable content hash of the normalized request,
// usable for de-duplicating identical submissions.
func (r Request) Fingerprint() string {
	n := r.Normalize()
	h := xxhash.New()
	_, _ = h.WriteString(n.Vehicle)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(n.Board)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(n.Version)
	for _, f := range n.Features {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(f)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Build is the mutable record of one accepted request's lifecycle.
type Build struct {
	ID            string     `json:"id"`
	Request       Request    `json:"request"`
	Fingerprint   string     `json:"fingerprint"`
	State         State      `json:"state"`
	WorkspaceSlot *int       `json:"workspace_slot,omitempty"`
	Progress      int        `json:"progress"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ErrorKind     ErrorKind  `json:"error_kind,omitempty"`
	Error         string     `json:"error,omitempty"`
	ArtifactRef   string     `json:"artifact_ref,omitempty"`
	LogRef        string     `json:"log_ref,omitempty"`
}
