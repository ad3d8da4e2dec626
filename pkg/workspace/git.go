// Package workspace manages the pool of on-disk source checkouts that
// builds run in. Git is driven through the git binary, the same way the
// upstream mirror is maintained.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrUnresolvableRef indicates the requested ref does not exist in the
// mirror even after a fetch.
var ErrUnresolvableRef = errors.New("unresolvable ref")

// GitError carries the failing git operation and the tail of its stderr.
type GitError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %v: %s", e.Op, e.Err, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// runner executes one git command in dir and returns its stdout. Injectable
// so pool behavior is testable without a git binary.
type runner func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &GitError{
			Op:     strings.Join(args, " "),
			Stderr: tail(stderr.String(), 512),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

// Repo wraps git operations on a single working directory.
type Repo struct {
	dir string
	run runner
}

func NewRepo(dir string) *Repo {
	return &Repo{dir: dir, run: execGit}
}

func (r *Repo) Dir() string { return r.dir }

// CloneInto clones src into dest and returns a Repo on the new checkout.
// Used both for the initial mirror clone and for provisioning pool slots
// from the local mirror.
func (r *Repo) CloneInto(ctx context.Context, dest string) (*Repo, error) {
	if _, err := r.run(ctx, "", "clone", r.dir, dest); err != nil {
		return nil, err
	}
	return &Repo{dir: dest, run: r.run}, nil
}

// CloneIfNeeded mirror-clones url into dir unless dir already holds one.
// The mirror must carry every upstream branch and tag under its own
// refs/heads and refs/tags: a plain clone only tracks the upstream default
// branch, which would leave every other catalog ref unresolvable.
func CloneIfNeeded(ctx context.Context, url, dir string) (*Repo, error) {
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err == nil {
		return NewRepo(dir), nil
	}
	if _, err := execGit(ctx, "", "clone", "--mirror", url, dir); err != nil {
		return nil, err
	}
	return NewRepo(dir), nil
}

// Fetch updates all refs from origin, tags included.
func (r *Repo) Fetch(ctx context.Context) error {
	_, err := r.run(ctx, r.dir, "fetch", "origin", "--force", "--tags", "--prune")
	return err
}

// RevParse resolves ref to a commit id.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, r.dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CheckoutCommit forces the working tree to an already-resolved commit id:
// checkout -f, hard reset and a recursive clean, then a submodule sync.
// Refs are resolved against the mirror, never here: a slot's refs/heads
// only track the upstream default branch. If the commit is not yet present
// the slot fetches from its origin (the mirror) once before giving up; a
// stale tree is never reused silently.
func (r *Repo) CheckoutCommit(ctx context.Context, commit string) error {
	if _, err := r.RevParse(ctx, commit); err != nil {
		if err := r.Fetch(ctx); err != nil {
			return err
		}
		if _, err := r.RevParse(ctx, commit); err != nil {
			return err
		}
	}

	if _, err := r.run(ctx, r.dir, "checkout", "-f", commit); err != nil {
		return err
	}
	if _, err := r.run(ctx, r.dir, "reset", "--hard", commit); err != nil {
		return err
	}
	if _, err := r.run(ctx, r.dir, "clean", "-xdff"); err != nil {
		return err
	}
	if _, err := r.run(ctx, r.dir, "submodule", "update", "--init", "--recursive", "--force"); err != nil {
		return err
	}
	return nil
}
