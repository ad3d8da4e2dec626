package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Pool owns a fixed set of source checkouts, each leased to at most one
// build at a time. Slots are cloned from a local mirror at init and reused
// for the life of the process; a slot flagged corrupt is re-cloned before
// its next lease instead of failing every build landed on it.
type Pool struct {
	mirror *Repo
	dir    string
	log    logrus.FieldLogger
	slots  []*slot
	free   chan *slot

	// mirrorMu serializes ref resolution and the upstream fetch it may
	// trigger; concurrent leases share one mirror.
	mirrorMu sync.Mutex
}

type slot struct {
	id   int
	repo *Repo

	mu      sync.Mutex
	dirty   bool
	corrupt bool
}

// Lease is a transient, exclusive hold on one slot. Release is idempotent
// and must run on every exit path of the holder, or the pool permanently
// loses capacity.
type Lease struct {
	pool *Pool
	slot *slot
	once sync.Once
}

// NewPool provisions n slots under dir, cloning any missing checkout from
// mirror.
func NewPool(ctx context.Context, mirror *Repo, dir string, n int, log logrus.FieldLogger) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("workspace pool needs at least one slot, got %d", n)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	p := &Pool{
		mirror: mirror,
		dir:    dir,
		log:    log,
		free:   make(chan *slot, n),
	}
	for i := 0; i < n; i++ {
		slotDir := p.slotDir(i)
		repo := &Repo{dir: slotDir, run: mirror.run}
		if _, err := os.Stat(filepath.Join(slotDir, ".git")); err != nil {
			log.WithField("slot", i).Info("cloning workspace from mirror")
			cloned, err := mirror.CloneInto(ctx, slotDir)
			if err != nil {
				return nil, fmt.Errorf("provision workspace slot %d: %w", i, err)
			}
			repo = cloned
		}
		s := &slot{id: i, repo: repo}
		p.slots = append(p.slots, s)
		p.free <- s
	}
	return p, nil
}

func (p *Pool) slotDir(id int) string {
	return filepath.Join(p.dir, fmt.Sprintf("slot-%d", id))
}

// Size returns the number of slots.
func (p *Pool) Size() int { return len(p.slots) }

// Acquire blocks until a slot is free or ctx is done. Concurrent acquires
// contend only on the free channel, never on each other's slots. A corrupt
// slot is rebuilt from the mirror before it is handed out.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case s := <-p.free:
		if err := p.healIfCorrupt(ctx, s); err != nil {
			// Hand the slot back so capacity is not lost; the next lease
			// retries the re-clone.
			p.free <- s
			return nil, err
		}
		return &Lease{pool: p, slot: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) healIfCorrupt(ctx context.Context, s *slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.corrupt {
		return nil
	}
	p.log.WithField("slot", s.id).Warn("re-cloning corrupt workspace")
	if err := os.RemoveAll(s.repo.dir); err != nil {
		return fmt.Errorf("remove corrupt workspace slot %d: %w", s.id, err)
	}
	repo, err := p.mirror.CloneInto(ctx, p.slotDir(s.id))
	if err != nil {
		return fmt.Errorf("re-clone workspace slot %d: %w", s.id, err)
	}
	s.repo = repo
	s.corrupt = false
	s.dirty = false
	return nil
}

// resolveRef resolves ref to a commit id against the mirror, fetching
// upstream once when the ref is not yet known. Resolution happens in the
// mirror because it carries all upstream branches; slot checkouts do not.
func (p *Pool) resolveRef(ctx context.Context, ref string) (string, error) {
	p.mirrorMu.Lock()
	defer p.mirrorMu.Unlock()
	commit, err := p.mirror.RevParse(ctx, ref)
	if err == nil {
		return commit, nil
	}
	if err := p.mirror.Fetch(ctx); err != nil {
		return "", err
	}
	commit, err = p.mirror.RevParse(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnresolvableRef, ref)
	}
	return commit, nil
}

// Slot returns the stable slot index of the leased workspace.
func (l *Lease) Slot() int { return l.slot.id }

// Dir returns the checkout directory of the leased workspace.
func (l *Lease) Dir() string { return l.slot.repo.dir }

// Reset forces the leased checkout onto ref, cleaning all prior build
// state. The ref is resolved to a commit id against the mirror first, then
// the slot checks out that commit. It must be called before every build;
// callers see ErrUnresolvableRef or a *GitError on failure and must not
// build from the stale tree.
func (l *Lease) Reset(ctx context.Context, ref string) error {
	commit, err := l.pool.resolveRef(ctx, ref)
	if err != nil {
		return err
	}

	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()
	l.slot.dirty = true
	if err := l.slot.repo.CheckoutCommit(ctx, commit); err != nil {
		return err
	}
	l.slot.dirty = false
	return nil
}

// MarkCorrupt flags the slot for a full re-clone before its next lease.
func (l *Lease) MarkCorrupt() {
	l.slot.mu.Lock()
	l.slot.corrupt = true
	l.slot.mu.Unlock()
}

// Release returns the slot to the pool. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.free <- l.slot
	})
}
