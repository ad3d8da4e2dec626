package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type gitCall struct {
	dir string
	cmd string
}

// fakeGit records issued git commands and mimics just enough behavior for
// the pool: clones create the destination .git directory so re-provisioning
// is observable, and when mirrorDir is set, branch and tag refs resolve
// only there, the way a slot cloned from a mirror behaves.
type fakeGit struct {
	mu        sync.Mutex
	commands  []gitCall
	fail      map[string]error // command prefix -> error
	mirrorDir string
}

func (f *fakeGit) runner() runner {
	return func(_ context.Context, dir string, args ...string) (string, error) {
		joined := strings.Join(args, " ")
		f.mu.Lock()
		f.commands = append(f.commands, gitCall{dir: dir, cmd: joined})
		fail := f.fail
		mirrorDir := f.mirrorDir
		f.mu.Unlock()

		for prefix, err := range fail {
			if strings.HasPrefix(joined, prefix) {
				return "", err
			}
		}
		if args[0] == "clone" {
			dest := args[len(args)-1]
			if err := os.MkdirAll(filepath.Join(dest, ".git"), 0o755); err != nil {
				return "", err
			}
		}
		if args[0] == "rev-parse" {
			target := strings.TrimSuffix(args[len(args)-1], "^{commit}")
			if strings.HasPrefix(target, "refs/") {
				if mirrorDir != "" && dir != mirrorDir {
					return "", fmt.Errorf("unknown revision %s", target)
				}
				return "deadbeef\n", nil
			}
			return target + "\n", nil
		}
		return "", nil
	}
}

func (f *fakeGit) issued(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.HasPrefix(c.cmd, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeGit) issuedIn(dir, prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c.dir == dir && strings.HasPrefix(c.cmd, prefix) {
			n++
		}
	}
	return n
}

func newTestPool(t *testing.T, n int, git *fakeGit) *Pool {
	t.Helper()
	base := t.TempDir()
	mirror := &Repo{dir: filepath.Join(base, "mirror"), run: git.runner()}
	pool, err := NewPool(context.Background(), mirror, filepath.Join(base, "slots"), n, logrus.New())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

func TestPoolProvisionsSlots(t *testing.T) {
	git := &fakeGit{}
	pool := newTestPool(t, 3, git)
	if pool.Size() != 3 {
		t.Fatalf("expected 3 slots, got %d", pool.Size())
	}
	if got := git.issued("clone"); got != 3 {
		t.Fatalf("expected 3 clones, got %d", got)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	pool := newTestPool(t, 1, &fakeGit{})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error while pool exhausted, got %v", err)
	}

	lease.Release()
	next, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	next.Release()
}

func TestNoTwoLeasesShareASlot(t *testing.T) {
	pool := newTestPool(t, 2, &fakeGit{})
	ctx := context.Background()

	var (
		mu   sync.Mutex
		held = map[int]bool{}
	)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(ctx)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer lease.Release()

			mu.Lock()
			if held[lease.Slot()] {
				mu.Unlock()
				t.Errorf("slot %d leased twice concurrently", lease.Slot())
				return
			}
			held[lease.Slot()] = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			held[lease.Slot()] = false
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func TestReleaseIdempotent(t *testing.T) {
	pool := newTestPool(t, 1, &fakeGit{})
	ctx := context.Background()

	lease, _ := pool.Acquire(ctx)
	lease.Release()
	lease.Release()

	// Exactly one slot must be available, not two.
	a, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer a.Release()

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(shortCtx); err == nil {
		t.Fatal("double release duplicated pool capacity")
	}
}

func TestResetResolvesBranchRefAgainstMirror(t *testing.T) {
	// Slots only track the upstream default branch, so a build on any
	// other branch ref works only if resolution goes through the mirror.
	git := &fakeGit{}
	base := t.TempDir()
	mirrorDir := filepath.Join(base, "mirror")
	git.mirrorDir = mirrorDir
	mirror := &Repo{dir: mirrorDir, run: git.runner()}
	pool, err := NewPool(context.Background(), mirror, filepath.Join(base, "slots"), 1, logrus.New())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	if err := lease.Reset(context.Background(), "refs/heads/Copter-4.5"); err != nil {
		t.Fatalf("branch ref known upstream failed to reset: %v", err)
	}

	if got := git.issuedIn(mirrorDir, "rev-parse --verify refs/heads/Copter-4.5"); got != 1 {
		t.Fatalf("expected 1 ref resolution in the mirror, got %d", got)
	}
	slotDir := filepath.Join(base, "slots", "slot-0")
	if got := git.issuedIn(slotDir, "rev-parse --verify refs/"); got != 0 {
		t.Fatal("slot resolved a branch ref itself instead of using the mirror")
	}
	if got := git.issuedIn(slotDir, "checkout -f deadbeef"); got != 1 {
		t.Fatal("slot did not check out the commit id resolved by the mirror")
	}
}

func TestResetUnresolvableRef(t *testing.T) {
	git := &fakeGit{fail: map[string]error{
		"rev-parse": fmt.Errorf("unknown revision"),
	}}
	pool := newTestPool(t, 1, git)

	lease, _ := pool.Acquire(context.Background())
	defer lease.Release()

	err := lease.Reset(context.Background(), "refs/heads/nope")
	if !errors.Is(err, ErrUnresolvableRef) {
		t.Fatalf("expected ErrUnresolvableRef, got %v", err)
	}
	// The failed resolve must have triggered one mirror fetch-and-retry.
	if got := git.issued("fetch"); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
}

func TestCorruptSlotRecloned(t *testing.T) {
	git := &fakeGit{}
	pool := newTestPool(t, 1, git)
	ctx := context.Background()

	lease, _ := pool.Acquire(ctx)
	lease.MarkCorrupt()
	lease.Release()

	clonesBefore := git.issued("clone")
	healed, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after corruption: %v", err)
	}
	defer healed.Release()

	if got := git.issued("clone"); got != clonesBefore+1 {
		t.Fatalf("expected re-clone before next lease, clones %d -> %d", clonesBefore, got)
	}

	// Healed slot behaves normally again.
	if err := healed.Reset(ctx, "refs/heads/main"); err != nil {
		t.Fatalf("Reset after heal: %v", err)
	}
}
