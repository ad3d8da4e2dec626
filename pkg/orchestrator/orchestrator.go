// Package orchestrator owns the build queue, the worker pool and every
// build state transition. All other packages are collaborators it drives.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aeroforge/firmware/backend/pkg/artifact"
	"github.com/aeroforge/firmware/backend/pkg/build"
	"github.com/aeroforge/firmware/backend/pkg/catalog"
	"github.com/aeroforge/firmware/backend/pkg/hwdef"
	"github.com/aeroforge/firmware/backend/pkg/store"
	"github.com/aeroforge/firmware/backend/pkg/toolchain"
	"github.com/aeroforge/firmware/backend/pkg/workspace"
)

// WorkspaceLease is the orchestrator's view of one leased checkout.
type WorkspaceLease interface {
	Slot() int
	Dir() string
	Reset(ctx context.Context, ref string) error
	MarkCorrupt()
	Release()
}

// WorkspacePool hands out exclusive workspace leases.
type WorkspacePool interface {
	Acquire(ctx context.Context) (WorkspaceLease, error)
	Size() int
}

type poolAdapter struct{ *workspace.Pool }

func (a poolAdapter) Acquire(ctx context.Context) (WorkspaceLease, error) {
	return a.Pool.Acquire(ctx)
}

// WrapPool adapts the concrete workspace pool to the orchestrator's
// interface.
func WrapPool(p *workspace.Pool) WorkspacePool { return poolAdapter{p} }

// Shipper delivers finished artifacts off-host. Optional.
type Shipper interface {
	Ship(id string) error
}

// Options are the scheduling parameters; all are required configuration.
type Options struct {
	QueueCeiling     int
	BuildTimeout     time.Duration
	ProgressInterval time.Duration
}

// Orchestrator accepts build requests, runs them on the workspace pool and
// records every lifecycle transition in the status store.
type Orchestrator struct {
	opts      Options
	catalog   catalog.Catalog
	store     store.Store
	pool      WorkspacePool
	artifacts *artifact.Store
	runner    toolchain.Runner
	shipper   Shipper
	log       logrus.FieldLogger
	tracer    trace.Tracer

	// backlog is the FIFO admission queue. It is a slice, not a channel:
	// admission must never block on queue capacity, cancelled pending
	// builds must leave the queue immediately, and re-seeding at startup
	// must not race a concurrent Submit into a duplicate entry (queued
	// dedupes by id). wake nudges idle workers; they re-check the backlog
	// before blocking, so a dropped token is never a lost build.
	mu      sync.Mutex
	backlog []string
	queued  map[string]bool
	wake    chan struct{}
	cancels map[string]context.CancelCauseFunc

	// fatalf terminates the process on status store write failures; state
	// consistency is never traded for availability. Swapped in tests.
	fatalf func(format string, args ...any)
}

// New wires an orchestrator. shipper may be nil.
func New(opts Options, cat catalog.Catalog, st store.Store, pool WorkspacePool, artifacts *artifact.Store, runner toolchain.Runner, shipper Shipper, log logrus.FieldLogger) *Orchestrator {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 3 * time.Second
	}
	o := &Orchestrator{
		opts:      opts,
		catalog:   cat,
		store:     st,
		pool:      pool,
		artifacts: artifacts,
		runner:    runner,
		shipper:   shipper,
		log:       log,
		tracer:    otel.Tracer("orchestrator"),
		queued:    make(map[string]bool),
		wake:      make(chan struct{}, 1),
		cancels:   make(map[string]context.CancelCauseFunc),
	}
	o.fatalf = func(format string, args ...any) { log.Fatalf(format, args...) }
	return o
}

// Artifacts exposes the artifact and log store for the query surface.
func (o *Orchestrator) Artifacts() *artifact.Store { return o.artifacts }

// Start reconciles interrupted builds, re-enqueues surviving pending ones
// and runs one worker per workspace slot until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	n, err := o.store.ReconcileInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("reconcile interrupted builds: %w", err)
	}
	if n > 0 {
		o.log.WithField("count", n).Warn("marked interrupted builds as failed")
	}

	pending, err := o.store.List(ctx, store.Filter{State: build.StatePending})
	if err != nil {
		return fmt.Errorf("list pending builds: %w", err)
	}
	// List returns newest first; admission order is oldest first. Builds
	// submitted while this runs are deduped by id.
	o.mu.Lock()
	for i := len(pending) - 1; i >= 0; i-- {
		o.enqueueLocked(pending[i].ID)
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.pool.Size(); i++ {
		worker := i
		g.Go(func() error {
			o.runWorker(gctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		o.progressLoop(gctx)
		return nil
	})
	return g.Wait()
}

// Submit validates the request and, if admitted, durably creates a pending
// build and enqueues it. It never blocks on workspace availability or on
// queue capacity; the ceiling bounds admission, the backlog is unbounded.
func (o *Orchestrator) Submit(ctx context.Context, req build.Request) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Submit")
	defer span.End()

	req = req.Normalize()
	if err := o.catalog.Validate(ctx, req.Vehicle, req.Board, req.Version, req.Features); err != nil {
		var unknown *catalog.UnknownError
		if errors.As(err, &unknown) {
			return "", &AdmissionError{Reason: ReasonInvalidRequest, Detail: unknown.Error()}
		}
		return "", &AdmissionError{Reason: ReasonCatalogUnavailable, Detail: err.Error()}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	active, err := o.store.CountActive(ctx)
	if err != nil {
		return "", fmt.Errorf("count active builds: %w", err)
	}
	if active >= o.opts.QueueCeiling {
		return "", &AdmissionError{Reason: ReasonQueueFull, Detail: fmt.Sprintf("%d builds in flight", active)}
	}

	b := build.Build{
		ID:          uuid.NewString(),
		Request:     req,
		Fingerprint: req.Fingerprint(),
		State:       build.StatePending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.Create(ctx, b); err != nil {
		return "", fmt.Errorf("persist build: %w", err)
	}
	o.enqueueLocked(b.ID)

	span.SetAttributes(attribute.String("build.id", b.ID))
	o.log.WithFields(logrus.Fields{
		"build_id": b.ID,
		"vehicle":  req.Vehicle,
		"board":    req.Board,
		"version":  req.Version,
	}).Info("build admitted")
	return b.ID, nil
}

// Get returns the current snapshot of a build.
func (o *Orchestrator) Get(ctx context.Context, id string) (build.Build, error) {
	return o.store.Get(ctx, id)
}

// List returns builds matching the filter, newest first.
func (o *Orchestrator) List(ctx context.Context, f store.Filter) ([]build.Build, error) {
	return o.store.List(ctx, f)
}

// Cancel requests termination of a build. Pending builds move straight to
// cancelled; running builds get their toolchain signalled and the owning
// worker records the cancellation. Cancelling a terminal build reports
// store.ErrAlreadyTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	cancel := o.cancels[id]
	o.mu.Unlock()
	if cancel != nil {
		o.log.WithField("build_id", id).Info("cancelling running build")
		cancel(errCancelled)
		return nil
	}

	_, err := o.store.Update(ctx, id, func(b *build.Build) error {
		now := time.Now().UTC()
		b.State = build.StateCancelled
		b.WorkspaceSlot = nil
		b.FinishedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.dropLocked(id)
	o.mu.Unlock()
	o.log.WithField("build_id", id).Info("cancelled pending build")
	return nil
}

// enqueueLocked appends id to the backlog unless it is already queued.
// Callers hold o.mu.
func (o *Orchestrator) enqueueLocked(id string) {
	if o.queued[id] {
		return
	}
	o.queued[id] = true
	o.backlog = append(o.backlog, id)
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// dropLocked removes a queued id so it stops occupying the backlog.
// Callers hold o.mu.
func (o *Orchestrator) dropLocked(id string) {
	if !o.queued[id] {
		return
	}
	delete(o.queued, id)
	for i, queued := range o.backlog {
		if queued == id {
			o.backlog = append(o.backlog[:i], o.backlog[i+1:]...)
			return
		}
	}
}

// dequeue pops the oldest queued build, blocking until one exists or ctx is
// done.
func (o *Orchestrator) dequeue(ctx context.Context) (string, bool) {
	for {
		o.mu.Lock()
		if len(o.backlog) > 0 {
			id := o.backlog[0]
			o.backlog = o.backlog[1:]
			delete(o.queued, id)
			if len(o.backlog) > 0 {
				// More work remains; keep a token up for the next
				// idle worker.
				select {
				case o.wake <- struct{}{}:
				default:
				}
			}
			o.mu.Unlock()
			return id, true
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-o.wake:
		}
	}
}

func (o *Orchestrator) registerCancel(id string, fn context.CancelCauseFunc) {
	o.mu.Lock()
	o.cancels[id] = fn
	o.mu.Unlock()
}

func (o *Orchestrator) unregisterCancel(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	o.mu.Unlock()
}

func (o *Orchestrator) runWorker(ctx context.Context, n int) {
	log := o.log.WithField("worker", n)
	for {
		id, ok := o.dequeue(ctx)
		if !ok {
			return
		}
		o.process(ctx, id, log)
	}
}

func (o *Orchestrator) process(ctx context.Context, id string, log logrus.FieldLogger) {
	b, err := o.store.Get(ctx, id)
	if err != nil {
		log.WithError(err).WithField("build_id", id).Error("dequeued unknown build")
		return
	}
	if b.State.Terminal() {
		// Cancelled while still queued; never leases a workspace.
		return
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Build", trace.WithAttributes(
		attribute.String("build.id", id),
		attribute.String("build.board", b.Request.Board),
	))
	defer span.End()

	lease, err := o.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the build stays pending and is re-enqueued
			// on the next start.
			return
		}
		// Slot healing failed. The id is already consumed, so requeue it
		// or the build is stranded pending until a restart.
		log.WithError(err).WithField("build_id", id).Error("workspace acquire failed, requeueing build")
		o.mu.Lock()
		o.enqueueLocked(id)
		o.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return
	}
	defer lease.Release()

	slot := lease.Slot()
	started := time.Now().UTC()
	if _, err := o.store.Update(ctx, id, func(b *build.Build) error {
		if b.State != build.StatePending {
			// Another worker claimed this id; exactly one may run it.
			return errNotClaimable
		}
		b.State = build.StateRunning
		b.WorkspaceSlot = &slot
		b.StartedAt = &started
		return nil
	}); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) || errors.Is(err, errNotClaimable) {
			// Lost the race with a cancellation or a duplicate claim.
			return
		}
		o.fatalf("status store write failed for build %s: %v", id, err)
		return
	}
	log = log.WithFields(logrus.Fields{"build_id": id, "slot": slot})
	log.Info("build started")

	// Registered only after the claim commits, so a failed claim cannot
	// displace the winning worker's cancel hook.
	bctx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)
	o.registerCancel(id, cancelCause)
	defer o.unregisterCancel(id)

	tctx, tcancel := context.WithTimeout(bctx, o.opts.BuildTimeout)
	defer tcancel()

	artifactRef, runErr := o.execute(tctx, b, lease)
	o.finish(tctx, id, artifactRef, runErr, lease, log)
}

// execute runs one build inside a leased workspace and returns the artifact
// ref on success.
func (o *Orchestrator) execute(ctx context.Context, b build.Build, lease WorkspaceLease) (string, error) {
	ref, err := o.catalog.ResolveRef(ctx, b.Request.Version)
	if err != nil {
		return "", fmt.Errorf("%w: %v", workspace.ErrUnresolvableRef, err)
	}

	logw, err := o.artifacts.OpenLogWriter(b.ID)
	if err != nil {
		return "", err
	}
	defer logw.Close()

	if err := lease.Reset(ctx, ref); err != nil {
		fmt.Fprintf(logw, "workspace reset failed: %v\n", err)
		return "", err
	}

	features, err := o.catalog.FeatureSet(ctx, b.Request.Vehicle, b.Request.Board, b.Request.Version)
	if err != nil {
		return "", err
	}
	cfg, err := hwdef.Materialize(b.Request.Features, features)
	if err != nil {
		fmt.Fprintf(logw, "configuration failed: %v\n", err)
		return "", err
	}
	hwdefPath, err := cfg.WriteTo(lease.Dir())
	if err != nil {
		return "", err
	}

	buildDir := filepath.Join(lease.Dir(), "build")
	err = o.runner.Build(ctx, toolchain.Invocation{
		SourceDir: lease.Dir(),
		BuildDir:  buildDir,
		Board:     b.Request.Board,
		Vehicle:   b.Request.Vehicle,
		HwdefPath: hwdefPath,
		Log:       logw,
	})
	if err != nil {
		return "", err
	}

	files, err := toolchain.FindArtifacts(buildDir, b.Request.Board)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("toolchain produced no artifacts")
	}
	for _, f := range files {
		if _, err := o.artifacts.PutArtifact(b.ID, f); err != nil {
			return "", err
		}
	}
	return "artifacts/" + b.ID, nil
}

// finish records the terminal transition. The whole terminal snapshot
// (state, timestamps, error, refs) commits in one store update so readers
// never see a torn view.
func (o *Orchestrator) finish(ctx context.Context, id, artifactRef string, runErr error, lease WorkspaceLease, log logrus.FieldLogger) {
	cause := context.Cause(ctx)
	if runErr != nil && errors.Is(runErr, context.Canceled) &&
		!errors.Is(cause, errCancelled) && !errors.Is(cause, context.DeadlineExceeded) {
		// Process shutdown, not a user cancellation. Leave the record
		// running; the next start reconciles it to interrupted.
		log.Warn("build interrupted by shutdown")
		return
	}

	state, kind := classify(runErr, cause)
	if kind == build.ErrKindCorruptWorkspace {
		lease.MarkCorrupt()
	}

	now := time.Now().UTC()
	// The worker owns this build; a background context keeps the terminal
	// write alive through shutdown.
	_, err := o.store.Update(context.Background(), id, func(b *build.Build) error {
		b.State = state
		b.WorkspaceSlot = nil
		b.FinishedAt = &now
		b.LogRef = o.artifacts.LogRef(b.ID)
		if state == build.StateSuccess {
			b.ArtifactRef = artifactRef
			b.Progress = 100
		}
		if state == build.StateFailure {
			b.ErrorKind = kind
			b.Error = runErr.Error()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			log.Warn("terminal transition raced with cancellation")
			return
		}
		o.fatalf("status store write failed for build %s: %v", id, err)
		return
	}

	switch state {
	case build.StateSuccess:
		log.Info("build succeeded")
		if o.shipper != nil {
			go func() {
				if err := o.shipper.Ship(id); err != nil {
					log.WithError(err).Error("artifact delivery failed")
				}
			}()
		}
	case build.StateCancelled:
		log.Info("build cancelled")
	default:
		log.WithField("kind", kind).WithError(runErr).Error("build failed")
	}
}

// classify maps an execution error and the context cause to the terminal
// state and error kind. The cause wins over the error shape: a SIGTERM'd
// toolchain reports an exit error, but the build was cancelled.
func classify(err error, cause error) (build.State, build.ErrorKind) {
	if err == nil {
		return build.StateSuccess, build.ErrKindNone
	}
	if errors.Is(cause, errCancelled) || errors.Is(err, errCancelled) {
		return build.StateCancelled, build.ErrKindNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded) {
		return build.StateFailure, build.ErrKindTimeout
	}
	if errors.Is(err, workspace.ErrUnresolvableRef) {
		return build.StateFailure, build.ErrKindUnresolvableRef
	}
	var conflict *hwdef.IncompatibleFeaturesError
	if errors.As(err, &conflict) {
		return build.StateFailure, build.ErrKindIncompatibleFeatures
	}
	var unknownFeature *hwdef.UnknownFeatureError
	if errors.As(err, &unknownFeature) {
		return build.StateFailure, build.ErrKindIncompatibleFeatures
	}
	var exit *toolchain.ExitError
	if errors.As(err, &exit) {
		return build.StateFailure, build.ErrKindNonZeroExit
	}
	var git *workspace.GitError
	if errors.As(err, &git) {
		// Local tree operations failing points at a damaged checkout;
		// fetch failures are network trouble, not corruption.
		if strings.HasPrefix(git.Op, "fetch") {
			return build.StateFailure, build.ErrKindGitFailure
		}
		return build.StateFailure, build.ErrKindCorruptWorkspace
	}
	return build.StateFailure, build.ErrKindInternal
}

func (o *Orchestrator) progressLoop(ctx context.Context) {
	t := time.NewTicker(o.opts.ProgressInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.updateProgress(ctx)
		}
	}
}

func (o *Orchestrator) updateProgress(ctx context.Context) {
	running, err := o.store.List(ctx, store.Filter{State: build.StateRunning})
	if err != nil {
		o.log.WithError(err).Warn("progress scan failed")
		return
	}
	for _, b := range running {
		raw, err := o.artifacts.GetLog(b.ID)
		if err != nil {
			continue
		}
		pct := toolchain.ProgressPercent(raw)
		if pct == b.Progress {
			continue
		}
		if _, err := o.store.Update(ctx, b.ID, func(b *build.Build) error {
			b.Progress = pct
			return nil
		}); err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
			o.log.WithError(err).WithField("build_id", b.ID).Warn("progress update failed")
		}
	}
}
