package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/aeroforge/firmware/backend/pkg/artifact"
	"github.com/aeroforge/firmware/backend/pkg/auth"
	"github.com/aeroforge/firmware/backend/pkg/build"
	"github.com/aeroforge/firmware/backend/pkg/catalog"
	"github.com/aeroforge/firmware/backend/pkg/config"
	"github.com/aeroforge/firmware/backend/pkg/orchestrator"
	"github.com/aeroforge/firmware/backend/pkg/store"
	"github.com/aeroforge/firmware/backend/pkg/telemetry"
	"github.com/aeroforge/firmware/backend/pkg/toolchain"
	"github.com/aeroforge/firmware/backend/pkg/workspace"
)

type server struct {
	orch    *orchestrator.Orchestrator
	catalog *catalog.FileCatalog
	log     *logrus.Logger
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "firmware-orchestrator")
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(tctx)
	}()

	fileCat, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("catalog init failed: %v", err)
	}
	var cat catalog.Catalog = fileCat
	if cfg.RedisURL != "" {
		cached, err := catalog.NewCachedCatalog(fileCat, cfg.RedisURL, cfg.CatalogCacheTTL, log)
		if err != nil {
			log.Fatalf("catalog cache init failed: %v", err)
		}
		defer cached.Close()
		cat = cached
	}

	st, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("status store init failed: %v", err)
	}
	defer st.Close()

	artifacts, err := artifact.NewStore(filepath.Join(cfg.BaseDir, "output"))
	if err != nil {
		log.Fatalf("artifact store init failed: %v", err)
	}

	log.WithField("url", cfg.SourceRepoURL).Info("bootstrapping source mirror")
	mirror, err := workspace.CloneIfNeeded(ctx, cfg.SourceRepoURL, filepath.Join(cfg.BaseDir, "mirror"))
	if err != nil {
		log.Fatalf("mirror bootstrap failed: %v", err)
	}

	pool, err := workspace.NewPool(ctx, mirror, filepath.Join(cfg.BaseDir, "workspaces"), cfg.WorkspaceCount, log)
	if err != nil {
		log.Fatalf("workspace pool init failed: %v", err)
	}

	runner := &toolchain.WafRunner{AppDir: cfg.AppDir, Grace: cfg.CancelGrace, Log: log}

	var shipper orchestrator.Shipper
	if cfg.SFTPAddr != "" {
		s, err := artifact.NewShipper(artifact.ShipperConfig{
			Addr:       cfg.SFTPAddr,
			User:       cfg.SFTPUser,
			Password:   cfg.SFTPPassword,
			PrivateKey: cfg.SFTPPrivateKey,
			RemoteDir:  cfg.SFTPRemoteDir,
		}, artifacts, log)
		if err != nil {
			log.Fatalf("artifact shipper init failed: %v", err)
		}
		shipper = s
	}

	orch := orchestrator.New(orchestrator.Options{
		QueueCeiling: cfg.QueueCeiling,
		BuildTimeout: cfg.BuildTimeout,
	}, cat, st, orchestrator.WrapPool(pool), artifacts, runner, shipper, log)

	srv := &server{orch: orch, catalog: fileCat, log: log}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", healthzHandler)

	router.Route("/api/v1/builds", func(r chi.Router) {
		r.Post("/", srv.handleSubmit)
		r.Get("/", srv.handleList)
		r.Get("/{id}", srv.handleGet)
		r.Post("/{id}/cancel", srv.handleCancel)
		r.Get("/{id}/logs", srv.handleLogStream)
		r.Get("/{id}/artifacts/{name}", srv.handleArtifact)
	})

	if cfg.AdminToken != "" {
		router.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireToken(cfg.AdminToken))
			r.Post("/catalog/reload", srv.handleCatalogReload)
		})
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("http shutdown error: %v", err)
		}
	}()

	orchDone := make(chan error, 1)
	go func() { orchDone <- orch.Start(ctx) }()

	log.WithField("addr", cfg.ListenAddr).Info("orchestrator listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen failed: %v", err)
	}

	if err := <-orchDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("orchestrator stopped: %v", err)
	}
	log.Info("orchestrator stopped")
}

func buildStore(cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.NewPostgresStore(cfg.DatabaseURL)
	}
	return store.NewMemStore(), nil
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req build.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	id, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		var adm *orchestrator.AdmissionError
		if errors.As(err, &adm) {
			writeError(w, admissionStatus(adm.Reason), string(adm.Reason), adm.Detail)
			return
		}
		s.log.Errorf("submit failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "submission failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"build_id": id})
}

func admissionStatus(reason orchestrator.AdmissionReason) int {
	switch reason {
	case orchestrator.ReasonQueueFull:
		return http.StatusTooManyRequests
	case orchestrator.ReasonCatalogUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Vehicle: q.Get("vehicle"),
		Board:   q.Get("board"),
		State:   build.State(q.Get("state")),
		Limit:   intParam(q.Get("limit"), 50),
		Offset:  intParam(q.Get("offset"), 0),
	}

	builds, err := s.orch.List(r.Context(), f)
	if err != nil {
		s.log.Errorf("list failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "listing failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"builds": builds})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Errorf("get failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "lookup failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(b)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.orch.Cancel(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, store.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "already_terminal", "build already finished")
	case err != nil:
		s.log.Errorf("cancel failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "cancel failed")
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleLogStream replays the stored log and then follows live output over
// SSE until the build's log closes or the client disconnects.
func (s *server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.orch.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "lookup failed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	// TailLog pairs the backlog snapshot with the live subscription
	// atomically, so no line is dropped or emitted twice at the boundary.
	var (
		backlog []byte
		live    <-chan string
	)
	if b.State.Terminal() {
		backlog, err = s.orch.Artifacts().GetLog(id)
		if err != nil && !errors.Is(err, artifact.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "internal", "log read failed")
			return
		}
	} else {
		backlog, live, err = s.orch.Artifacts().TailLog(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "log read failed")
			return
		}
		// The build may have finished between the state read and the
		// subscription; its closed writer will never close this channel.
		if cur, err := s.orch.Get(r.Context(), id); err == nil && cur.State.Terminal() {
			live = nil
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if len(backlog) > 0 {
		fmt.Fprintf(w, "data: %s\n\n", jsonLine(string(backlog)))
		flusher.Flush()
	}

	if live == nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-live:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", jsonLine(line))
			flusher.Flush()
		}
	}
}

func jsonLine(line string) []byte {
	raw, _ := json.Marshal(map[string]string{"line": line})
	return raw
}

func (s *server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	rc, err := s.orch.Artifacts().GetArtifact(id, name)
	if errors.Is(err, artifact.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Errorf("artifact read failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "artifact read failed")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = io.Copy(w, rc)
}

func (s *server) handleCatalogReload(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Reload(); err != nil {
		s.log.Errorf("catalog reload failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "catalog reload failed")
		return
	}
	s.log.Info("catalog reloaded")
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "detail": detail})
}
