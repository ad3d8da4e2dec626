// Package artifact persists build outputs and logs, addressed by build id.
// Workspace slots are reused across builds, so nothing in here is keyed by
// slot.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNotFound indicates no log or artifact exists for the build id.
var ErrNotFound = errors.New("not found")

// Store lays out files as <base>/logs/<id>.log and
// <base>/artifacts/<id>/<name>. Logs are appended while the build runs and
// may be read partially before completion; once the build is terminal the
// orchestrator stops writing and the content is immutable.
type Store struct {
	base string

	// mu serializes log appends with subscription snapshots.
	mu   sync.Mutex
	subs map[string][]chan string
}

func NewStore(base string) (*Store, error) {
	for _, dir := range []string{filepath.Join(base, "logs"), filepath.Join(base, "artifacts")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}
	return &Store{base: base, subs: make(map[string][]chan string)}, nil
}

func (s *Store) logPath(id string) string {
	return filepath.Join(s.base, "logs", id+".log")
}

func (s *Store) artifactDir(id string) string {
	return filepath.Join(s.base, "artifacts", id)
}

// OpenLogWriter opens the append-only log sink for a build. Complete lines
// written through it are fanned out to live subscribers. The caller must
// Close it when the build finishes.
func (s *Store) OpenLogWriter(id string) (io.WriteCloser, error) {
	f, err := os.OpenFile(s.logPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open build log: %w", err)
	}
	return &logWriter{store: s, id: id, f: f}, nil
}

// GetLog returns the log content so far. Partial content is expected while
// the build is still running.
func (s *Store) GetLog(id string) ([]byte, error) {
	raw, err := os.ReadFile(s.logPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return raw, err
}

// LogRef returns the opaque handle recorded on the build for its log.
func (s *Store) LogRef(id string) string {
	return "logs/" + id + ".log"
}

// PutArtifact copies the file at src into the build's artifact directory
// and returns its ref.
func (s *Store) PutArtifact(id, src string) (string, error) {
	if err := os.MkdirAll(s.artifactDir(id), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	name := filepath.Base(src)
	dest := filepath.Join(s.artifactDir(id), name)

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open artifact source: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return "artifacts/" + id + "/" + name, nil
}

// GetArtifact opens a stored artifact by name.
func (s *Store) GetArtifact(id, name string) (io.ReadCloser, error) {
	// Refuse path escapes; artifact names are plain file names.
	if name != filepath.Base(name) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.artifactDir(id), name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// ListArtifacts returns the artifact file names stored for a build.
func (s *Store) ListArtifacts(id string) ([]string, error) {
	entries, err := os.ReadDir(s.artifactDir(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Subscribe returns a channel receiving log lines as they are written. The
// channel is closed when the build's log writer closes.
func (s *Store) Subscribe(id string) <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subs[id] = append(s.subs[id], ch)
	s.mu.Unlock()
	return ch
}

// TailLog returns the log content so far together with a channel of lines
// written after that snapshot. Snapshot and subscription happen under the
// same lock that serializes log appends, so a follower sees every line
// exactly once: in the snapshot or on the channel, never both.
func (s *Store) TailLog(id string) ([]byte, <-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.logPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}
	ch := make(chan string, 64)
	s.subs[id] = append(s.subs[id], ch)
	return raw, ch, nil
}

// broadcastLocked fans a line out to subscribers. Callers hold s.mu.
func (s *Store) broadcastLocked(id, line string) {
	for _, ch := range s.subs[id] {
		select {
		case ch <- line:
		default:
		}
	}
}

type logWriter struct {
	store   *Store
	id      string
	f       *os.File
	partial bytes.Buffer
}

// Write appends to the log file and fans out complete lines, all under the
// store lock so TailLog snapshots never tear against an in-flight append.
func (w *logWriter) Write(p []byte) (int, error) {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()

	n, err := w.f.Write(p)
	if err != nil {
		return n, err
	}

	w.partial.Write(p[:n])
	for {
		idx := bytes.IndexByte(w.partial.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.partial.Next(idx + 1))
		w.store.broadcastLocked(w.id, line[:len(line)-1])
	}
	return n, nil
}

func (w *logWriter) Close() error {
	w.store.mu.Lock()
	if w.partial.Len() > 0 {
		w.store.broadcastLocked(w.id, w.partial.String())
		w.partial.Reset()
	}
	for _, ch := range w.store.subs[w.id] {
		close(ch)
	}
	delete(w.store.subs, w.id)
	w.store.mu.Unlock()
	return w.f.Close()
}
