// Package catalog serves the read-only vehicle/board/version/feature
// reference data that build requests are validated against.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

// ErrUnavailable indicates the catalog backend could not be reached. It is
// distinct from a lookup miss: callers must not treat it as "no constraints".
var ErrUnavailable = errors.New("catalog unavailable")

// UnknownError reports a reference to an entity the catalog does not know.
type UnknownError struct {
	Kind string // "vehicle", "board", "version", "feature"
	ID   string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.ID)
}

// Feature describes one selectable build option and the compiler define
// behind it.
type Feature struct {
	ID            string   `yaml:"id" json:"id"`
	Define        string   `yaml:"define" json:"define"`
	Category      string   `yaml:"category" json:"category"`
	Description   string   `yaml:"description" json:"description"`
	Default       bool     `yaml:"default" json:"default"`
	ConflictsWith []string `yaml:"conflicts_with" json:"conflicts_with,omitempty"`
}

// Vehicle names a firmware target and the boards it supports.
type Vehicle struct {
	ID     string   `yaml:"id" json:"id"`
	Boards []string `yaml:"boards" json:"boards"`
}

// Version maps a user-facing version id to the git ref it builds from.
type Version struct {
	ID  string `yaml:"id" json:"id"`
	Ref string `yaml:"ref" json:"ref"`
}

// Catalog answers validity and feature-set questions for build requests.
type Catalog interface {
	// Validate checks that the vehicle, board, version and every feature id
	// exist and are mutually consistent. It returns an *UnknownError for the
	// first unknown entity, or an error wrapping ErrUnavailable when the
	// catalog itself cannot answer.
	Validate(ctx context.Context, vehicle, board, version string, features []string) error

	// FeatureSet returns all features valid for the combination, sorted by id.
	FeatureSet(ctx context.Context, vehicle, board, version string) ([]Feature, error)

	// ResolveRef maps a version id to its git ref.
	ResolveRef(ctx context.Context, version string) (string, error)
}

type manifest struct {
	Vehicles []Vehicle `yaml:"vehicles"`
	Versions []Version `yaml:"versions"`
	Features []Feature `yaml:"features"`
}

// FileCatalog serves catalog lookups from a YAML manifest loaded into memory.
// Reload replaces the whole table atomically, so an external refresh process
// can swap the manifest without disturbing readers.
type FileCatalog struct {
	path string

	mu       sync.RWMutex
	vehicles map[string]Vehicle
	versions map[string]Version
	features map[string]Feature
	ordered  []Feature
}

// LoadFile reads the manifest at path and returns a ready catalog.
func LoadFile(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the manifest from disk.
func (c *FileCatalog) Reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse catalog manifest: %w", err)
	}

	vehicles := make(map[string]Vehicle, len(m.Vehicles))
	for _, v := range m.Vehicles {
		vehicles[v.ID] = v
	}
	versions := make(map[string]Version, len(m.Versions))
	for _, v := range m.Versions {
		versions[v.ID] = v
	}
	features := make(map[string]Feature, len(m.Features))
	ordered := make([]Feature, len(m.Features))
	copy(ordered, m.Features)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	for _, f := range ordered {
		features[f.ID] = f
	}

	c.mu.Lock()
	c.vehicles = vehicles
	c.versions = versions
	c.features = features
	c.ordered = ordered
	c.mu.Unlock()
	return nil
}

func (c *FileCatalog) Validate(_ context.Context, vehicle, board, version string, features []string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.vehicles[vehicle]
	if !ok {
		return &UnknownError{Kind: "vehicle", ID: vehicle}
	}
	boardOK := false
	for _, b := range v.Boards {
		if b == board {
			boardOK = true
			break
		}
	}
	if !boardOK {
		return &UnknownError{Kind: "board", ID: board}
	}
	if _, ok := c.versions[version]; !ok {
		return &UnknownError{Kind: "version", ID: version}
	}
	for _, f := range features {
		if _, ok := c.features[f]; !ok {
			return &UnknownError{Kind: "feature", ID: f}
		}
	}
	return nil
}

func (c *FileCatalog) FeatureSet(_ context.Context, vehicle, board, version string) ([]Feature, error) {
	if err := c.Validate(context.Background(), vehicle, board, version, nil); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Feature, len(c.ordered))
	copy(out, c.ordered)
	return out, nil
}

func (c *FileCatalog) ResolveRef(_ context.Context, version string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.versions[version]
	if !ok {
		return "", &UnknownError{Kind: "version", ID: version}
	}
	return v.Ref, nil
}
