// Package hwdef turns a validated feature selection into the extra hardware
// definition file consumed by the firmware toolchain.
package hwdef

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aeroforge/firmware/backend/pkg/catalog"
)

// FileName is the definition file the toolchain expects in the build
// directory.
const FileName = "extra_hwdef.dat"

// IncompatibleFeaturesError reports a mutually exclusive feature pair in
// the selection.
type IncompatibleFeaturesError struct {
	A, B string
}

func (e *IncompatibleFeaturesError) Error() string {
	return fmt.Sprintf("features %s and %s are mutually exclusive", e.A, e.B)
}

// UnknownFeatureError reports a selected feature id absent from the
// catalog's feature set. Admission validates selections first, so hitting
// this means the catalog changed underneath an accepted build.
type UnknownFeatureError struct {
	ID string
}

func (e *UnknownFeatureError) Error() string {
	return fmt.Sprintf("feature %s not in catalog feature set", e.ID)
}

// Config is the rendered configuration artifact for one build.
type Config struct {
	// Entries holds the tagged definition lines in canonical order.
	Entries []Entry
}

// Entry is one directive of the definition file.
type Entry struct {
	Directive string // "undef" or "define"
	Define    string
	Value     string // empty for undef
}

// Materialize computes the configuration for the selection against the full
// feature set. It is a pure function: the same (selection, feature set)
// always yields an identical Config, and Render of that Config is
// byte-identical. Every define is undefined first, then selected features
// are defined to 1 and the remainder to 0, all in sorted define order.
func Materialize(selected []string, all []catalog.Feature) (Config, error) {
	byID := make(map[string]catalog.Feature, len(all))
	for _, f := range all {
		byID[f.ID] = f
	}

	chosen := make(map[string]bool, len(selected))
	for _, id := range selected {
		f, ok := byID[id]
		if !ok {
			return Config{}, &UnknownFeatureError{ID: id}
		}
		chosen[f.ID] = true
	}

	// Conflicts are checked over the selection only; order of the reported
	// pair is normalized so the error is deterministic too.
	ids := make([]string, 0, len(chosen))
	for id := range chosen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, other := range byID[id].ConflictsWith {
			if chosen[other] {
				a, b := id, other
				if b < a {
					a, b = b, a
				}
				return Config{}, &IncompatibleFeaturesError{A: a, B: b}
			}
		}
	}

	defines := make([]string, 0, len(all))
	defineToID := make(map[string]string, len(all))
	for _, f := range all {
		defines = append(defines, f.Define)
		defineToID[f.Define] = f.ID
	}
	sort.Strings(defines)

	cfg := Config{Entries: make([]Entry, 0, 2*len(defines))}
	for _, d := range defines {
		cfg.Entries = append(cfg.Entries, Entry{Directive: "undef", Define: d})
	}
	for _, d := range defines {
		value := "0"
		if chosen[defineToID[d]] {
			value = "1"
		}
		cfg.Entries = append(cfg.Entries, Entry{Directive: "define", Define: d, Value: value})
	}
	return cfg, nil
}

// Render serializes the config to the definition file format.
func (c Config) Render() []byte {
	var sb strings.Builder
	for _, e := range c.Entries {
		sb.WriteString(e.Directive)
		sb.WriteByte(' ')
		sb.WriteString(e.Define)
		if e.Value != "" {
			sb.WriteByte(' ')
			sb.WriteString(e.Value)
		}
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// WriteTo renders the config into dir and returns the file path.
func (c Config) WriteTo(dir string) (string, error) {
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, c.Render(), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", FileName, err)
	}
	return path, nil
}
