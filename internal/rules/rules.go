// Package rules holds the versioned action → points table.
package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/idempotency"
)

//go:embed default.yaml
var defaultTable []byte

var ErrMissingKeyField = errors.New("metadata missing key field")

// Rule describes how one action is scored.
//
// KeyFields names the metadata fields that identify a distinct logical event
// (e.g. document_id). Metadata outside KeyFields never affects the key, so a
// retried request carrying extra noise still collapses onto the same key.
type Rule struct {
	Action         string             `yaml:"action" json:"action"`
	Points         int64              `yaml:"points" json:"points"`
	MaxOccurrences int                `yaml:"max_occurrences" json:"max_occurrences,omitempty"`
	Cooldown       time.Duration      `yaml:"cooldown" json:"cooldown,omitempty"`
	Window         idempotency.Window `yaml:"window" json:"window,omitempty"`
	KeyFields      []string           `yaml:"key_fields" json:"key_fields,omitempty"`
}

// Decision is the eligibility verdict for one award attempt.
type Decision struct {
	Eligible bool
	Reason   string
}

// NeedsHistory reports whether Evaluate depends on the user's past awards.
func (r Rule) NeedsHistory() bool {
	return r.MaxOccurrences > 0 || r.Cooldown > 0
}

// Evaluate applies occurrence and cooldown limits.
func (r Rule) Evaluate(stats domain.ActionStats, now time.Time) Decision {
	if r.MaxOccurrences > 0 && stats.Count >= r.MaxOccurrences {
		return Decision{Reason: "max_occurrences"}
	}
	if r.Cooldown > 0 && !stats.LastAt.IsZero() && now.Sub(stats.LastAt) < r.Cooldown {
		return Decision{Reason: "cooldown"}
	}
	return Decision{Eligible: true}
}

// KeyInput selects the metadata subset and time bucket that feed the
// idempotency key.
func (r Rule) KeyInput(metadata map[string]any, now time.Time) (map[string]any, string, error) {
	var subset map[string]any
	if len(r.KeyFields) > 0 {
		subset = make(map[string]any, len(r.KeyFields))
		for _, field := range r.KeyFields {
			v, ok := metadata[field]
			if !ok || v == nil || v == "" {
				return nil, "", fmt.Errorf("%w: %s", ErrMissingKeyField, field)
			}
			subset[field] = v
		}
	}
	return subset, r.Window.Bucket(now), nil
}

// Table is a read-only, versioned rule lookup. Safe for concurrent use.
type Table struct {
	version string
	rules   map[string]Rule
}

func NewTable(version string, rules []Rule) (*Table, error) {
	if version == "" {
		return nil, errors.New("rule table version is required")
	}
	t := &Table{version: version, rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		if r.Action == "" {
			return nil, errors.New("rule action is required")
		}
		if _, dup := t.rules[r.Action]; dup {
			return nil, fmt.Errorf("duplicate rule for action %q", r.Action)
		}
		if !r.Window.Valid() {
			return nil, fmt.Errorf("rule %q: unknown window %q", r.Action, r.Window)
		}
		if r.MaxOccurrences < 0 || r.Cooldown < 0 {
			return nil, fmt.Errorf("rule %q: limits must not be negative", r.Action)
		}
		if r.Window == "" {
			r.Window = idempotency.WindowNone
		}
		t.rules[r.Action] = r
	}
	return t, nil
}

// Lookup returns the rule for action or domain.ErrRuleNotFound.
func (t *Table) Lookup(action string) (Rule, error) {
	r, ok := t.rules[action]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, action)
	}
	return r, nil
}

func (t *Table) Version() string { return t.version }

// Rules returns every rule ordered by action.
func (t *Table) Rules() []Rule {
	out := make([]Rule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

type tableFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Parse decodes a YAML rule table.
func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rule table: %w", err)
	}
	return NewTable(f.Version, f.Rules)
}

// Load reads a YAML rule table from path. An empty path yields Default.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table: %w", err)
	}
	return Parse(data)
}

// Default returns the embedded rule table.
func Default() (*Table, error) {
	return Parse(defaultTable)
}
