package tracking

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relaylab/project-relay/internal/core/diff"
	"github.com/relaylab/project-relay/internal/core/entity"
)

// TrackingRule declares, per entity kind, which snapshot fields are diffed
// and how. Rules are loaded at startup from YAML files and fingerprinted for
// staleness detection; an entity kind without a rule is not tracked.
type TrackingRule struct {
	Entity entity.Kind `yaml:"entity"`

	// Fields is the diff allow-list; anything outside it never produces
	// an event.
	Fields []string `yaml:"fields"`

	// FieldEvents lists the fields that additionally get a dedicated
	// single-field CHANGED event next to the model-level diff event.
	FieldEvents []string `yaml:"field_events"`

	// FoldEmpty and FoldTime name fields whose comparison folds
	// nil/empty-string and sub-second timestamp drift respectively.
	FoldEmpty []string `yaml:"fold_empty"`
	FoldTime  []string `yaml:"fold_time"`

	Fingerprint string // SHA-256 of the raw YAML file; computed at load time
}

// Policy converts the rule's fold lists into a diff policy.
func (r *TrackingRule) Policy() diff.Policy {
	return diff.Policy{
		FoldEmpty: toSet(r.FoldEmpty),
		FoldTime:  toSet(r.FoldTime),
	}
}

// EmitsFieldEvent reports whether field gets its own CHANGED event.
func (r *TrackingRule) EmitsFieldEvent(field string) bool {
	for _, f := range r.FieldEvents {
		if f == field {
			return true
		}
	}
	return false
}

func (r *TrackingRule) validate() error {
	if !r.Entity.Known() {
		return fmt.Errorf("unknown entity kind %q", r.Entity)
	}
	if len(r.Fields) == 0 {
		return fmt.Errorf("rule for %q has no tracked fields", r.Entity)
	}
	tracked := toSet(r.Fields)
	for _, f := range r.FieldEvents {
		if !tracked[f] {
			return fmt.Errorf("field_events entry %q is not a tracked field of %q", f, r.Entity)
		}
	}
	return nil
}

func toSet(fields []string) map[string]bool {
	if len(fields) == 0 {
		return nil
	}
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// RuleRepository resolves the tracking rule for an entity kind.
type RuleRepository interface {
	// Get returns the rule for kind, or an error if the kind is untracked.
	Get(ctx context.Context, kind entity.Kind) (*TrackingRule, error)

	// List returns all loaded rules.
	List(ctx context.Context) ([]TrackingRule, error)
}

// FileSystemRuleRepository loads tracking rules from *.yaml files in a
// directory. Each file contains exactly one rule at the top level. Rules are
// loaded once at startup and cached in memory — no hot reload.
type FileSystemRuleRepository struct {
	dir   string
	rules map[entity.Kind]TrackingRule
}

// NewFileSystemRuleRepository creates a new repository and eagerly loads all
// rules from dir. Returns an error if any rule file is malformed or names an
// unknown entity kind.
func NewFileSystemRuleRepository(dir string) (*FileSystemRuleRepository, error) {
	repo := &FileSystemRuleRepository{
		dir:   dir,
		rules: make(map[entity.Kind]TrackingRule),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemRuleRepository) load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read rules dir %s: %w", r.dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rule file %s: %w", path, err)
		}

		var rule TrackingRule
		if err := yaml.Unmarshal(raw, &rule); err != nil {
			return fmt.Errorf("parse rule file %s: %w", path, err)
		}
		if err := rule.validate(); err != nil {
			return fmt.Errorf("invalid rule file %s: %w", path, err)
		}
		if _, dup := r.rules[rule.Entity]; dup {
			return fmt.Errorf("duplicate rule for entity %q in %s", rule.Entity, path)
		}

		rule.Fingerprint = fmt.Sprintf("%x", sha256.Sum256(raw))
		r.rules[rule.Entity] = rule
	}

	if len(r.rules) == 0 {
		return fmt.Errorf("no rule files found in %s", r.dir)
	}
	return nil
}

func (r *FileSystemRuleRepository) Get(_ context.Context, kind entity.Kind) (*TrackingRule, error) {
	rule, ok := r.rules[kind]
	if !ok {
		return nil, fmt.Errorf("no tracking rule for entity %q", kind)
	}
	return &rule, nil
}

func (r *FileSystemRuleRepository) List(_ context.Context) ([]TrackingRule, error) {
	out := make([]TrackingRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out, nil
}

// StaticRuleRepository serves a fixed rule set. Used in tests and as the
// built-in default when no rules directory is configured.
type StaticRuleRepository struct {
	rules map[entity.Kind]TrackingRule
}

func NewStaticRuleRepository(rules ...TrackingRule) (*StaticRuleRepository, error) {
	repo := &StaticRuleRepository{rules: make(map[entity.Kind]TrackingRule, len(rules))}
	for _, rule := range rules {
		if err := rule.validate(); err != nil {
			return nil, err
		}
		if _, dup := repo.rules[rule.Entity]; dup {
			return nil, fmt.Errorf("duplicate rule for entity %q", rule.Entity)
		}
		repo.rules[rule.Entity] = rule
	}
	return repo, nil
}

func (r *StaticRuleRepository) Get(_ context.Context, kind entity.Kind) (*TrackingRule, error) {
	rule, ok := r.rules[kind]
	if !ok {
		return nil, fmt.Errorf("no tracking rule for entity %q", kind)
	}
	return &rule, nil
}

func (r *StaticRuleRepository) List(_ context.Context) ([]TrackingRule, error) {
	out := make([]TrackingRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out, nil
}

// DefaultRules returns the built-in rule set covering every tracked entity
// kind. A rules directory, when configured, replaces this wholesale.
func DefaultRules() []TrackingRule {
	return []TrackingRule{
		{
			Entity: entity.KindOrder,
			Fields: []string{
				"status", "driver", "manager", "customer", "title",
				"deliver_address", "deliver_before", "cost", "deleted",
				"concatenated_order", "geofence_entered",
				"pickup_geofence_entered", "is_confirmed_by_customer",
				"completion_comment",
			},
			FieldEvents: []string{
				"status", "driver", "deleted", "geofence_entered",
				"pickup_geofence_entered",
			},
			FoldEmpty: []string{"completion_comment", "deliver_address", "title"},
			FoldTime:  []string{"deliver_before"},
		},
		{
			Entity: entity.KindConcatenatedOrder,
			Fields: []string{
				"status", "driver", "customer", "deliver_address",
				"deliver_day", "deleted", "order_ids",
			},
			FieldEvents: []string{"status", "driver", "deleted", "order_ids"},
			FoldEmpty:   []string{"deliver_address"},
			FoldTime:    []string{"deliver_day"},
		},
		{
			Entity: entity.KindMember,
			Fields: []string{
				"work_status", "role", "is_active", "first_name",
				"last_name", "email",
			},
			FieldEvents: []string{"work_status", "is_active"},
			FoldEmpty:   []string{"email"},
		},
		{
			Entity:      entity.KindChecklist,
			Fields:      []string{"is_passed", "checklist_type"},
			FieldEvents: []string{"is_passed"},
		},
	}
}
