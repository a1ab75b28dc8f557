// Package rulebook sources the compliance rule set. The external rule
// store supplies tenant-authored CEL rules when reachable; the built-in
// table is always the base catalog and the sole source in fallback mode.
package rulebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-compliance/kestrel/internal/domain"
)

// ErrMalformedRule indicates the built-in rule table itself is
// inconsistent. This is a packaging defect and aborts startup.
var ErrMalformedRule = errors.New("malformed rule data")

// Book loads immutable rule snapshots for batch evaluation.
type Book struct {
	repo    domain.Repository
	builtin []domain.Rule
}

// Snapshot is the immutable, ordered rule set one batch evaluates
// against. Built-in rules come first, store rules after, both in
// stable order.
type Snapshot struct {
	Rules  []domain.Rule
	Source domain.RuleSource
}

// New validates the built-in table and returns a Book. repo may be nil,
// in which case every snapshot is served from the built-in table in
// fallback mode.
func New(repo domain.Repository, params Params) (*Book, error) {
	builtin := Builtin(params)
	if err := Validate(builtin); err != nil {
		return nil, err
	}
	return &Book{repo: repo, builtin: builtin}, nil
}

// Validate checks rule metadata consistency. Used for the built-in
// table at startup (fatal) and for store rules at load (skip + warn).
func Validate(rules []domain.Rule) error {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return fmt.Errorf("%w: rule at index %d has empty id", ErrMalformedRule, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %s", ErrMalformedRule, r.ID)
		}
		seen[r.ID] = true
		if r.ViolationType == "" {
			return fmt.Errorf("%w: rule %s has empty violation type", ErrMalformedRule, r.ID)
		}
		if !r.Severity.Valid() {
			return fmt.Errorf("%w: rule %s has invalid severity %q", ErrMalformedRule, r.ID, r.Severity)
		}
		if r.PenaltyMin.GreaterThan(r.PenaltyMax) {
			return fmt.Errorf("%w: rule %s has penalty_min > penalty_max", ErrMalformedRule, r.ID)
		}
		if r.Test == nil && r.Expression == "" {
			return fmt.Errorf("%w: rule %s has neither predicate nor expression", ErrMalformedRule, r.ID)
		}
	}
	return nil
}

// Load returns the rule snapshot for a tenant. A store failure never
// propagates: the built-in table is served instead and the snapshot is
// tagged fallback so the degradation is visible in batch output.
func (b *Book) Load(ctx context.Context, tenantID string) *Snapshot {
	rules := make([]domain.Rule, len(b.builtin))
	copy(rules, b.builtin)

	if b.repo == nil {
		return &Snapshot{Rules: rules, Source: domain.RuleSourceFallback}
	}

	stored, err := b.repo.ListRules(ctx, tenantID)
	if err != nil {
		slog.Warn("rule store unreachable, using built-in rules",
			"tenant_id", tenantID,
			"error", err,
		)
		return &Snapshot{Rules: rules, Source: domain.RuleSourceFallback}
	}

	ids := make(map[string]bool, len(rules))
	for _, r := range rules {
		ids[r.ID] = true
	}

	for _, r := range stored {
		if !r.Enabled {
			continue
		}
		if err := validateStored(r, ids); err != nil {
			slog.Warn("skipping malformed store rule",
				"tenant_id", tenantID,
				"rule_id", r.ID,
				"error", err,
			)
			continue
		}
		ids[r.ID] = true
		rules = append(rules, *r)
	}

	return &Snapshot{Rules: rules, Source: domain.RuleSourceStore}
}

// BuiltinCount returns the size of the built-in table.
func (b *Book) BuiltinCount() int { return len(b.builtin) }

func validateStored(r *domain.Rule, existing map[string]bool) error {
	if r.ID == "" {
		return fmt.Errorf("empty rule id")
	}
	if existing[r.ID] {
		return fmt.Errorf("rule id %s shadows an existing rule", r.ID)
	}
	if r.Expression == "" {
		return fmt.Errorf("store rule has no expression")
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("invalid severity %q", r.Severity)
	}
	if r.PenaltyMin.GreaterThan(r.PenaltyMax) {
		return fmt.Errorf("penalty_min > penalty_max")
	}
	return nil
}
