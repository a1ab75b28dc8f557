package domain

import (
	"github.com/shopspring/decimal"
)

// Severity grades how serious a violation is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities for comparison. Unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Valid reports whether the severity is one of the four grades.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// RuleSource tells consumers where the rule snapshot came from.
type RuleSource string

const (
	// RuleSourceStore means the external rule store responded.
	RuleSourceStore RuleSource = "store"

	// RuleSourceFallback means the store was unreachable and the
	// built-in table alone was used.
	RuleSourceFallback RuleSource = "fallback"
)

// RuleInput is the evaluation context handed to a rule predicate.
// All I/O-derived values (monthly totals) are resolved before
// evaluation begins, so predicates stay pure.
type RuleInput struct {
	Record *CanonicalRecord

	// MonthlyTotal is the running deposit total for the record's
	// customer in the record's calendar month, including this record.
	MonthlyTotal decimal.Decimal
}

// Rule is a named predicate over a canonical record with penalty and
// citation metadata. Built-in rules carry a native Test function;
// store-defined rules carry a CEL Expression compiled by the engine.
type Rule struct {
	ID             string          `json:"id"`
	ViolationType  string          `json:"violationType"`
	Severity       Severity        `json:"severity"`
	PenaltyMin     decimal.Decimal `json:"penaltyMin"`
	PenaltyMax     decimal.Decimal `json:"penaltyMax"`
	LegalProvision string          `json:"legalProvision"`

	// Expression is the CEL predicate source for store-defined rules.
	// Empty for built-in rules.
	Expression string `json:"expression,omitempty"`

	Enabled bool `json:"enabled"`

	// Test is the native predicate for built-in rules. Must be pure:
	// a function of the input only, no I/O, no shared state.
	Test func(in *RuleInput) bool `json:"-"`

	// Describe renders the reason text when the rule fires.
	Describe func(in *RuleInput) string `json:"-"`
}

// Match is the result of one rule firing on one record.
// Created fresh per evaluation and never mutated afterwards.
type Match struct {
	RecordID       string          `json:"recordId"`
	RuleID         string          `json:"ruleId"`
	ViolationType  string          `json:"violationType"`
	Severity       Severity        `json:"severity"`
	PenaltyMin     decimal.Decimal `json:"penaltyMin"`
	PenaltyMax     decimal.Decimal `json:"penaltyMax"`
	LegalProvision string          `json:"legalProvision"`
	Reason         string          `json:"reason"`
}
