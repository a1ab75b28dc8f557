package domain

import (
	"time"
)

// RiskLevel is the overall risk grade derived for one record from its
// matches. Shares the severity scale.
type RiskLevel = Severity

// RecordResult is the per-record output of a batch evaluation.
// A clean record still appears here with an empty match list.
type RecordResult struct {
	RecordID     string           `json:"recordId"`
	Record       *CanonicalRecord `json:"record"`
	Matches      []Match          `json:"matches"`
	RiskLevel    RiskLevel        `json:"riskLevel"`
	HasViolation bool             `json:"hasViolation"`
}

// BatchSummary holds batch-level counts computed over the deduplicated
// per-record match lists.
type BatchSummary struct {
	TotalRecords       int              `json:"totalRecords"`
	RecordsWithMatches int              `json:"recordsWithMatches"`
	DistinctCustomers  int              `json:"distinctCustomers"`
	TotalMatches       int              `json:"totalMatches"`
	MatchesBySeverity  map[Severity]int `json:"matchesBySeverity"`
}

// BatchResult is the complete output of one batch evaluation.
type BatchResult struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	RecordKind  RecordKind     `json:"recordKind"`
	RulesSource RuleSource     `json:"rulesSource"`
	Records     []RecordResult `json:"records"`
	Summary     BatchSummary   `json:"summary"`
	CreatedAt   time.Time      `json:"createdAt"`

	Metadata BatchMetadata `json:"metadata"`
}

// BatchMetadata carries processing information for observability.
type BatchMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	NormalizeMs    int64  `json:"normalizeMs"`
	EvaluateMs     int64  `json:"evaluateMs"`
	AggregateMs    int64  `json:"aggregateMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	Workers        int    `json:"workers"`
	EngineVersion  string `json:"engineVersion"`
}
