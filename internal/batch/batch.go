// Package batch runs the matching pipeline over one upload's worth of
// rows: normalize, resolve monthly totals, fan out rule evaluation
// across records, then join in the aggregator.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-compliance/kestrel/internal/domain"
	"github.com/opensource-compliance/kestrel/internal/engine"
	"github.com/opensource-compliance/kestrel/internal/explain"
	"github.com/opensource-compliance/kestrel/internal/monthly"
	"github.com/opensource-compliance/kestrel/internal/normalize"
	"github.com/opensource-compliance/kestrel/internal/risk"
	"github.com/opensource-compliance/kestrel/internal/rulebook"
)

// EngineVersion tags batch metadata for auditability.
const EngineVersion = "kestrel-1.0"

// Config holds pipeline settings.
type Config struct {
	// Workers bounds concurrent per-record evaluation.
	Workers int
}

// Pipeline evaluates batches against the rulebook. Stateless across
// batches: each run loads a fresh immutable rule snapshot.
type Pipeline struct {
	book      *rulebook.Book
	totals    monthly.TotalGetter
	explainer explain.Explainer
	cache     domain.Cache
	workers   int
}

// NewPipeline creates a pipeline. totals, explainer and cache may be
// nil; the monthly rule then sees batch-local totals only and reasons
// stay at their template text.
func NewPipeline(book *rulebook.Book, totals monthly.TotalGetter, explainer explain.Explainer, cache domain.Cache, cfg Config) *Pipeline {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 16
	}
	return &Pipeline{
		book:      book,
		totals:    totals,
		explainer: explainer,
		cache:     cache,
		workers:   workers,
	}
}

// Run evaluates one batch of raw rows and returns the complete result.
// An empty batch is valid and yields an all-zero summary.
func (p *Pipeline) Run(ctx context.Context, tenantID string, kind domain.RecordKind, rows []map[string]string) (*domain.BatchResult, error) {
	start := time.Now()

	snapshot := p.book.Load(ctx, tenantID)
	eng, err := engine.New(snapshot)
	if err != nil {
		return nil, err
	}

	normStart := time.Now()
	records := normalize.NormalizeBatch(kind, rows)
	normalizeMs := time.Since(normStart).Milliseconds()

	// Monthly totals are the only I/O-derived predicate input, so they
	// are resolved up front. Within the batch, totals accumulate in row
	// order: each record sees stored history plus every earlier batch
	// row for the same customer and month, plus itself.
	inputs := p.resolveInputs(ctx, tenantID, records)

	evalStart := time.Now()
	matchLists, err := p.fanOut(ctx, eng, inputs)
	if err != nil {
		return nil, err
	}
	evaluateMs := time.Since(evalStart).Milliseconds()

	aggStart := time.Now()
	results, summary := Aggregate(records, matchLists)
	aggregateMs := time.Since(aggStart).Milliseconds()

	p.enrich(ctx, tenantID, results)

	return &domain.BatchResult{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		RecordKind:  kind,
		RulesSource: snapshot.Source,
		Records:     results,
		Summary:     summary,
		CreatedAt:   time.Now().UTC(),
		Metadata: domain.BatchMetadata{
			NormalizeMs:    normalizeMs,
			EvaluateMs:     evaluateMs,
			AggregateMs:    aggregateMs,
			TotalMs:        time.Since(start).Milliseconds(),
			RulesEvaluated: eng.RulesCount(),
			Workers:        p.workers,
			EngineVersion:  EngineVersion,
		},
	}, nil
}

// resolveInputs builds one evaluation input per record with monthly
// totals attached. Sequential by design: the running in-batch totals
// are the only ordering-sensitive computation, and doing it here keeps
// the fan-out phase free of shared state.
func (p *Pipeline) resolveInputs(ctx context.Context, tenantID string, records []*domain.CanonicalRecord) []*domain.RuleInput {
	inputs := make([]*domain.RuleInput, len(records))
	stored := make(map[string]decimal.Decimal)
	running := make(map[string]decimal.Decimal)

	for i, rec := range records {
		in := &domain.RuleInput{Record: rec}
		inputs[i] = in

		if rec.Amount == nil || rec.Timestamp == nil || rec.CustomerKey() == "" {
			continue
		}

		from, _ := monthly.MonthWindow(*rec.Timestamp)
		key := rec.CustomerKey() + ":" + from.Format("2006-01")

		base, seen := stored[key]
		if !seen {
			base = decimal.Zero
			if p.totals != nil {
				total, err := p.totals(ctx, tenantID, rec.CustomerKey(), *rec.Timestamp)
				if err != nil {
					slog.Warn("monthly total lookup failed, assuming zero history",
						"customer", rec.CustomerKey(),
						"error", err,
					)
				} else {
					base = total
				}
			}
			stored[key] = base
		}

		running[key] = running[key].Add(*rec.Amount)
		in.MonthlyTotal = base.Add(running[key])
	}

	return inputs
}

// fanOut evaluates records concurrently against the shared read-only
// engine, bounded by a semaphore. The caller joins on the returned
// slice; index i holds the matches for records[i].
func (p *Pipeline) fanOut(ctx context.Context, eng *engine.Engine, inputs []*domain.RuleInput) ([][]domain.Match, error) {
	results := make([][]domain.Match, len(inputs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.workers)

	for i, in := range inputs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(idx int, in *domain.RuleInput) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if ctx.Err() != nil {
				return
			}
			results[idx] = eng.Evaluate(in)
		}(i, in)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		// Partial results are safe to discard: nothing was committed.
		return nil, err
	}
	return results, nil
}

// Aggregate combines per-record matches into annotated results and the
// batch summary. matchesPerRecord is aligned by index with records, so
// rows sharing a source ID keep their own matches. Dedup key is rule
// identity, never display text, and collapses only within a single
// record's list. Idempotent: feeding its own output back yields the
// same summary.
func Aggregate(records []*domain.CanonicalRecord, matchesPerRecord [][]domain.Match) ([]domain.RecordResult, domain.BatchSummary) {
	results := make([]domain.RecordResult, 0, len(records))
	summary := domain.BatchSummary{
		TotalRecords: len(records),
		MatchesBySeverity: map[domain.Severity]int{
			domain.SeverityLow:      0,
			domain.SeverityMedium:   0,
			domain.SeverityHigh:     0,
			domain.SeverityCritical: 0,
		},
	}

	customers := make(map[string]bool)

	for i, rec := range records {
		var raw []domain.Match
		if i < len(matchesPerRecord) {
			raw = matchesPerRecord[i]
		}
		matches := dedup(raw)

		for _, m := range matches {
			summary.MatchesBySeverity[m.Severity]++
		}
		summary.TotalMatches += len(matches)

		if len(matches) > 0 {
			summary.RecordsWithMatches++
			customers[rec.CustomerKey()] = true
		}

		results = append(results, domain.RecordResult{
			RecordID:     rec.RecordID,
			Record:       rec,
			Matches:      matches,
			RiskLevel:    risk.Classify(matches),
			HasViolation: len(matches) > 0,
		})
	}

	summary.DistinctCustomers = len(customers)
	return results, summary
}

// dedup collapses matches with identical rule IDs, keeping the first.
// Defensive: a correctly built snapshot never evaluates a rule twice.
func dedup(matches []domain.Match) []domain.Match {
	out := make([]domain.Match, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if seen[m.RuleID] {
			continue
		}
		seen[m.RuleID] = true
		out = append(out, m)
	}
	return out
}

// explanationTTL bounds how long enriched rationales are reused.
const explanationTTL = time.Hour

// enrich replaces match reasons with explainer output where available.
// Runs strictly after the core has produced its output; failures leave
// the template reason in place. Explanations are cached per record and
// rule so re-uploads of the same ledger do not re-query the service.
func (p *Pipeline) enrich(ctx context.Context, tenantID string, results []domain.RecordResult) {
	if p.explainer == nil {
		return
	}
	for ri := range results {
		for mi := range results[ri].Matches {
			m := &results[ri].Matches[mi]
			key := "explain:" + m.RecordID + ":" + m.RuleID

			if p.cache != nil {
				if text, err := p.cache.GetExplanation(ctx, tenantID, key); err == nil && text != "" {
					m.Reason = text
					continue
				}
			}

			text, err := p.explainer.Explain(ctx, results[ri].Record, *m)
			if err != nil || text == "" {
				continue
			}
			m.Reason = text

			if p.cache != nil {
				_ = p.cache.SetExplanation(ctx, tenantID, key, text, explanationTTL)
			}
		}
	}
}
