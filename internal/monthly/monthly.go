// Package monthly computes per-customer deposit totals for a calendar
// month. Totals feed the monthly deposit limit rule and are resolved
// before rule evaluation begins, keeping predicates free of I/O.
package monthly

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-compliance/kestrel/internal/domain"
)

// TotalGetter returns the stored deposit total for a customer in the
// calendar month containing at. This is the signature the batch
// pipeline consumes.
type TotalGetter func(ctx context.Context, tenantID, customerID string, at time.Time) (decimal.Decimal, error)

// cacheTTL bounds how stale a cached monthly total snapshot may be.
const cacheTTL = 5 * time.Minute

// Service sums stored transaction amounts per customer and month.
//
// Two cache keys cooperate per customer and month: a snapshot of the
// repository sum, and a pending counter of deposits recorded since any
// snapshot was taken. Snapshots remember the counter value at capture
// time, so a read folds in exactly the deposits that arrived after it.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a monthly totals service. cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// MonthWindow returns the [from, to) bounds of the calendar month
// containing at, in UTC.
func MonthWindow(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	from := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

// StoredTotal returns the deposit total already persisted for the
// customer in at's month, including deposits recorded since the last
// snapshot. Cached briefly to keep large batches from hammering the
// store with one query per row.
func (s *Service) StoredTotal(ctx context.Context, tenantID, customerID string, at time.Time) (decimal.Decimal, error) {
	if tenantID == "" || customerID == "" {
		return decimal.Zero, fmt.Errorf("tenantID and customerID are required")
	}

	from, to := MonthWindow(at)
	key := snapshotKey(customerID, from)

	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, tenantID, key); err == nil && raw != nil {
			if total, ok := s.fromSnapshot(ctx, tenantID, customerID, from, to, string(raw)); ok {
				return total, nil
			}
		}
	}

	if s.repo == nil {
		return decimal.Zero, nil
	}

	total, err := s.repo.SumDeposits(ctx, tenantID, customerID, from, to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum deposits: %w", err)
	}

	if s.cache != nil {
		// Capture the counter alongside the sum. Deposits recorded from
		// here on raise the counter past this baseline and are folded in
		// by later reads.
		baseline, err := s.cache.IncrementBy(ctx, tenantID, pendingKey(customerID, from), 0, counterWindow(to))
		if err == nil {
			snapshot := total.String() + "|" + strconv.FormatInt(baseline, 10)
			_ = s.cache.Set(ctx, tenantID, key, []byte(snapshot), cacheTTL)
		}
	}

	return total, nil
}

// fromSnapshot decodes a cached "total|baseline" snapshot and adds the
// deposits recorded since it was taken. A snapshot that fails to decode
// is treated as a miss.
func (s *Service) fromSnapshot(ctx context.Context, tenantID, customerID string, from, to time.Time, raw string) (decimal.Decimal, bool) {
	totalPart, baselinePart, found := strings.Cut(raw, "|")
	if !found {
		return decimal.Zero, false
	}
	total, err := decimal.NewFromString(totalPart)
	if err != nil {
		return decimal.Zero, false
	}
	baseline, err := strconv.ParseInt(baselinePart, 10, 64)
	if err != nil {
		return decimal.Zero, false
	}

	current, err := s.cache.IncrementBy(ctx, tenantID, pendingKey(customerID, from), 0, counterWindow(to))
	if err != nil {
		// Counter unreachable: serve the snapshot as-is.
		return total, true
	}
	if pending := current - baseline; pending > 0 {
		total = total.Add(decimal.New(pending, -2))
	}
	return total, true
}

// Record tracks a newly persisted deposit in the pending counter so
// reads see it without waiting for the snapshot to expire. Counters
// are kept in paise to stay integral.
func (s *Service) Record(ctx context.Context, tenantID, customerID string, amount decimal.Decimal, at time.Time) {
	if s.cache == nil || customerID == "" || amount.IsZero() {
		return
	}

	from, to := MonthWindow(at)
	paise := amount.Shift(2).IntPart()
	if _, err := s.cache.IncrementBy(ctx, tenantID, pendingKey(customerID, from), paise, counterWindow(to)); err != nil {
		// Degraded path: evict the snapshot so the next read re-queries
		// the store instead of serving a total missing this deposit.
		_ = s.cache.Delete(ctx, tenantID, snapshotKey(customerID, from))
	}
}

// Getter adapts the service to the TotalGetter signature.
func (s *Service) Getter() TotalGetter {
	return s.StoredTotal
}

// counterWindow keeps a pending counter alive at least as long as any
// snapshot that could reference its baseline, even for months already
// in the past.
func counterWindow(to time.Time) time.Duration {
	w := time.Until(to)
	if w < 2*cacheTTL {
		w = 2 * cacheTTL
	}
	return w
}

func snapshotKey(customerID string, monthStart time.Time) string {
	return "monthly:" + customerID + ":" + monthStart.Format("2006-01")
}

func pendingKey(customerID string, monthStart time.Time) string {
	return "deposits:" + customerID + ":" + monthStart.Format("2006-01")
}
