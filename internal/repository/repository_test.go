package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-compliance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() {
		if closer, ok := repo.(interface{ Close() error }); ok {
			closer.Close()
		}
	})
	return repo
}

func testRecord(id string, amount string, at time.Time) *domain.CanonicalRecord {
	rec := &domain.CanonicalRecord{
		RecordID:   id,
		Kind:       domain.KindTransaction,
		SenderID:   "cust-1",
		ReceiverID: "cust-2",
		KYCStatus:  domain.KYCVerified,
		Flags:      make(domain.FlagSet),
		Raw:        map[string]string{"transaction id": id, "amount": amount},
	}
	if amount != "" {
		amt := decimal.RequireFromString(amount)
		rec.Amount = &amt
	}
	ts := at.UTC()
	rec.Timestamp = &ts
	return rec
}

func testRule(id string) *domain.Rule {
	return &domain.Rule{
		ID:             id,
		ViolationType:  "Custom Violation",
		Severity:       domain.SeverityMedium,
		PenaltyMin:     decimal.NewFromInt(1000),
		PenaltyMax:     decimal.NewFromInt(5000),
		LegalProvision: "Section 35A, BR Act",
		Expression:     `has_amount && amount > 500.0`,
		Enabled:        true,
	}
}

func TestRecordRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

	t.Run("SaveAndGet", func(t *testing.T) {
		rec := testRecord("TXN-1", "150000.50", at)
		rec.Flags.Add(domain.FlagSuspiciousPattern)

		if err := repo.SaveRecord(ctx, "bank-001", "batch-1", rec); err != nil {
			t.Fatalf("SaveRecord failed: %v", err)
		}

		got, err := repo.GetRecord(ctx, "bank-001", "TXN-1")
		if err != nil {
			t.Fatalf("GetRecord failed: %v", err)
		}

		if got.Amount == nil || !got.Amount.Equal(decimal.RequireFromString("150000.50")) {
			t.Errorf("amount mismatch: %v", got.Amount)
		}
		if got.Timestamp == nil || !got.Timestamp.Equal(at) {
			t.Errorf("timestamp mismatch: %v", got.Timestamp)
		}
		if got.KYCStatus != domain.KYCVerified {
			t.Errorf("kyc status mismatch: %s", got.KYCStatus)
		}
		if !got.Flags.Has(domain.FlagSuspiciousPattern) {
			t.Error("flags not preserved")
		}
		if got.Raw["transaction id"] != "TXN-1" {
			t.Error("raw row not preserved")
		}
	})

	t.Run("NilAmount", func(t *testing.T) {
		rec := testRecord("TXN-2", "", at)
		rec.Flags.Add(domain.FlagAmountUnparseable)

		if err := repo.SaveRecord(ctx, "bank-001", "batch-1", rec); err != nil {
			t.Fatalf("SaveRecord failed: %v", err)
		}

		got, err := repo.GetRecord(ctx, "bank-001", "TXN-2")
		if err != nil {
			t.Fatalf("GetRecord failed: %v", err)
		}
		if got.Amount != nil {
			t.Errorf("expected nil amount, got %v", got.Amount)
		}
		if !got.Flags.Has(domain.FlagAmountUnparseable) {
			t.Error("expected amount_unparseable flag")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetRecord(ctx, "bank-001", "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rec := testRecord("TXN-ISO", "100", at)
		if err := repo.SaveRecord(ctx, "bank-001", "batch-1", rec); err != nil {
			t.Fatalf("SaveRecord failed: %v", err)
		}

		if _, err := repo.GetRecord(ctx, "bank-002", "TXN-ISO"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound across tenants, got %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveRecord(ctx, "", "batch-1", testRecord("TXN-X", "1", at)); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetRecord(ctx, "", "TXN-1"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestSumDeposits(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	june := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	july := june.AddDate(0, 1, 0)

	save := func(id, amount string, at time.Time, sender string) {
		t.Helper()
		rec := testRecord(id, amount, at)
		rec.SenderID = sender
		if err := repo.SaveRecord(ctx, "bank-001", "batch-1", rec); err != nil {
			t.Fatalf("SaveRecord failed: %v", err)
		}
	}

	// D-3 lands in the next month, D-4 belongs to another customer and
	// D-5 has no parseable amount. None of them may count.
	save("D-1", "4000", june.AddDate(0, 0, 4), "cust-1")
	save("D-2", "2500.50", june.AddDate(0, 0, 20), "cust-1")
	save("D-3", "9999", july, "cust-1")
	save("D-4", "1", june.AddDate(0, 0, 10), "cust-2")
	save("D-5", "", june.AddDate(0, 0, 11), "cust-1")

	t.Run("WindowAndCustomerScoped", func(t *testing.T) {
		total, err := repo.SumDeposits(ctx, "bank-001", "cust-1", june, july)
		if err != nil {
			t.Fatalf("SumDeposits failed: %v", err)
		}
		if !total.Equal(decimal.RequireFromString("6500.50")) {
			t.Errorf("expected 6500.50, got %s", total)
		}
	})

	t.Run("UpperBoundExclusive", func(t *testing.T) {
		total, err := repo.SumDeposits(ctx, "bank-001", "cust-1", july, july.AddDate(0, 1, 0))
		if err != nil {
			t.Fatalf("SumDeposits failed: %v", err)
		}
		if !total.Equal(decimal.NewFromInt(9999)) {
			t.Errorf("expected 9999 in July, got %s", total)
		}
	})

	t.Run("NoRecordsIsZero", func(t *testing.T) {
		total, err := repo.SumDeposits(ctx, "bank-001", "cust-9", june, july)
		if err != nil {
			t.Fatalf("SumDeposits failed: %v", err)
		}
		if !total.IsZero() {
			t.Errorf("expected zero, got %s", total)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		total, err := repo.SumDeposits(ctx, "bank-002", "cust-1", june, july)
		if err != nil {
			t.Fatalf("SumDeposits failed: %v", err)
		}
		if !total.IsZero() {
			t.Errorf("expected zero for other tenant, got %s", total)
		}
	})
}

func TestRuleStore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("SaveAndGet", func(t *testing.T) {
		rule := testRule("TEN-001")
		if err := repo.SaveRule(ctx, "bank-001", rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		got, err := repo.GetRule(ctx, "bank-001", "TEN-001")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if got.Expression != rule.Expression {
			t.Errorf("expression mismatch: %s", got.Expression)
		}
		if !got.PenaltyMax.Equal(decimal.NewFromInt(5000)) {
			t.Errorf("penalty mismatch: %s", got.PenaltyMax)
		}
		if !got.Enabled {
			t.Error("enabled not preserved")
		}
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		rule := testRule("TEN-002")
		if err := repo.SaveRule(ctx, "bank-001", rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		rule.Severity = domain.SeverityCritical
		rule.Enabled = false
		if err := repo.SaveRule(ctx, "bank-001", rule); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}

		got, err := repo.GetRule(ctx, "bank-001", "TEN-002")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if got.Severity != domain.SeverityCritical || got.Enabled {
			t.Errorf("upsert did not replace: %+v", got)
		}
	})

	t.Run("ListOrderedByID", func(t *testing.T) {
		for _, id := range []string{"TEN-900", "TEN-100", "TEN-500"} {
			if err := repo.SaveRule(ctx, "bank-003", testRule(id)); err != nil {
				t.Fatalf("SaveRule failed: %v", err)
			}
		}

		rules, err := repo.ListRules(ctx, "bank-003")
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(rules) != 3 {
			t.Fatalf("expected 3 rules, got %d", len(rules))
		}
		for i, want := range []string{"TEN-100", "TEN-500", "TEN-900"} {
			if rules[i].ID != want {
				t.Errorf("position %d: expected %s, got %s", i, want, rules[i].ID)
			}
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		if err := repo.SaveRule(ctx, "bank-001", testRule("TEN-ISO")); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
		if _, err := repo.GetRule(ctx, "bank-002", "TEN-ISO"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound across tenants, got %v", err)
		}
	})

	t.Run("SameIDPerTenant", func(t *testing.T) {
		a := testRule("TEN-SHARED")
		b := testRule("TEN-SHARED")
		b.Severity = domain.SeverityHigh

		if err := repo.SaveRule(ctx, "bank-004", a); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
		if err := repo.SaveRule(ctx, "bank-005", b); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		got, err := repo.GetRule(ctx, "bank-004", "TEN-SHARED")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if got.Severity != domain.SeverityMedium {
			t.Error("tenant bank-004's rule was overwritten by another tenant")
		}
	})
}

func TestBatchRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	batch := &domain.BatchResult{
		ID:          "batch-42",
		TenantID:    "bank-001",
		RecordKind:  domain.KindTransaction,
		RulesSource: domain.RuleSourceFallback,
		Records: []domain.RecordResult{{
			RecordID:     "TXN-1",
			RiskLevel:    domain.SeverityHigh,
			HasViolation: true,
			Matches: []domain.Match{{
				RecordID: "TXN-1",
				RuleID:   "RB-KYC-002",
				Severity: domain.SeverityHigh,
			}},
		}},
		Summary: domain.BatchSummary{
			TotalRecords:       1,
			RecordsWithMatches: 1,
			TotalMatches:       1,
			DistinctCustomers:  1,
			MatchesBySeverity: map[domain.Severity]int{
				domain.SeverityHigh: 1,
			},
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := repo.SaveBatch(ctx, "bank-001", batch); err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}

	got, err := repo.GetBatch(ctx, "bank-001", "batch-42")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}

	if got.RulesSource != domain.RuleSourceFallback {
		t.Errorf("rules source mismatch: %s", got.RulesSource)
	}
	if len(got.Records) != 1 || got.Records[0].RiskLevel != domain.SeverityHigh {
		t.Errorf("records not preserved: %+v", got.Records)
	}
	if got.Summary.MatchesBySeverity[domain.SeverityHigh] != 1 {
		t.Errorf("summary not preserved: %+v", got.Summary)
	}

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetBatch(ctx, "bank-001", "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		if _, err := repo.GetBatch(ctx, "bank-002", "batch-42"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound across tenants, got %v", err)
		}
	})
}

func TestPing(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestRebind(t *testing.T) {
	sqlite := &SQLRepository{driver: "sqlite"}
	if got := sqlite.rebind("SELECT ? WHERE a = ?"); got != "SELECT ? WHERE a = ?" {
		t.Errorf("sqlite queries must pass through, got %q", got)
	}

	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("SELECT ? WHERE a = ? AND b = ?"); got != "SELECT $1 WHERE a = $2 AND b = $3" {
		t.Errorf("unexpected rebind output: %q", got)
	}
}
