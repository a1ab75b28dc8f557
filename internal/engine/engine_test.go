package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-compliance/kestrel/internal/domain"
	"github.com/opensource-compliance/kestrel/internal/rulebook"
)

func builtinSnapshot(t *testing.T) *rulebook.Snapshot {
	t.Helper()
	book, err := rulebook.New(nil, rulebook.DefaultParams())
	if err != nil {
		t.Fatalf("rulebook.New failed: %v", err)
	}
	return book.Load(context.Background(), "bank-001")
}

func txnRecord(id string, amount string, status domain.KYCStatus, flags ...string) *domain.CanonicalRecord {
	rec := &domain.CanonicalRecord{
		RecordID:  id,
		Kind:      domain.KindTransaction,
		SenderID:  "cust-" + id,
		KYCStatus: status,
		Flags:     make(domain.FlagSet),
		Raw:       map[string]string{"transaction id": id},
	}
	if amount != "" {
		amt, _ := decimal.NewFromString(amount)
		rec.Amount = &amt
	}
	ts := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	rec.Timestamp = &ts
	for _, f := range flags {
		rec.Flags.Add(f)
	}
	return rec
}

func matchedIDs(matches []domain.Match) []string {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.RuleID
	}
	return ids
}

func hasRule(matches []domain.Match, ruleID string) bool {
	for _, m := range matches {
		if m.RuleID == ruleID {
			return true
		}
	}
	return false
}

func TestEvaluateBuiltinRules(t *testing.T) {
	eng, err := New(builtinSnapshot(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	t.Run("HighValueVerified", func(t *testing.T) {
		// A verified customer moving 150000: both amount rules fire,
		// no KYC rules do. Evaluation is exhaustive, not first-match.
		in := &domain.RuleInput{Record: txnRecord("TXN-1", "150000", domain.KYCVerified)}
		matches := eng.Evaluate(in)

		if !hasRule(matches, "RB-TXN-001") {
			t.Error("expected high-value rule to fire")
		}
		if !hasRule(matches, "RB-TXN-002") {
			t.Error("expected large-transaction rule to fire")
		}
		if hasRule(matches, "RB-KYC-002") || hasRule(matches, "RB-TXN-003") {
			t.Error("no KYC rules should fire for a verified customer")
		}
		if len(matches) != 2 {
			t.Errorf("expected exactly 2 matches, got %v", matchedIDs(matches))
		}
	})

	t.Run("ExpiredKYCOverlap", func(t *testing.T) {
		// Expired KYC fires both the status rule and the non-KYC
		// transaction rule. The overlap is intentional.
		in := &domain.RuleInput{Record: txnRecord("TXN-2", "500", domain.KYCExpired)}
		matches := eng.Evaluate(in)

		if !hasRule(matches, "RB-KYC-002") {
			t.Error("expected expired-KYC rule to fire")
		}
		if !hasRule(matches, "RB-TXN-003") {
			t.Error("expected non-KYC transaction rule to fire")
		}
	})

	t.Run("SuspiciousFlag", func(t *testing.T) {
		in := &domain.RuleInput{Record: txnRecord("TXN-3", "500", domain.KYCVerified, domain.FlagSuspiciousPattern)}
		matches := eng.Evaluate(in)

		if !hasRule(matches, "RB-CUS-003") {
			t.Error("expected suspicious-pattern rule to fire")
		}
		for _, m := range matches {
			if m.RuleID == "RB-CUS-003" && m.Severity != domain.SeverityCritical {
				t.Errorf("expected CRITICAL severity, got %s", m.Severity)
			}
		}
	})

	t.Run("MonthlyLimit", func(t *testing.T) {
		in := &domain.RuleInput{
			Record:       txnRecord("TXN-4", "6000", domain.KYCVerified),
			MonthlyTotal: decimal.NewFromInt(12000),
		}
		matches := eng.Evaluate(in)

		if !hasRule(matches, "RB-TXN-004") {
			t.Error("expected monthly-limit rule to fire at 12000 against the 10000 limit")
		}
	})

	t.Run("CleanRecord", func(t *testing.T) {
		in := &domain.RuleInput{Record: txnRecord("TXN-5", "500", domain.KYCVerified)}
		if matches := eng.Evaluate(in); len(matches) != 0 {
			t.Errorf("expected no matches, got %v", matchedIDs(matches))
		}
	})

	t.Run("NoAmount", func(t *testing.T) {
		// A record with an unparseable amount must not trip the amount
		// rules, only whatever its other fields imply.
		rec := txnRecord("TXN-6", "", domain.KYCVerified, domain.FlagAmountUnparseable)
		matches := eng.Evaluate(&domain.RuleInput{Record: rec})

		if hasRule(matches, "RB-TXN-001") || hasRule(matches, "RB-TXN-002") {
			t.Errorf("amount rules must not fire without an amount, got %v", matchedIDs(matches))
		}
	})

	t.Run("MatchFieldsPopulated", func(t *testing.T) {
		in := &domain.RuleInput{Record: txnRecord("TXN-7", "150000", domain.KYCVerified)}
		matches := eng.Evaluate(in)
		if len(matches) == 0 {
			t.Fatal("expected matches")
		}

		m := matches[0]
		if m.RecordID != "TXN-7" {
			t.Errorf("expected record id TXN-7, got %s", m.RecordID)
		}
		if m.Reason == "" {
			t.Error("expected a reason")
		}
		if m.LegalProvision == "" {
			t.Error("expected a legal provision citation")
		}
		if m.PenaltyMax.LessThan(m.PenaltyMin) {
			t.Error("penalty range is inverted")
		}
	})
}

func TestEvaluateDeterministic(t *testing.T) {
	eng, err := New(builtinSnapshot(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	in := &domain.RuleInput{Record: txnRecord("TXN-1", "150000", domain.KYCExpired, domain.FlagComplaintFiled)}

	first := matchedIDs(eng.Evaluate(in))
	for i := 0; i < 10; i++ {
		again := matchedIDs(eng.Evaluate(in))
		if len(again) != len(first) {
			t.Fatalf("run %d: match count changed: %v vs %v", i, first, again)
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("run %d: match order changed: %v vs %v", i, first, again)
			}
		}
	}
}

func TestEvaluateExpressionRules(t *testing.T) {
	t.Run("CELRuleFires", func(t *testing.T) {
		snap := &rulebook.Snapshot{
			Source: domain.RuleSourceStore,
			Rules: []domain.Rule{{
				ID:            "TEN-001",
				ViolationType: "Round-Trip Transfer",
				Severity:      domain.SeverityHigh,
				Expression:    `has_amount && amount > 500.0 && sender_id == receiver_id`,
				Enabled:       true,
			}},
		}

		eng, err := New(snap)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		rec := txnRecord("TXN-1", "1000", domain.KYCVerified)
		rec.ReceiverID = rec.SenderID
		matches := eng.Evaluate(&domain.RuleInput{Record: rec})

		if !hasRule(matches, "TEN-001") {
			t.Errorf("expected CEL rule to fire, got %v", matchedIDs(matches))
		}
	})

	t.Run("FlagsVariable", func(t *testing.T) {
		snap := &rulebook.Snapshot{
			Source: domain.RuleSourceStore,
			Rules: []domain.Rule{{
				ID:            "TEN-002",
				ViolationType: "Flagged Complaint",
				Severity:      domain.SeverityMedium,
				Expression:    `'complaint_filed' in flags`,
				Enabled:       true,
			}},
		}

		eng, err := New(snap)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		rec := txnRecord("TXN-1", "100", domain.KYCVerified, domain.FlagComplaintFiled)
		if matches := eng.Evaluate(&domain.RuleInput{Record: rec}); !hasRule(matches, "TEN-002") {
			t.Error("expected flags-based CEL rule to fire")
		}
	})

	t.Run("UncompilableRuleSkipped", func(t *testing.T) {
		snap := &rulebook.Snapshot{
			Source: domain.RuleSourceStore,
			Rules: []domain.Rule{{
				ID:            "TEN-BAD",
				ViolationType: "Broken",
				Severity:      domain.SeverityLow,
				Expression:    `amount >`,
				Enabled:       true,
			}},
		}

		// Compile failure on a store rule must not abort the engine.
		eng, err := New(snap)
		if err != nil {
			t.Fatalf("New must tolerate uncompilable store rules: %v", err)
		}

		rec := txnRecord("TXN-1", "100", domain.KYCVerified)
		if matches := eng.Evaluate(&domain.RuleInput{Record: rec}); len(matches) != 0 {
			t.Errorf("skipped rule must never fire, got %v", matchedIDs(matches))
		}
	})
}

func TestValidateExpression(t *testing.T) {
	if err := ValidateExpression(`amount > 1000.0`); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}

	if err := ValidateExpression(`amount +`); err == nil {
		t.Error("expected error for syntax error")
	}

	// Expressions must produce a bool, not a number.
	if err := ValidateExpression(`amount`); err == nil {
		t.Error("expected error for non-bool expression")
	}
}
