package rulebook

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opensource-compliance/kestrel/internal/domain"
)

// Params holds the thresholds the built-in rule table is parameterized
// with. Zero values are replaced by defaults.
type Params struct {
	// HighValueThreshold flags single transactions strictly above it.
	HighValueThreshold decimal.Decimal

	// ReportingThreshold triggers reporting at or above it.
	ReportingThreshold decimal.Decimal

	// MonthlyDepositLimit caps per-customer deposits per calendar month.
	MonthlyDepositLimit decimal.Decimal
}

// DefaultParams returns the regulatory defaults.
func DefaultParams() Params {
	return Params{
		HighValueThreshold:  decimal.NewFromInt(1000),
		ReportingThreshold:  decimal.NewFromInt(100000),
		MonthlyDepositLimit: decimal.NewFromInt(10000),
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.HighValueThreshold.IsZero() {
		p.HighValueThreshold = d.HighValueThreshold
	}
	if p.ReportingThreshold.IsZero() {
		p.ReportingThreshold = d.ReportingThreshold
	}
	if p.MonthlyDepositLimit.IsZero() {
		p.MonthlyDepositLimit = d.MonthlyDepositLimit
	}
	return p
}

func inr(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// Builtin returns the built-in rule table in its stable evaluation
// order. The order doubles as the tie-break for downstream consumers,
// so entries must not be reordered casually.
//
// Overlap between the KYC-status rules and Non-KYC Transaction is
// deliberate: both fire on the same record so consumers see the full
// violation surface.
func Builtin(p Params) []domain.Rule {
	p = p.withDefaults()

	return []domain.Rule{
		{
			ID:             "RB-TXN-001",
			ViolationType:  "High-Value Transaction",
			Severity:       domain.SeverityMedium,
			PenaltyMin:     inr(5000),
			PenaltyMax:     inr(50000),
			LegalProvision: "Section 35A, Banking Regulation Act, 1949",
			Enabled:        true,
			Test: func(in *domain.RuleInput) bool {
				return in.Record.HasAmount() && in.Record.Amount.GreaterThan(p.HighValueThreshold)
			},
			Describe: func(in *domain.RuleInput) string {
				return fmt.Sprintf("transaction of ₹%s exceeds the ₹%s high-value scrutiny threshold",
					in.Record.Amount.StringFixed(2), p.HighValueThreshold.String())
			},
		},
		{
			ID:             "RB-TXN-002",
			ViolationType:  "Large Transaction Monitoring",
			Severity:       domain.SeverityMedium,
			PenaltyMin:     inr(10000),
			PenaltyMax:     inr(100000),
			LegalProvision: "Rule 3, PML (Maintenance of Records) Rules, 2005",
			Enabled:        true,
			Test: func(in *domain.RuleInput) bool {
				return in.Record.HasAmount() && in.Record.Amount.GreaterThanOrEqual(p.ReportingThreshold)
			},
			Describe: func(in *domain.RuleInput) string {
				return fmt.Sprintf("transaction of ₹%s meets the ₹%s large-transaction reporting threshold",
					in.Record.Amount.StringFixed(2), p.ReportingThreshold.String())
			},
		},
		{
			ID:             "RB-KYC-001",
			ViolationType:  "Incomplete KYC",
			Severity:       domain.SeverityMedium,
			PenaltyMin:     inr(5000),
			PenaltyMax:     inr(50000),
			LegalProvision: "RBI KYC Master Direction, Para 10",
			Enabled:        true,
			Test: func(in *domain.RuleInput) bool {
				return in.Record.KYCStatus == domain.KYCPending
			},
			Describe: func(in *domain.RuleInput) string {
				return "customer KYC verification is incomplete or pending"
			},
		},
		{
			ID:             "RB-KYC-002",
			ViolationType:  "Expired KYC",
			Severity:       domain.SeverityHigh,
			PenaltyMin:     inr(10000),
			PenaltyMax:     inr(100000),
			LegalProvision: "RBI KYC Master Direction, Para 38",
			Enabled:        true,
			Test: func(in *domain.RuleInput) bool {
				return in.Record.KYCStatus == domain.KYCExpired
			},
			Describe: func(in *domain.RuleInput) string {
				return "customer KYC has expired and periodic updation was not performed"
			},
		},
		{
			ID:             "RB-KYC-003",
			ViolationType:  "Missing KYC",
			Severity:       domain.SeverityHigh,
			PenaltyMin:     inr(10000),
			PenaltyMax:     inr(100000),
			LegalProvision: "Section 12, Prevention of Money-Laundering Act, 2002",
			Enabled:        true,
			Test: func(in *domain.RuleInput) bool {
				return in.Record.KYCStatus == domain.KYCMissing
			},
			Describe: func(in *domain.RuleInput) string {
				return "no KYC documents are on record for the customer"
			},
		},
		{
			ID:             "RB-CUS-001",
			ViolationType:  "Customer Complaint Violation",
			Severity:       domain.SeverityHigh,
			PenaltyMin:     inr(5000),
			PenaltyMax:     inr(50000),
			LegalProvision: "RBI Charter of Customer Rights",
			Enabled:        true,
			Test: func(in *domain.RuleInput) bool {
				return in.Record.Flags.Has(domain.FlagComplaintFiled)
			},
			Describe: func(in *domain.RuleInput) string {
				return "a customer complaint or dispute is associated with this record"
			},
		},
		{
			ID:             "RB-CUS-002",
			ViolationType:  "Digital Lending Violation",
			Severity:       domain.SeverityHigh,
			PenaltyMin:     inr(10000),
			PenaltyMax:     inr(100000),
			LegalProvision: "RBI Digital Lending Guidelines, 2022",
			Enabled:        true,
			Test: func(in *domain.RuleInput) bool {
				return in.Record.Flags.Has(domain.FlagDigitalLending)
			},
			Describe: func(in *domain.RuleInput) string {
				return "record indicates digital-lending activity outside permitted channels"
			},
		},
		{
			ID:             "RB-CUS-003",
			ViolationType:  "Suspicious Pattern Violation",
			Severity:       domain.SeverityCritical,
			PenaltyMin:     inr(25000),
			PenaltyMax:     inr(500000),
			LegalProvision: "RBI Cyber Security Framework Circular, 2016",
			Enabled:        true,
			Test: func(in *domain.RuleInput) bool {
				return in.Record.Flags.Has(domain.FlagSuspiciousPattern)
			},
			Describe: func(in *domain.RuleInput) string {
				return "record matches a suspicious transaction pattern"
			},
		},
		{
			ID:             "RB-TXN-003",
			ViolationType:  "Non-KYC Transaction",
			Severity:       domain.SeverityHigh,
			PenaltyMin:     inr(10000),
			PenaltyMax:     inr(100000),
			LegalProvision: "RBI KYC Master Direction, Para 3",
			Enabled:        true,
			Test: func(in *domain.RuleInput) bool {
				return in.Record.KYCStatus == domain.KYCExpired || in.Record.KYCStatus == domain.KYCMissing
			},
			Describe: func(in *domain.RuleInput) string {
				return "transaction performed without a valid KYC on file"
			},
		},
		{
			ID:             "RB-TXN-004",
			ViolationType:  "Monthly Deposit Limit Exceeded",
			Severity:       domain.SeverityMedium,
			PenaltyMin:     inr(10000),
			PenaltyMax:     inr(50000),
			LegalProvision: "Internal Risk Management Policy",
			Enabled:        true,
			Test: func(in *domain.RuleInput) bool {
				return in.MonthlyTotal.GreaterThan(p.MonthlyDepositLimit)
			},
			Describe: func(in *domain.RuleInput) string {
				return fmt.Sprintf("monthly deposits of ₹%s exceed the ₹%s limit",
					in.MonthlyTotal.StringFixed(2), p.MonthlyDepositLimit.String())
			},
		},
		{
			ID:             "RB-TXN-005",
			ViolationType:  "Round-Amount Structuring Indicator",
			Severity:       domain.SeverityLow,
			PenaltyMin:     inr(1000),
			PenaltyMax:     inr(10000),
			LegalProvision: "FIU-IND STR Reporting Guidelines",
			Enabled:        true,
			Test: func(in *domain.RuleInput) bool {
				return in.Record.Flags.Has(domain.FlagRoundAmount)
			},
			Describe: func(in *domain.RuleInput) string {
				return "transaction amount is an exact round multiple, a weak structuring indicator"
			},
		},
	}
}
