// Package normalize maps heterogeneous spreadsheet rows into canonical
// records. Normalization is total: every input row produces exactly one
// record, with parse failures recorded as diagnostic flags instead of
// errors.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-compliance/kestrel/internal/domain"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"02/01/2006",
	"02-01-2006",
	"01/02/2006",
}

// amountReplacer strips currency symbols and separators before parsing.
var amountReplacer = strings.NewReplacer(
	"₹", "", "$", "", "€", "", "£", "",
	",", "", " ", "",
	"rs.", "", "rs", "", "inr", "",
)

// Normalize maps one raw row into a CanonicalRecord. fallbackID is used
// when no identifier column resolves; callers derive it from the row
// position so IDs stay unique within a batch.
func Normalize(kind domain.RecordKind, row map[string]string, fallbackID string) *domain.CanonicalRecord {
	cols := foldColumns(row)
	aliases := aliasesFor(kind)

	rec := &domain.CanonicalRecord{
		Kind:      kind,
		KYCStatus: domain.KYCUnknown,
		Flags:     make(domain.FlagSet),
		Raw:       row,
	}

	rec.RecordID = lookup(cols, aliases[fieldRecordID])
	if rec.RecordID == "" {
		rec.RecordID = fallbackID
	}

	rec.SenderID = lookup(cols, aliases[fieldSender])
	rec.ReceiverID = lookup(cols, aliases[fieldReceiver])

	if raw := lookup(cols, aliases[fieldAmount]); raw != "" {
		if amt, ok := parseAmount(raw); ok {
			rec.Amount = &amt
		} else {
			rec.Flags.Add(domain.FlagAmountUnparseable)
		}
	}

	if raw := lookup(cols, aliases[fieldDate]); raw != "" {
		if ts, ok := parseDate(raw); ok {
			rec.Timestamp = &ts
		} else {
			rec.Flags.Add(domain.FlagDateUnparseable)
		}
	}

	rec.KYCStatus = ParseKYCStatus(lookup(cols, aliases[fieldKYCStatus]))

	inferFlags(rec, cols, aliases)

	return rec
}

// NormalizeBatch maps every row to exactly one record, preserving
// input order. len(out) == len(rows) always.
func NormalizeBatch(kind domain.RecordKind, rows []map[string]string) []*domain.CanonicalRecord {
	out := make([]*domain.CanonicalRecord, len(rows))
	for i, row := range rows {
		out[i] = Normalize(kind, row, fmt.Sprintf("row-%04d", i+1))
	}
	return out
}

// foldColumns lowercases and trims column names for case-insensitive
// alias lookup. First occurrence wins on collision.
func foldColumns(row map[string]string) map[string]string {
	cols := make(map[string]string, len(row))
	for name, val := range row {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, exists := cols[key]; !exists {
			cols[key] = strings.TrimSpace(val)
		}
	}
	return cols
}

func lookup(cols map[string]string, aliases []string) string {
	for _, alias := range aliases {
		if val, ok := cols[alias]; ok && val != "" {
			return val
		}
	}
	return ""
}

func parseAmount(raw string) (decimal.Decimal, bool) {
	cleaned := amountReplacer.Replace(strings.ToLower(strings.TrimSpace(raw)))
	if cleaned == "" {
		return decimal.Zero, false
	}
	amt, err := decimal.NewFromString(cleaned)
	if err != nil || amt.IsNegative() {
		return decimal.Zero, false
	}
	return amt, true
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseKYCStatus maps the source spellings of KYC state onto the
// canonical enum. Absent or unrecognized values are Unknown, never empty.
func ParseKYCStatus(raw string) domain.KYCStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "verified", "yes", "y", "true", "completed", "complete", "done", "valid":
		return domain.KYCVerified
	case "pending", "in progress", "in_progress", "incomplete", "rejected", "partial":
		return domain.KYCPending
	case "expired", "lapsed", "outdated":
		return domain.KYCExpired
	case "missing", "none", "no", "n", "false", "not verified", "unverified", "absent":
		return domain.KYCMissing
	default:
		return domain.KYCUnknown
	}
}

// inferFlags derives customer flags from explicit boolean columns, the
// description text, and structuring heuristics on the amount.
func inferFlags(rec *domain.CanonicalRecord, cols map[string]string, aliases aliasTable) {
	for col, flag := range flagColumns {
		if truthy(cols[col]) {
			rec.Flags.Add(flag)
		}
	}

	desc := strings.ToLower(lookup(cols, aliases[fieldDescription]))
	mode := strings.ToLower(lookup(cols, aliases[fieldMode]))

	if containsAny(desc, complaintTerms) {
		rec.Flags.Add(domain.FlagComplaintFiled)
	}
	if containsAny(desc, lendingTerms) || containsAny(mode, lendingTerms) {
		rec.Flags.Add(domain.FlagDigitalLending)
	}
	if containsAny(desc, suspiciousTerms) {
		rec.Flags.Add(domain.FlagSuspiciousPattern)
	}

	// Round amounts at or above 10,000 are a structuring tell. Weaker
	// than an explicit suspicious marker, so it gets its own flag.
	if rec.Amount != nil && rec.Amount.GreaterThanOrEqual(roundAmountStep) &&
		rec.Amount.Mod(roundAmountStep).IsZero() {
		rec.Flags.Add(domain.FlagRoundAmount)
	}
}

var roundAmountStep = decimal.NewFromInt(10000)

func truthy(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "yes", "y", "true", "1":
		return true
	}
	return false
}

func containsAny(text string, terms []string) bool {
	if text == "" {
		return false
	}
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
