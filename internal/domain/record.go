package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RecordKind distinguishes transaction rows from KYC profile rows.
type RecordKind string

const (
	KindTransaction RecordKind = "transaction"
	KindKYCProfile  RecordKind = "kyc"
)

// KYCStatus is the normalized KYC verification state of the customer
// behind a record. It is single-valued and never empty.
type KYCStatus string

const (
	KYCVerified KYCStatus = "VERIFIED"
	KYCPending  KYCStatus = "PENDING"
	KYCExpired  KYCStatus = "EXPIRED"
	KYCMissing  KYCStatus = "MISSING"
	KYCUnknown  KYCStatus = "UNKNOWN"
)

// Diagnostic and customer flags attached to a record during normalization.
const (
	FlagComplaintFiled    = "complaint_filed"
	FlagDigitalLending    = "digital_lending"
	FlagSuspiciousPattern = "suspicious_pattern"
	FlagRoundAmount       = "round_amount"
	FlagAmountUnparseable = "amount_unparseable"
	FlagDateUnparseable   = "date_unparseable"
)

// FlagSet is a set of string flags on a record.
// Serializes as a sorted JSON array for deterministic output.
type FlagSet map[string]bool

// Has reports whether the flag is set.
func (f FlagSet) Has(flag string) bool { return f[flag] }

// Add sets a flag.
func (f FlagSet) Add(flag string) { f[flag] = true }

// List returns the flags in sorted order.
func (f FlagSet) List() []string {
	out := make([]string, 0, len(f))
	for k, v := range f {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (f FlagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.List())
}

// UnmarshalJSON decodes an array of flags.
func (f *FlagSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	set := make(FlagSet, len(list))
	for _, flag := range list {
		set[flag] = true
	}
	*f = set
	return nil
}

// CanonicalRecord is a normalized transaction or KYC profile with fixed
// field names, independent of the original spreadsheet column naming.
// Rule predicates read only these fields, never Raw.
type CanonicalRecord struct {
	RecordID   string           `json:"recordId"`
	Kind       RecordKind       `json:"kind"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Timestamp  *time.Time       `json:"timestamp,omitempty"`
	SenderID   string           `json:"senderId,omitempty"`
	ReceiverID string           `json:"receiverId,omitempty"`
	KYCStatus  KYCStatus        `json:"kycStatus"`
	Flags      FlagSet          `json:"flags"`

	// Raw preserves the original row for display and audit.
	Raw map[string]string `json:"raw,omitempty"`
}

// HasAmount reports whether a parseable amount is present.
func (r *CanonicalRecord) HasAmount() bool { return r.Amount != nil }

// CustomerKey identifies the customer behind a record for per-customer
// aggregation. Falls back to the record ID when no party is known.
func (r *CanonicalRecord) CustomerKey() string {
	if r.SenderID != "" {
		return r.SenderID
	}
	return r.RecordID
}
