// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-compliance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRecord stores a normalized record with tenant isolation.
func (r *SQLRepository) SaveRecord(ctx context.Context, tenantID string, batchID string, rec *domain.CanonicalRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	flags, _ := json.Marshal(rec.Flags)
	raw, _ := json.Marshal(rec.Raw)

	var amount sql.NullString
	if rec.Amount != nil {
		amount = sql.NullString{String: rec.Amount.String(), Valid: true}
	}
	var ts sql.NullTime
	if rec.Timestamp != nil {
		ts = sql.NullTime{Time: rec.Timestamp.UTC(), Valid: true}
	}

	query := `
		INSERT INTO records (
			record_id, tenant_id, batch_id, kind, amount, timestamp,
			sender_id, receiver_id, kyc_status, flags, raw, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.RecordID, tenantID, batchID, string(rec.Kind),
		amount, ts,
		rec.SenderID, rec.ReceiverID, string(rec.KYCStatus),
		string(flags), string(raw), time.Now().UTC(),
	)
	return err
}

// GetRecord retrieves a normalized record by ID with tenant isolation.
func (r *SQLRepository) GetRecord(ctx context.Context, tenantID string, recordID string) (*domain.CanonicalRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT record_id, kind, amount, timestamp,
			   sender_id, receiver_id, kyc_status, flags, raw
		FROM records
		WHERE tenant_id = ? AND record_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var rec domain.CanonicalRecord
	var kind, kycStatus, flags, raw string
	var amount sql.NullString
	var ts sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, recordID).Scan(
		&rec.RecordID, &kind, &amount, &ts,
		&rec.SenderID, &rec.ReceiverID, &kycStatus, &flags, &raw,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Kind = domain.RecordKind(kind)
	rec.KYCStatus = domain.KYCStatus(kycStatus)
	if amount.Valid {
		amt, err := decimal.NewFromString(amount.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount for record %s: %w", recordID, err)
		}
		rec.Amount = &amt
	}
	if ts.Valid {
		t := ts.Time.UTC()
		rec.Timestamp = &t
	}
	if err := json.Unmarshal([]byte(flags), &rec.Flags); err != nil {
		rec.Flags = make(domain.FlagSet)
	}
	json.Unmarshal([]byte(raw), &rec.Raw)

	return &rec, nil
}

// SumDeposits totals stored transaction amounts for a customer in
// [from, to). Summation happens in Go so decimal precision is kept.
func (r *SQLRepository) SumDeposits(ctx context.Context, tenantID string, customerID string, from, to time.Time) (decimal.Decimal, error) {
	if tenantID == "" {
		return decimal.Zero, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT amount FROM records
		WHERE tenant_id = ?
		  AND sender_id = ?
		  AND kind = ?
		  AND amount IS NOT NULL
		  AND timestamp >= ? AND timestamp < ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		tenantID, customerID, string(domain.KindTransaction), from.UTC(), to.UTC())
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			continue
		}
		total = total.Add(amt)
	}

	return total, rows.Err()
}

// SaveRule stores a store-defined rule with tenant isolation.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.Rule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rules (
			id, tenant_id, violation_type, severity, penalty_min, penalty_max,
			legal_provision, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			violation_type = excluded.violation_type,
			severity = excluded.severity,
			penalty_min = excluded.penalty_min,
			penalty_max = excluded.penalty_max,
			legal_provision = excluded.legal_provision,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.ViolationType, string(rule.Severity),
		rule.PenaltyMin.String(), rule.PenaltyMax.String(),
		rule.LegalProvision, rule.Expression, enabled,
		now, now,
	)
	return err
}

// GetRule retrieves a store-defined rule with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.Rule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, violation_type, severity, penalty_min, penalty_max,
			   legal_provision, expression, enabled
		FROM rules
		WHERE tenant_id = ? AND id = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves all store-defined rules for a tenant in stable
// order. Order matters downstream: it is the evaluation tie-break.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) ([]*domain.Rule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, violation_type, severity, penalty_min, penalty_max,
			   legal_provision, expression, enabled
		FROM rules
		WHERE tenant_id = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var severity, penMin, penMax string
	var enabled int

	err := row.Scan(
		&rule.ID, &rule.ViolationType, &severity, &penMin, &penMax,
		&rule.LegalProvision, &rule.Expression, &enabled,
	)
	if err != nil {
		return nil, err
	}

	rule.Severity = domain.Severity(severity)
	rule.Enabled = enabled == 1

	if rule.PenaltyMin, err = decimal.NewFromString(penMin); err != nil {
		return nil, fmt.Errorf("corrupt penalty_min for rule %s: %w", rule.ID, err)
	}
	if rule.PenaltyMax, err = decimal.NewFromString(penMax); err != nil {
		return nil, fmt.Errorf("corrupt penalty_max for rule %s: %w", rule.ID, err)
	}

	return &rule, nil
}

// SaveBatch stores a batch result with tenant isolation.
func (r *SQLRepository) SaveBatch(ctx context.Context, tenantID string, batch *domain.BatchResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	summary, _ := json.Marshal(batch.Summary)
	result, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch result: %w", err)
	}

	query := `
		INSERT INTO batches (
			id, tenant_id, record_kind, rules_source, summary, result, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		batch.ID, tenantID, string(batch.RecordKind), string(batch.RulesSource),
		string(summary), string(result), batch.CreatedAt,
	)
	return err
}

// GetBatch retrieves a batch result by ID with tenant isolation.
func (r *SQLRepository) GetBatch(ctx context.Context, tenantID string, batchID string) (*domain.BatchResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT result FROM batches
		WHERE tenant_id = ? AND id = ?
	`

	var result string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, batchID).Scan(&result)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var batch domain.BatchResult
	if err := json.Unmarshal([]byte(result), &batch); err != nil {
		return nil, fmt.Errorf("corrupt batch result %s: %w", batchID, err)
	}

	return &batch, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
