// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Normalized record persistence (audit trail + monthly totals)
	SaveRecord(ctx context.Context, tenantID string, batchID string, rec *CanonicalRecord) error
	GetRecord(ctx context.Context, tenantID string, recordID string) (*CanonicalRecord, error)

	// SumDeposits totals stored transaction amounts for a customer in
	// [from, to). Records without a parseable amount are ignored.
	SumDeposits(ctx context.Context, tenantID string, customerID string, from, to time.Time) (decimal.Decimal, error)

	// Store-defined rule operations
	SaveRule(ctx context.Context, tenantID string, rule *Rule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*Rule, error)
	ListRules(ctx context.Context, tenantID string) ([]*Rule, error)

	// Batch results
	SaveBatch(ctx context.Context, tenantID string, batch *BatchResult) error
	GetBatch(ctx context.Context, tenantID string, batchID string) (*BatchResult, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
