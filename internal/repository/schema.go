package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaRecords = `
CREATE TABLE IF NOT EXISTS records (
    record_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    batch_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    amount TEXT,
    timestamp TIMESTAMP,
    sender_id TEXT,
    receiver_id TEXT,
    kyc_status TEXT NOT NULL,
    flags TEXT NOT NULL,
    raw TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_tenant ON records(tenant_id);
CREATE INDEX IF NOT EXISTS idx_records_record ON records(tenant_id, record_id);
CREATE INDEX IF NOT EXISTS idx_records_sender ON records(tenant_id, sender_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_records_batch ON records(tenant_id, batch_id);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    violation_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    penalty_min TEXT NOT NULL,
    penalty_max TEXT NOT NULL,
    legal_provision TEXT,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rules_tenant ON rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(tenant_id, enabled);
`

const schemaBatches = `
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    record_kind TEXT NOT NULL,
    rules_source TEXT NOT NULL,
    summary TEXT NOT NULL,
    result TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_tenant ON batches(tenant_id);
CREATE INDEX IF NOT EXISTS idx_batches_created ON batches(tenant_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRecords,
		schemaRules,
		schemaBatches,
	}
}
