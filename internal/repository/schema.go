package repository

// Schema definitions for Tern settlement storage.
// Compatible with both SQLite and PostgreSQL.

const schemaSettlementModels = `
CREATE TABLE IF NOT EXISTS settlement_models (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    batch_create_interval_secs INTEGER NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_by TEXT,
    created_date BIGINT NOT NULL,
    change_log TEXT NOT NULL
);
`

const schemaSettlementBatches = `
CREATE TABLE IF NOT EXISTS settlement_batches (
    id TEXT PRIMARY KEY,
    batch_uuid TEXT NOT NULL,
    timestamp BIGINT NOT NULL,
    settlement_model TEXT NOT NULL,
    currency_code TEXT NOT NULL,
    batch_name TEXT NOT NULL,
    batch_sequence INTEGER NOT NULL,
    state TEXT NOT NULL,
    owner_matrix_id TEXT NOT NULL DEFAULT '',
    accounts TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_name ON settlement_batches(batch_name);
CREATE INDEX IF NOT EXISTS idx_batches_model ON settlement_batches(settlement_model);
CREATE INDEX IF NOT EXISTS idx_batches_state ON settlement_batches(state);
CREATE INDEX IF NOT EXISTS idx_batches_timestamp ON settlement_batches(timestamp);
`

const schemaBatchTransfers = `
CREATE TABLE IF NOT EXISTS batch_transfers (
    transfer_id TEXT PRIMARY KEY,
    transfer_timestamp BIGINT NOT NULL,
    payer_fsp_id TEXT NOT NULL,
    payee_fsp_id TEXT NOT NULL,
    currency_code TEXT NOT NULL,
    amount TEXT NOT NULL,
    batch_id TEXT NOT NULL,
    batch_name TEXT NOT NULL,
    journal_entry_id TEXT NOT NULL DEFAULT '',
    matrix_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transfers_batch ON batch_transfers(batch_id);
CREATE INDEX IF NOT EXISTS idx_transfers_batch_name ON batch_transfers(batch_name);
`

const schemaSettlementMatrices = `
CREATE TABLE IF NOT EXISTS settlement_matrices (
    id TEXT PRIMARY KEY,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    date_from BIGINT NOT NULL DEFAULT 0,
    date_to BIGINT NOT NULL DEFAULT 0,
    currency_codes TEXT NOT NULL,
    settlement_model TEXT NOT NULL DEFAULT '',
    batch_statuses TEXT NOT NULL,
    batch_filter TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    state TEXT NOT NULL,
    batches TEXT NOT NULL,
    balances_by_participant TEXT NOT NULL,
    total_balances TEXT NOT NULL,
    generation_duration_secs BIGINT NOT NULL DEFAULT 0,
    is_batches_out_of_sync INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_matrices_state ON settlement_matrices(state);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSettlementModels,
		schemaSettlementBatches,
		schemaBatchTransfers,
		schemaSettlementMatrices,
	}
}
