// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/tern/internal/domain"
)

// SQLRepository implements the settlement repository interfaces using
// database/sql. Works with both SQLite and PostgreSQL drivers. Complex
// value-object columns (batch accounts, matrix snapshots and balances) are
// stored as JSON; everything queried on is a plain column.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
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

// Repositories returns the per-entity views of this repository.
func (r *SQLRepository) Repositories() domain.Repositories {
	return domain.Repositories{
		Batches:   r,
		Transfers: r,
		Models:    r,
		Matrices:  r,
	}
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// StoreModel stores a settlement model.
func (r *SQLRepository) StoreModel(ctx context.Context, model *domain.SettlementModel) error {
	changeLog, _ := json.Marshal(model.ChangeLog)

	isActive := 0
	if model.IsActive {
		isActive = 1
	}

	query := `
		INSERT INTO settlement_models (
			id, name, batch_create_interval_secs, is_active, created_by, created_date, change_log
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		model.ID, model.Name, model.BatchCreateIntervalSecs,
		isActive, model.CreatedBy, model.CreatedDate, string(changeLog),
	)
	return err
}

// GetModelByName retrieves a settlement model by its unique name.
func (r *SQLRepository) GetModelByName(ctx context.Context, name string) (*domain.SettlementModel, error) {
	query := `
		SELECT id, name, batch_create_interval_secs, is_active, created_by, created_date, change_log
		FROM settlement_models
		WHERE name = ?
	`

	var model domain.SettlementModel
	var isActive int
	var changeLog string

	err := r.db.QueryRowContext(ctx, r.rebind(query), name).Scan(
		&model.ID, &model.Name, &model.BatchCreateIntervalSecs,
		&isActive, &model.CreatedBy, &model.CreatedDate, &changeLog,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSettlementModelNotFound
	}
	if err != nil {
		return nil, err
	}

	model.IsActive = isActive == 1
	if changeLog != "" {
		json.Unmarshal([]byte(changeLog), &model.ChangeLog)
	}

	return &model, nil
}

// StoreNewBatch inserts a batch. Fails if the id already exists.
func (r *SQLRepository) StoreNewBatch(ctx context.Context, batch *domain.SettlementBatch) error {
	accounts, _ := json.Marshal(batch.Accounts)

	query := `
		INSERT INTO settlement_batches (
			id, batch_uuid, timestamp, settlement_model, currency_code,
			batch_name, batch_sequence, state, owner_matrix_id, accounts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		batch.ID, batch.BatchUUID, batch.Timestamp,
		batch.SettlementModel, batch.CurrencyCode,
		batch.BatchName, batch.BatchSequence,
		string(batch.State), batch.OwnerMatrixID, string(accounts),
	)
	return err
}

// UpdateBatch rewrites the mutable fields of an existing batch.
func (r *SQLRepository) UpdateBatch(ctx context.Context, batch *domain.SettlementBatch) error {
	accounts, _ := json.Marshal(batch.Accounts)

	query := `
		UPDATE settlement_batches
		SET state = ?, owner_matrix_id = ?, accounts = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(batch.State), batch.OwnerMatrixID, string(accounts), batch.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrBatchNotFound
	}

	return nil
}

const batchColumns = `id, batch_uuid, timestamp, settlement_model, currency_code,
	   batch_name, batch_sequence, state, owner_matrix_id, accounts`

func scanBatch(scan func(...any) error) (*domain.SettlementBatch, error) {
	var batch domain.SettlementBatch
	var state, accounts string

	if err := scan(
		&batch.ID, &batch.BatchUUID, &batch.Timestamp,
		&batch.SettlementModel, &batch.CurrencyCode,
		&batch.BatchName, &batch.BatchSequence,
		&state, &batch.OwnerMatrixID, &accounts,
	); err != nil {
		return nil, err
	}

	batch.State = domain.BatchState(state)
	if accounts != "" {
		json.Unmarshal([]byte(accounts), &batch.Accounts)
	}
	return &batch, nil
}

// GetBatch retrieves a batch by ID.
func (r *SQLRepository) GetBatch(ctx context.Context, batchID string) (*domain.SettlementBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM settlement_batches WHERE id = ?`

	batch, err := scanBatch(r.db.QueryRowContext(ctx, r.rebind(query), batchID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// GetBatchesByName retrieves every sequence of a batch name, ordered by
// sequence.
func (r *SQLRepository) GetBatchesByName(ctx context.Context, batchName string) ([]*domain.SettlementBatch, error) {
	query := `SELECT ` + batchColumns + `
		FROM settlement_batches
		WHERE batch_name = ?
		ORDER BY batch_sequence`

	batches, err := r.queryBatches(ctx, r.rebind(query), batchName)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, domain.ErrBatchNotFound
	}
	return batches, nil
}

// GetBatchesByIDs retrieves the batches that exist among the given ids.
// Missing ids are omitted, not an error; callers compare counts.
func (r *SQLRepository) GetBatchesByIDs(ctx context.Context, batchIDs []string) ([]*domain.SettlementBatch, error) {
	if len(batchIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(batchIDs)), ", ")
	query := `SELECT ` + batchColumns + `
		FROM settlement_batches
		WHERE id IN (` + placeholders + `)
		ORDER BY timestamp, batch_sequence`

	args := make([]any, len(batchIDs))
	for i, id := range batchIDs {
		args[i] = id
	}

	return r.queryBatches(ctx, r.rebind(query), args...)
}

// GetBatchesByCriteria retrieves batches matching the dynamic-matrix search
// criteria.
func (r *SQLRepository) GetBatchesByCriteria(ctx context.Context, criteria domain.BatchSearchCriteria) ([]*domain.SettlementBatch, error) {
	var conds []string
	var args []any

	if criteria.FromDate > 0 {
		conds = append(conds, "timestamp >= ?")
		args = append(args, criteria.FromDate)
	}
	if criteria.ToDate > 0 {
		conds = append(conds, "timestamp <= ?")
		args = append(args, criteria.ToDate)
	}
	if criteria.SettlementModel != "" {
		conds = append(conds, "settlement_model = ?")
		args = append(args, criteria.SettlementModel)
	}
	if len(criteria.CurrencyCodes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(criteria.CurrencyCodes)), ", ")
		conds = append(conds, "currency_code IN ("+placeholders+")")
		for _, c := range criteria.CurrencyCodes {
			args = append(args, c)
		}
	}
	if len(criteria.States) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(criteria.States)), ", ")
		conds = append(conds, "state IN ("+placeholders+")")
		for _, s := range criteria.States {
			args = append(args, string(s))
		}
	}

	query := `SELECT ` + batchColumns + ` FROM settlement_batches`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp, batch_name, batch_sequence"

	return r.queryBatches(ctx, r.rebind(query), args...)
}

func (r *SQLRepository) queryBatches(ctx context.Context, query string, args ...any) ([]*domain.SettlementBatch, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*domain.SettlementBatch
	for rows.Next() {
		batch, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}

	return batches, rows.Err()
}

// StoreBatchTransfer inserts a transfer.
func (r *SQLRepository) StoreBatchTransfer(ctx context.Context, transfer *domain.BatchTransfer) error {
	query := `
		INSERT INTO batch_transfers (
			transfer_id, transfer_timestamp, payer_fsp_id, payee_fsp_id,
			currency_code, amount, batch_id, batch_name, journal_entry_id, matrix_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		transfer.TransferID, transfer.TransferTimestamp,
		transfer.PayerFspID, transfer.PayeeFspID,
		transfer.CurrencyCode, transfer.Amount,
		transfer.BatchID, transfer.BatchName,
		transfer.JournalEntryID, transfer.MatrixID,
	)
	return err
}

// UpdateBatchTransfer rewrites the ledger linkage of an existing transfer.
func (r *SQLRepository) UpdateBatchTransfer(ctx context.Context, transfer *domain.BatchTransfer) error {
	query := `
		UPDATE batch_transfers
		SET journal_entry_id = ?, matrix_id = ?
		WHERE transfer_id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		transfer.JournalEntryID, transfer.MatrixID, transfer.TransferID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("batch transfer %s not found", transfer.TransferID)
	}

	return nil
}

const transferColumns = `transfer_id, transfer_timestamp, payer_fsp_id, payee_fsp_id,
	   currency_code, amount, batch_id, batch_name, journal_entry_id, matrix_id`

func scanTransfer(scan func(...any) error) (*domain.BatchTransfer, error) {
	var t domain.BatchTransfer
	if err := scan(
		&t.TransferID, &t.TransferTimestamp,
		&t.PayerFspID, &t.PayeeFspID,
		&t.CurrencyCode, &t.Amount,
		&t.BatchID, &t.BatchName,
		&t.JournalEntryID, &t.MatrixID,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetAllTransfersByBatchID retrieves every transfer in a batch in insertion
// order.
func (r *SQLRepository) GetAllTransfersByBatchID(ctx context.Context, batchID string) ([]*domain.BatchTransfer, error) {
	query := `SELECT ` + transferColumns + `
		FROM batch_transfers
		WHERE batch_id = ?
		ORDER BY transfer_timestamp, transfer_id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []*domain.BatchTransfer
	for rows.Next() {
		t, err := scanTransfer(rows.Scan)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}

	return transfers, rows.Err()
}

// SearchTransfers is the paginated read-path transfer lookup.
func (r *SQLRepository) SearchTransfers(ctx context.Context, query domain.TransferSearchQuery) (*domain.TransferSearchPage, error) {
	var conds []string
	var args []any

	if query.BatchID != "" {
		conds = append(conds, "batch_id = ?")
		args = append(args, query.BatchID)
	}
	if query.BatchName != "" {
		conds = append(conds, "batch_name = ?")
		args = append(args, query.BatchName)
	}
	if query.TransferID != "" {
		conds = append(conds, "transfer_id = ?")
		args = append(args, query.TransferID)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	page := &domain.TransferSearchPage{}

	countQuery := `SELECT COUNT(*) FROM batch_transfers` + where
	if err := r.db.QueryRowContext(ctx, r.rebind(countQuery), args...).Scan(&page.TotalCount); err != nil {
		return nil, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	listQuery := `SELECT ` + transferColumns + ` FROM batch_transfers` + where +
		` ORDER BY transfer_timestamp, transfer_id LIMIT ? OFFSET ?`
	listArgs := append(append([]any{}, args...), limit, query.Offset)

	rows, err := r.db.QueryContext(ctx, r.rebind(listQuery), listArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTransfer(rows.Scan)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, t)
	}

	return page, rows.Err()
}

// StoreMatrix upserts a matrix with its full denormalized snapshot.
func (r *SQLRepository) StoreMatrix(ctx context.Context, matrix *domain.SettlementMatrix) error {
	currencyCodes, _ := json.Marshal(matrix.CurrencyCodes)
	batchStatuses, _ := json.Marshal(matrix.BatchStatuses)
	batches, _ := json.Marshal(matrix.Batches)
	participantBalances, _ := json.Marshal(matrix.BalancesByParticipant)
	totalBalances, _ := json.Marshal(matrix.TotalBalances)

	outOfSync := 0
	if matrix.IsBatchesOutOfSync {
		outOfSync = 1
	}

	query := `
		INSERT INTO settlement_matrices (
			id, created_at, updated_at, date_from, date_to, currency_codes,
			settlement_model, batch_statuses, batch_filter, type, state,
			batches, balances_by_participant, total_balances,
			generation_duration_secs, is_batches_out_of_sync
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			state = excluded.state,
			batches = excluded.batches,
			balances_by_participant = excluded.balances_by_participant,
			total_balances = excluded.total_balances,
			generation_duration_secs = excluded.generation_duration_secs,
			is_batches_out_of_sync = excluded.is_batches_out_of_sync
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		matrix.ID, matrix.CreatedAt, matrix.UpdatedAt,
		matrix.DateFrom, matrix.DateTo, string(currencyCodes),
		matrix.SettlementModel, string(batchStatuses), matrix.BatchFilter,
		string(matrix.Type), string(matrix.State),
		string(batches), string(participantBalances), string(totalBalances),
		matrix.GenerationDurationSecs, outOfSync,
	)
	return err
}

const matrixColumns = `id, created_at, updated_at, date_from, date_to, currency_codes,
	   settlement_model, batch_statuses, batch_filter, type, state,
	   batches, balances_by_participant, total_balances,
	   generation_duration_secs, is_batches_out_of_sync`

func scanMatrix(scan func(...any) error) (*domain.SettlementMatrix, error) {
	var m domain.SettlementMatrix
	var currencyCodes, batchStatuses, matrixType, state string
	var batches, participantBalances, totalBalances string
	var outOfSync int

	if err := scan(
		&m.ID, &m.CreatedAt, &m.UpdatedAt,
		&m.DateFrom, &m.DateTo, &currencyCodes,
		&m.SettlementModel, &batchStatuses, &m.BatchFilter,
		&matrixType, &state,
		&batches, &participantBalances, &totalBalances,
		&m.GenerationDurationSecs, &outOfSync,
	); err != nil {
		return nil, err
	}

	m.Type = domain.MatrixType(matrixType)
	m.State = domain.MatrixState(state)
	m.IsBatchesOutOfSync = outOfSync == 1
	json.Unmarshal([]byte(currencyCodes), &m.CurrencyCodes)
	json.Unmarshal([]byte(batchStatuses), &m.BatchStatuses)
	json.Unmarshal([]byte(batches), &m.Batches)
	json.Unmarshal([]byte(participantBalances), &m.BalancesByParticipant)
	json.Unmarshal([]byte(totalBalances), &m.TotalBalances)

	return &m, nil
}

// GetMatrixByID retrieves a matrix by ID.
func (r *SQLRepository) GetMatrixByID(ctx context.Context, matrixID string) (*domain.SettlementMatrix, error) {
	query := `SELECT ` + matrixColumns + ` FROM settlement_matrices WHERE id = ?`

	m, err := scanMatrix(r.db.QueryRowContext(ctx, r.rebind(query), matrixID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMatrixNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetIdleMatricesWithBatchID retrieves IDLE matrices whose snapshot references
// the batch. The LIKE on the JSON column is a coarse prefilter; the exact
// check happens on the decoded snapshot.
func (r *SQLRepository) GetIdleMatricesWithBatchID(ctx context.Context, batchID string) ([]*domain.SettlementMatrix, error) {
	query := `SELECT ` + matrixColumns + `
		FROM settlement_matrices
		WHERE state = ? AND batches LIKE ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		string(domain.MatrixStateIdle), "%"+batchID+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matrices []*domain.SettlementMatrix
	for rows.Next() {
		m, err := scanMatrix(rows.Scan)
		if err != nil {
			return nil, err
		}
		if m.GetBatch(batchID) != nil {
			matrices = append(matrices, m)
		}
	}

	return matrices, rows.Err()
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

	// Convert ? to $1, $2, etc.
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
