package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"
	txcontext "github.com/benffsc/atlas/pkg/platform/tx"

	"github.com/benffsc/atlas/internal/pipeline/models"
)

// PostgresStaged persists staged records.
type PostgresStaged struct {
	db *sql.DB
}

func NewPostgresStaged(db *sql.DB) *PostgresStaged {
	return &PostgresStaged{db: db}
}

const stagedColumns = `id, source_system, source_table, source_row_id, payload, content_hash, is_processed, processor_name, resulting_entity_type, resulting_entity_id, processing_error, claimed_at, processed_at, created_at`

func (s *PostgresStaged) Insert(ctx context.Context, record *models.StagedRecord) error {
	if record == nil {
		return fmt.Errorf("staged record is required")
	}
	if record.ID.IsNil() {
		record.ID = id.NewStagedRecordID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("marshal staged payload: %w", err)
	}
	q := txcontext.QuerierFor(ctx, s.db)
	_, err = q.ExecContext(ctx, `
		INSERT INTO staged_records (id, source_system, source_table, source_row_id, payload, content_hash, is_processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`, uuid.UUID(record.ID), record.SourceSystem, record.SourceTable,
		record.SourceRowID, payload, record.ContentHash, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert staged record: %w", err)
	}
	return nil
}

func (s *PostgresStaged) FindByID(ctx context.Context, recordID id.StagedRecordID) (*models.StagedRecord, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	row := q.QueryRowContext(ctx,
		`SELECT `+stagedColumns+` FROM staged_records WHERE id = $1`, uuid.UUID(recordID))
	record, err := scanStaged(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("staged record %s: %w", recordID, sentinel.ErrNotFound)
	}
	return record, err
}

func (s *PostgresStaged) LatestBySourceRow(ctx context.Context, sourceSystem, sourceTable, sourceRowID string) (*models.StagedRecord, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	row := q.QueryRowContext(ctx, `
		SELECT `+stagedColumns+` FROM staged_records
		WHERE source_system = $1 AND source_table = $2 AND source_row_id = $3
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, sourceSystem, sourceTable, sourceRowID)
	record, err := scanStaged(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("staged row %s/%s/%s: %w", sourceSystem, sourceTable, sourceRowID, sentinel.ErrNotFound)
	}
	return record, err
}

// ClaimUnprocessed uses FOR UPDATE SKIP LOCKED so concurrent dispatchers
// never double-claim a row; a stale claimed_at is reclaimed after the claim
// timeout.
func (s *PostgresStaged) ClaimUnprocessed(ctx context.Context, sourceSystem, sourceTable string, limit int) ([]*models.StagedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		UPDATE staged_records
		SET claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM staged_records
			WHERE source_system = $1 AND source_table = $2
			  AND NOT is_processed
			  AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $3))
			ORDER BY created_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+stagedColumns+`
	`, sourceSystem, sourceTable, claimTimeout.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim staged records: %w", err)
	}
	defer rows.Close()
	var out []*models.StagedRecord
	for rows.Next() {
		record, err := scanStaged(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// ClaimUnregistered claims rows whose partition has no active registration.
// The registered pairs go into a NOT IN list built per call; registration
// counts are single digits, so the dynamic SQL stays tiny.
func (s *PostgresStaged) ClaimUnregistered(ctx context.Context, registered []models.SourcePartition, limit int) ([]*models.StagedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	args := []any{claimTimeout.Seconds(), limit}
	exclude := ""
	if len(registered) > 0 {
		pairs := make([]string, 0, len(registered))
		for _, p := range registered {
			pairs = append(pairs, fmt.Sprintf("($%d, $%d)", len(args)+1, len(args)+2))
			args = append(args, p.SourceSystem, p.SourceTable)
		}
		exclude = `AND (source_system, source_table) NOT IN (` + strings.Join(pairs, ", ") + `)`
	}
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		UPDATE staged_records
		SET claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM staged_records
			WHERE NOT is_processed
			  AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $1))
			  `+exclude+`
			ORDER BY created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+stagedColumns+`
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("claim unregistered staged records: %w", err)
	}
	defer rows.Close()
	var out []*models.StagedRecord
	for rows.Next() {
		record, err := scanStaged(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *PostgresStaged) MarkProcessed(ctx context.Context, recordID id.StagedRecordID, processorName string, resultType id.EntityType, resultID id.EntityID, processingError string) error {
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE staged_records
		SET is_processed = TRUE, processor_name = $2, resulting_entity_type = $3,
		    resulting_entity_id = $4, processing_error = $5, processed_at = NOW()
		WHERE id = $1 AND NOT is_processed
	`, uuid.UUID(recordID), processorName, nullIfEmpty(string(resultType)),
		nullEntityID(resultID), processingError)
	if err != nil {
		return fmt.Errorf("mark staged record processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark processed rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM staged_records WHERE id = $1)`,
			uuid.UUID(recordID)).Scan(&exists); err != nil {
			return fmt.Errorf("check staged record existence: %w", err)
		}
		if !exists {
			return fmt.Errorf("staged record %s: %w", recordID, sentinel.ErrNotFound)
		}
		return fmt.Errorf("staged record %s already processed: %w", recordID, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStaged) Reset(ctx context.Context, recordID id.StagedRecordID) error {
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE staged_records
		SET is_processed = FALSE, processor_name = '', resulting_entity_type = NULL,
		    resulting_entity_id = NULL, processing_error = '', claimed_at = NULL, processed_at = NULL
		WHERE id = $1 AND is_processed
	`, uuid.UUID(recordID))
	if err != nil {
		return fmt.Errorf("reset staged record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM staged_records WHERE id = $1)`,
			uuid.UUID(recordID)).Scan(&exists); err != nil {
			return fmt.Errorf("check staged record existence: %w", err)
		}
		if !exists {
			return fmt.Errorf("staged record %s: %w", recordID, sentinel.ErrNotFound)
		}
		return fmt.Errorf("staged record %s is not processed: %w", recordID, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStaged) PendingCounts(ctx context.Context) ([]*models.QueueDepth, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT source_system, source_table,
		       COUNT(*) FILTER (WHERE NOT is_processed) AS pending,
		       COUNT(*) FILTER (WHERE is_processed AND processing_error <> '') AS errored
		FROM staged_records
		GROUP BY source_system, source_table
		ORDER BY source_system, source_table
	`)
	if err != nil {
		return nil, fmt.Errorf("query queue depths: %w", err)
	}
	defer rows.Close()
	var out []*models.QueueDepth
	for rows.Next() {
		var d models.QueueDepth
		if err := rows.Scan(&d.SourceSystem, &d.SourceTable, &d.Pending, &d.Errored); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStaged(row rowScanner) (*models.StagedRecord, error) {
	var (
		r          models.StagedRecord
		recordID   uuid.UUID
		payload    []byte
		resultType sql.NullString
		resultID   sql.Null[uuid.UUID]
	)
	err := row.Scan(&recordID, &r.SourceSystem, &r.SourceTable, &r.SourceRowID,
		&payload, &r.ContentHash, &r.IsProcessed, &r.ProcessorName,
		&resultType, &resultID, &r.ProcessingError, &r.ClaimedAt,
		&r.ProcessedAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan staged record: %w", err)
	}
	r.ID = id.StagedRecordID(recordID)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal staged payload: %w", err)
		}
	}
	r.ResultingEntityType = id.EntityType(resultType.String)
	if resultID.Valid {
		r.ResultingEntityID = id.EntityID(resultID.V)
	}
	return &r, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullEntityID(eid id.EntityID) any {
	if eid.IsNil() {
		return nil
	}
	return uuid.UUID(eid)
}

// PostgresRegistrations persists processor registrations.
type PostgresRegistrations struct {
	db *sql.DB
}

func NewPostgresRegistrations(db *sql.DB) *PostgresRegistrations {
	return &PostgresRegistrations{db: db}
}

func (s *PostgresRegistrations) Upsert(ctx context.Context, reg *models.ProcessorRegistration) error {
	if reg == nil {
		return fmt.Errorf("registration is required")
	}
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	q := txcontext.QuerierFor(ctx, s.db)
	err := q.QueryRowContext(ctx, `
		INSERT INTO processor_registrations (id, source_system, source_table, entity_type, processor_reference, priority, is_active, run_stats, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '{}', NOW(), NOW())
		ON CONFLICT (source_system, source_table) DO UPDATE
		SET entity_type = EXCLUDED.entity_type,
		    processor_reference = EXCLUDED.processor_reference,
		    priority = EXCLUDED.priority,
		    is_active = EXCLUDED.is_active,
		    updated_at = NOW()
		RETURNING id
	`, reg.ID, reg.SourceSystem, reg.SourceTable, string(reg.EntityType),
		reg.ProcessorReference, reg.Priority, reg.IsActive).Scan(&reg.ID)
	if err != nil {
		return fmt.Errorf("upsert processor registration: %w", err)
	}
	return nil
}

func (s *PostgresRegistrations) ListActive(ctx context.Context) ([]*models.ProcessorRegistration, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, source_system, source_table, entity_type, processor_reference, priority, is_active, run_stats, created_at, updated_at
		FROM processor_registrations
		WHERE is_active
		ORDER BY priority ASC, source_table ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active registrations: %w", err)
	}
	defer rows.Close()
	var out []*models.ProcessorRegistration
	for rows.Next() {
		var (
			reg        models.ProcessorRegistration
			entityType string
			stats      []byte
		)
		if err := rows.Scan(&reg.ID, &reg.SourceSystem, &reg.SourceTable,
			&entityType, &reg.ProcessorReference, &reg.Priority, &reg.IsActive,
			&stats, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		reg.EntityType = id.EntityType(entityType)
		if len(stats) > 0 {
			if err := json.Unmarshal(stats, &reg.RunStats); err != nil {
				return nil, fmt.Errorf("unmarshal run stats: %w", err)
			}
		}
		out = append(out, &reg)
	}
	return out, rows.Err()
}

func (s *PostgresRegistrations) RecordRun(ctx context.Context, regID uuid.UUID, succeeded, errored int) error {
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE processor_registrations
		SET run_stats = jsonb_set(jsonb_set(jsonb_set(jsonb_set(
		        COALESCE(run_stats, '{}'::jsonb),
		        '{runs}', to_jsonb(COALESCE((run_stats->>'runs')::bigint, 0) + 1)),
		        '{succeeded}', to_jsonb(COALESCE((run_stats->>'succeeded')::bigint, 0) + $2)),
		        '{errored}', to_jsonb(COALESCE((run_stats->>'errored')::bigint, 0) + $3)),
		        '{last_run}', to_jsonb(NOW())),
		    updated_at = NOW()
		WHERE id = $1
	`, regID, succeeded, errored)
	if err != nil {
		return fmt.Errorf("record registration run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record run rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("registration %s: %w", regID, sentinel.ErrNotFound)
	}
	return nil
}
