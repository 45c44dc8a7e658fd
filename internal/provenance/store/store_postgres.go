package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"
	txcontext "github.com/benffsc/atlas/pkg/platform/tx"

	"github.com/benffsc/atlas/internal/provenance/models"
)

// PostgresStore persists field observations.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, fs *models.FieldSource) error {
	if fs == nil {
		return fmt.Errorf("field source is required")
	}
	rowID := fs.ID
	if rowID == uuid.Nil {
		rowID = uuid.New()
	}
	observedAt := fs.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	q := txcontext.QuerierFor(ctx, s.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO field_sources (id, entity_id, field_name, value, source_system, source_record_id, observed_at, confidence, is_current)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		ON CONFLICT (entity_id, field_name, source_system) DO UPDATE
		SET value = EXCLUDED.value,
		    source_record_id = EXCLUDED.source_record_id,
		    observed_at = EXCLUDED.observed_at,
		    confidence = EXCLUDED.confidence
	`, rowID, uuid.UUID(fs.EntityID), fs.FieldName, fs.Value, fs.SourceSystem,
		fs.SourceRecordID, observedAt, fs.Confidence)
	if err != nil {
		return fmt.Errorf("upsert field source: %w", err)
	}
	return nil
}

const fieldSourceColumns = `id, entity_id, field_name, value, source_system, source_record_id, observed_at, confidence, is_current`

func (s *PostgresStore) ListByEntityField(ctx context.Context, entityID id.EntityID, field string) ([]*models.FieldSource, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT `+fieldSourceColumns+` FROM field_sources
		WHERE entity_id = $1 AND field_name = $2
		ORDER BY observed_at ASC
	`, uuid.UUID(entityID), field)
	if err != nil {
		return nil, fmt.Errorf("list field sources: %w", err)
	}
	defer rows.Close()
	return scanFieldSources(rows)
}

func (s *PostgresStore) ListByEntity(ctx context.Context, entityID id.EntityID) ([]*models.FieldSource, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT `+fieldSourceColumns+` FROM field_sources
		WHERE entity_id = $1
		ORDER BY field_name ASC, observed_at ASC
	`, uuid.UUID(entityID))
	if err != nil {
		return nil, fmt.Errorf("list field sources: %w", err)
	}
	defer rows.Close()
	return scanFieldSources(rows)
}

func (s *PostgresStore) SetCurrent(ctx context.Context, entityID id.EntityID, field, sourceSystem string) error {
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE field_sources
		SET is_current = (source_system = $3)
		WHERE entity_id = $1 AND field_name = $2
	`, uuid.UUID(entityID), field, sourceSystem)
	if err != nil {
		return fmt.Errorf("set current field source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set current rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no observation for entity %s field %s source %s", entityID, field, sourceSystem)
	}
	return nil
}

func (s *PostgresStore) Transfer(ctx context.Context, from, to id.EntityID) (int, int, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE field_sources f
		SET entity_id = $2, is_current = FALSE
		WHERE f.entity_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM field_sources w
			WHERE w.entity_id = $2 AND w.field_name = f.field_name AND w.source_system = f.source_system
		  )
	`, uuid.UUID(from), uuid.UUID(to))
	if err != nil {
		return 0, 0, fmt.Errorf("transfer field sources: %w", err)
	}
	moved64, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("transfer field sources rows affected: %w", err)
	}
	var skipped int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM field_sources WHERE entity_id = $1`,
		uuid.UUID(from)).Scan(&skipped); err != nil {
		return 0, 0, fmt.Errorf("count skipped field sources: %w", err)
	}
	return int(moved64), skipped, nil
}

func (s *PostgresStore) Conflicts(ctx context.Context, limit int) ([]*models.FieldConflict, error) {
	if limit <= 0 {
		limit = 500
	}
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT `+fieldSourceColumns+` FROM field_sources
		WHERE value <> ''
		  AND (entity_id, field_name) IN (
			SELECT entity_id, field_name FROM field_sources
			WHERE value <> ''
			GROUP BY entity_id, field_name
			HAVING COUNT(DISTINCT value) > 1
			ORDER BY entity_id, field_name
			LIMIT $1
		  )
		ORDER BY entity_id, field_name, observed_at ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query field conflicts: %w", err)
	}
	defer rows.Close()

	sources, err := scanFieldSources(rows)
	if err != nil {
		return nil, err
	}

	var out []*models.FieldConflict
	var cur *models.FieldConflict
	for _, fs := range sources {
		if cur == nil || cur.EntityID != fs.EntityID || cur.FieldName != fs.FieldName {
			cur = &models.FieldConflict{EntityID: fs.EntityID, FieldName: fs.FieldName}
			out = append(out, cur)
		}
		cur.Values = append(cur.Values, models.ConflictValue{
			Value:        fs.Value,
			SourceSystem: fs.SourceSystem,
			ObservedAt:   fs.ObservedAt,
			IsCurrent:    fs.IsCurrent,
		})
		if fs.IsCurrent {
			cur.CurrentValue = fs.Value
		}
	}
	return out, nil
}

func scanFieldSources(rows *sql.Rows) ([]*models.FieldSource, error) {
	var out []*models.FieldSource
	for rows.Next() {
		var (
			fs  models.FieldSource
			eid uuid.UUID
		)
		if err := rows.Scan(&fs.ID, &eid, &fs.FieldName, &fs.Value, &fs.SourceSystem,
			&fs.SourceRecordID, &fs.ObservedAt, &fs.Confidence, &fs.IsCurrent); err != nil {
			return nil, fmt.Errorf("scan field source: %w", err)
		}
		fs.EntityID = id.EntityID(eid)
		out = append(out, &fs)
	}
	return out, rows.Err()
}
