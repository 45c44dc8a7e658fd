package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"
	txcontext "github.com/benffsc/atlas/pkg/platform/tx"

	"github.com/benffsc/atlas/internal/relationship/models"
)

// PostgresStore persists relationships.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const relationshipColumns = `id, kind, subject_id, object_id, source_system, source_row_id, staged_record_id, source_fingerprint, has_stale_source, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, rel *models.Relationship) error {
	if rel == nil {
		return fmt.Errorf("relationship is required")
	}
	if rel.ID == uuid.Nil {
		rel.ID = uuid.New()
	}
	now := time.Now()
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = now
	}
	rel.UpdatedAt = rel.CreatedAt

	q := txcontext.QuerierFor(ctx, s.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO relationships (`+relationshipColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rel.ID, string(rel.Kind), uuid.UUID(rel.SubjectID), uuid.UUID(rel.ObjectID),
		rel.SourceSystem, rel.SourceRowID, nullStagedID(rel.StagedRecordID),
		rel.SourceFingerprint, rel.HasStaleSource, rel.CreatedAt, rel.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("relationship %s %s->%s already exists: %w",
				rel.Kind, rel.SubjectID, rel.ObjectID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, relID uuid.UUID) (*models.Relationship, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	row := q.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE id = $1`, relID)
	rel, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relationship %s: %w", relID, sentinel.ErrNotFound)
	}
	return rel, err
}

func (s *PostgresStore) ListByEntity(ctx context.Context, entityID id.EntityID) ([]*models.Relationship, error) {
	return s.list(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE subject_id = $1 OR object_id = $1
		ORDER BY created_at ASC, id ASC
	`, uuid.UUID(entityID))
}

func (s *PostgresStore) ListBySourceRow(ctx context.Context, sourceSystem, sourceRowID string) ([]*models.Relationship, error) {
	return s.list(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE source_system = $1 AND source_row_id = $2
		ORDER BY created_at ASC, id ASC
	`, sourceSystem, sourceRowID)
}

func (s *PostgresStore) Transfer(ctx context.Context, from, to id.EntityID) (int, int, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	moved := 0
	// Repoint one end at a time; a move is skipped when the winner already
	// has the resulting triple or the move would create a self-link.
	for _, stmt := range []string{
		`UPDATE relationships r
		 SET subject_id = $2, updated_at = NOW()
		 WHERE r.subject_id = $1 AND r.object_id <> $2
		   AND NOT EXISTS (
			SELECT 1 FROM relationships w
			WHERE w.kind = r.kind AND w.subject_id = $2 AND w.object_id = r.object_id
		   )`,
		`UPDATE relationships r
		 SET object_id = $2, updated_at = NOW()
		 WHERE r.object_id = $1 AND r.subject_id <> $2
		   AND NOT EXISTS (
			SELECT 1 FROM relationships w
			WHERE w.kind = r.kind AND w.subject_id = r.subject_id AND w.object_id = $2
		   )`,
	} {
		res, err := q.ExecContext(ctx, stmt, uuid.UUID(from), uuid.UUID(to))
		if err != nil {
			return 0, 0, fmt.Errorf("transfer relationships: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("transfer relationships rows affected: %w", err)
		}
		moved += int(n)
	}
	var skipped int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationships WHERE subject_id = $1 OR object_id = $1`,
		uuid.UUID(from)).Scan(&skipped); err != nil {
		return 0, 0, fmt.Errorf("count skipped relationships: %w", err)
	}
	return moved, skipped, nil
}

func (s *PostgresStore) SetStale(ctx context.Context, relID uuid.UUID, stale bool) error {
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE relationships SET has_stale_source = $2, updated_at = NOW() WHERE id = $1
	`, relID, stale)
	if err != nil {
		return fmt.Errorf("set relationship stale flag: %w", err)
	}
	return oneRowOr(res, relID)
}

func (s *PostgresStore) UpdateFingerprint(ctx context.Context, relID uuid.UUID, fingerprint string) error {
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE relationships
		SET source_fingerprint = $2, has_stale_source = FALSE, updated_at = NOW()
		WHERE id = $1
	`, relID, fingerprint)
	if err != nil {
		return fmt.Errorf("update relationship fingerprint: %w", err)
	}
	return oneRowOr(res, relID)
}

func (s *PostgresStore) ListStale(ctx context.Context, limit int) ([]*models.Relationship, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.list(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE has_stale_source
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
}

func (s *PostgresStore) ListFingerprinted(ctx context.Context, limit int) ([]*models.Relationship, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.list(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE source_fingerprint <> ''
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Relationship, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()
	var out []*models.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func oneRowOr(res sql.Result, relID uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("relationship rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("relationship %s: %w", relID, sentinel.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelationship(row rowScanner) (*models.Relationship, error) {
	var (
		rel     models.Relationship
		kind    string
		subject uuid.UUID
		object  uuid.UUID
		staged  sql.Null[uuid.UUID]
	)
	err := row.Scan(&rel.ID, &kind, &subject, &object, &rel.SourceSystem,
		&rel.SourceRowID, &staged, &rel.SourceFingerprint, &rel.HasStaleSource,
		&rel.CreatedAt, &rel.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan relationship: %w", err)
	}
	rel.Kind = models.Kind(kind)
	rel.SubjectID = id.EntityID(subject)
	rel.ObjectID = id.EntityID(object)
	if staged.Valid {
		rel.StagedRecordID = id.StagedRecordID(staged.V)
	}
	return &rel, nil
}

func nullStagedID(sid id.StagedRecordID) any {
	if sid.IsNil() {
		return nil
	}
	return uuid.UUID(sid)
}
