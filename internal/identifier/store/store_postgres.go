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

	"github.com/benffsc/atlas/internal/identifier/models"
)

// PostgresStore persists identifiers in PostgreSQL. Joins the ambient
// transaction from pkg/platform/tx when one is present.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (s *PostgresStore) Add(ctx context.Context, ident *models.Identifier) error {
	if ident == nil {
		return fmt.Errorf("identifier is required")
	}
	rowID := ident.ID
	if rowID == uuid.Nil {
		rowID = uuid.New()
	}
	createdAt := ident.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	q := txcontext.QuerierFor(ctx, s.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO identifiers (id, entity_type, entity_id, id_type, raw_value, normalized_value, source_system, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rowID, ident.EntityType.String(), uuid.UUID(ident.EntityID), ident.Type.String(),
		ident.RawValue, ident.NormalizedValue, ident.SourceSystem, ident.Confidence, createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("identifier %s=%s on entity %s: %w",
				ident.Type, ident.NormalizedValue, ident.EntityID, sentinel.ErrConflict)
		}
		return fmt.Errorf("add identifier: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindHolders(ctx context.Context, entityType id.EntityType, idType models.Type, normalized string) ([]*models.Identifier, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, id_type, raw_value, normalized_value, source_system, confidence, created_at
		FROM identifiers
		WHERE entity_type = $1 AND id_type = $2 AND normalized_value = $3
		ORDER BY created_at ASC
	`, entityType.String(), idType.String(), normalized)
	if err != nil {
		return nil, fmt.Errorf("find identifier holders: %w", err)
	}
	defer rows.Close()
	return scanIdentifiers(rows)
}

func (s *PostgresStore) ListByEntity(ctx context.Context, entityType id.EntityType, entityID id.EntityID) ([]*models.Identifier, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, id_type, raw_value, normalized_value, source_system, confidence, created_at
		FROM identifiers
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC
	`, entityType.String(), uuid.UUID(entityID))
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	defer rows.Close()
	return scanIdentifiers(rows)
}

func (s *PostgresStore) Transfer(ctx context.Context, entityType id.EntityType, from, to id.EntityID) (int, int, error) {
	q := txcontext.QuerierFor(ctx, s.db)

	// Move everything the winner does not already hold.
	res, err := q.ExecContext(ctx, `
		UPDATE identifiers i
		SET entity_id = $3
		WHERE i.entity_type = $1 AND i.entity_id = $2
		  AND NOT EXISTS (
			SELECT 1 FROM identifiers w
			WHERE w.entity_type = $1 AND w.entity_id = $3
			  AND w.id_type = i.id_type AND w.normalized_value = i.normalized_value
		  )
	`, entityType.String(), uuid.UUID(from), uuid.UUID(to))
	if err != nil {
		return 0, 0, fmt.Errorf("transfer identifiers: %w", err)
	}
	moved64, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("transfer identifiers rows affected: %w", err)
	}

	// Whatever still points at the loser collided with the winner.
	var skipped int
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM identifiers WHERE entity_type = $1 AND entity_id = $2
	`, entityType.String(), uuid.UUID(from)).Scan(&skipped)
	if err != nil {
		return 0, 0, fmt.Errorf("count skipped identifiers: %w", err)
	}
	return int(moved64), skipped, nil
}

func scanIdentifiers(rows *sql.Rows) ([]*models.Identifier, error) {
	var out []*models.Identifier
	for rows.Next() {
		var (
			ident models.Identifier
			et    string
			eid   uuid.UUID
			it    string
		)
		if err := rows.Scan(&ident.ID, &et, &eid, &it, &ident.RawValue,
			&ident.NormalizedValue, &ident.SourceSystem, &ident.Confidence, &ident.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		ident.EntityType = id.EntityType(et)
		ident.EntityID = id.EntityID(eid)
		ident.Type = models.Type(it)
		out = append(out, &ident)
	}
	return out, rows.Err()
}
