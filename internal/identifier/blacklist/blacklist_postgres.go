package blacklist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/benffsc/atlas/pkg/platform/sentinel"
	txcontext "github.com/benffsc/atlas/pkg/platform/tx"

	"github.com/benffsc/atlas/internal/identifier/models"
)

// PostgresStore persists blacklist entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Contains(ctx context.Context, idType models.Type, normalized string) (bool, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM identifier_blacklist WHERE id_type = $1 AND normalized_value = $2
		)
	`, idType.String(), normalized).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Add(ctx context.Context, entry *models.BlacklistEntry) error {
	if entry == nil {
		return fmt.Errorf("blacklist entry is required")
	}
	rowID := entry.ID
	if rowID == uuid.Nil {
		rowID = uuid.New()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	q := txcontext.QuerierFor(ctx, s.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO identifier_blacklist (id, id_type, normalized_value, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id_type, normalized_value) DO UPDATE SET reason = EXCLUDED.reason
	`, rowID, entry.Type.String(), entry.NormalizedValue, entry.Reason, createdAt)
	if err != nil {
		return fmt.Errorf("add blacklist entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, idType models.Type, normalized string) error {
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		DELETE FROM identifier_blacklist WHERE id_type = $1 AND normalized_value = $2
	`, idType.String(), normalized)
	if err != nil {
		return fmt.Errorf("remove blacklist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove blacklist entry rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("blacklist entry %s=%s: %w", idType, normalized, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.BlacklistEntry, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, id_type, normalized_value, reason, created_at
		FROM identifier_blacklist
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	defer rows.Close()

	var out []*models.BlacklistEntry
	for rows.Next() {
		var (
			e  models.BlacklistEntry
			it string
		)
		if err := rows.Scan(&e.ID, &it, &e.NormalizedValue, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan blacklist entry: %w", err)
		}
		e.Type = models.Type(it)
		out = append(out, &e)
	}
	return out, rows.Err()
}
