package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"
	txcontext "github.com/benffsc/atlas/pkg/platform/tx"

	"github.com/benffsc/atlas/internal/entity/models"
)

// PostgresStore persists entities, aliases, and public-id sequences.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (s *PostgresStore) Create(ctx context.Context, e *models.Entity) error {
	if e == nil {
		return fmt.Errorf("entity is required")
	}
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("marshal entity attributes: %w", err)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	q := txcontext.QuerierFor(ctx, s.db)
	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, display_name, attributes, public_id, merged_into, source_system, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6, $7, $7)
	`, uuid.UUID(e.ID), e.Type.String(), e.DisplayName, attrs, e.PublicID, e.SourceSystem, createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("entity %s: %w", e.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

const entityColumns = `id, entity_type, display_name, attributes, public_id, merged_into, source_system, created_at, updated_at`

func (s *PostgresStore) FindByID(ctx context.Context, entityType id.EntityType, entityID id.EntityID) (*models.Entity, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	row := q.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE entity_type = $1 AND id = $2
	`, entityType.String(), uuid.UUID(entityID))
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", entityID, sentinel.ErrNotFound)
	}
	return e, err
}

func (s *PostgresStore) FindByPublicID(ctx context.Context, publicID string) (*models.Entity, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	row := q.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE public_id = $1
	`, publicID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("public id %s: %w", publicID, sentinel.ErrNotFound)
	}
	return e, err
}

func (s *PostgresStore) UpdateAttributes(ctx context.Context, e *models.Entity) error {
	if e == nil {
		return fmt.Errorf("entity is required")
	}
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("marshal entity attributes: %w", err)
	}
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE entities SET display_name = $2, attributes = $3, updated_at = $4 WHERE id = $1
	`, uuid.UUID(e.ID), e.DisplayName, attrs, time.Now())
	if err != nil {
		return fmt.Errorf("update entity attributes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("entity %s: %w", e.ID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetMergedInto(ctx context.Context, entityType id.EntityType, loser, winner id.EntityID) error {
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE entities SET merged_into = $3, updated_at = $4
		WHERE entity_type = $1 AND id = $2 AND merged_into IS NULL
	`, entityType.String(), uuid.UUID(loser), uuid.UUID(winner), time.Now())
	if err != nil {
		return fmt.Errorf("set merged_into: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set merged_into rows affected: %w", err)
	}
	if n == 0 {
		// Either missing or already merged; distinguish for the caller.
		var merged sql.NullString
		err := q.QueryRowContext(ctx,
			`SELECT merged_into::text FROM entities WHERE entity_type = $1 AND id = $2`,
			entityType.String(), uuid.UUID(loser)).Scan(&merged)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("entity %s: %w", loser, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("inspect merge pointer: %w", err)
		}
		return fmt.Errorf("entity %s already merged: %w", loser, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) NextPublicSeq(ctx context.Context, entityType id.EntityType) (int64, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	var seq int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO public_id_sequences (entity_type, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (entity_type) DO UPDATE SET last_seq = public_id_sequences.last_seq + 1
		RETURNING last_seq
	`, entityType.String()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next public id sequence: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) AddAlias(ctx context.Context, alias *models.Alias) error {
	if alias == nil {
		return fmt.Errorf("alias is required")
	}
	q := txcontext.QuerierFor(ctx, s.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO entity_aliases (old_public_id, canonical_entity_id, original_entity_id, reason, merged_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (old_public_id) DO UPDATE SET canonical_entity_id = EXCLUDED.canonical_entity_id
	`, alias.OldPublicID, uuid.UUID(alias.CanonicalEntityID), uuid.UUID(alias.OriginalEntityID),
		alias.Reason, alias.MergedAt)
	if err != nil {
		return fmt.Errorf("add alias: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindAlias(ctx context.Context, oldPublicID string) (*models.Alias, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	var (
		a         models.Alias
		canonical uuid.UUID
		original  uuid.UUID
	)
	err := q.QueryRowContext(ctx, `
		SELECT old_public_id, canonical_entity_id, original_entity_id, reason, merged_at
		FROM entity_aliases WHERE old_public_id = $1
	`, oldPublicID).Scan(&a.OldPublicID, &canonical, &original, &a.Reason, &a.MergedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alias %s: %w", oldPublicID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find alias: %w", err)
	}
	a.CanonicalEntityID = id.EntityID(canonical)
	a.OriginalEntityID = id.EntityID(original)
	return &a, nil
}

func (s *PostgresStore) RepointAliases(ctx context.Context, oldCanonical, newCanonical id.EntityID) (int, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE entity_aliases SET canonical_entity_id = $2 WHERE canonical_entity_id = $1
	`, uuid.UUID(oldCanonical), uuid.UUID(newCanonical))
	if err != nil {
		return 0, fmt.Errorf("repoint aliases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repoint aliases rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var (
		e          models.Entity
		eid        uuid.UUID
		et         string
		attrs      []byte
		mergedInto uuid.NullUUID
	)
	if err := row.Scan(&eid, &et, &e.DisplayName, &attrs, &e.PublicID, &mergedInto,
		&e.SourceSystem, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.ID = id.EntityID(eid)
	e.Type = id.EntityType(et)
	if mergedInto.Valid {
		m := id.EntityID(mergedInto.UUID)
		e.MergedInto = &m
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode entity attributes: %w", err)
		}
	}
	return &e, nil
}
