package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"
	txcontext "github.com/benffsc/atlas/pkg/platform/tx"

	"github.com/benffsc/atlas/internal/resolve/models"
)

// PostgresStore persists match decisions.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const decisionColumns = `id, staged_record_id, entity_type, decision_type, score_breakdown, candidates, resulting_entity_id, reject_reason, created_at, reviewed_at, reviewed_by`

func (s *PostgresStore) Create(ctx context.Context, decision *models.MatchDecision) error {
	if decision == nil {
		return fmt.Errorf("decision is required")
	}
	if decision.ID.IsNil() {
		decision.ID = id.NewDecisionID()
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now()
	}
	breakdown, err := json.Marshal(decision.ScoreBreakdown)
	if err != nil {
		return fmt.Errorf("marshal score breakdown: %w", err)
	}
	candidates, err := json.Marshal(decision.Candidates)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}

	q := txcontext.QuerierFor(ctx, s.db)
	_, err = q.ExecContext(ctx, `
		INSERT INTO match_decisions (`+decisionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, uuid.UUID(decision.ID), nullStagedID(decision.StagedRecordID),
		string(decision.EntityType), string(decision.DecisionType),
		breakdown, candidates, nullEntityID(decision.ResultingEntityID),
		decision.RejectReason, decision.CreatedAt, decision.ReviewedAt,
		nullString(decision.ReviewedBy))
	if err != nil {
		return fmt.Errorf("insert match decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, decisionID id.DecisionID) (*models.MatchDecision, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	row := q.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM match_decisions WHERE id = $1`,
		uuid.UUID(decisionID))
	decision, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decision %s: %w", decisionID, sentinel.ErrNotFound)
	}
	return decision, err
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*models.MatchDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT `+decisionColumns+` FROM match_decisions
		WHERE decision_type = $1 AND reviewed_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, string(models.DecisionReviewPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}
	defer rows.Close()
	var out []*models.MatchDecision
	for rows.Next() {
		decision, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, decision)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkReviewed(ctx context.Context, decisionID id.DecisionID, resultingEntityID id.EntityID, reviewer string) error {
	q := txcontext.QuerierFor(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE match_decisions
		SET resulting_entity_id = $2, reviewed_at = NOW(), reviewed_by = $3
		WHERE id = $1 AND decision_type = $4 AND reviewed_at IS NULL
	`, uuid.UUID(decisionID), nullEntityID(resultingEntityID), reviewer,
		string(models.DecisionReviewPending))
	if err != nil {
		return fmt.Errorf("mark decision reviewed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark decision reviewed rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish missing from already-reviewed.
		var exists bool
		if err := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM match_decisions WHERE id = $1)`,
			uuid.UUID(decisionID)).Scan(&exists); err != nil {
			return fmt.Errorf("check decision existence: %w", err)
		}
		if !exists {
			return fmt.Errorf("decision %s: %w", decisionID, sentinel.ErrNotFound)
		}
		return fmt.Errorf("decision %s is not pending review: %w", decisionID, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) CountsSince(ctx context.Context, since time.Time) (map[models.DecisionType]int, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT decision_type, COUNT(*) FROM match_decisions
		WHERE created_at >= $1
		GROUP BY decision_type
	`, since)
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	defer rows.Close()
	out := make(map[models.DecisionType]int)
	for rows.Next() {
		var (
			dt string
			n  int
		)
		if err := rows.Scan(&dt, &n); err != nil {
			return nil, fmt.Errorf("scan decision count: %w", err)
		}
		out[models.DecisionType(dt)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*models.MatchDecision, error) {
	var (
		d          models.MatchDecision
		decisionID uuid.UUID
		staged     sql.Null[uuid.UUID]
		entityType string
		dt         string
		breakdown  []byte
		candidates []byte
		resulting  sql.Null[uuid.UUID]
		reviewedBy sql.NullString
	)
	err := row.Scan(&decisionID, &staged, &entityType, &dt, &breakdown,
		&candidates, &resulting, &d.RejectReason, &d.CreatedAt,
		&d.ReviewedAt, &reviewedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan match decision: %w", err)
	}
	d.ID = id.DecisionID(decisionID)
	if staged.Valid {
		d.StagedRecordID = id.StagedRecordID(staged.V)
	}
	d.EntityType = id.EntityType(entityType)
	d.DecisionType = models.DecisionType(dt)
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &d.ScoreBreakdown); err != nil {
			return nil, fmt.Errorf("unmarshal score breakdown: %w", err)
		}
	}
	if len(candidates) > 0 {
		if err := json.Unmarshal(candidates, &d.Candidates); err != nil {
			return nil, fmt.Errorf("unmarshal candidates: %w", err)
		}
	}
	if resulting.Valid {
		d.ResultingEntityID = id.EntityID(resulting.V)
	}
	d.ReviewedBy = reviewedBy.String
	return &d, nil
}

func nullStagedID(sid id.StagedRecordID) any {
	if sid.IsNil() {
		return nil
	}
	return uuid.UUID(sid)
}

func nullEntityID(eid id.EntityID) any {
	if eid.IsNil() {
		return nil
	}
	return uuid.UUID(eid)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
