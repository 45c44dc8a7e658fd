package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/audit"
	txcontext "github.com/benffsc/atlas/pkg/platform/tx"
)

// Store implements audit.Store over PostgreSQL using the transactional
// outbox pattern: every event lands in the audit_log table for reads and in
// the outbox table for the Kafka relay, inside whatever transaction the
// caller is running. A merge that rolls back leaves no audit trace.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// outboxPayload is the JSON structure published to Kafka. Field names match
// audit.Event for deserialization by downstream consumers.
type outboxPayload struct {
	ID         string         `json:"ID"`
	Timestamp  string         `json:"Timestamp"`
	EntityType string         `json:"EntityType,omitempty"`
	EntityID   string         `json:"EntityID,omitempty"`
	Action     string         `json:"Action"`
	Actor      string         `json:"Actor,omitempty"`
	Reason     string         `json:"Reason,omitempty"`
	RequestID  string         `json:"RequestID,omitempty"`
	Details    map[string]any `json:"Details,omitempty"`
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	eventID := uuid.New()

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	payload := outboxPayload{
		ID:        eventID.String(),
		Timestamp: event.Timestamp.Format(time.RFC3339Nano),
		Action:    event.Action,
		Actor:     event.Actor,
		Reason:    event.Reason,
		RequestID: event.RequestID,
		Details:   event.Details,
	}
	if !event.EntityID.IsNil() {
		payload.EntityType = event.EntityType.String()
		payload.EntityID = event.EntityID.String()
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	q := txcontext.QuerierFor(ctx, s.db)

	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, actor, reason, request_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, eventID, nullString(event.EntityType.String()), nullUUID(uuid.UUID(event.EntityID)),
		event.Action, event.Actor, event.Reason, event.RequestID, details, event.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}

	aggregateType := "audit"
	aggregateID := eventID.String()
	if !event.EntityID.IsNil() {
		aggregateType = event.EntityType.String()
		aggregateID = event.EntityID.String()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, eventID, aggregateType, aggregateID, event.Action, payloadBytes, event.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit outbox: %w", err)
	}
	return nil
}

func (s *Store) ListByEntity(ctx context.Context, entityType id.EntityType, entityID id.EntityID) ([]audit.Event, error) {
	q := txcontext.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT entity_type, entity_id, action, actor, reason, request_id, details, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC
	`, entityType.String(), uuid.UUID(entityID))
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e       audit.Event
			et      sql.NullString
			eid     uuid.NullUUID
			details []byte
		)
		if err := rows.Scan(&et, &eid, &e.Action, &e.Actor, &e.Reason, &e.RequestID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if et.Valid {
			e.EntityType = id.EntityType(et.String)
		}
		if eid.Valid {
			e.EntityID = id.EntityID(eid.UUID)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullUUID(u uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: u, Valid: u != uuid.Nil}
}
