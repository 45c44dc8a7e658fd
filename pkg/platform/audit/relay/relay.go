// Package relay drains the audit outbox table into Kafka. The outbox row is
// the durable record; Kafka delivery is at-least-once and consumers must
// deduplicate on event id.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

const defaultBatchSize = 200

// Relay polls the outbox table and publishes unpublished rows to Kafka.
type Relay struct {
	db        *sql.DB
	client    *kgo.Client
	topic     string
	logger    *slog.Logger
	batchSize int
}

// New constructs a relay. EnsureTopic should be called once before Run.
func New(db *sql.DB, client *kgo.Client, topic string, logger *slog.Logger) *Relay {
	return &Relay{
		db:        db,
		client:    client,
		topic:     topic,
		logger:    logger,
		batchSize: defaultBatchSize,
	}
}

// EnsureTopic creates the audit topic when it does not exist yet. Safe to
// call on every start.
func (r *Relay) EnsureTopic(ctx context.Context, partitions int32, replicas int16) error {
	adm := kadm.NewClient(r.client)
	resp, err := adm.CreateTopic(ctx, partitions, replicas, nil, r.topic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create audit topic %q: %w", r.topic, resp.Err)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.drainOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
			} else if n > 0 {
				r.logger.DebugContext(ctx, "outbox drained", "published", n)
			}
		}
	}
}

// drainOnce claims one batch of unpublished rows, produces them, and marks
// them published. Claiming under FOR UPDATE SKIP LOCKED lets multiple relay
// replicas run without double-claiming.
func (r *Relay) drainOnce(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, aggregate_id, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("select outbox rows: %w", err)
	}

	type pending struct {
		id     string
		record *kgo.Record
	}
	var batch []pending
	for rows.Next() {
		var (
			id          string
			eventType   string
			aggregateID string
			payload     []byte
		)
		if err := rows.Scan(&id, &eventType, &aggregateID, &payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox row: %w", err)
		}
		batch = append(batch, pending{
			id: id,
			record: &kgo.Record{
				Topic: r.topic,
				Key:   []byte(aggregateID),
				Value: payload,
				Headers: []kgo.RecordHeader{
					{Key: "event_type", Value: []byte(eventType)},
					{Key: "event_id", Value: []byte(id)},
				},
			},
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate outbox rows: %w", err)
	}
	if len(batch) == 0 {
		return 0, tx.Commit()
	}

	records := make([]*kgo.Record, len(batch))
	for i, p := range batch {
		records[i] = p.record
	}
	if err := r.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return 0, fmt.Errorf("produce audit events: %w", err)
	}

	for _, p := range batch {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET published_at = $1 WHERE id = $2`,
			time.Now(), p.id,
		); err != nil {
			return 0, fmt.Errorf("mark outbox row published: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox tx: %w", err)
	}
	return len(batch), nil
}
