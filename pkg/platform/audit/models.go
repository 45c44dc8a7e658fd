package audit

import (
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp  time.Time
	EntityType id.EntityType
	EntityID   id.EntityID
	Action     string
	// Actor is who performed the action: a staff login for interactive
	// edits, or a processor/worker name for batch mutations.
	Actor     string
	Reason    string
	RequestID string
	// Details carries the structured before/after payload (merge snapshots,
	// reconciliation diffs). Stored as JSON; never interpreted by the log.
	Details map[string]any
}

// AuditEvent names every action the engine records. The log is append-only;
// renaming an action is a breaking change for downstream consumers.
type AuditEvent string

const (
	// Resolution events
	EventEntityCreated     AuditEvent = "entity_created"
	EventEntityMatched     AuditEvent = "entity_matched"
	EventMatchReviewQueued AuditEvent = "match_review_queued"
	EventInputRejected     AuditEvent = "input_rejected"

	// Merge events
	EventEntitiesMerged AuditEvent = "entities_merged"
	EventAliasCreated   AuditEvent = "alias_created"

	// Provenance events
	EventFieldRecorded   AuditEvent = "field_recorded"
	EventFieldReconciled AuditEvent = "field_reconciled"

	// Pipeline events
	EventBatchProcessed     AuditEvent = "batch_processed"
	EventStagedRecordReset  AuditEvent = "staged_record_reset"
	EventStaleSourceFlagged AuditEvent = "stale_source_flagged"

	// Lease events
	EventLeaseAcquired AuditEvent = "lease_acquired"
	EventLeaseReleased AuditEvent = "lease_released"
	EventLeaseRejected AuditEvent = "lease_rejected"
)

func (e AuditEvent) String() string { return string(e) }
