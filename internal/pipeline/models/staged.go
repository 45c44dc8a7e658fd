package models

import (
	"time"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"
)

// StagedRecord is one ingested row-version. Rows are append-only: an
// upstream edit to the same source row inserts a new version with a new
// content hash, it never overwrites. That is what makes hash-based change
// detection and history both work.
type StagedRecord struct {
	ID           id.StagedRecordID
	SourceSystem string
	SourceTable  string
	// SourceRowID is the upstream primary key; versions of one row share it.
	SourceRowID string
	Payload     Document
	ContentHash string

	IsProcessed   bool
	ProcessorName string
	// ResultingEntityType/ID record what processing produced, for the
	// retroactive detector to find its way back.
	ResultingEntityType id.EntityType
	ResultingEntityID   id.EntityID
	ProcessingError     string

	ClaimedAt   *time.Time
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// HasError reports whether processing completed with a captured error.
func (r *StagedRecord) HasError() bool {
	return r.IsProcessed && r.ProcessingError != ""
}

// RunStats accumulates per-registration dispatch statistics for the
// pipeline-health view.
type RunStats struct {
	Runs      int64      `json:"runs"`
	Succeeded int64      `json:"succeeded"`
	Errored   int64      `json:"errored"`
	LastRun   *time.Time `json:"last_run,omitempty"`
}

// SourcePartition is one (source system, source table) pair, the unit both
// registrations and staged rows are keyed by.
type SourcePartition struct {
	SourceSystem string
	SourceTable  string
}

// QueueDepth is one row of the pipeline-health view.
type QueueDepth struct {
	SourceSystem string `json:"source_system"`
	SourceTable  string `json:"source_table"`
	Pending      int    `json:"pending"`
	Errored      int    `json:"errored"`
}

// ProcessorRegistration binds a (source system, source table) pair to a
// processor. Lower priority runs first, so people exist before the cats that
// reference them.
type ProcessorRegistration struct {
	ID                 uuid.UUID
	SourceSystem       string
	SourceTable        string
	EntityType         id.EntityType
	ProcessorReference string
	Priority           int
	IsActive           bool
	RunStats           RunStats
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
