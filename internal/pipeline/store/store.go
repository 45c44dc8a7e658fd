package store

import (
	"context"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"

	"github.com/benffsc/atlas/internal/pipeline/models"
)

// StagedStore holds ingested row-versions. Insert only ever appends; a
// version is never updated except for its processing outcome fields.
type StagedStore interface {
	Insert(ctx context.Context, record *models.StagedRecord) error

	FindByID(ctx context.Context, recordID id.StagedRecordID) (*models.StagedRecord, error)

	// LatestBySourceRow returns the newest version of one upstream row.
	LatestBySourceRow(ctx context.Context, sourceSystem, sourceTable, sourceRowID string) (*models.StagedRecord, error)

	// ClaimUnprocessed claims up to limit unprocessed rows for one
	// (source system, source table) pair, oldest first, and returns them.
	// Claimed rows are invisible to concurrent claimers.
	ClaimUnprocessed(ctx context.Context, sourceSystem, sourceTable string, limit int) ([]*models.StagedRecord, error)

	// ClaimUnregistered claims up to limit unprocessed rows whose
	// (source system, source table) pair is absent from registered. These
	// are orphans no registration will ever drain.
	ClaimUnregistered(ctx context.Context, registered []models.SourcePartition, limit int) ([]*models.StagedRecord, error)

	// MarkProcessed closes one claimed row, recording the processor, the
	// resulting entity if any, and a captured error if processing failed.
	MarkProcessed(ctx context.Context, recordID id.StagedRecordID, processorName string, resultType id.EntityType, resultID id.EntityID, processingError string) error

	// Reset re-opens a processed row for another attempt. This is the only
	// path back from processed to unprocessed.
	Reset(ctx context.Context, recordID id.StagedRecordID) error

	// PendingCounts returns unprocessed and errored counts per
	// (source system, source table), for the pipeline-health view.
	PendingCounts(ctx context.Context) ([]*models.QueueDepth, error)
}

// RegistrationStore holds processor registrations.
type RegistrationStore interface {
	Upsert(ctx context.Context, reg *models.ProcessorRegistration) error

	// ListActive returns active registrations ordered by priority, lowest
	// first.
	ListActive(ctx context.Context) ([]*models.ProcessorRegistration, error)

	// RecordRun folds one dispatch round into the registration's stats.
	RecordRun(ctx context.Context, regID uuid.UUID, succeeded, errored int) error
}
