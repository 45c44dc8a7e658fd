package pipeline

import (
	"context"
	"log/slog"
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/audit"

	"github.com/benffsc/atlas/internal/pipeline/metrics"
	"github.com/benffsc/atlas/internal/pipeline/models"
	"github.com/benffsc/atlas/internal/pipeline/store"
	"github.com/benffsc/atlas/internal/platform/database"
)

// BatchResult reports one full dispatch round.
type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Errored   int `json:"errored"`
}

// Dispatcher drains unprocessed staged records through the registry,
// honoring registration priority. Each record runs in its own transaction;
// a processor failure is captured on the record, never propagated into the
// batch.
type Dispatcher struct {
	staged        store.StagedStore
	registrations store.RegistrationStore
	registry      *Registry
	txRunner      database.TxRunner
	audit         *audit.Publisher
	metrics       *metrics.Metrics
	logger        *slog.Logger
	batchSize     int
}

func NewDispatcher(staged store.StagedStore, registrations store.RegistrationStore, registry *Registry, txRunner database.TxRunner, auditor *audit.Publisher, m *metrics.Metrics, logger *slog.Logger, batchSize int) (*Dispatcher, error) {
	if staged == nil || registrations == nil || registry == nil || txRunner == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "staged store, registration store, registry and tx runner are required")
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		staged:        staged,
		registrations: registrations,
		registry:      registry,
		txRunner:      txRunner,
		audit:         auditor,
		metrics:       m,
		logger:        logger,
		batchSize:     batchSize,
	}, nil
}

// Ingest appends one row-version to the staged store, fingerprinting the
// payload. The same upstream row arriving again with identical content still
// gets a version; dedup happens downstream where the hash comparison lives.
func (d *Dispatcher) Ingest(ctx context.Context, sourceSystem, sourceTable, sourceRowID string, payload models.Document) (*models.StagedRecord, error) {
	if sourceSystem == "" || sourceTable == "" || sourceRowID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "source system, table and row id are required")
	}
	if len(payload) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "payload is required")
	}
	record := &models.StagedRecord{
		SourceSystem: sourceSystem,
		SourceTable:  sourceTable,
		SourceRowID:  sourceRowID,
		Payload:      payload,
		ContentHash:  payload.ContentHash(),
	}
	if err := d.staged.Insert(ctx, record); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to stage record")
	}
	if d.metrics != nil {
		d.metrics.RecordIngested(sourceSystem)
	}
	return record, nil
}

// ProcessBatch runs one dispatch round: every active registration in
// priority order, up to the batch size of rows each.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (*BatchResult, error) {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.ObserveBatch(start)
		}
	}()

	regs, err := d.registrations.ListActive(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list registrations")
	}

	total := &BatchResult{}
	for _, reg := range regs {
		succeeded, errored, err := d.drainRegistration(ctx, reg)
		if err != nil {
			return nil, err
		}
		total.Processed += succeeded + errored
		total.Succeeded += succeeded
		total.Errored += errored
	}

	// Rows from sources nobody registered would otherwise sit pending
	// forever; close them out with a note so the queue drains either way.
	orphaned, err := d.sweepUnregistered(ctx, regs)
	if err != nil {
		return nil, err
	}
	total.Processed += orphaned
	total.Errored += orphaned

	if total.Processed > 0 {
		if err := d.emit(ctx, audit.Event{
			Action: audit.EventBatchProcessed.String(),
			Details: map[string]any{
				"processed": total.Processed,
				"succeeded": total.Succeeded,
				"errored":   total.Errored,
			},
		}); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// Run dispatches on a fixed interval until the context ends.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := d.ProcessBatch(ctx)
			if err != nil {
				d.logger.Error("dispatch batch failed", "error", err)
				continue
			}
			if result.Processed > 0 {
				d.logger.Info("dispatch batch complete",
					"processed", result.Processed,
					"succeeded", result.Succeeded,
					"errored", result.Errored)
			}
		}
	}
}

// Reset re-opens one processed record for another attempt.
func (d *Dispatcher) Reset(ctx context.Context, recordID id.StagedRecordID) error {
	if err := d.staged.Reset(ctx, recordID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to reset staged record")
	}
	return d.emit(ctx, audit.Event{
		Action:  audit.EventStagedRecordReset.String(),
		Details: map[string]any{"staged_record_id": recordID.String()},
	})
}

// QueueDepths exposes pending/errored counts for the health view.
func (d *Dispatcher) QueueDepths(ctx context.Context) ([]*models.QueueDepth, error) {
	depths, err := d.staged.PendingCounts(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count queue depths")
	}
	return depths, nil
}

func (d *Dispatcher) drainRegistration(ctx context.Context, reg *models.ProcessorRegistration) (int, int, error) {
	records, err := d.staged.ClaimUnprocessed(ctx, reg.SourceSystem, reg.SourceTable, d.batchSize)
	if err != nil {
		return 0, 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to claim staged records")
	}
	if len(records) == 0 {
		return 0, 0, nil
	}

	proc, found := d.registry.Lookup(reg.ProcessorReference)
	succeeded, errored := 0, 0
	for _, record := range records {
		if !found {
			if err := d.staged.MarkProcessed(ctx, record.ID, reg.ProcessorReference,
				"", id.EntityID{}, "no processor registered: "+reg.ProcessorReference); err != nil {
				return succeeded, errored, dErrors.Wrap(err, dErrors.CodeInternal, "failed to mark unroutable record")
			}
			errored++
			d.countProcessed(reg.SourceSystem, "no_processor")
			continue
		}

		_, procErr := d.processOne(ctx, proc, record)
		if procErr != nil {
			// The record's own writes rolled back; the error lands on the
			// record and the batch moves on.
			if err := d.staged.MarkProcessed(ctx, record.ID, proc.Name(),
				"", id.EntityID{}, procErr.Error()); err != nil {
				return succeeded, errored, dErrors.Wrap(err, dErrors.CodeInternal, "failed to mark errored record")
			}
			errored++
			d.countProcessed(reg.SourceSystem, "error")
			d.logger.Warn("staged record failed processing",
				"staged_record_id", record.ID,
				"processor", proc.Name(),
				"error", procErr)
			continue
		}
		succeeded++
		d.countProcessed(reg.SourceSystem, "ok")
	}

	if err := d.registrations.RecordRun(ctx, reg.ID, succeeded, errored); err != nil {
		return succeeded, errored, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record run stats")
	}
	return succeeded, errored, nil
}

// sweepUnregistered closes out staged rows whose (source system, source
// table) has no active registration, recording the gap on each row.
func (d *Dispatcher) sweepUnregistered(ctx context.Context, regs []*models.ProcessorRegistration) (int, error) {
	registered := make([]models.SourcePartition, 0, len(regs))
	for _, reg := range regs {
		registered = append(registered, models.SourcePartition{
			SourceSystem: reg.SourceSystem,
			SourceTable:  reg.SourceTable,
		})
	}
	records, err := d.staged.ClaimUnregistered(ctx, registered, d.batchSize)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to claim unregistered staged records")
	}
	for _, record := range records {
		note := "no processor registered for " + record.SourceSystem + "." + record.SourceTable
		if err := d.staged.MarkProcessed(ctx, record.ID, "", "", id.EntityID{}, note); err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to mark orphaned record")
		}
		d.countProcessed(record.SourceSystem, "no_registration")
		d.logger.Warn("staged record has no registered processor",
			"staged_record_id", record.ID,
			"source_system", record.SourceSystem,
			"source_table", record.SourceTable)
	}
	return len(records), nil
}

// processOne runs the processor and the success marking in one transaction,
// so a record is never marked done unless its writes committed.
func (d *Dispatcher) processOne(ctx context.Context, proc Processor, record *models.StagedRecord) (*Outcome, error) {
	var outcome *Outcome
	err := d.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = proc.Process(ctx, record)
		if err != nil {
			return err
		}
		var (
			resultType id.EntityType
			resultID   id.EntityID
		)
		if outcome != nil {
			resultType = outcome.EntityType
			resultID = outcome.EntityID
		}
		return d.staged.MarkProcessed(ctx, record.ID, proc.Name(), resultType, resultID, "")
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (d *Dispatcher) countProcessed(sourceSystem, result string) {
	if d.metrics != nil {
		d.metrics.RecordProcessed(sourceSystem, result)
	}
}

func (d *Dispatcher) emit(ctx context.Context, event audit.Event) error {
	if d.audit == nil {
		return nil
	}
	if err := d.audit.Emit(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to write audit event")
	}
	return nil
}
