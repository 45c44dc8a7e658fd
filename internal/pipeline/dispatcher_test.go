package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/audit"
	auditmemory "github.com/benffsc/atlas/pkg/platform/audit/store/memory"

	"github.com/benffsc/atlas/internal/pipeline"
	"github.com/benffsc/atlas/internal/pipeline/mocks"
	"github.com/benffsc/atlas/internal/pipeline/models"
	"github.com/benffsc/atlas/internal/pipeline/store"
	"github.com/benffsc/atlas/internal/platform/database"
)

type DispatcherSuite struct {
	suite.Suite
	ctrl          *gomock.Controller
	staged        *store.InMemoryStaged
	registrations *store.InMemoryRegistrations
	processor     *mocks.MockProcessor
	sink          *auditmemory.Store
	dispatcher    *pipeline.Dispatcher
	ctx           context.Context
}

func (s *DispatcherSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.staged = store.NewInMemoryStaged()
	s.registrations = store.NewInMemoryRegistrations()
	s.processor = mocks.NewMockProcessor(s.ctrl)
	s.processor.EXPECT().Name().Return("clinichq.appointments").AnyTimes()
	s.sink = auditmemory.New()

	registry := pipeline.NewRegistry()
	registry.Register(s.processor)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher, err := pipeline.NewDispatcher(s.staged, s.registrations, registry,
		database.NoopTxRunner{}, audit.NewPublisher(s.sink), nil, logger, 50)
	s.Require().NoError(err)
	s.dispatcher = dispatcher
	s.ctx = context.Background()
}

func (s *DispatcherSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) register(ref string, priority int) {
	s.Require().NoError(s.registrations.Upsert(s.ctx, &models.ProcessorRegistration{
		SourceSystem:       "clinichq",
		SourceTable:        "appointments",
		EntityType:         id.EntityCat,
		ProcessorReference: ref,
		Priority:           priority,
		IsActive:           true,
	}))
}

func (s *DispatcherSuite) ingest(rowID string, payload models.Document) *models.StagedRecord {
	record, err := s.dispatcher.Ingest(s.ctx, "clinichq", "appointments", rowID, payload)
	s.Require().NoError(err)
	return record
}

func (s *DispatcherSuite) TestProcessBatchMarksRecordsExactlyOnce() {
	s.register("clinichq.appointments", 10)
	record := s.ingest("row-1", models.Document{"cat_name": "Pumpkin"})

	catID := id.NewEntityID()
	s.processor.EXPECT().Process(gomock.Any(), gomock.Any()).
		Return(&pipeline.Outcome{EntityType: id.EntityCat, EntityID: catID}, nil)

	result, err := s.dispatcher.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Processed)
	s.Equal(1, result.Succeeded)
	s.Equal(0, result.Errored)

	got, err := s.staged.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.True(got.IsProcessed)
	s.Equal("clinichq.appointments", got.ProcessorName)
	s.Equal(catID, got.ResultingEntityID)
	s.Empty(got.ProcessingError)

	// A second batch finds nothing: processed rows never run twice.
	result, err = s.dispatcher.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, result.Processed)
}

func (s *DispatcherSuite) TestProcessorErrorIsCapturedOnTheRecord() {
	s.register("clinichq.appointments", 10)
	record := s.ingest("row-1", models.Document{"cat_name": "Pumpkin"})
	healthy := s.ingest("row-2", models.Document{"cat_name": "Clementine"})

	gomock.InOrder(
		s.processor.EXPECT().Process(gomock.Any(), gomock.Any()).
			Return(nil, errors.New("upstream payload missing owner")),
		s.processor.EXPECT().Process(gomock.Any(), gomock.Any()).
			Return(&pipeline.Outcome{EntityType: id.EntityCat, EntityID: id.NewEntityID()}, nil),
	)

	result, err := s.dispatcher.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, result.Processed)
	s.Equal(1, result.Succeeded)
	s.Equal(1, result.Errored)

	got, err := s.staged.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.True(got.HasError())
	s.Contains(got.ProcessingError, "missing owner")

	ok, err := s.staged.FindByID(s.ctx, healthy.ID)
	s.Require().NoError(err)
	s.True(ok.IsProcessed)
	s.False(ok.HasError())
}

func (s *DispatcherSuite) TestUnknownProcessorReferenceMarksRecord() {
	s.register("nonexistent.processor", 10)
	record := s.ingest("row-1", models.Document{"cat_name": "Pumpkin"})

	result, err := s.dispatcher.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Errored)

	got, err := s.staged.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.True(got.IsProcessed)
	s.Contains(got.ProcessingError, "no processor registered")
}

func (s *DispatcherSuite) TestRowsFromUnregisteredSourcesAreClosedOut() {
	s.register("clinichq.appointments", 10)
	registered := s.ingest("row-1", models.Document{"cat_name": "Pumpkin"})
	orphan, err := s.dispatcher.Ingest(s.ctx, "mystery", "rows", "row-9",
		models.Document{"something": "else"})
	s.Require().NoError(err)

	s.processor.EXPECT().Process(gomock.Any(), gomock.Any()).
		Return(&pipeline.Outcome{EntityType: id.EntityCat, EntityID: id.NewEntityID()}, nil)

	result, err := s.dispatcher.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, result.Processed)
	s.Equal(1, result.Succeeded)
	s.Equal(1, result.Errored)

	got, err := s.staged.FindByID(s.ctx, orphan.ID)
	s.Require().NoError(err)
	s.True(got.IsProcessed)
	s.Contains(got.ProcessingError, "no processor registered for mystery.rows")

	ok, err := s.staged.FindByID(s.ctx, registered.ID)
	s.Require().NoError(err)
	s.True(ok.IsProcessed)
	s.False(ok.HasError())
}

func (s *DispatcherSuite) TestResetReopensARecordForOneMoreAttempt() {
	s.register("clinichq.appointments", 10)
	record := s.ingest("row-1", models.Document{"cat_name": "Pumpkin"})

	s.processor.EXPECT().Process(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("transient")).Times(1)
	_, err := s.dispatcher.ProcessBatch(s.ctx)
	s.Require().NoError(err)

	s.Require().NoError(s.dispatcher.Reset(s.ctx, record.ID))

	s.processor.EXPECT().Process(gomock.Any(), gomock.Any()).
		Return(&pipeline.Outcome{EntityType: id.EntityCat, EntityID: id.NewEntityID()}, nil).Times(1)
	result, err := s.dispatcher.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Succeeded)

	got, err := s.staged.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.True(got.IsProcessed)
	s.Empty(got.ProcessingError)
}

func (s *DispatcherSuite) TestRunStatsAccumulate() {
	s.register("clinichq.appointments", 10)
	s.ingest("row-1", models.Document{"cat_name": "Pumpkin"})
	s.ingest("row-2", models.Document{"cat_name": "Clementine"})

	s.processor.EXPECT().Process(gomock.Any(), gomock.Any()).
		Return(&pipeline.Outcome{EntityType: id.EntityCat, EntityID: id.NewEntityID()}, nil).Times(2)

	_, err := s.dispatcher.ProcessBatch(s.ctx)
	s.Require().NoError(err)

	regs, err := s.registrations.ListActive(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(regs, 1)
	s.Equal(int64(1), regs[0].RunStats.Runs)
	s.Equal(int64(2), regs[0].RunStats.Succeeded)
	s.NotNil(regs[0].RunStats.LastRun)
}

func (s *DispatcherSuite) TestIngestIsAppendOnly() {
	first := s.ingest("row-1", models.Document{"owner_email": "a@x.com"})
	second := s.ingest("row-1", models.Document{"owner_email": "b@x.com"})

	s.NotEqual(first.ID, second.ID)
	s.NotEqual(first.ContentHash, second.ContentHash)

	latest, err := s.staged.LatestBySourceRow(s.ctx, "clinichq", "appointments", "row-1")
	s.Require().NoError(err)
	s.Equal(second.ID, latest.ID)
}
