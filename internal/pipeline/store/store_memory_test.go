package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"

	"github.com/benffsc/atlas/internal/pipeline/models"
)

type StagedStoreSuite struct {
	suite.Suite
	store *InMemoryStaged
	ctx   context.Context
}

func (s *StagedStoreSuite) SetupTest() {
	s.store = NewInMemoryStaged()
	s.ctx = context.Background()
}

func TestStagedStoreSuite(t *testing.T) {
	suite.Run(t, new(StagedStoreSuite))
}

func (s *StagedStoreSuite) insert(rowID string, payload models.Document) *models.StagedRecord {
	record := &models.StagedRecord{
		ID:           id.NewStagedRecordID(),
		SourceSystem: "clinichq",
		SourceTable:  "appointments",
		SourceRowID:  rowID,
		Payload:      payload,
		ContentHash:  payload.ContentHash(),
	}
	s.Require().NoError(s.store.Insert(s.ctx, record))
	return record
}

func (s *StagedStoreSuite) insertAt(rowID string, createdAt time.Time) *models.StagedRecord {
	payload := models.Document{"row": rowID}
	record := &models.StagedRecord{
		ID:           id.NewStagedRecordID(),
		SourceSystem: "clinichq",
		SourceTable:  "appointments",
		SourceRowID:  rowID,
		Payload:      payload,
		ContentHash:  payload.ContentHash(),
		CreatedAt:    createdAt,
	}
	s.Require().NoError(s.store.Insert(s.ctx, record))
	return record
}

func (s *StagedStoreSuite) TestInsertKeepsEveryVersion() {
	s.insert("row-1", models.Document{"owner_email": "one@example.com"})
	second := s.insert("row-1", models.Document{"owner_email": "two@example.com"})

	latest, err := s.store.LatestBySourceRow(s.ctx, "clinichq", "appointments", "row-1")
	s.Require().NoError(err)
	s.Equal(second.ID, latest.ID)
	s.Equal("two@example.com", latest.Payload["owner_email"])

	depths, err := s.store.PendingCounts(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(depths, 1)
	s.Equal(2, depths[0].Pending)
}

func (s *StagedStoreSuite) TestClaimShieldsRowsFromOtherWorkers() {
	s.insert("row-1", models.Document{"cat_name": "Pumpkin"})

	first, err := s.store.ClaimUnprocessed(s.ctx, "clinichq", "appointments", 10)
	s.Require().NoError(err)
	s.Require().Len(first, 1)
	s.NotNil(first[0].ClaimedAt)

	second, err := s.store.ClaimUnprocessed(s.ctx, "clinichq", "appointments", 10)
	s.Require().NoError(err)
	s.Empty(second)
}

func (s *StagedStoreSuite) TestStaleClaimIsReclaimable() {
	record := s.insert("row-1", models.Document{"cat_name": "Pumpkin"})

	_, err := s.store.ClaimUnprocessed(s.ctx, "clinichq", "appointments", 10)
	s.Require().NoError(err)

	// Age the claim past the timeout, as if the worker crashed mid-batch.
	stale := time.Now().Add(-claimTimeout - time.Minute)
	s.store.mu.Lock()
	for _, row := range s.store.rows {
		if row.ID == record.ID {
			row.ClaimedAt = &stale
		}
	}
	s.store.mu.Unlock()

	reclaimed, err := s.store.ClaimUnprocessed(s.ctx, "clinichq", "appointments", 10)
	s.Require().NoError(err)
	s.Require().Len(reclaimed, 1)
	s.Equal(record.ID, reclaimed[0].ID)
}

func (s *StagedStoreSuite) TestClaimReturnsOldestFirstUpToLimit() {
	base := time.Now().Add(-time.Hour)
	a := s.insertAt("row-1", base)
	b := s.insertAt("row-2", base.Add(time.Minute))
	s.insertAt("row-3", base.Add(2*time.Minute))

	claimed, err := s.store.ClaimUnprocessed(s.ctx, "clinichq", "appointments", 2)
	s.Require().NoError(err)
	s.Require().Len(claimed, 2)
	s.Equal(a.ID, claimed[0].ID)
	s.Equal(b.ID, claimed[1].ID)
}

func (s *StagedStoreSuite) TestClaimUnregisteredOnlyTakesOrphanPartitions() {
	registered := s.insert("row-1", models.Document{"cat_name": "Pumpkin"})
	orphan := &models.StagedRecord{
		ID:           id.NewStagedRecordID(),
		SourceSystem: "mystery",
		SourceTable:  "rows",
		SourceRowID:  "row-9",
		Payload:      models.Document{"something": "else"},
	}
	s.Require().NoError(s.store.Insert(s.ctx, orphan))

	known := []models.SourcePartition{{SourceSystem: "clinichq", SourceTable: "appointments"}}
	claimed, err := s.store.ClaimUnregistered(s.ctx, known, 10)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Equal(orphan.ID, claimed[0].ID)
	s.NotNil(claimed[0].ClaimedAt)

	// The registered row is untouched and still claimable by its own drain.
	rows, err := s.store.ClaimUnprocessed(s.ctx, "clinichq", "appointments", 10)
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal(registered.ID, rows[0].ID)

	// A second sweep finds nothing: the claim shields the orphan.
	again, err := s.store.ClaimUnregistered(s.ctx, known, 10)
	s.Require().NoError(err)
	s.Empty(again)
}

func (s *StagedStoreSuite) TestMarkProcessedIsOneShot() {
	record := s.insert("row-1", models.Document{"cat_name": "Pumpkin"})
	catID := id.NewEntityID()

	err := s.store.MarkProcessed(s.ctx, record.ID, "clinichq.appointments", id.EntityCat, catID, "")
	s.Require().NoError(err)

	got, err := s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.True(got.IsProcessed)
	s.Equal(catID, got.ResultingEntityID)
	s.NotNil(got.ProcessedAt)

	err = s.store.MarkProcessed(s.ctx, record.ID, "clinichq.appointments", id.EntityCat, catID, "")
	s.ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *StagedStoreSuite) TestResetOnlyAppliesToProcessedRecords() {
	record := s.insert("row-1", models.Document{"cat_name": "Pumpkin"})

	s.ErrorIs(s.store.Reset(s.ctx, record.ID), sentinel.ErrInvalidState)

	err := s.store.MarkProcessed(s.ctx, record.ID, "clinichq.appointments", "", id.EntityID{}, "boom")
	s.Require().NoError(err)
	s.Require().NoError(s.store.Reset(s.ctx, record.ID))

	got, err := s.store.FindByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.False(got.IsProcessed)
	s.Empty(got.ProcessingError)
	s.Nil(got.ClaimedAt)
	s.Nil(got.ProcessedAt)
}

func (s *StagedStoreSuite) TestFindByIDUnknownIsNotFound() {
	_, err := s.store.FindByID(s.ctx, id.NewStagedRecordID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}
