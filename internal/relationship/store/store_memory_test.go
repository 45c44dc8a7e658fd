package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"

	"github.com/benffsc/atlas/internal/relationship/models"
)

type RelationshipStoreSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
}

func (s *RelationshipStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
}

func TestRelationshipStoreSuite(t *testing.T) {
	suite.Run(t, new(RelationshipStoreSuite))
}

func (s *RelationshipStoreSuite) link(kind models.Kind, subject, object id.EntityID) *models.Relationship {
	rel := &models.Relationship{
		Kind:         kind,
		SubjectID:    subject,
		ObjectID:     object,
		SourceSystem: "test",
	}
	s.Require().NoError(s.store.Create(s.ctx, rel))
	return rel
}

func (s *RelationshipStoreSuite) TestCreateRejectsDuplicateTriple() {
	person, cat := id.NewEntityID(), id.NewEntityID()
	s.link(models.KindCaretaker, person, cat)

	err := s.store.Create(s.ctx, &models.Relationship{
		Kind:      models.KindCaretaker,
		SubjectID: person,
		ObjectID:  cat,
	})
	s.Require().ErrorIs(err, sentinel.ErrConflict)

	// Same pair under a different kind is a different link.
	s.link(models.KindAppointment, person, cat)
}

func (s *RelationshipStoreSuite) TestTransferSkipsDuplicatesAndSelfLinks() {
	loser, winner := id.NewEntityID(), id.NewEntityID()
	cat, place := id.NewEntityID(), id.NewEntityID()

	s.link(models.KindCaretaker, loser, cat)
	s.link(models.KindCaretaker, winner, cat) // duplicate after transfer
	s.link(models.KindResidence, loser, place)
	s.link(models.KindCaretaker, loser, winner) // would become a self-link

	moved, skipped, err := s.store.Transfer(s.ctx, loser, winner)
	s.Require().NoError(err)
	s.Equal(1, moved)
	s.Equal(2, skipped)

	rels, err := s.store.ListByEntity(s.ctx, winner)
	s.Require().NoError(err)
	s.Len(rels, 3)
}

func (s *RelationshipStoreSuite) TestStaleFlagRoundTrip() {
	rel := s.link(models.KindColonyMember, id.NewEntityID(), id.NewEntityID())

	s.Require().NoError(s.store.SetStale(s.ctx, rel.ID, true))
	stale, err := s.store.ListStale(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(stale, 1)
	s.Equal(rel.ID, stale[0].ID)

	s.Require().NoError(s.store.UpdateFingerprint(s.ctx, rel.ID, "abc123"))
	stale, err = s.store.ListStale(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(stale)

	got, err := s.store.FindByID(s.ctx, rel.ID)
	s.Require().NoError(err)
	s.Equal("abc123", got.SourceFingerprint)
	s.False(got.HasStaleSource)
}
