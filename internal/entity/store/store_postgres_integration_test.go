//go:build integration

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"
	"github.com/benffsc/atlas/pkg/testutil/containers"

	"github.com/benffsc/atlas/internal/entity/models"
	"github.com/benffsc/atlas/internal/entity/store"
	"github.com/benffsc/atlas/internal/platform/database"
)

type PostgresEntitySuite struct {
	suite.Suite

	pg    *containers.PostgresContainer
	store *store.PostgresStore
	ctx   context.Context
}

func TestPostgresEntitySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresEntitySuite))
}

func (s *PostgresEntitySuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.NewPostgresContainer(s.T())
	s.Require().NoError(database.ApplySchema(s.ctx, s.pg.DB))
	s.store = store.NewPostgres(s.pg.DB)
}

func (s *PostgresEntitySuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateAll(s.ctx, "entity_aliases", "entities", "public_id_sequences"))
}

func (s *PostgresEntitySuite) person(publicID string) *models.Entity {
	return &models.Entity{
		ID:           id.NewEntityID(),
		Type:         id.EntityPerson,
		DisplayName:  "Margaret Feral",
		Attributes:   map[string]string{"email": "meg@example.org"},
		PublicID:     publicID,
		SourceSystem: "clinichq",
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
}

func (s *PostgresEntitySuite) TestCreateAndFindRoundTrip() {
	e := s.person("P-000001")
	s.Require().NoError(s.store.Create(s.ctx, e))

	byID, err := s.store.FindByID(s.ctx, id.EntityPerson, e.ID)
	s.Require().NoError(err)
	s.Equal("Margaret Feral", byID.DisplayName)
	s.Equal("meg@example.org", byID.Attributes["email"])

	byPublic, err := s.store.FindByPublicID(s.ctx, "P-000001")
	s.Require().NoError(err)
	s.Equal(e.ID, byPublic.ID)
}

func (s *PostgresEntitySuite) TestFindUnknownIsNotFound() {
	_, err := s.store.FindByID(s.ctx, id.EntityPerson, id.NewEntityID())
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *PostgresEntitySuite) TestNextPublicSeqIsMonotonicPerType() {
	first, err := s.store.NextPublicSeq(s.ctx, id.EntityPerson)
	s.Require().NoError(err)
	second, err := s.store.NextPublicSeq(s.ctx, id.EntityPerson)
	s.Require().NoError(err)
	s.Equal(first+1, second)

	catSeq, err := s.store.NextPublicSeq(s.ctx, id.EntityCat)
	s.Require().NoError(err)
	s.Equal(int64(1), catSeq)
}

func (s *PostgresEntitySuite) TestMergePointerIsOneShot() {
	loser := s.person("P-000001")
	winner := s.person("P-000002")
	s.Require().NoError(s.store.Create(s.ctx, loser))
	s.Require().NoError(s.store.Create(s.ctx, winner))

	s.Require().NoError(s.store.SetMergedInto(s.ctx, id.EntityPerson, loser.ID, winner.ID))

	got, err := s.store.FindByID(s.ctx, id.EntityPerson, loser.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.MergedInto)
	s.Equal(winner.ID, *got.MergedInto)

	err = s.store.SetMergedInto(s.ctx, id.EntityPerson, loser.ID, winner.ID)
	s.True(errors.Is(err, sentinel.ErrInvalidState))
}

func (s *PostgresEntitySuite) TestAliasSurvivesAndRepoints() {
	winner := s.person("P-000002")
	s.Require().NoError(s.store.Create(s.ctx, winner))

	alias := &models.Alias{
		OldPublicID:       "P-000001",
		CanonicalEntityID: winner.ID,
		OriginalEntityID:  id.NewEntityID(),
		Reason:            "duplicate from clinic import",
		MergedAt:          time.Now().UTC(),
	}
	s.Require().NoError(s.store.AddAlias(s.ctx, alias))

	got, err := s.store.FindAlias(s.ctx, "P-000001")
	s.Require().NoError(err)
	s.Equal(winner.ID, got.CanonicalEntityID)

	newWinner := s.person("P-000003")
	s.Require().NoError(s.store.Create(s.ctx, newWinner))

	n, err := s.store.RepointAliases(s.ctx, winner.ID, newWinner.ID)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err = s.store.FindAlias(s.ctx, "P-000001")
	s.Require().NoError(err)
	s.Equal(newWinner.ID, got.CanonicalEntityID)
}
