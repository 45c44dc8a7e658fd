package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"

	"github.com/benffsc/atlas/internal/entity/models"
	"github.com/benffsc/atlas/internal/entity/store"
)

type EntityServiceSuite struct {
	suite.Suite
	store *store.InMemory
	svc   *Service
	ctx   context.Context
}

func (s *EntityServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	svc, err := New(s.store, slog.Default())
	s.Require().NoError(err)
	s.svc = svc
	s.ctx = context.Background()
}

func TestEntityServiceSuite(t *testing.T) {
	suite.Run(t, new(EntityServiceSuite))
}

func (s *EntityServiceSuite) newPerson(name string) *models.Entity {
	e := &models.Entity{
		Type:         id.EntityPerson,
		DisplayName:  name,
		SourceSystem: "test",
	}
	s.Require().NoError(s.svc.Create(s.ctx, e))
	return e
}

func (s *EntityServiceSuite) TestCreateAssignsSequentialPublicIDs() {
	a := s.newPerson("Jane Doe")
	b := s.newPerson("John Roe")

	s.Equal("P-000001", a.PublicID)
	s.Equal("P-000002", b.PublicID)

	// A different type draws from its own sequence.
	c := &models.Entity{Type: id.EntityCat, DisplayName: "Pumpkin", SourceSystem: "test"}
	s.Require().NoError(s.svc.Create(s.ctx, c))
	s.Equal("C-000001", c.PublicID)
}

func (s *EntityServiceSuite) TestResolveCanonicalFollowsChain() {
	a := s.newPerson("A")
	b := s.newPerson("B")
	c := s.newPerson("C")

	s.Require().NoError(s.store.SetMergedInto(s.ctx, id.EntityPerson, a.ID, b.ID))
	s.Require().NoError(s.store.SetMergedInto(s.ctx, id.EntityPerson, b.ID, c.ID))

	got, err := s.svc.ResolveCanonical(s.ctx, id.EntityPerson, a.ID)
	s.Require().NoError(err)
	s.Equal(c.ID, got.ID)

	// A live entity resolves to itself.
	got, err = s.svc.ResolveCanonical(s.ctx, id.EntityPerson, c.ID)
	s.Require().NoError(err)
	s.Equal(c.ID, got.ID)
}

func (s *EntityServiceSuite) TestResolveCanonicalDetectsCycle() {
	// Force a cycle behind the store's back to prove the walker is bounded.
	a := s.newPerson("A")
	b := s.newPerson("B")
	s.Require().NoError(s.store.SetMergedInto(s.ctx, id.EntityPerson, a.ID, b.ID))
	s.Require().NoError(s.store.SetMergedInto(s.ctx, id.EntityPerson, b.ID, a.ID))

	_, err := s.svc.ResolveCanonical(s.ctx, id.EntityPerson, a.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func (s *EntityServiceSuite) TestResolvePublicIDThroughAlias() {
	a := s.newPerson("A")
	b := s.newPerson("B")

	s.Require().NoError(s.store.SetMergedInto(s.ctx, id.EntityPerson, a.ID, b.ID))
	s.Require().NoError(s.store.AddAlias(s.ctx, &models.Alias{
		OldPublicID:       a.PublicID,
		CanonicalEntityID: b.ID,
		OriginalEntityID:  a.ID,
		Reason:            "duplicate",
		MergedAt:          time.Now(),
	}))

	got, err := s.svc.ResolvePublicID(s.ctx, a.PublicID)
	s.Require().NoError(err)
	s.Equal(b.ID, got.ID)
}

func (s *EntityServiceSuite) TestResolvePublicIDLive() {
	a := s.newPerson("A")
	got, err := s.svc.ResolvePublicID(s.ctx, a.PublicID)
	s.Require().NoError(err)
	s.Equal(a.ID, got.ID)
}

func (s *EntityServiceSuite) TestResolvePublicIDUnknown() {
	_, err := s.svc.ResolvePublicID(s.ctx, "P-999999")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
