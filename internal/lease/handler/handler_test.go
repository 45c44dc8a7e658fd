package handler

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/audit"
	auditmemory "github.com/benffsc/atlas/pkg/platform/audit/store/memory"
	"github.com/benffsc/atlas/pkg/testutil"

	leaseservice "github.com/benffsc/atlas/internal/lease/service"
	leasestore "github.com/benffsc/atlas/internal/lease/store"
)

type LeaseHandlerSuite struct {
	suite.Suite

	router   chi.Router
	entityID id.EntityID
}

func TestLeaseHandlerSuite(t *testing.T) {
	suite.Run(t, new(LeaseHandlerSuite))
}

func (s *LeaseHandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := leaseservice.New(leasestore.NewInMemory(), 15*time.Minute, audit.NewPublisher(auditmemory.New()), nil, logger)
	s.Require().NoError(err)

	s.router = chi.NewRouter()
	New(svc, logger).Register(s.router)
	s.entityID = id.NewEntityID()
}

func (s *LeaseHandlerSuite) leasePath() string {
	return "/entities/person/" + s.entityID.String() + "/lease"
}

func (s *LeaseHandlerSuite) TestAcquireThenCurrent() {
	req := testutil.WithActor(testutil.NewJSONRequest(s.T(), http.MethodPost, s.leasePath(), map[string]string{"reason": "editing address"}), "staff.meg")
	rr := testutil.DoRequest(s.router, req)
	s.Equal(http.StatusOK, rr.Code)

	type acquireResponse struct {
		Acquired bool   `json:"acquired"`
		Holder   string `json:"holder"`
	}
	resp := testutil.UnmarshalResponse[acquireResponse](s.T(), rr)
	s.True(resp.Acquired)
	s.Equal("staff.meg", resp.Holder)

	get := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, s.leasePath(), nil))
	s.Equal(http.StatusOK, get.Code)

	type currentResponse struct {
		Held   bool   `json:"held"`
		Holder string `json:"holder"`
		Reason string `json:"reason"`
	}
	cur := testutil.UnmarshalResponse[currentResponse](s.T(), get)
	s.True(cur.Held)
	s.Equal("staff.meg", cur.Holder)
	s.Equal("editing address", cur.Reason)
}

func (s *LeaseHandlerSuite) TestContentionReturnsConflictWithHolder() {
	first := testutil.WithActor(testutil.NewJSONRequest(s.T(), http.MethodPost, s.leasePath(), map[string]string{}), "staff.meg")
	s.Equal(http.StatusOK, testutil.DoRequest(s.router, first).Code)

	second := testutil.WithActor(testutil.NewJSONRequest(s.T(), http.MethodPost, s.leasePath(), map[string]string{}), "staff.ben")
	rr := testutil.DoRequest(s.router, second)
	s.Equal(http.StatusConflict, rr.Code)

	type conflictResponse struct {
		Acquired bool   `json:"acquired"`
		HeldBy   string `json:"held_by"`
	}
	resp := testutil.UnmarshalResponse[conflictResponse](s.T(), rr)
	s.False(resp.Acquired)
	s.Equal("staff.meg", resp.HeldBy)
}

func (s *LeaseHandlerSuite) TestRenewByNonHolderIsConflict() {
	acquire := testutil.WithActor(testutil.NewJSONRequest(s.T(), http.MethodPost, s.leasePath(), map[string]string{}), "staff.meg")
	s.Equal(http.StatusOK, testutil.DoRequest(s.router, acquire).Code)

	renew := testutil.WithActor(testutil.NewJSONRequest(s.T(), http.MethodPost, s.leasePath()+"/renew", nil), "staff.ben")
	rr := testutil.DoRequest(s.router, renew)
	s.Equal(http.StatusConflict, rr.Code)
	testutil.AssertErrorCode(s.T(), rr, "conflict")
}

func (s *LeaseHandlerSuite) TestReleaseFreesTheLease() {
	acquire := testutil.WithActor(testutil.NewJSONRequest(s.T(), http.MethodPost, s.leasePath(), map[string]string{}), "staff.meg")
	s.Equal(http.StatusOK, testutil.DoRequest(s.router, acquire).Code)

	release := testutil.WithActor(testutil.NewJSONRequest(s.T(), http.MethodDelete, s.leasePath(), nil), "staff.meg")
	s.Equal(http.StatusOK, testutil.DoRequest(s.router, release).Code)

	get := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, s.leasePath(), nil))
	type currentResponse struct {
		Held bool `json:"held"`
	}
	s.False(testutil.UnmarshalResponse[currentResponse](s.T(), get).Held)
}

func (s *LeaseHandlerSuite) TestInvalidEntityTypeIsRejected() {
	req := testutil.WithActor(testutil.NewJSONRequest(s.T(), http.MethodPost, "/entities/dog/"+s.entityID.String()+"/lease", map[string]string{}), "staff.meg")
	rr := testutil.DoRequest(s.router, req)
	s.Equal(http.StatusBadRequest, rr.Code)
	testutil.AssertErrorCode(s.T(), rr, "invalid_input")
}
