// Package handler exposes the merge engine. Merging is destructive in the
// loser's direction, so it sits behind staff auth and requires an explicit
// reason for the audit trail.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/httputil"
	"github.com/benffsc/atlas/pkg/requestcontext"

	mergeservice "github.com/benffsc/atlas/internal/merge/service"
)

type Handler struct {
	merger *mergeservice.Service
	logger *slog.Logger
}

func New(merger *mergeservice.Service, logger *slog.Logger) *Handler {
	return &Handler{merger: merger, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/merge", h.handleMerge)
}

type mergeRequest struct {
	EntityType id.EntityType `json:"entity_type"`
	LoserID    id.EntityID   `json:"loser_id"`
	WinnerID   id.EntityID   `json:"winner_id"`
	Reason     string        `json:"reason"`
}

func (req *mergeRequest) Validate() error {
	if !req.EntityType.IsValid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid entity type %q", req.EntityType)
	}
	if req.LoserID.IsNil() || req.WinnerID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "loser_id and winner_id are required")
	}
	if req.Reason == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "a merge reason is required")
	}
	return nil
}

type mergeResponse struct {
	WinnerID           id.EntityID `json:"winner_id"`
	WinnerPublicID     string      `json:"winner_public_id"`
	MovedIdentifiers   int         `json:"moved_identifiers"`
	SkippedIdentifiers int         `json:"skipped_identifiers"`
	MovedRelationships int         `json:"moved_relationships"`
	MovedObservations  int         `json:"moved_observations"`
	BackfilledFields   int         `json:"backfilled_fields"`
	AliasCreated       bool        `json:"alias_created"`
}

func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[mergeRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	result, err := h.merger.Merge(ctx, &mergeservice.Request{
		EntityType: req.EntityType,
		LoserID:    req.LoserID,
		WinnerID:   req.WinnerID,
		Reason:     req.Reason,
		Actor:      requestcontext.Actor(ctx),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, mergeResponse{
		WinnerID:           result.Winner.ID,
		WinnerPublicID:     result.Winner.PublicID,
		MovedIdentifiers:   result.MovedIdentifiers,
		SkippedIdentifiers: result.SkippedIdentifiers,
		MovedRelationships: result.MovedRelationships,
		MovedObservations:  result.MovedObservations,
		BackfilledFields:   result.BackfilledFields,
		AliasCreated:       result.AliasCreated,
	})
}
