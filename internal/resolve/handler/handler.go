// Package handler exposes the create-or-match orchestrator and the human
// review loop over HTTP.
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/httputil"
	"github.com/benffsc/atlas/pkg/requestcontext"

	identifiermodels "github.com/benffsc/atlas/internal/identifier/models"
	"github.com/benffsc/atlas/internal/match"
	"github.com/benffsc/atlas/internal/resolve/models"
	resolveservice "github.com/benffsc/atlas/internal/resolve/service"
)

type Handler struct {
	resolver *resolveservice.Service
	logger   *slog.Logger
}

func New(resolver *resolveservice.Service, logger *slog.Logger) *Handler {
	return &Handler{resolver: resolver, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/resolve", h.handleResolve)
	r.Get("/resolve/pending", h.handleListPending)
	r.Post("/resolve/decisions/{decisionID}/review", h.handleReview)
}

type resolveRequest struct {
	EntityType  id.EntityType      `json:"entity_type"`
	DisplayName string             `json:"display_name"`
	Attributes  map[string]string  `json:"attributes"`
	Identifiers []bundleIdentifier `json:"identifiers"`

	SourceSystem   string  `json:"source_system"`
	SourceRecordID string  `json:"source_record_id"`
	Confidence     float64 `json:"confidence"`
	DisallowCreate bool    `json:"disallow_create"`
}

type bundleIdentifier struct {
	Type  identifiermodels.Type `json:"type"`
	Value string                `json:"value"`
}

func (req *resolveRequest) Validate() error {
	if !req.EntityType.IsValid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid entity type %q", req.EntityType)
	}
	if req.SourceSystem == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "source_system is required")
	}
	return nil
}

type resolveResponse struct {
	DecisionID   string              `json:"decision_id"`
	DecisionType models.DecisionType `json:"decision_type"`
	EntityID     *id.EntityID        `json:"entity_id,omitempty"`
	PublicID     string              `json:"public_id,omitempty"`
	Created      bool                `json:"created"`
	RejectReason string              `json:"reject_reason,omitempty"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[resolveRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	svcReq := &resolveservice.Request{
		EntityType:     req.EntityType,
		DisplayName:    req.DisplayName,
		Attributes:     req.Attributes,
		SourceSystem:   req.SourceSystem,
		SourceRecordID: req.SourceRecordID,
		Confidence:     req.Confidence,
		DisallowCreate: req.DisallowCreate,
	}
	for _, ident := range req.Identifiers {
		svcReq.Identifiers = append(svcReq.Identifiers,
			match.BundleIdentifier{Type: ident.Type, RawValue: ident.Value})
	}

	result, err := h.resolver.ResolveOrCreate(ctx, svcReq)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := resolveResponse{
		DecisionID:   result.Decision.ID.String(),
		DecisionType: result.Decision.DecisionType,
		Created:      result.Created,
		RejectReason: result.Decision.RejectReason,
	}
	if result.Entity != nil {
		resp.EntityID = &result.Entity.ID
		resp.PublicID = result.Entity.PublicID
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, resp)
}

type pendingDecisionResponse struct {
	DecisionID string                `json:"decision_id"`
	EntityType id.EntityType         `json:"entity_type"`
	Candidates []models.CandidateRef `json:"candidates"`
	CreatedAt  time.Time             `json:"created_at"`
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.resolver.ListPending(r.Context(), 100)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]pendingDecisionResponse, 0, len(pending))
	for _, d := range pending {
		out = append(out, pendingDecisionResponse{
			DecisionID: d.ID.String(),
			EntityType: d.EntityType,
			Candidates: d.Candidates,
			CreatedAt:  d.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

type reviewRequest struct {
	ChosenEntityID id.EntityID `json:"chosen_entity_id"`
}

func (req *reviewRequest) Validate() error {
	if req.ChosenEntityID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "chosen_entity_id is required")
	}
	return nil
}

// handleReview settles one pending decision. The reviewer comes from the
// staff token, not the body, so the audit trail cannot be spoofed.
func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	decisionID, err := id.ParseDecisionID(chi.URLParam(r, "decisionID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid decision id"))
		return
	}
	req, ok := httputil.DecodeAndPrepare[reviewRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	reviewer := requestcontext.Actor(ctx)
	decision, err := h.resolver.Review(ctx, decisionID, req.ChosenEntityID, reviewer)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"decision_id":   decision.ID.String(),
		"decision_type": decision.DecisionType,
		"reviewed_by":   decision.ReviewedBy,
		"reviewed_at":   decision.ReviewedAt,
	})
}
