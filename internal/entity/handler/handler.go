// Package handler exposes the read side of the entity store: canonical
// lookups, public-id resolution through aliases, and per-entity provenance
// and audit history.
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/audit"
	"github.com/benffsc/atlas/pkg/platform/httputil"

	"github.com/benffsc/atlas/internal/entity/models"
	entityservice "github.com/benffsc/atlas/internal/entity/service"
	provenancemodels "github.com/benffsc/atlas/internal/provenance/models"
	provenanceservice "github.com/benffsc/atlas/internal/provenance/service"
	relationshipmodels "github.com/benffsc/atlas/internal/relationship/models"
	relationshipstore "github.com/benffsc/atlas/internal/relationship/store"
)

type Handler struct {
	entities      *entityservice.Service
	provenance    *provenanceservice.Service
	relationships relationshipstore.Store
	auditLog      audit.Store
	logger        *slog.Logger
}

func New(entities *entityservice.Service, provenance *provenanceservice.Service, relationships relationshipstore.Store, auditLog audit.Store, logger *slog.Logger) *Handler {
	return &Handler{
		entities:      entities,
		provenance:    provenance,
		relationships: relationships,
		auditLog:      auditLog,
		logger:        logger,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/entities/{entityType}/{entityID}", h.handleGet)
	r.Get("/entities/{entityType}/{entityID}/canonical", h.handleCanonical)
	r.Get("/entities/{entityType}/{entityID}/provenance", h.handleProvenance)
	r.Get("/entities/{entityType}/{entityID}/relationships", h.handleRelationships)
	r.Get("/entities/{entityType}/{entityID}/audit", h.handleAudit)
	r.Get("/public/{publicID}", h.handlePublicID)
}

type entityResponse struct {
	ID          id.EntityID       `json:"id"`
	Type        id.EntityType     `json:"type"`
	PublicID    string            `json:"public_id"`
	DisplayName string            `json:"display_name"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	MergedInto  *id.EntityID      `json:"merged_into,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func toEntityResponse(e *models.Entity) *entityResponse {
	return &entityResponse{
		ID:          e.ID,
		Type:        e.Type,
		PublicID:    e.PublicID,
		DisplayName: e.DisplayName,
		Attributes:  e.Attributes,
		MergedInto:  e.MergedInto,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	entityType, entityID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	entity, err := h.entities.Get(r.Context(), entityType, entityID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toEntityResponse(entity))
}

func (h *Handler) handleCanonical(w http.ResponseWriter, r *http.Request) {
	entityType, entityID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	entity, err := h.entities.ResolveCanonical(r.Context(), entityType, entityID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toEntityResponse(entity))
}

// handlePublicID resolves a human-facing id like P-000123, following the
// alias table when the original entity was merged away.
func (h *Handler) handlePublicID(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "publicID")
	entity, err := h.entities.ResolvePublicID(r.Context(), publicID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toEntityResponse(entity))
}

type fieldSourceResponse struct {
	Field        string    `json:"field"`
	Value        string    `json:"value"`
	SourceSystem string    `json:"source_system"`
	ObservedAt   time.Time `json:"observed_at"`
	Confidence   float64   `json:"confidence"`
	IsCurrent    bool      `json:"is_current"`
}

func (h *Handler) handleProvenance(w http.ResponseWriter, r *http.Request) {
	_, entityID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	rows, err := h.provenance.ListByEntity(r.Context(), entityID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]fieldSourceResponse, 0, len(rows))
	for _, fs := range rows {
		out = append(out, toFieldSourceResponse(fs))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func toFieldSourceResponse(fs *provenancemodels.FieldSource) fieldSourceResponse {
	return fieldSourceResponse{
		Field:        fs.FieldName,
		Value:        fs.Value,
		SourceSystem: fs.SourceSystem,
		ObservedAt:   fs.ObservedAt,
		Confidence:   fs.Confidence,
		IsCurrent:    fs.IsCurrent,
	}
}

type relationshipResponse struct {
	ID           string                  `json:"id"`
	Kind         relationshipmodels.Kind `json:"kind"`
	SubjectID    id.EntityID             `json:"subject_id"`
	ObjectID     id.EntityID             `json:"object_id"`
	SourceSystem string                  `json:"source_system"`
	Stale        bool                    `json:"stale"`
	CreatedAt    time.Time               `json:"created_at"`
}

func (h *Handler) handleRelationships(w http.ResponseWriter, r *http.Request) {
	_, entityID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	rels, err := h.relationships.ListByEntity(r.Context(), entityID)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list relationships"))
		return
	}
	out := make([]relationshipResponse, 0, len(rels))
	for _, rel := range rels {
		out = append(out, relationshipResponse{
			ID:           rel.ID.String(),
			Kind:         rel.Kind,
			SubjectID:    rel.SubjectID,
			ObjectID:     rel.ObjectID,
			SourceSystem: rel.SourceSystem,
			Stale:        rel.HasStaleSource,
			CreatedAt:    rel.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

type auditEventResponse struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Reason    string         `json:"reason,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	entityType, entityID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	events, err := h.auditLog.ListByEntity(r.Context(), entityType, entityID)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit events"))
		return
	}
	out := make([]auditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, auditEventResponse{
			Timestamp: e.Timestamp,
			Action:    e.Action,
			Actor:     e.Actor,
			Reason:    e.Reason,
			RequestID: e.RequestID,
			Details:   e.Details,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) pathIdentity(w http.ResponseWriter, r *http.Request) (id.EntityType, id.EntityID, bool) {
	entityType := id.EntityType(chi.URLParam(r, "entityType"))
	if !entityType.IsValid() {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeInvalidInput, "invalid entity type %q", entityType))
		return "", id.EntityID{}, false
	}
	entityID, err := id.ParseEntityID(chi.URLParam(r, "entityID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid entity id"))
		return "", id.EntityID{}, false
	}
	return entityType, entityID, true
}
