// Package handler exposes edit leases over HTTP. The holder is always the
// authenticated staff actor; clients cannot claim or release on someone
// else's behalf.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/httputil"
	"github.com/benffsc/atlas/pkg/requestcontext"

	leaseservice "github.com/benffsc/atlas/internal/lease/service"
)

type Handler struct {
	leases *leaseservice.Service
	logger *slog.Logger
}

func New(leases *leaseservice.Service, logger *slog.Logger) *Handler {
	return &Handler{leases: leases, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/entities/{entityType}/{entityID}/lease", h.handleAcquire)
	r.Post("/entities/{entityType}/{entityID}/lease/renew", h.handleRenew)
	r.Delete("/entities/{entityType}/{entityID}/lease", h.handleRelease)
	r.Get("/entities/{entityType}/{entityID}/lease", h.handleCurrent)
}

type acquireRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entityType, entityID, ok := pathIdentity(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[acquireRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	holder := requestcontext.Actor(ctx)
	acquired, lease, err := h.leases.Acquire(ctx, entityType, entityID, holder, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !acquired {
		// Contention is not an error; tell the caller who has it.
		httputil.WriteJSON(w, http.StatusConflict, map[string]any{
			"acquired":   false,
			"held_by":    lease.Holder,
			"expires_at": lease.ExpiresAt,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"acquired":   true,
		"holder":     lease.Holder,
		"expires_at": lease.ExpiresAt,
	})
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entityType, entityID, ok := pathIdentity(w, r)
	if !ok {
		return
	}
	renewed, err := h.leases.Renew(ctx, entityType, entityID, requestcontext.Actor(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !renewed {
		httputil.WriteError(w, dErrors.New(dErrors.CodeConflict, "lease lapsed or held by someone else"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"renewed": true})
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entityType, entityID, ok := pathIdentity(w, r)
	if !ok {
		return
	}
	released, err := h.leases.Release(ctx, entityType, entityID, requestcontext.Actor(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"released": released})
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entityType, entityID, ok := pathIdentity(w, r)
	if !ok {
		return
	}
	lease, err := h.leases.Current(ctx, entityType, entityID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if lease == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"held": false})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"held":       true,
		"holder":     lease.Holder,
		"reason":     lease.Reason,
		"expires_at": lease.ExpiresAt,
	})
}

func pathIdentity(w http.ResponseWriter, r *http.Request) (id.EntityType, id.EntityID, bool) {
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
