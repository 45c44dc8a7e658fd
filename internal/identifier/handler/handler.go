// Package handler manages the identifier soft blacklist over HTTP. Entries
// are normalized on the way in so "510-555-0100" and "(510) 555-0100" name
// the same blacklisted phone.
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/httputil"
	"github.com/benffsc/atlas/pkg/requestcontext"

	"github.com/benffsc/atlas/internal/identifier/blacklist"
	"github.com/benffsc/atlas/internal/identifier/models"
	"github.com/benffsc/atlas/internal/identifier/normalize"
)

type Handler struct {
	blacklist blacklist.Store
	logger    *slog.Logger
}

func New(bl blacklist.Store, logger *slog.Logger) *Handler {
	return &Handler{blacklist: bl, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/blacklist", h.handleList)
	r.Post("/blacklist", h.handleAdd)
	r.Delete("/blacklist", h.handleRemove)
}

type blacklistEntryRequest struct {
	Type   models.Type `json:"type"`
	Value  string      `json:"value"`
	Reason string      `json:"reason"`
}

func (req *blacklistEntryRequest) Validate() error {
	if !req.Type.IsValid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid identifier type %q", req.Type)
	}
	if req.Value == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "value is required")
	}
	return nil
}

type blacklistEntryResponse struct {
	Type            models.Type `json:"type"`
	NormalizedValue string      `json:"normalized_value"`
	Reason          string      `json:"reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.blacklist.List(r.Context())
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list blacklist"))
		return
	}
	out := make([]blacklistEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, blacklistEntryResponse{
			Type:            e.Type,
			NormalizedValue: e.NormalizedValue,
			Reason:          e.Reason,
			CreatedAt:       e.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[blacklistEntryRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	normalized, err := normalize.Value(req.Type, req.Value)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "value does not normalize"))
		return
	}
	entry := &models.BlacklistEntry{
		Type:            req.Type,
		NormalizedValue: normalized,
		Reason:          req.Reason,
	}
	if err := h.blacklist.Add(ctx, entry); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to add blacklist entry"))
		return
	}
	h.logger.InfoContext(ctx, "identifier blacklisted",
		"type", req.Type, "actor", requestcontext.Actor(ctx))
	httputil.WriteJSON(w, http.StatusCreated, blacklistEntryResponse{
		Type:            entry.Type,
		NormalizedValue: entry.NormalizedValue,
		Reason:          entry.Reason,
		CreatedAt:       entry.CreatedAt,
	})
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[blacklistEntryRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	normalized, err := normalize.Value(req.Type, req.Value)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "value does not normalize"))
		return
	}
	if err := h.blacklist.Remove(ctx, req.Type, normalized); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeNotFound, "blacklist entry not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
