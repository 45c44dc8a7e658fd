// Package handler exposes the staged-record pipeline: the producer-facing
// ingestion endpoint plus the staff-facing batch driver and reset controls.
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

	"github.com/benffsc/atlas/internal/pipeline"
	"github.com/benffsc/atlas/internal/pipeline/models"
)

type Handler struct {
	dispatcher *pipeline.Dispatcher
	logger     *slog.Logger
}

func New(dispatcher *pipeline.Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, logger: logger}
}

// RegisterIngest mounts the producer endpoint; it carries its own auth
// (ingest API key) so it registers separately from the staff routes.
func (h *Handler) RegisterIngest(r chi.Router) {
	r.Post("/ingest", h.handleIngest)
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/pipeline/process", h.handleProcessBatch)
	r.Post("/pipeline/records/{recordID}/reset", h.handleReset)
	r.Get("/pipeline/queue", h.handleQueueDepths)
}

type ingestRequest struct {
	SourceSystem string          `json:"source_system"`
	SourceTable  string          `json:"source_table"`
	SourceRowID  string          `json:"source_row_id"`
	Payload      models.Document `json:"payload"`
}

func (req *ingestRequest) Validate() error {
	if req.SourceSystem == "" || req.SourceTable == "" || req.SourceRowID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "source_system, source_table and source_row_id are required")
	}
	if len(req.Payload) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "payload is required")
	}
	return nil
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[ingestRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	record, err := h.dispatcher.Ingest(ctx, req.SourceSystem, req.SourceTable, req.SourceRowID, req.Payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"staged_record_id": record.ID.String(),
		"content_hash":     record.ContentHash,
		"created_at":       record.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (h *Handler) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	result, err := h.dispatcher.ProcessBatch(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	recordID, err := id.ParseStagedRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid staged record id"))
		return
	}
	if err := h.dispatcher.Reset(r.Context(), recordID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleQueueDepths(w http.ResponseWriter, r *http.Request) {
	depths, err := h.dispatcher.QueueDepths(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, depths)
}
