// Package handler drives the retroactive reconciler. Detection runs on its
// own schedule; these endpoints exist for staff to trigger a scan or apply
// reconciliation explicitly, dry-run first.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/httputil"
	"github.com/benffsc/atlas/pkg/requestcontext"

	"github.com/benffsc/atlas/internal/reconcile"
)

type Handler struct {
	detector   *reconcile.Detector
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
}

func New(detector *reconcile.Detector, reconciler *reconcile.Reconciler, logger *slog.Logger) *Handler {
	return &Handler{detector: detector, reconciler: reconciler, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/reconcile/detect", h.handleDetect)
	r.Post("/reconcile", h.handleReconcile)
}

type detectRequest struct {
	Limit int `json:"limit"`
}

func (h *Handler) handleDetect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[detectRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 500
	}
	flagged, err := h.detector.Detect(ctx, req.Limit)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "detection pass failed"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"flagged": flagged})
}

type reconcileRequest struct {
	Mode  reconcile.Mode `json:"mode"`
	Limit int            `json:"limit"`
}

func (req *reconcileRequest) Validate() error {
	if !req.Mode.IsValid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "mode must be %q or %q", reconcile.ModeDryRun, reconcile.ModeApply)
	}
	return nil
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[reconcileRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	changes, err := h.reconciler.Reconcile(ctx, req.Mode, req.Limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if changes == nil {
		changes = []reconcile.Change{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"mode":    req.Mode,
		"changes": changes,
	})
}
