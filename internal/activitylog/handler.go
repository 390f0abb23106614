package activitylog

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/socialpub/internal/httpserver"
	"github.com/wisbric/socialpub/pkg/store"
)

// Reader is the subset of *store.Store the HTTP handler needs.
type Reader interface {
	ListActivityLog(ctx context.Context, limit, offset int) ([]store.ActivityLogEntry, error)
	CountActivityLog(ctx context.Context) (int, error)
}

// Handler provides the read-only activity log HTTP API.
type Handler struct {
	st     Reader
	logger *slog.Logger
}

// NewHandler creates an activity log Handler.
func NewHandler(st Reader, logger *slog.Logger) *Handler {
	return &Handler{st: st, logger: logger}
}

// Routes returns a chi.Router with the activity log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	entries, err := h.st.ListActivityLog(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing activity log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list activity log")
		return
	}

	total, err := h.st.CountActivityLog(r.Context())
	if err != nil {
		h.logger.Error("counting activity log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to count activity log")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(entries, params, total))
}
