// Package cronapi exposes the publisher cycle's one external trigger
// surface: POST /cron/publish.
package cronapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/socialpub/internal/httpserver"
	"github.com/wisbric/socialpub/pkg/publisher"
)

// Cycle is the subset of *publisher.Cycle the handler needs.
type Cycle interface {
	RunCycle(ctx context.Context, limit int) (publisher.Summary, error)
}

const (
	defaultLimit = 30
	maxLimit     = 200
)

// Request is the optional JSON body of POST /cron/publish.
type Request struct {
	Limit int `json:"limit" validate:"omitempty,gte=1,lte=200"`
}

// Handler provides the cron-trigger HTTP API.
type Handler struct {
	cycle  Cycle
	logger *slog.Logger
}

// NewHandler creates a cron-trigger Handler.
func NewHandler(cycle Cycle, logger *slog.Logger) *Handler {
	return &Handler{cycle: cycle, logger: logger}
}

// Routes returns a chi.Router with the cron trigger route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/publish", h.handlePublish)
	return r
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	req := Request{Limit: defaultLimit}

	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}
	if req.Limit == 0 {
		req.Limit = defaultLimit
	}
	if req.Limit > maxLimit {
		req.Limit = maxLimit
	}

	summary, err := h.cycle.RunCycle(r.Context(), req.Limit)
	if err != nil {
		h.logger.Error("running publisher cycle", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "publish cycle failed")
		return
	}

	httpserver.Respond(w, http.StatusOK, summary)
}
