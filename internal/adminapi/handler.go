// Package adminapi exposes a minimal read-only inspection surface —
// GET /accounts and GET /schedules — for operators to check fleet state
// from the same process. It is not the external admin CRUD surface; it
// never writes.
package adminapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/socialpub/internal/httpserver"
	"github.com/wisbric/socialpub/pkg/store"
)

// Store is the subset of *store.Store the handler needs.
type Store interface {
	ListAccounts(ctx context.Context, limit, offset int) ([]store.Account, error)
	CountAccounts(ctx context.Context) (int, error)
	ListSchedules(ctx context.Context, limit, offset int) ([]store.Schedule, error)
	CountSchedules(ctx context.Context) (int, error)
}

// Handler provides the read-only admin inspection API.
type Handler struct {
	st     Store
	logger *slog.Logger
}

// NewHandler creates an adminapi Handler.
func NewHandler(st Store, logger *slog.Logger) *Handler {
	return &Handler{st: st, logger: logger}
}

// AccountsRoutes returns a chi.Router with the accounts listing mounted.
func (h *Handler) AccountsRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListAccounts)
	return r
}

// SchedulesRoutes returns a chi.Router with the schedules listing mounted.
func (h *Handler) SchedulesRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListSchedules)
	return r
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	accounts, err := h.st.ListAccounts(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing accounts", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}

	total, err := h.st.CountAccounts(r.Context())
	if err != nil {
		h.logger.Error("counting accounts", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to count accounts")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(accounts, params, total))
}

func (h *Handler) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	schedules, err := h.st.ListSchedules(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing schedules", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list schedules")
		return
	}

	total, err := h.st.CountSchedules(r.Context())
	if err != nil {
		h.logger.Error("counting schedules", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to count schedules")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(schedules, params, total))
}
