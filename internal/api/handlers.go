package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/syncd/internal/broadcast"
	"github.com/hyperengineering/syncd/internal/store"
	"github.com/hyperengineering/syncd/internal/types"
)

// Runner starts and stops runs. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, id string) (*types.SyncOperation, error)
	Retry(ctx context.Context, id string) (*types.SyncOperation, error)
	Cancel(ctx context.Context, id string) (*types.SyncOperation, error)
}

// Handler implements the API handlers
type Handler struct {
	store   store.Store
	runner  Runner
	hub     *broadcast.Hub
	version string
	now     func() time.Time
}

// NewHandler creates a new Handler
func NewHandler(s store.Store, runner Runner, hub *broadcast.Hub, version string) *Handler {
	return &Handler{
		store:   s,
		runner:  runner,
		hub:     hub,
		version: version,
		now:     time.Now,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Operation store unavailable")
		return
	}
	hs := h.hub.Stats()

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:          "healthy",
		Version:         h.version,
		OperationCount:  stats.OperationCount,
		ByStatus:        stats.ByStatus,
		HistoryCount:    stats.HistoryCount,
		Subscribers:     hs.Subscribers,
		DroppedEvents:   hs.Dropped,
		PublishedEvents: hs.Published,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
