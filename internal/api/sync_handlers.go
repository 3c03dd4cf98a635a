package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/syncd/internal/types"
	"github.com/hyperengineering/syncd/internal/validation"
)

// MaxBodyBytes bounds create and update request bodies.
const MaxBodyBytes = 1 << 20

// ListOperations handles GET /api/v1/syncs
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := types.OperationFilter{
		Status:       types.OperationStatus(q.Get("status")),
		SourceSystem: q.Get("source"),
		TargetSystem: q.Get("target"),
		DataType:     q.Get("dataType"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Unknown status %q", filter.Status))
		return
	}

	page, err := intParam(q.Get("page"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	result, err := h.store.ListOperations(r.Context(), filter, page, limit)
	if err != nil {
		h.MapError(w, r, err)
		return
	}
	if result.Items == nil {
		result.Items = []types.SyncOperation{}
	}
	writeJSON(w, http.StatusOK, result)
}

// intParam parses an optional positive integer query parameter; an empty
// value yields 0 so the store applies its default.
func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

// CreateOperation handles POST /api/v1/syncs
func (h *Handler) CreateOperation(w http.ResponseWriter, r *http.Request) {
	var def types.OperationDefinition
	if !decodeBody(w, r, &def) {
		return
	}

	if err := validation.ValidateDefinition(def); err != nil {
		h.MapError(w, r, err)
		return
	}

	op := &types.SyncOperation{
		ID:           def.ID,
		Name:         def.Name,
		Description:  def.Description,
		SourceSystem: def.SourceSystem,
		TargetSystem: def.TargetSystem,
		DataType:     def.DataType,
		Fields:       def.Fields,
		FieldMapping: def.FieldMapping,
		Filter:       def.Filter,
		Schedule:     def.Schedule,
	}
	if err := h.store.CreateOperation(r.Context(), op); err != nil {
		h.MapError(w, r, err)
		return
	}
	h.hub.Publish(types.NewOperationUpdate(op, h.now()))

	slog.Info("operation created",
		"component", "api",
		"action", "create",
		"operation_id", op.ID,
		"source", op.SourceSystem,
		"target", op.TargetSystem,
	)

	w.Header().Set("Location", "/api/v1/syncs/"+op.ID)
	writeJSON(w, http.StatusAccepted, op)
}

// GetOperation handles GET /api/v1/syncs/{id}
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.store.GetOperation(r.Context(), OperationIDFromContext(r.Context()))
	if err != nil {
		h.MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// UpdateOperation handles PATCH /api/v1/syncs/{id}
func (h *Handler) UpdateOperation(w http.ResponseWriter, r *http.Request) {
	id := OperationIDFromContext(r.Context())

	var patch types.OperationPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	if patch.Empty() {
		WriteProblem(w, r, http.StatusBadRequest, "Patch changes nothing")
		return
	}
	if patch.ClearSchedule && patch.Schedule != nil {
		WriteProblem(w, r, http.StatusBadRequest, "schedule and clearSchedule are mutually exclusive")
		return
	}

	op, err := h.store.UpdateOperation(r.Context(), id, patch)
	if err != nil {
		h.MapError(w, r, err)
		return
	}
	h.hub.Publish(types.NewOperationUpdate(op, h.now()))

	slog.Info("operation updated",
		"component", "api",
		"action", "update",
		"operation_id", id,
	)
	writeJSON(w, http.StatusOK, op)
}

// DeleteOperation handles DELETE /api/v1/syncs/{id}
func (h *Handler) DeleteOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := OperationIDFromContext(ctx)

	keepHistory := false
	if v := r.URL.Query().Get("keepHistory"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "keepHistory must be a boolean")
			return
		}
		keepHistory = b
	}

	if err := h.store.DeleteOperation(ctx, id, keepHistory); err != nil {
		h.MapError(w, r, err)
		return
	}
	h.hub.Forget(id)

	slog.Info("operation deleted",
		"component", "api",
		"action", "delete",
		"operation_id", id,
		"keep_history", keepHistory,
	)
	w.WriteHeader(http.StatusNoContent)
}

// ListHistory handles GET /api/v1/syncs/{id}/history
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := OperationIDFromContext(ctx)

	// History may outlive a deleted operation when it was kept, so a
	// missing operation with entries is still served.
	entries, err := h.store.ListHistory(ctx, id)
	if err != nil {
		h.MapError(w, r, err)
		return
	}
	if len(entries) == 0 {
		if _, err := h.store.GetOperation(ctx, id); err != nil {
			h.MapError(w, r, err)
			return
		}
		entries = []types.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Action handles POST /api/v1/syncs/{id}/actions/{action}
func (h *Handler) Action(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := OperationIDFromContext(ctx)
	action := chi.URLParam(r, "action")

	var (
		op  *types.SyncOperation
		err error
	)
	switch action {
	case "run":
		op, err = h.runner.Run(ctx, id)
	case "retry":
		op, err = h.runner.Retry(ctx, id)
	case "cancel":
		op, err = h.runner.Cancel(ctx, id)
	default:
		WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("Unknown action %q", action))
		return
	}
	if err != nil {
		slog.Info("action rejected",
			"component", "api",
			"action", action,
			"operation_id", id,
			"error", err,
		)
		h.MapError(w, r, err)
		return
	}

	slog.Info("action accepted",
		"component", "api",
		"action", action,
		"operation_id", id,
		"status", string(op.Status),
	)
	writeJSON(w, http.StatusAccepted, op)
}

// decodeBody decodes a JSON request body, rejecting unknown fields so
// server-owned fields such as status cannot be smuggled in.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			WriteProblem(w, r, http.StatusBadRequest, "Request body is empty")
			return false
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return false
	}
	return true
}
