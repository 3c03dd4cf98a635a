package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/syncd/internal/executor"
	"github.com/hyperengineering/syncd/internal/store"
	"github.com/hyperengineering/syncd/internal/types"
	"github.com/hyperengineering/syncd/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusBadRequest: {
		typeURI: "https://syncd.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://syncd.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusConflict: {
		typeURI: "https://syncd.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://syncd.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://syncd.dev/errors/rate-limit",
		title:   "Too Many Requests",
	},
	http.StatusInternalServerError: {
		typeURI: "https://syncd.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://syncd.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
}

func lookupProblemType(status int) problemType {
	if pt, ok := problemTypes[status]; ok {
		return pt
	}
	return problemType{
		typeURI: "https://syncd.dev/errors/unknown",
		title:   http.StatusText(status),
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt := lookupProblemType(status)
	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]

	p := ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapError converts domain errors to Problem Details responses. Validation
// failures are also announced to subscribers as audit notifications.
func (h *Handler) MapError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		h.hub.Publish(types.NewAuditNotification(OperationIDFromContext(r.Context()),
			types.AuditValidationFailed, types.SeverityWarning, verrs.Error(), h.now()))
		WriteProblemWithErrors(w, r, "Request contains invalid fields", verrs)
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Sync operation not found")
	case errors.Is(err, store.ErrDuplicateID):
		WriteProblem(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrAlreadyRunning):
		WriteProblem(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrOperationBusy):
		WriteProblem(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrInvalidTransition):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, executor.ErrQueueFull), errors.Is(err, executor.ErrStopped):
		WriteProblem(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request failed",
			"component", "api",
			"path", r.URL.Path,
			"operation_id", OperationIDFromContext(r.Context()),
			"error", err,
		)
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
