package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hyperengineering/syncd/internal/types"
)

// Wire types shared with the server.
type (
	Operation   = types.SyncOperation
	Definition  = types.OperationDefinition
	Patch       = types.OperationPatch
	Page        = types.OperationPage
	History     = types.HistoryEntry
	Health      = types.HealthResponse
	StatusEvent = types.StatusEvent
)

// ListOptions narrows GET /syncs. Zero values are omitted.
type ListOptions struct {
	Status   string
	Source   string
	Target   string
	DataType string
	Page     int
	Limit    int
}

// FieldError is one entry of a validation problem.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a non-2xx response decoded from an RFC 7807 problem document.
type Error struct {
	Status int          `json:"status"`
	Type   string       `json:"type"`
	Title  string       `json:"title"`
	Detail string       `json:"detail"`
	Errors []FieldError `json:"errors,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("syncd: %d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("syncd: %d %s", e.Status, http.StatusText(e.Status))
}

// Errors matched by errors.Is against an *Error.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failed")
	ErrUnavailable       = errors.New("service unavailable")
	ErrRateLimited       = errors.New("rate limited")
)

// Is maps the response status onto the client sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrConflict:
		return e.Status == http.StatusConflict
	case ErrInvalidTransition:
		return e.Status == http.StatusBadRequest
	case ErrValidation:
		return e.Status == http.StatusUnprocessableEntity
	case ErrUnavailable:
		return e.Status == http.StatusServiceUnavailable
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	}
	return false
}
