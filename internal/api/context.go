package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// operationIDContextKey is the context key for the operation in the URL path.
type operationIDContextKey struct{}

// WithOperationID returns a new context with the operation ID attached.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDContextKey{}, id)
}

// OperationIDFromContext extracts the operation ID from the context.
// Returns "" when the request is not scoped to an operation.
func OperationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(operationIDContextKey{}).(string)
	return id
}

// OperationIDMiddleware copies the {id} URL parameter into the request
// context so handlers and error mapping share one source for it.
func OperationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteProblem(w, r, http.StatusBadRequest, "Missing operation id")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOperationID(r.Context(), id)))
	})
}
