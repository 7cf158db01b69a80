// Package handlers implements the HTTP endpoints of the status API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3leaps/gobatch/internal/server/middleware"
	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/persistence"
)

// ErrorResponder writes the response for a failed request.
type ErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder ErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder replaces the error responder; nil restores the default.
func SetHTTPErrorResponder(fn ErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default error responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	middleware.WriteError(w, r, status, code, err.Error(), nil)
}

// classify maps lifecycle errors to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, job.ErrUnknownJob):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, job.ErrInvalidOperation):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, job.ErrOutputNotAvailable), errors.Is(err, job.ErrDetached):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, job.ErrTransport):
		return http.StatusBadGateway, "TRANSPORT_ERROR"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// NotFound is the JSON 404 handler.
func NotFound(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path, nil)
}

// MethodNotAllowed is the JSON 405 handler.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
		r.Method+" is not allowed on "+r.URL.Path, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
