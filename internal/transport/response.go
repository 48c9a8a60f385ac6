// Package transport contains the HTTP router, middleware chain and request
// handlers of the traveler API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/traveler/internal/observability"
	"github.com/pitabwire/traveler/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrValidationError:    http.StatusBadRequest,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrStageNotFound:      http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrStaleStage:         http.StatusConflict,
	model.ErrReadinessNotMet:    http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrInvalidStageTable:  http.StatusInternalServerError,
	model.ErrDispatchFailed:     http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status for an error code, 500 if unmapped.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an error envelope. Errors that do not carry an
// envelope are reported as INTERNAL_ERROR so their text never reaches the
// client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	out := *ee
	if out.TraceID == "" && r != nil {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, StatusFor(out.Code), errorResponse{Error: &out})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 400 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, r *http.Request, details []model.FieldError) {
	WriteError(w, r, model.NewValidationError(details))
}
