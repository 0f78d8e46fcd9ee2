// Package transport contains the HTTP router, middleware chain, and request
// handlers for the workflow and permission API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/formflow/internal/observability"
	"github.com/pitabwire/formflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:      http.StatusBadRequest,
	model.ErrUnauthorized:    http.StatusUnauthorized,
	model.ErrForbidden:       http.StatusForbidden,
	model.ErrNotFound:        http.StatusNotFound,
	model.ErrConflict:        http.StatusConflict,
	model.ErrInvalidState:    http.StatusConflict,
	model.ErrValidationError: http.StatusUnprocessableEntity,
	model.ErrInternalError:   http.StatusInternalServerError,
}

// StatusForError returns the HTTP status WriteError would use for err.
func StatusForError(err error) int {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	if status, ok := statusForCode[ee.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
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

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Errors without an envelope in their chain are rendered as a generic 500 so
// infrastructure details never reach the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	out := *ee
	if r != nil {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, StatusForError(ee), errorResponse{Error: &out})
}

// decodeJSON reads a JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
