package api

import (
	"errors"
	"net/http"

	"prism-board/domain"
)

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// statusFor maps a domain error onto an HTTP status and a response body.
// Unexpected errors are not echoed to the client.
func statusFor(err error) (int, errorBody) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, errorBody{Error: verr.Reason, Field: verr.Field}
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity, errorBody{Error: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error()}
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict, errorBody{Error: "conflicting update, retry"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}
