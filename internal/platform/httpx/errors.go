package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation failed")
	ErrUnprocessable = errors.New("request cannot be processed")
)

// RespondError maps errors wrapping the sentinels above to RFC7807 responses; anything
// else is an opaque 500.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrUnprocessable):
		Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// Status wraps err so RespondError maps it with the given sentinel.
func Status(sentinel, err error) error {
	return &statusError{sentinel: sentinel, err: err}
}

type statusError struct {
	sentinel error
	err      error
}

func (e *statusError) Error() string { return e.err.Error() }

func (e *statusError) Unwrap() []error { return []error{e.sentinel, e.err} }
