package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind sentinels. Callers classify with errors.Is; the concrete *Error
// carries the HTTP status and machine code for the handler layer.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStorageDenied      = errors.New("storage denied")
	ErrNotFound           = errors.New("not found")
	ErrGeneratorTransient = errors.New("generator transient failure")
	ErrGeneratorBadOutput = errors.New("generator bad output")
	ErrValidation         = errors.New("validation failed")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
)

type Error struct {
	Status int
	Code   string
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return e.Kind != nil && errors.Is(e.Kind, target)
}

func New(status int, code string, kind error, err error) *Error {
	return &Error{Status: status, Code: code, Kind: kind, Err: err}
}

func StorageUnavailable(err error) *Error {
	return New(http.StatusBadGateway, "storage_unavailable", ErrStorageUnavailable, err)
}

func StorageDenied(err error) *Error {
	return New(http.StatusInternalServerError, "storage_denied", ErrStorageDenied, err)
}

func NotFound(err error) *Error {
	return New(http.StatusNotFound, "not_found", ErrNotFound, err)
}

func GeneratorTransient(err error) *Error {
	return New(http.StatusBadGateway, "generator_transient", ErrGeneratorTransient, err)
}

func GeneratorBadOutput(err error) *Error {
	return New(http.StatusBadGateway, "generator_bad_output", ErrGeneratorBadOutput, err)
}

func Validation(format string, args ...interface{}) *Error {
	return New(http.StatusBadRequest, "validation_failed", ErrValidation, fmt.Errorf(format, args...))
}

func IllegalTransition(from, to string) *Error {
	return New(http.StatusConflict, "illegal_transition", ErrIllegalTransition,
		fmt.Errorf("topic state cannot move from %s to %s", from, to))
}

func Unauthorized(err error) *Error {
	return New(http.StatusUnauthorized, "unauthorized", ErrUnauthorized, err)
}

func Forbidden(err error) *Error {
	return New(http.StatusForbidden, "forbidden", ErrForbidden, err)
}

// Status resolves the HTTP status for an arbitrary error chain.
func Status(err error) int {
	var ae *Error
	if errors.As(err, &ae) && ae.Status != 0 {
		return ae.Status
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
