package error

import (
	"errors"
	"net/http"
)

// GenericError is implemented by every error that knows how it should be rendered over HTTP.
type GenericError interface {
	Error() string
	ErrCode() string
	StatusCode() int
}

type ValidationError string

func (err ValidationError) Error() string {
	return string(err)
}

func (err ValidationError) ErrCode() string {
	return "VALIDATION_ERROR"
}

func (err ValidationError) StatusCode() int {
	return http.StatusBadRequest
}

type ConflictError string

func (err ConflictError) Error() string {
	return string(err)
}

func (err ConflictError) ErrCode() string {
	return "CONFLICT_ERROR"
}

func (err ConflictError) StatusCode() int {
	return http.StatusConflict
}

// UnavailableError marks a dependency outage (queue store, database). Callers are
// expected to retry with backoff.
type UnavailableError struct {
	Component string
	Err       error
}

func (err UnavailableError) Error() string {
	if err.Err == nil {
		return err.Component + " unavailable"
	}
	return err.Component + " unavailable: " + err.Err.Error()
}

func (err UnavailableError) Unwrap() error {
	return err.Err
}

func (err UnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func (err UnavailableError) ErrCode() string {
	return "SERVICE_UNAVAILABLE"
}

func (err UnavailableError) StatusCode() int {
	return http.StatusServiceUnavailable
}

// ErrStoreUnavailable is matched (errors.Is) by every UnavailableError.
var ErrStoreUnavailable = errors.New("store unavailable")

// Unavailable wraps err as a transient dependency failure.
func Unavailable(component string, err error) error {
	return UnavailableError{Component: component, Err: err}
}

// AsGeneric extracts a GenericError from the chain, if any.
func AsGeneric(err error) (GenericError, bool) {
	var ge GenericError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
