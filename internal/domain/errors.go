package domain

import "errors"

// Error taxonomy (sentinels). Stage code classifies failures by these
// sentinels to decide between retry, nack, and DLQ routing.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrTransient       = errors.New("transient failure")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrUnavailable     = errors.New("provider unavailable")
	ErrNotGeocoded     = errors.New("address not geocoded")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrStore           = errors.New("content store failure")
	ErrInternal        = errors.New("internal error")
)

// Retryable reports whether the error should be retried in place (backoff)
// or handed back to the queue for redelivery. Schema and argument errors are
// never retryable; they route to the stage DLQ.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrTransient), errors.Is(err, ErrUnavailable), errors.Is(err, ErrConflict):
		return true
	default:
		return false
	}
}
