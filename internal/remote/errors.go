package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/roach88/outbox/internal/record"
)

// Kind classifies a failed remote call.
type Kind string

const (
	// KindValidation means the backend rejected the mutation. Retrying the
	// same request can never succeed.
	KindValidation Kind = "validation"

	// KindConflict means the entity moved past the expected version.
	KindConflict Kind = "conflict"

	// KindTransient covers network failures, timeouts, 5xx and 429. The
	// same request may succeed later.
	KindTransient Kind = "transient"

	// KindOffline means the client knows it has no connectivity. The call
	// was not attempted and costs no retry.
	KindOffline Kind = "offline"
)

// Error is a classified remote failure.
type Error struct {
	Kind Kind

	// Op is the remote operation, e.g. "update matches/m1".
	Op string

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Message is the backend's explanation, when it gave one.
	Message string

	// Err is the underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ConflictError reports a version conflict together with the server's
// current state of the entity.
type ConflictError struct {
	Op             string
	CurrentData    record.Snapshot
	CurrentVersion int64
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: version conflict: server at version %d", e.Op, e.CurrentVersion)
}

// NewValidationError returns a KindValidation error.
func NewValidationError(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// NewTransientError wraps err as a KindTransient error.
func NewTransientError(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// NewOfflineError returns a KindOffline error.
func NewOfflineError(op string) *Error {
	return &Error{Kind: KindOffline, Op: op, Message: "no connectivity"}
}

// ClassifyStatus maps a non-2xx HTTP status to a Kind.
// 409 is a conflict; 429 and 5xx are transient; every other status is a
// validation failure.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusConflict:
		return KindConflict
	case code == http.StatusTooManyRequests, code >= 500:
		return KindTransient
	default:
		return KindValidation
	}
}

// KindOf returns the Kind of err. Errors that are neither *Error nor
// *ConflictError are treated as transient: an unknown failure must not
// destroy a queued mutation.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) Kind {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return KindConflict
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// IsConflict returns true if err is a version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsTransient returns true if err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsOffline returns true if err reports missing connectivity.
func IsOffline(err error) bool {
	return err != nil && KindOf(err) == KindOffline
}

// AsConflict extracts a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
