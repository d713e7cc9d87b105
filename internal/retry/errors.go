package retry

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientError is a failure worth retrying: throttling, server errors,
// network errors and timeouts.
type TransientError struct {
	// Status is the HTTP status, or 0 for transport failures.
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that retrying cannot fix (403, 404).
type PermanentError struct {
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("permanent error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NoRetryError stops the retry loop without reclassifying Err. It marks a
// failure of a non-idempotent request that may already have taken effect.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string { return e.Err.Error() }

func (e *NoRetryError) Unwrap() error { return e.Err }

// NoRetry wraps err so the executor returns it after the current attempt.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Status
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Status
	}
	return 0
}

// Transient statuses are retried with backoff.
var transientStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsTransientStatus reports whether status is in the throttling/server set.
func IsTransientStatus(status int) bool {
	return transientStatuses[status]
}

// CheckStatus classifies an HTTP response status. It returns nil for 2xx,
// a PermanentError for 403 and 404, and a TransientError for anything else.
// body is included in the message, truncated.
func CheckStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	const maxBody = 512
	msg := string(body)
	if len(msg) > maxBody {
		msg = msg[:maxBody] + "..."
	}
	cause := fmt.Errorf("API error: %s", msg)
	switch status {
	case http.StatusForbidden, http.StatusNotFound:
		return &PermanentError{Status: status, Err: cause}
	default:
		return &TransientError{Status: status, Err: cause}
	}
}
