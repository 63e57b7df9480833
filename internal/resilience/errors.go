package resilience

import (
	"errors"
	"fmt"
)

// TransientError marks an error as retryable: rate limits, timeouts, and
// upstream 5xx responses from the mailbox or AI providers.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient. Returns nil if err is nil.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked transient anywhere in its chain.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsTransientHTTPStatus reports whether an HTTP status code indicates a
// condition worth retrying.
func IsTransientHTTPStatus(status int) bool {
	switch status {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
