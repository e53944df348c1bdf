package api

import (
	"errors"
	"fmt"
)

// ErrNoSmartMeter indicates the account has no meter capable of automatic
// readings. Setup must fail on this before anything else is created.
var ErrNoSmartMeter = errors.New("no smart meter found on this account")

// AuthError represents a rejected or revoked API key. It is user-actionable:
// the caller must stop retrying and ask for a new key.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d): %s", e.StatusCode, e.Message)
}

// TransientError represents a network or server-side failure that is safe to
// retry on the next poll cycle. Previously published values stay valid.
type TransientError struct {
	StatusCode int // 0 when the request never got a response
	Message    string
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
	}
	return e.Message
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is (or wraps) an AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
