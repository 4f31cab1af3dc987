package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
)

// ErrorKind classifies a window-level adapter failure
type ErrorKind string

const (
	KindAuthExpired ErrorKind = "auth_expired"
	KindRateLimited ErrorKind = "rate_limited"
	KindTransient   ErrorKind = "transient"
	KindMalformed   ErrorKind = "malformed"
)

// Error is a typed adapter failure
type Error struct {
	Kind       ErrorKind
	Provider   canonical.Provider
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func kindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsAuthExpired reports whether the credentials were rejected
func IsAuthExpired(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuthExpired
}

// IsRateLimited reports whether the provider throttled the request
func IsRateLimited(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRateLimited
}

// IsTransient reports whether the failure is safe to retry immediately
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsMalformed reports whether the provider returned an undecodable response
func IsMalformed(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindMalformed
}

// RetryAfter returns the provider's requested backoff, if any
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// NormalizationError marks a single record that could not be normalized.
// The sync skips the record and continues.
type NormalizationError struct {
	Provider   canonical.Provider
	ExternalID string
	Err        error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("failed to normalize %s record %s: %v", e.Provider, e.ExternalID, e.Err)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// Normalization wraps err as a NormalizationError
func Normalization(p canonical.Provider, externalID string, err error) error {
	return &NormalizationError{Provider: p, ExternalID: externalID, Err: err}
}
