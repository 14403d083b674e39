package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrMiss means a tier had nothing usable. Callers fall through to the next
// tier.
var ErrMiss = errors.New("cache miss")

// ErrVersionConflict is returned by a conditional shared-cache write whose
// expected version no longer matches.
var ErrVersionConflict = errors.New("version conflict")

// TransientNetworkError covers timeouts, 5xx responses and empty or garbled
// bodies. It is retried.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// AuthError is a permanent credential rejection.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: unauthorized: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SchemaMismatchError means a stored envelope was written by another build.
type SchemaMismatchError struct {
	Got, Want int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema version %d, want %d", e.Got, e.Want)
}

// SchemaMissingError means the remote store lacks the table or schema the
// shared cache needs. It is permanent for the life of the process.
type SchemaMissingError struct {
	Err error
}

func (e *SchemaMissingError) Error() string {
	return fmt.Sprintf("shared cache schema missing: %v", e.Err)
}

func (e *SchemaMissingError) Unwrap() error { return e.Err }

// RateLimitError is a throttled upstream request. RetryAfter is the delay the
// server asked for, zero if it gave none.
type RateLimitError struct {
	RetryAfter time.Duration
	Msg        string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %v): %s", e.RetryAfter, e.Msg)
}

// QuotaExhaustedError is an exhausted query-complexity or daily quota budget.
type QuotaExhaustedError struct {
	RetryAfter time.Duration
	Msg        string
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted (retry after %v): %s", e.RetryAfter, e.Msg)
}

// ValidationError rejects a single malformed record.
type ValidationError struct {
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid listing %q: %s", e.ID, e.Reason)
}

// FatalFetchError is a non-retryable upstream failure.
type FatalFetchError struct {
	Op  string
	Err error
}

func (e *FatalFetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalFetchError) Unwrap() error { return e.Err }

// StorageError wraps an I/O failure of the local durable store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var (
		transient *TransientNetworkError
		rate      *RateLimitError
		quota     *QuotaExhaustedError
	)
	return errors.As(err, &transient) || errors.As(err, &rate) || errors.As(err, &quota)
}

// IsPermanent reports whether err should disable the failing tier for the
// rest of the process lifetime.
func IsPermanent(err error) bool {
	var (
		auth   *AuthError
		schema *SchemaMissingError
	)
	return errors.As(err, &auth) || errors.As(err, &schema)
}

// RetryDelay returns the server-suggested delay carried by err, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var rate *RateLimitError
	if errors.As(err, &rate) && rate.RetryAfter > 0 {
		return rate.RetryAfter, true
	}
	var quota *QuotaExhaustedError
	if errors.As(err, &quota) && quota.RetryAfter > 0 {
		return quota.RetryAfter, true
	}
	return 0, false
}
