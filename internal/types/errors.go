// Error taxonomy for the memory service. Handlers translate these into tool
// protocol responses; everything else wraps with %w and lets errors.As decide.
package types

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a field-level precondition failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PermissionDeniedError reports an ACL check failure. Always audited.
type PermissionDeniedError struct {
	AgentID  string
	Action   string
	Resource string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: agent %s may not %s %s", e.AgentID, e.Action, e.Resource)
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind EntryType
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// SimilarEntry is one near-duplicate candidate attached to a DuplicateEntryError.
type SimilarEntry struct {
	EntryType EntryType `json:"entryType"`
	EntryID   string    `json:"entryId"`
	Name      string    `json:"name"`
	Score     float64   `json:"score"`
}

// DuplicateEntryError reports that a write would collide with an existing entry.
type DuplicateEntryError struct {
	Name           string
	SimilarEntries []SimilarEntry
}

func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("duplicate entry: %q matches %d existing entries", e.Name, len(e.SimilarEntries))
}

// RateLimitedError reports a composite limiter rejection. Reason names the
// limiter (burst, global, per-agent) that rejected.
type RateLimitedError struct {
	Reason       string
	RetryAfterMs int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s limiter, retry after %dms", e.Reason, e.RetryAfterMs)
}

// CircuitBreakerError reports a rejected call while a breaker is OPEN.
type CircuitBreakerError struct {
	Service   string
	ResetTime time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, resets at %s", e.Service, e.ResetTime.Format(time.RFC3339))
}

// TransactionAsyncEscapeError reports async work escaping a synchronous
// transaction. Programmer error: fatal for the request, never retried.
type TransactionAsyncEscapeError struct {
	TxnID       string
	Cause       string
	Remediation string
}

func (e *TransactionAsyncEscapeError) Error() string {
	return fmt.Sprintf("async work escaped synchronous transaction. Transaction ID: %s. Cause: %s. Remediation: %s",
		e.TxnID, e.Cause, e.Remediation)
}

// ErrNestedTransaction is returned when a transaction body re-enters the adapter.
var ErrNestedTransaction = errors.New("nested transaction: the storage adapter holds a single synchronous connection and must not be re-entered")

// CursorError reports a forged, expired, oversized, or corrupt pagination
// cursor. The message never echoes payload contents.
type CursorError struct {
	Reason string
}

func (e *CursorError) Error() string {
	return fmt.Sprintf("invalid cursor: %s", e.Reason)
}

// TransientError marks retryable I/O failures so circuit breakers and retry
// policies can distinguish them from terminal errors.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
