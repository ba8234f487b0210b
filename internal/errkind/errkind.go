// Package errkind classifies errors crossing component boundaries.
//
// The kind taxonomy is deliberately small: callers branch on the kind, never
// on error strings. Wrap an error with the appropriate constructor at the
// boundary where the failure is understood; inspect it anywhere with KindOf.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the coarse classification of an error.
type Kind string

const (
	// KindValidation marks caller input that violates a contract. Never retried.
	KindValidation Kind = "validation"

	// KindNotFound marks a missing entity.
	KindNotFound Kind = "not_found"

	// KindInvalidState marks a forbidden state-machine transition. Never retried.
	KindInvalidState Kind = "invalid_state"

	// KindTransient marks a recoverable external I/O failure. Counted against
	// circuit breakers and retried through the queue.
	KindTransient Kind = "transient"

	// KindRateLimited is a subtype of transient; callers must respect backoff.
	KindRateLimited Kind = "rate_limited"

	// KindNeedsReauth marks an invalid_grant-like refresh failure. Background
	// workers skip quietly instead of crash-looping.
	KindNeedsReauth Kind = "needs_reauth"

	// KindFatal marks programming errors or corruption.
	KindFatal Kind = "fatal"
)

type kindedError struct {
	kind Kind
	err  error
}

func (e *kindedError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindedError) Unwrap() error { return e.err }

// New creates a fresh error of the given kind.
func New(kind Kind, msg string) error {
	return &kindedError{kind: kind, err: errors.New(msg)}
}

// Newf creates a fresh formatted error of the given kind.
func Newf(kind Kind, format string, args ...any) error {
	return &kindedError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindedError{kind: kind, err: err}
}

// KindOf reports the kind of err, unwrapping as needed.
// Unclassified errors report KindFatal: an error nobody claimed is a bug.
func KindOf(err error) Kind {
	var ke *kindedError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindFatal
}

// IsRetryable reports whether err may be retried by background machinery.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// Validation, NotFound, InvalidState, Transient, RateLimited, NeedsReauth and
// Fatal are convenience predicates for the corresponding kinds.

func Validation(err error) bool   { return KindOf(err) == KindValidation }
func NotFound(err error) bool     { return KindOf(err) == KindNotFound }
func InvalidState(err error) bool { return KindOf(err) == KindInvalidState }
func Transient(err error) bool    { return KindOf(err) == KindTransient }
func RateLimited(err error) bool  { return KindOf(err) == KindRateLimited }
func NeedsReauth(err error) bool  { return KindOf(err) == KindNeedsReauth }
func Fatal(err error) bool        { return KindOf(err) == KindFatal }
