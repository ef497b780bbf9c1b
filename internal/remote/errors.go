package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies API failures by escalation policy.
type ErrorKind string

const (
	// Transient kinds, retried with backoff by the apply workers.
	KindNetwork     ErrorKind = "network"
	KindRateLimited ErrorKind = "rate_limited"
	KindServerError ErrorKind = "server_error"

	// Permanent kinds, surfaced to the sync monitor.
	KindAuthExpired       ErrorKind = "auth_expired"
	KindNotFound          ErrorKind = "not_found"
	KindConflict          ErrorKind = "conflict"
	KindInsufficientQuota ErrorKind = "insufficient_quota"
	KindPermissionDenied  ErrorKind = "permission_denied"
)

// APIError is the typed failure returned by every Client call.
type APIError struct {
	Kind    ErrorKind
	Code    string
	Message string

	// RetryAfter holds the server's backoff hint for KindRateLimited.
	RetryAfter time.Duration

	// Rev holds the current remote rev for KindConflict.
	Rev string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure should be retried with backoff.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindRateLimited, KindServerError:
		return true
	}
	return false
}

func NewError(kind ErrorKind, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

// KindOf extracts the error kind from err. Transport-level failures that are
// not typed API errors classify as KindNetwork; context cancellation is left
// unclassified.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return "", false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", false
	}

	return KindNetwork, true
}

// IsNotFound reports whether err is a remote not-found failure.
func IsNotFound(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindNotFound
}

// IsConflict reports whether err is a precondition failure, returning the
// winning remote rev when the server included one.
func IsConflict(err error) (string, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindConflict {
		return apiErr.Rev, true
	}
	return "", false
}
