// Package fault defines the closed error set used across the control plane.
// Every public entry point returns either success or one of these kinds, so
// callers and audit consumers never have to parse error strings.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// ERROR KINDS
// ============================================================================

// Kind classifies a failure for callers, logs, and audit events.
type Kind string

const (
	BadRequest       Kind = "bad_request"       // missing or malformed input
	NotAllowlisted   Kind = "not_allowlisted"   // action/command outside the static allowlist
	RateLimited      Kind = "rate_limited"      // per-class bucket exhausted
	Duplicate        Kind = "duplicate"         // replayed request_id inside the dedupe window
	CapabilityDenied Kind = "capability_denied" // class/scope/tool not permitted by descriptor
	PolicyDenied     Kind = "policy_denied"     // allowlist guard refused (cwd/flag/target/...)
	TransientIO      Kind = "transient_io"      // network/timeout/5xx; retryable
	FailClosed       Kind = "fail_closed"       // vault unreachable where vault-first is required
	ExecutionFailed  Kind = "execution_failed"  // child exited non-zero or was killed
	Internal         Kind = "internal"          // broken invariant; never swallowed
)

// ============================================================================
// ERROR VALUE
// ============================================================================

// Error carries a kind, an optional typed denial code, and a human message.
type Error struct {
	Kind Kind
	Code string // typed denial code (e.g. SUBCOMMAND_DENIED), empty for most kinds
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Code, e.Msg, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Coded builds a policy-style error carrying a typed denial code.
func Coded(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ============================================================================
// INSPECTION
// ============================================================================

// KindOf extracts the kind from an error chain; unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// CodeOf extracts the typed denial code, if any.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller should retry with backoff.
func Retryable(err error) bool {
	return KindOf(err) == TransientIO
}

// HTTPStatus maps a kind to the response status used by every HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case BadRequest:
		return http.StatusBadRequest
	case NotAllowlisted, CapabilityDenied, PolicyDenied:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case Duplicate:
		return http.StatusConflict
	case TransientIO, FailClosed:
		return http.StatusServiceUnavailable
	case ExecutionFailed, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
