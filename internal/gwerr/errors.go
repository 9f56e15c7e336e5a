// Package gwerr defines the Gateway's error taxonomy (kinds, not type
// names) and the translation from internal errors into wire-level
// res{ok:false} / event payloads described in spec §7.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind is one member of the closed error taxonomy.
type Kind string

const (
	KindProtocol             Kind = "protocol_error"
	KindValidation           Kind = "validation_error"
	KindUnauthorized         Kind = "unauthorized"
	KindRateLimited          Kind = "rate_limited"
	KindSessionQueueFull     Kind = "session_queue_full"
	KindLLMTransient         Kind = "llm_transient"
	KindToolConfirmRequired  Kind = "tool_confirmation_required"
	KindToolError            Kind = "tool_error"
	KindMemoryUnavailable    Kind = "memory_unavailable"
	KindInternal             Kind = "internal_error"
)

// Error is a Gateway error carrying a stable Kind alongside the usual
// wrapped cause, so handler boundaries can translate it to a wire response
// without string-matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, preserving cause for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// AsResponse extracts the wire-visible (code, message) pair for err. Errors
// not tagged with a Kind are reported as internal_error, matching "uncaught
// exception → internal_error" in the taxonomy.
func AsResponse(err error) (code string, message string) {
	var ge *Error
	if errors.As(err, &ge) {
		return string(ge.Kind), ge.Message
	}
	return string(KindInternal), "Internal error: " + err.Error()
}

// IsKind reports whether err (or something it wraps) carries kind.
func IsKind(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
