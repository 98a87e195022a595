// Package orcerr defines the orchestrator error taxonomy.
//
// Every user-visible failure carries a Kind so callers (and the Task API)
// can surface a structured {kind, message, hint} without string matching.
package orcerr

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestrator error.
type Kind string

const (
	KindConfigInvalid      Kind = "ConfigInvalid"
	KindModelUnavailable   Kind = "ModelUnavailable"
	KindSpawnTimeout       Kind = "SpawnTimeout"
	KindRuntimeMissing     Kind = "RuntimeMissing"
	KindPortInUse          Kind = "PortInUse"
	KindIncompatibleWorker Kind = "IncompatibleWorker"
	KindLockTimeout        Kind = "LockTimeout"
	KindTaskTimeout        Kind = "TaskTimeout"
	KindTaskCanceled       Kind = "TaskCanceled"
	KindBridgeUnauthorized Kind = "BridgeUnauthorized"
	KindBridgeMalformed    Kind = "BridgeMalformed"
	KindWorkerUnreachable  Kind = "WorkerUnreachable"
)

// Error is a classified orchestrator error.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	cause   error
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithHint attaches an actionable hint and returns the same error.
func (e *Error) WithHint(format string, args ...any) *Error {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on Kind so sentinel comparisons work across wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf returns the Kind of err, or "" when err is not a classified error.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
