// Package errkind defines the orchestrator's error taxonomy. These are kinds,
// not concrete error types — every boundary returns a *errkind.Error so the
// orchestrator can decide whether to retry, surface to the user, or feed the
// failure back to the model.
package errkind

import "fmt"

// Kind classifies an error for orchestrator handling (spec §7).
type Kind string

const (
	Configuration      Kind = "configuration"
	Authentication     Kind = "authentication"
	TransportTransient Kind = "transport-transient"
	RateLimited        Kind = "rate-limited"
	ModelProtocol      Kind = "model-protocol"
	ToolValidation     Kind = "tool-validation"
	ToolExecution      Kind = "tool-execution"
	McpUnavailable     Kind = "mcp-unavailable"
	Cancelled          Kind = "cancelled"
	RoundLimitExceeded Kind = "round-limit-exceeded"
	PermissionDenied   Kind = "permission-denied"
	UpstreamUnavailable Kind = "upstream-unavailable"
)

// Error wraps an underlying error with a Kind for orchestrator dispatch.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a new kinded error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates a new kinded error wrapping an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == kind
}
