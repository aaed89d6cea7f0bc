// Package perr defines the PulseMesh error taxonomy from spec.md §7: a fixed
// set of kinds, never bare error strings, so callers can switch on Kind
// instead of string-matching messages.
package perr

import "fmt"

// Kind is one of the error taxonomy entries from spec.md §7.
type Kind string

const (
	// KindTransportUnavailable: no active connection; sends fail fast.
	KindTransportUnavailable Kind = "transport_unavailable"
	// KindMalformed: decode or schema validation failed.
	KindMalformed Kind = "malformed"
	// KindAuthFailed: signature verification failed.
	KindAuthFailed Kind = "auth_failed"
	// KindConsentDenied: pre-send consent check failed.
	KindConsentDenied Kind = "consent_denied"
	// KindNotFound: persistence read/update of an unknown record_id.
	KindNotFound Kind = "not_found"
	// KindTimeout: request_consensus deadline elapsed with acceptable fallback.
	KindTimeout Kind = "timeout"
	// KindGeneratorFailure: local Generator call failed.
	KindGeneratorFailure Kind = "generator_failure"
	// KindShutdown: operation refused because the component is stopping.
	KindShutdown Kind = "shutdown"
)

// Error is a PulseMesh error: a kind, the causal operation, a human message,
// and an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap constructs an *Error wrapping err.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
