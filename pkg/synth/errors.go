package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Kind is a category of the shared error taxonomy.
type Kind int

const (
	// KindNone marks a successful result.
	KindNone Kind = iota

	// KindUnknown is an unclassified failure.
	KindUnknown

	// KindConfiguration: the requested backend or model is unknown and no
	// sensible default exists. Never retried.
	KindConfiguration

	// KindResourceUnavailable: a model artifact is missing from disk or a
	// remote credential is missing. Reported before any expensive work.
	KindResourceUnavailable

	// KindInvalidRequest: the request itself is unusable (e.g. empty text).
	KindInvalidRequest

	// KindLoadFailure: a backend resource failed to initialise.
	KindLoadFailure

	// KindCascadeExhausted: every invocation strategy of a cascade failed.
	KindCascadeExhausted

	// KindEmptyOutput: the backend reported success but the output file is
	// missing or empty.
	KindEmptyOutput

	// KindSynthesis: the backend failed while producing audio.
	KindSynthesis

	// KindRemoteAuth: the hosted service rejected the credential.
	KindRemoteAuth

	// KindRemoteQuota: the hosted account ran out of quota.
	KindRemoteQuota

	// KindRemoteValidation: the hosted service rejected the request payload.
	KindRemoteValidation

	// KindRemoteGeneric: any other hosted-service failure.
	KindRemoteGeneric
)

// String returns the stable snake_case name of the kind, used in metrics and
// JSON payloads.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConfiguration:
		return "configuration"
	case KindResourceUnavailable:
		return "resource_unavailable"
	case KindInvalidRequest:
		return "invalid_request"
	case KindLoadFailure:
		return "load_failure"
	case KindCascadeExhausted:
		return "cascade_exhausted"
	case KindEmptyOutput:
		return "empty_output"
	case KindSynthesis:
		return "synthesis_failure"
	case KindRemoteAuth:
		return "remote_auth"
	case KindRemoteQuota:
		return "remote_quota"
	case KindRemoteValidation:
		return "remote_validation"
	case KindRemoteGeneric:
		return "remote_generic"
	default:
		return "unknown"
	}
}

// IsRemote reports whether k originates from the hosted service rather than
// from the caller or the local machine.
func (k Kind) IsRemote() bool {
	switch k {
	case KindRemoteAuth, KindRemoteQuota, KindRemoteValidation, KindRemoteGeneric:
		return true
	}
	return false
}

// Error is the single typed error carried through the adapter layer.
type Error struct {
	Kind    Kind
	Backend string

	// Msg is the user-facing message. When empty a template derived from
	// Kind is used.
	Msg string

	// StatusCode is the remote HTTP status for remote kinds, 0 otherwise.
	StatusCode int

	// Detail is any extractable remote detail text.
	Detail string

	// Err is the underlying cause, kept for logs and errors.Is.
	Err error
}

// Errorf builds an *Error of the given kind with a formatted user message.
// A trailing %w verb in format is honoured for the cause.
func Errorf(kind Kind, backend, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{
		Kind:    kind,
		Backend: backend,
		Msg:     wrapped.Error(),
		Err:     errors.Unwrap(wrapped),
	}
}

// Error implements error.
func (e *Error) Error() string {
	msg := e.Message()
	if e.Err != nil && !strings.Contains(msg, e.Err.Error()) {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Message returns the human-readable message without the wrapped cause
// appended.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	switch e.Kind {
	case KindRemoteAuth:
		return fmt.Sprintf("Authentication Error (%d): Check API Key.", e.status(401))
	case KindRemoteQuota:
		return fmt.Sprintf("Quota Error (%d): Character limit likely reached.", e.status(402))
	case KindRemoteValidation:
		return fmt.Sprintf("Validation Error (%d): %s", e.status(422), e.Detail)
	case KindRemoteGeneric:
		if e.StatusCode == 0 {
			if e.Detail != "" {
				return "Remote Error: " + e.Detail
			}
			return "Remote Error"
		}
		if e.Detail != "" {
			return fmt.Sprintf("HTTP Error (%d): %s", e.StatusCode, e.Detail)
		}
		return fmt.Sprintf("HTTP Error (%d)", e.StatusCode)
	case KindCascadeExhausted:
		return "all synthesis methods failed"
	case KindEmptyOutput:
		return "synthesis completed but produced no audio"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) status(def int) int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	return def
}

// KindOf extracts the taxonomy kind from err. nil yields KindNone; errors
// that are not (and do not wrap) an *Error yield KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindSynthesis
	}
	return KindUnknown
}

// MessageOf returns the user-facing message of err: the *Error message when
// err carries one, err.Error() otherwise.
func MessageOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Message()
	}
	return err.Error()
}

// Succeed builds a successful Result for path.
func Succeed(start time.Time, path, message string) Result {
	return Result{
		OK:      true,
		Message: message,
		Path:    path,
		Kind:    KindNone,
		Elapsed: time.Since(start),
	}
}

// Fail converts err into a failed Result, logging it with full detail. The
// prefix names the backend in the user message, e.g. "Piper synthesis failed".
func Fail(ctx context.Context, start time.Time, backend, prefix string, err error) Result {
	kind := KindOf(err)
	msg := err.Error()
	var se *Error
	if errors.As(err, &se) {
		msg = se.Message()
	}
	if prefix != "" {
		msg = prefix + ": " + msg
	}
	slog.ErrorContext(ctx, "synthesis failed",
		"backend", backend,
		"kind", kind.String(),
		"err", err,
	)
	return Result{
		OK:      false,
		Message: msg,
		Kind:    kind,
		Elapsed: time.Since(start),
	}
}
