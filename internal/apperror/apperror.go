// Package apperror defines the failure taxonomy shared by every layer of the
// gateway.  Components return *Error values tagged with a Kind; the
// orchestrator and the HTTP handlers only ever branch on the Kind, never on
// the wrapped cause, so raw provider or process diagnostics stay internal.
package apperror

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.  The zero value is Unknown.
type Kind string

const (
	Unknown          Kind = ""
	Busy             Kind = "busy"
	QuotaExceeded    Kind = "quota_exceeded"
	ReauthRequired   Kind = "reauth_required"
	Upstream         Kind = "upstream_error"
	Timeout          Kind = "timeout"
	ExecutionFailed  Kind = "execution_failed"
	EncryptionConfig Kind = "encryption_config_error"
	Storage          Kind = "storage_error"
	NotFound         Kind = "not_found"
	Invalid          Kind = "invalid_request"
)

// Error is the concrete error type carried through the request path.
//
// Op names the operation that failed (e.g. "credential.refresh").  Msg is a
// short internal description; it may contain diagnostics and must not be
// shown to end users.  RetryAfter is set when the caller can usefully retry
// after a known delay (lock contention, quota window reset).
type Error struct {
	Kind       Kind
	Op         string
	Msg        string
	Err        error
	Retryable  bool
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on Kind: errors.Is(err, &Error{Kind: Busy}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// New builds an Error with the default retry policy for kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Retryable: defaultRetryable(kind)}
}

// Wrap builds an Error around cause.  A nil cause yields a nil error.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: cause, Retryable: defaultRetryable(kind)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: cause, Retryable: defaultRetryable(kind)}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfterOf returns the RetryAfter hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsRetryable reports whether the caller may retry the request.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case Busy, Upstream, Timeout, ExecutionFailed:
		return true
	}
	return false
}

// UserMessage returns the end-user safe text for kind.
func UserMessage(kind Kind) string {
	switch kind {
	case Busy:
		return "I'm still working on your previous message. Please try again in a moment."
	case QuotaExceeded:
		return "You've reached your daily message limit."
	case ReauthRequired:
		return "Your Google account needs to be reconnected before I can help with that."
	case Upstream, Timeout, ExecutionFailed:
		return "Something went wrong while processing your request. Please try again."
	case NotFound:
		return "Not found."
	case Invalid:
		return "The request was invalid."
	}
	return "An unexpected error occurred."
}
