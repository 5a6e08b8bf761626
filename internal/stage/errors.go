package stage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure for the retry policy.
type ErrorKind string

const (
	// KindRetryable covers transient failures: network timeouts, vendor
	// 5xx/429 responses, transient decode errors.
	KindRetryable ErrorKind = "retryable"
	// KindTerminal covers failures that will not succeed on retry: invalid
	// input, authentication failures.
	KindTerminal ErrorKind = "terminal"
	// KindModeration marks a vendor policy refusal. Retrying identical input
	// is pointless; the moderation fallback rewrites the input instead.
	KindModeration ErrorKind = "moderation_rejected"
)

// Error is a classified stage failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient failure.
func Retryable(message string, err error) *Error {
	return &Error{Kind: KindRetryable, Message: message, Err: err}
}

// Terminal wraps err as a non-retryable failure.
func Terminal(message string, err error) *Error {
	return &Error{Kind: KindTerminal, Message: message, Err: err}
}

// ModerationRejected marks a vendor policy refusal.
func ModerationRejected(message string) *Error {
	return &Error{Kind: KindModeration, Message: message}
}

// KindOf returns the classification carried by err, or "" when err is not a
// stage error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
