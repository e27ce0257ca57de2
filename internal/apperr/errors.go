// Package apperr defines the failure taxonomy shared by every component that
// talks to the backend.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	// KindValidationSkip marks a request that was never sent (blank input or
	// one already in flight). Callers ignore it silently.
	KindValidationSkip Kind = "validation_skip"
	// KindNetworkFailure covers transport errors and undecodable responses.
	KindNetworkFailure Kind = "network_failure"
	// KindTimeout is an exchange aborted by the client-side deadline. The
	// backend may still complete the work.
	KindTimeout Kind = "timeout"
	// KindServerError is a non-2xx response.
	KindServerError Kind = "server_error"
)

// ErrSkipped is returned when a send is ignored by the in-flight guard or
// because the input is blank.
var ErrSkipped = &Error{Kind: KindValidationSkip, Err: errors.New("request skipped")}

// Error carries a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError is returned by the backend client for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded with %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Classify maps err to its Kind. Already classified errors keep their kind.
func Classify(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var status *StatusError
	if errors.As(err, &status) {
		return KindServerError
	}
	return KindNetworkFailure
}

// Wrap classifies err and attaches the operation name. nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// IsSkip reports whether err is a silent validation skip.
func IsSkip(err error) bool {
	return err != nil && Classify(err) == KindValidationSkip
}

// UserMessage returns the text shown next to a failed conversation.
func UserMessage(err error) string {
	switch Classify(err) {
	case KindTimeout:
		return "Request timed out. The server might be processing your request in the background."
	case KindServerError:
		var status *StatusError
		if errors.As(err, &status) && status.StatusCode < http.StatusInternalServerError {
			return "Something went wrong. Please try again."
		}
		return "Server error. Please try again in a moment."
	case KindNetworkFailure:
		return "Network error. Please check your connection."
	default:
		return "Something went wrong. Please try again."
	}
}
