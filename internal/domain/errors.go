package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is not valid for the current lifecycle state.
	ErrInvalidState = errors.New("operation not valid in current state")
	// ErrNoSession is returned when an operation needs an attempt and none exists.
	ErrNoSession = errors.New("no quiz session")
	// ErrPositionOutOfRange indicates a navigation target outside 1..N.
	ErrPositionOutOfRange = errors.New("question position out of range")
	// ErrQuestionNotFound indicates a question ID that is not part of the attempt.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrPauseNotAllowed is returned when the mode policy has no pauses left.
	ErrPauseNotAllowed = errors.New("pause not allowed")
	// ErrInvalidAnswer is returned for an answer that is not a JSON value.
	ErrInvalidAnswer = errors.New("answer is not valid JSON")
	// ErrInvalidMode is returned for an unknown mode.
	ErrInvalidMode = errors.New("invalid quiz mode")
	// ErrSessionExpired is reported when the server expired the attempt.
	ErrSessionExpired = errors.New("quiz session expired")
	// ErrAlreadySubmitted is reported when the server already closed the attempt.
	ErrAlreadySubmitted = errors.New("quiz session already submitted")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
)

// StateError is a local, programming-error-class rejection raised before any network call.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// ErrorKind classifies failures returned by the session API.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindRejected  ErrorKind = "rejected"
)

// APIError wraps a failed call to the session backend.
type APIError struct {
	Op         string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: %s (%d): %s", e.Op, e.Kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s (%d)", e.Op, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should feed the retry/backoff path.
// Errors that are not APIErrors (plain network failures, timeouts) count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindTransient
	}
	return !errors.Is(err, ErrInvalidState)
}

// IsRejected reports whether the backend refused the request.
func IsRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindRejected
}

// Rejected builds a rejected APIError.
func Rejected(op string, status int, msg string) *APIError {
	return &APIError{Op: op, Kind: KindRejected, StatusCode: status, Message: msg}
}

// Transient builds a transient APIError.
func Transient(op string, err error) *APIError {
	return &APIError{Op: op, Kind: KindTransient, Err: err}
}
