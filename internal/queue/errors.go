package queue

import "errors"

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded update lost against the current
	// state, for example admitting onto a pipeline that is no longer free.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition is returned for status changes outside the allowed
	// edges.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrorClassifier allows errors to declare their classification.
type ErrorClassifier interface {
	ErrorKind() string
}

// Kind maps store errors onto the classification used in IPC replies.
func Kind(err error) string {
	var classifier ErrorClassifier
	switch {
	case err == nil:
		return ""
	case errors.As(err, &classifier):
		return classifier.ErrorKind()
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return "conflict"
	default:
		return "internal"
	}
}
