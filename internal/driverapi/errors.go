package driverapi

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks a rejected attribute value or task.
	ErrValidation = errors.New("validation error")
	// ErrConnection marks a transient hardware communication failure.
	ErrConnection = errors.New("connection error")
	// ErrUnknownComponent is returned for commands naming an unregistered component.
	ErrUnknownComponent = errors.New("unknown component")
)

// Error kinds reported by Kind.
const (
	KindValidation = "validation"
	KindConnection = "connection"
	KindNotFound   = "not_found"
	KindFatal      = "fatal"
)

// ErrorClassifier lets backend errors declare their kind without wrapping
// one of the sentinel markers.
type ErrorClassifier interface {
	ErrorKind() string
}

// Wrap tags err with marker and the component/operation context.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrConnection
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Kind classifies err. Unclassified non-nil errors are fatal.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		if kind := classifier.ErrorKind(); kind != "" {
			return kind
		}
	}
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrUnknownComponent):
		return KindNotFound
	default:
		return KindFatal
	}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return Kind(err) == KindValidation }

// IsConnection reports whether err is a transient connection failure.
func IsConnection(err error) bool { return Kind(err) == KindConnection }

// IsFatal reports whether err carries no known classification.
func IsFatal(err error) bool { return Kind(err) == KindFatal }

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{component, operation, message} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "driver failure"
	}
	return strings.Join(parts, ": ")
}
