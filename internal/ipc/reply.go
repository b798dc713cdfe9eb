package ipc

import (
	"errors"
	"fmt"
)

// Reply is embedded in every response.
type Reply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Err converts a refused reply into an error.
func (r Reply) Err() error {
	if r.Success {
		return nil
	}
	return &RemoteError{Kind: r.Kind, Message: r.Message}
}

func (r *Reply) ok(message string) {
	r.Success = true
	r.Message = message
	r.Kind = ""
}

func (r *Reply) fail(err error, kind string) {
	r.Success = false
	r.Message = err.Error()
	r.Kind = kind
}

// Fail records err with kind. Services outside this package use it to build
// replies.
func (r *Reply) Fail(err error, kind string) { r.fail(err, kind) }

// OK marks the reply successful.
func (r *Reply) OK(message string) { r.ok(message) }

// Failed is implemented by every response type.
type Failed interface {
	Err() error
}

// RemoteError is a refusal reported by the remote side.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error (%s)", e.Kind)
	}
	return e.Message
}

// ErrorKind implements the classifier interfaces of driverapi and queue.
func (e *RemoteError) ErrorKind() string { return e.Kind }

// IsKind reports whether err is a RemoteError of kind.
func IsKind(err error, kind string) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Kind == kind
}

// CorrelatedRequest carries an optional request correlation id.
type CorrelatedRequest struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}
