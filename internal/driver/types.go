package driver

import (
	"errors"
	"time"

	"tomato/internal/driverapi"
)

var (
	// ErrQueueFull is returned when a component's task queue has no room.
	ErrQueueFull = errors.New("task queue full")
	// ErrBusy is returned for one-shot measurements requested during a task.
	ErrBusy = errors.New("component busy")
	// ErrUnknownTask is returned for task ids the component never saw.
	ErrUnknownTask = errors.New("unknown task")
	// ErrClosed is returned for commands sent to a torn down component.
	ErrClosed = errors.New("component closed")
)

// TaskState is the lifecycle state of a submitted task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskWaiting   TaskState = "waiting"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskStopped   TaskState = "stopped"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether the task has finished.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskStopped, TaskFailed:
		return true
	}
	return false
}

// TaskInfo is a snapshot of one task.
type TaskInfo struct {
	ID        string    `json:"id"`
	JobID     int64     `json:"job_id,omitempty"`
	Component string    `json:"component"`
	TaskName  string    `json:"task_name,omitempty"`
	Technique string    `json:"technique"`
	State     TaskState `json:"state"`
	Error     string    `json:"error,omitempty"`
	Submitted time.Time `json:"submitted"`
	Started   time.Time `json:"started,omitzero"`
	Finished  time.Time `json:"finished,omitzero"`
}

// ComponentStatus summarises a registered component.
type ComponentStatus struct {
	Name      string         `json:"name"`
	Running   bool           `json:"running"`
	CanSubmit bool           `json:"can_submit"`
	Queued    int            `json:"queued"`
	Active    *TaskInfo      `json:"active,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// ComponentInfo describes a component known to the host, registered or not.
type ComponentInfo struct {
	Name         string   `json:"name"`
	Registered   bool     `json:"registered"`
	Capabilities []string `json:"capabilities,omitempty"`
	Attempts     int      `json:"attempts,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Status is the driver-level status report.
type Status struct {
	Name       string          `json:"name"`
	Version    string          `json:"version"`
	Components []ComponentInfo `json:"components"`
}

// LastData is the most recent record of a component, if any.
type LastData struct {
	Present bool             `json:"present"`
	Record  driverapi.Record `json:"record"`
}
