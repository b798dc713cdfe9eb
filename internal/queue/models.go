package queue

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tomato/internal/payload"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued          Status = "q"
	StatusWaiting         Status = "qw"
	StatusRunning         Status = "r"
	StatusCancelRequested Status = "rd"
	StatusCompleted       Status = "c"
	StatusFailed          Status = "ce"
	StatusCancelled       Status = "cd"
)

var allStatuses = []Status{
	StatusQueued,
	StatusWaiting,
	StatusRunning,
	StatusCancelRequested,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusLabels = map[Status]string{
	StatusQueued:          "queued",
	StatusWaiting:         "waiting",
	StatusRunning:         "running",
	StatusCancelRequested: "cancelling",
	StatusCompleted:       "completed",
	StatusFailed:          "failed",
	StatusCancelled:       "cancelled",
}

var transitions = map[Status][]Status{
	StatusQueued:          {StatusWaiting, StatusCancelled},
	StatusWaiting:         {StatusRunning, StatusCancelled},
	StatusRunning:         {StatusCompleted, StatusFailed, StatusCancelRequested},
	StatusCancelRequested: {StatusCancelled, StatusFailed},
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus accepts either the short code or the long label.
func ParseStatus(value string) (Status, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, s := range allStatuses {
		if string(s) == v || statusLabels[s] == v {
			return s, true
		}
	}
	return "", false
}

// Label returns the human readable status name.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// IsTerminal reports whether the job has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a job process owns the job.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusCancelRequested
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a submitted payload and its execution record.
type Job struct {
	ID              int64
	Name            string
	Payload         *payload.Payload
	Sample          string
	RemainReady     bool
	Status          Status
	Pipeline        string
	PID             int
	JobPath         string
	ResultPath      string
	SnapshotPath    string
	CancelRequested bool
	ErrorMessage    string
	SubmittedAt     time.Time
	ExecutedAt      *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// Dir returns the job working directory under base.
func (j Job) Dir(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	return filepath.Join(base, strconv.FormatInt(j.ID, 10))
}

// DisplayName returns the job name or a generated one.
func (j Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return fmt.Sprintf("job-%d", j.ID)
}

// Binding attaches a component to a pipeline role.
type Binding struct {
	Role      string
	Component string
}

// Pipeline is the persisted state of a pipeline.
type Pipeline struct {
	Name       string
	Ready      bool
	Sample     string
	RunningJob int64
	Bindings   []Binding
	UpdatedAt  time.Time
}

// Busy reports whether a job holds the pipeline.
func (p Pipeline) Busy() bool { return p.RunningJob != 0 }

// ComponentFor returns the component bound to role.
func (p Pipeline) ComponentFor(role string) (string, bool) {
	for _, b := range p.Bindings {
		if b.Role == role {
			return b.Component, true
		}
	}
	return "", false
}

// Component is the persisted state of a device channel.
type Component struct {
	Name              string
	Driver            string
	Device            string
	Address           string
	Channel           string
	Pollrate          float64
	Capabilities      []string
	Registered        bool
	RegistrationError string
	UpdatedAt         time.Time
}

// Driver is the persisted state of a driver process.
type Driver struct {
	Name        string
	Settings    map[string]any
	PID         int
	Port        int
	Session     string
	SpawnedAt   *time.Time
	ConnectedAt *time.Time
	UpdatedAt   time.Time
}

// Connected reports whether the driver answered the spawn handshake.
func (d Driver) Connected() bool { return d.Port != 0 && d.ConnectedAt != nil }

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	TablesPresent    []string
	MissingTables    []string
	IntegrityCheck   bool
	TotalJobs        int
	Error            string
}

// HealthSummary aggregates job counts per lifecycle group.
type HealthSummary struct {
	Total     int
	Queued    int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}
