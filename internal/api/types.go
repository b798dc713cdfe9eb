package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a queue entry in a transport-friendly format.
type Job struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name,omitempty"`
	Status          string   `json:"status"`
	StatusLabel     string   `json:"statusLabel"`
	Sample          string   `json:"sample"`
	Pipeline        string   `json:"pipeline,omitempty"`
	Techniques      []string `json:"techniques,omitempty"`
	RemainReady     bool     `json:"remainReady"`
	PID             int      `json:"pid,omitempty"`
	JobPath         string   `json:"jobPath,omitempty"`
	ResultPath      string   `json:"resultPath,omitempty"`
	SnapshotPath    string   `json:"snapshotPath,omitempty"`
	CancelRequested bool     `json:"cancelRequested"`
	ErrorMessage    string   `json:"errorMessage,omitempty"`
	SubmittedAt     string   `json:"submittedAt,omitempty"`
	ExecutedAt      string   `json:"executedAt,omitempty"`
	CompletedAt     string   `json:"completedAt,omitempty"`
}

// Binding attaches a component to a pipeline role.
type Binding struct {
	Role      string `json:"role"`
	Component string `json:"component"`
}

// Pipeline describes a pipeline and its current state.
type Pipeline struct {
	Name         string    `json:"name"`
	Ready        bool      `json:"ready"`
	Sample       string    `json:"sample,omitempty"`
	RunningJob   int64     `json:"runningJob,omitempty"`
	Bindings     []Binding `json:"bindings"`
	Capabilities []string  `json:"capabilities"`
}

// Component describes a device channel and its registration state.
type Component struct {
	Name              string   `json:"name"`
	Driver            string   `json:"driver"`
	Device            string   `json:"device"`
	Address           string   `json:"address,omitempty"`
	Channel           string   `json:"channel"`
	Pollrate          float64  `json:"pollrate"`
	Capabilities      []string `json:"capabilities,omitempty"`
	Registered        bool     `json:"registered"`
	RegistrationError string   `json:"registrationError,omitempty"`
	DriverAddress     string   `json:"driverAddress,omitempty"`
}

// Driver describes a driver process.
type Driver struct {
	Name        string         `json:"name"`
	PID         int            `json:"pid,omitempty"`
	Port        int            `json:"port,omitempty"`
	Connected   bool           `json:"connected"`
	SpawnedAt   string         `json:"spawnedAt,omitempty"`
	ConnectedAt string         `json:"connectedAt,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	Port         int            `json:"port"`
	QueueDBPath  string         `json:"queueDbPath"`
	LockFilePath string         `json:"lockFilePath"`
	LogPath      string         `json:"logPath,omitempty"`
	DevicesFile  string         `json:"devicesFile"`
	StartedAt    string         `json:"startedAt,omitempty"`
	JobStats     map[string]int `json:"jobStats"`
	Pipelines    int            `json:"pipelines"`
	Drivers      []Driver       `json:"drivers"`
}

// JobListResponse wraps a collection of jobs for API responses.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// PipelineListResponse wraps a collection of pipelines.
type PipelineListResponse struct {
	Pipelines []Pipeline `json:"pipelines"`
}

// ComponentListResponse wraps a collection of components.
type ComponentListResponse struct {
	Components []Component `json:"components"`
}
