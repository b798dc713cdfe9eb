package ipc

import (
	"tomato/internal/api"
	"tomato/internal/payload"
)

// DaemonServiceName is the RPC service name of the daemon.
const DaemonServiceName = "Tomato"

// Error kinds reported by the daemon service.
const (
	KindNotFound = "not_found"
	KindConflict = "conflict"
	KindInvalid  = "validation"
	KindInternal = "internal"
)

// DaemonStatusRequest asks for the daemon status.
type DaemonStatusRequest struct {
	CorrelatedRequest
}

// DaemonStatusResponse reports the daemon status.
type DaemonStatusResponse struct {
	Reply
	Status api.DaemonStatus `json:"status"`
}

// StopRequest asks the daemon to shut down.
type StopRequest struct {
	CorrelatedRequest
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	Reply
}

// ReloadRequest asks the daemon to re-read settings and devices.
type ReloadRequest struct {
	CorrelatedRequest
}

// ReloadResponse summarises an applied reload.
type ReloadResponse struct {
	Reply
	AddedDrivers      []string `json:"added_drivers,omitempty"`
	RemovedDrivers    []string `json:"removed_drivers,omitempty"`
	ChangedSettings   []string `json:"changed_settings,omitempty"`
	AddedComponents   []string `json:"added_components,omitempty"`
	ChangedComponents []string `json:"changed_components,omitempty"`
	RemovedComponents []string `json:"removed_components,omitempty"`
	AddedPipelines    []string `json:"added_pipelines,omitempty"`
	ChangedPipelines  []string `json:"changed_pipelines,omitempty"`
	RemovedPipelines  []string `json:"removed_pipelines,omitempty"`
}

// PipelineRequest addresses one pipeline.
type PipelineRequest struct {
	CorrelatedRequest
	Pipeline string `json:"pipeline"`
}

// PipelineLoadRequest places a sample into a pipeline.
type PipelineLoadRequest struct {
	CorrelatedRequest
	Pipeline string `json:"pipeline"`
	Sample   string `json:"sample"`
}

// PipelineResponse carries the updated pipeline.
type PipelineResponse struct {
	Reply
	Pipeline api.Pipeline `json:"pipeline"`
}

// PipelineListRequest lists pipelines.
type PipelineListRequest struct {
	CorrelatedRequest
}

// PipelineListResponse carries every pipeline.
type PipelineListResponse struct {
	Reply
	Pipelines []api.Pipeline `json:"pipelines"`
}

// JobSubmitRequest submits a parsed payload.
type JobSubmitRequest struct {
	CorrelatedRequest
	Name    string           `json:"name,omitempty"`
	Payload *payload.Payload `json:"payload"`
}

// JobSubmitResponse carries the queued job.
type JobSubmitResponse struct {
	Reply
	Job api.Job `json:"job"`
}

// JobStatusRequest asks for jobs by id. An empty list returns the whole
// queue.
type JobStatusRequest struct {
	CorrelatedRequest
	IDs []int64 `json:"ids,omitempty"`
}

// JobStatusResponse carries the jobs found. Unknown ids are listed separately.
type JobStatusResponse struct {
	Reply
	Jobs    []api.Job `json:"jobs"`
	Missing []int64   `json:"missing,omitempty"`
}

// JobRequest addresses one job.
type JobRequest struct {
	CorrelatedRequest
	JobID int64 `json:"job_id"`
}

// JobCancelResponse reports the status after a cancel request.
type JobCancelResponse struct {
	Reply
	Status string `json:"status"`
}

// JobSnapshotResponse carries the written snapshot path.
type JobSnapshotResponse struct {
	Reply
	Path string `json:"path"`
}

// JobAttachRequest is sent by a job process on start-up.
type JobAttachRequest struct {
	CorrelatedRequest
	JobID int64 `json:"job_id"`
	PID   int   `json:"pid"`
}

// Route locates the component bound to a pipeline role.
type Route struct {
	Role      string  `json:"role"`
	Component string  `json:"component"`
	Driver    string  `json:"driver"`
	Address   string  `json:"address"`
	Pollrate  float64 `json:"pollrate"`
}

// JobAttachResponse carries the job and the routes of its pipeline.
type JobAttachResponse struct {
	Reply
	Job    api.Job `json:"job"`
	Routes []Route `json:"routes"`
}

// JobReleaseRequest finishes a job and frees its pipeline.
type JobReleaseRequest struct {
	CorrelatedRequest
	JobID        int64  `json:"job_id"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	ResultPath   string `json:"result_path,omitempty"`
	SnapshotPath string `json:"snapshot_path,omitempty"`
}

// JobReleaseResponse reports the status the job was released with. A job
// that completes after a cancel request is released as cancelled.
type JobReleaseResponse struct {
	Reply
	Status string `json:"status"`
}

// DriverHelloRequest announces the endpoint of a freshly spawned driver.
type DriverHelloRequest struct {
	CorrelatedRequest
	Driver  string `json:"driver"`
	Session string `json:"session"`
	PID     int    `json:"pid"`
	Port    int    `json:"port"`
}

// DriverHelloResponse carries the settings and components the driver serves.
type DriverHelloResponse struct {
	Reply
	Settings map[string]any `json:"settings,omitempty"`
}

// ComponentUpdateRequest reports a registration outcome.
type ComponentUpdateRequest struct {
	CorrelatedRequest
	Driver       string   `json:"driver"`
	Component    string   `json:"component"`
	Registered   bool     `json:"registered"`
	Capabilities []string `json:"capabilities,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// ComponentUpdateResponse acknowledges a registration report.
type ComponentUpdateResponse struct {
	Reply
}

// ComponentRegisterRequest asks the daemon to retry a registration.
type ComponentRegisterRequest struct {
	CorrelatedRequest
	Component string `json:"component"`
}

// ComponentRegisterResponse acknowledges a retry request.
type ComponentRegisterResponse struct {
	Reply
}

// ComponentListRequest lists components.
type ComponentListRequest struct {
	CorrelatedRequest
}

// ComponentListResponse carries every component.
type ComponentListResponse struct {
	Reply
	Components []api.Component `json:"components"`
}
