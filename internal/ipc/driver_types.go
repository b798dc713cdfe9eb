package ipc

import (
	"tomato/internal/driver"
	"tomato/internal/driverapi"
	"tomato/internal/payload"
)

// DriverServiceName is the RPC service name of driver processes.
const DriverServiceName = "Driver"

// ComponentRequest addresses one component.
type ComponentRequest struct {
	CorrelatedRequest
	Component string `json:"component"`
}

// CmpRegisterRequest asks a driver to bind a component. Registration runs in
// the background and its outcome is reported with ComponentUpdate.
type CmpRegisterRequest struct {
	CorrelatedRequest
	Spec driverapi.ComponentSpec `json:"spec"`
	// Manual requests one more attempt for a component whose automatic
	// attempts are exhausted.
	Manual bool `json:"manual,omitempty"`
}

// CmpRegisterResponse acknowledges a registration request.
type CmpRegisterResponse struct {
	Reply
}

// CmpTeardownResponse acknowledges a teardown.
type CmpTeardownResponse struct {
	Reply
}

// CmpResetResponse acknowledges a component reset.
type CmpResetResponse struct {
	Reply
}

// CmpSetAttrRequest writes one attribute.
type CmpSetAttrRequest struct {
	CorrelatedRequest
	Component string `json:"component"`
	Attr      string `json:"attr"`
	Value     any    `json:"value"`
}

// CmpSetAttrResponse carries the value the hardware accepted.
type CmpSetAttrResponse struct {
	Reply
	Value any `json:"value,omitempty"`
}

// CmpGetAttrRequest reads one attribute.
type CmpGetAttrRequest struct {
	CorrelatedRequest
	Component string `json:"component"`
	Attr      string `json:"attr"`
}

// CmpGetAttrResponse carries an attribute value.
type CmpGetAttrResponse struct {
	Reply
	Value any `json:"value,omitempty"`
}

// CmpStatusResponse carries the task readiness and status attributes.
type CmpStatusResponse struct {
	Reply
	Status driver.ComponentStatus `json:"status"`
}

// CmpCapabilitiesResponse lists the techniques of a component.
type CmpCapabilitiesResponse struct {
	Reply
	Capabilities []string `json:"capabilities"`
}

// CmpAttrsResponse lists the attribute declarations of a component.
type CmpAttrsResponse struct {
	Reply
	Attrs map[string]driverapi.Attr `json:"attrs"`
}

// CmpConstantsResponse lists driver and component constants.
type CmpConstantsResponse struct {
	Reply
	Constants map[string]any `json:"constants"`
}

// CmpLastDataResponse carries the most recent record without draining.
type CmpLastDataResponse struct {
	Reply
	Data driver.LastData `json:"data"`
}

// CmpMeasureResponse acknowledges a one-shot measurement.
type CmpMeasureResponse struct {
	Reply
}

// TaskSubmitRequest queues a task for a job.
type TaskSubmitRequest struct {
	CorrelatedRequest
	Component string       `json:"component"`
	JobID     int64        `json:"job_id"`
	Task      payload.Task `json:"task"`
}

// TaskSubmitResponse carries the queued task.
type TaskSubmitResponse struct {
	Reply
	Task driver.TaskInfo `json:"task"`
}

// TaskValidateRequest checks a task without queueing it.
type TaskValidateRequest struct {
	CorrelatedRequest
	Component string       `json:"component"`
	Task      payload.Task `json:"task"`
}

// TaskValidateResponse reports validation success.
type TaskValidateResponse struct {
	Reply
}

// TaskStatusRequest reads one task.
type TaskStatusRequest struct {
	CorrelatedRequest
	Component string `json:"component"`
	TaskID    string `json:"task_id"`
}

// TaskStatusResponse carries one task.
type TaskStatusResponse struct {
	Reply
	Task driver.TaskInfo `json:"task"`
}

// TaskStopRequest stops the tasks of a job on a component. JobID zero stops
// every task.
type TaskStopRequest struct {
	CorrelatedRequest
	Component string `json:"component"`
	JobID     int64  `json:"job_id"`
}

// TaskStopResponse lists the tasks that were stopped or dropped.
type TaskStopResponse struct {
	Reply
	Tasks []driver.TaskInfo `json:"tasks"`
}

// TaskDataResponse carries drained records.
type TaskDataResponse struct {
	Reply
	Records []driverapi.Record `json:"records"`
}

// TaskSignalRequest opens the gate of a named task of a job.
type TaskSignalRequest struct {
	CorrelatedRequest
	JobID    int64  `json:"job_id"`
	TaskName string `json:"task_name"`
}

// TaskSignalResponse acknowledges a gate signal.
type TaskSignalResponse struct {
	Reply
}

// DriverStatusRequest asks for the driver-level status.
type DriverStatusRequest struct {
	CorrelatedRequest
}

// DriverStatusResponse carries the driver status.
type DriverStatusResponse struct {
	Reply
	PID    int           `json:"pid"`
	Status driver.Status `json:"status"`
}

// SettingsRequest reads, or with Replace set, replaces the driver settings.
type SettingsRequest struct {
	CorrelatedRequest
	Replace  bool           `json:"replace,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// SettingsResponse carries the current settings.
type SettingsResponse struct {
	Reply
	Settings map[string]any `json:"settings"`
}

// DriverResetRequest stops every task and resets every component.
type DriverResetRequest struct {
	CorrelatedRequest
}

// DriverResetResponse acknowledges a reset.
type DriverResetResponse struct {
	Reply
}

// DriverStopRequest asks the driver process to exit.
type DriverStopRequest struct {
	CorrelatedRequest
}

// DriverStopResponse acknowledges a stop request.
type DriverStopResponse struct {
	Reply
}
