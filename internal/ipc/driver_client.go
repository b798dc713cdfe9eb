package ipc

import (
	"context"
	"time"

	"tomato/internal/driver"
	"tomato/internal/driverapi"
	"tomato/internal/payload"
)

// DriverClient calls one driver process.
type DriverClient struct {
	conn *conn
}

// NewDriverClient prepares a client for the driver listening on addr. The
// connection is dialed on first use and redialed after failures.
func NewDriverClient(addr string, timeout time.Duration) *DriverClient {
	return &DriverClient{conn: newConn(addr, DriverServiceName, timeout)}
}

// Addr returns the driver address.
func (c *DriverClient) Addr() string { return c.conn.addr }

// Close closes the underlying connection.
func (c *DriverClient) Close() error { return c.conn.close() }

// Register asks the driver to bind a component in the background.
func (c *DriverClient) Register(ctx context.Context, spec driverapi.ComponentSpec, manual bool) error {
	var resp CmpRegisterResponse
	return c.conn.call(ctx, "CmpRegister", CmpRegisterRequest{Spec: spec, Manual: manual}, &resp)
}

// Teardown removes a component.
func (c *DriverClient) Teardown(ctx context.Context, component string) error {
	var resp CmpTeardownResponse
	return c.conn.call(ctx, "CmpTeardown", ComponentRequest{Component: component}, &resp)
}

// ResetComponent resets a component.
func (c *DriverClient) ResetComponent(ctx context.Context, component string) error {
	var resp CmpResetResponse
	return c.conn.call(ctx, "CmpReset", ComponentRequest{Component: component}, &resp)
}

// SetAttr writes an attribute and returns the accepted value.
func (c *DriverClient) SetAttr(ctx context.Context, component, attr string, value any) (any, error) {
	var resp CmpSetAttrResponse
	err := c.conn.call(ctx, "CmpSetAttr", CmpSetAttrRequest{Component: component, Attr: attr, Value: value}, &resp)
	return resp.Value, err
}

// GetAttr reads an attribute.
func (c *DriverClient) GetAttr(ctx context.Context, component, attr string) (any, error) {
	var resp CmpGetAttrResponse
	err := c.conn.call(ctx, "CmpGetAttr", CmpGetAttrRequest{Component: component, Attr: attr}, &resp)
	return resp.Value, err
}

// ComponentStatus reports readiness and status attributes.
func (c *DriverClient) ComponentStatus(ctx context.Context, component string) (driver.ComponentStatus, error) {
	var resp CmpStatusResponse
	err := c.conn.call(ctx, "CmpStatus", ComponentRequest{Component: component}, &resp)
	return resp.Status, err
}

// Capabilities lists component techniques.
func (c *DriverClient) Capabilities(ctx context.Context, component string) ([]string, error) {
	var resp CmpCapabilitiesResponse
	err := c.conn.call(ctx, "CmpCapabilities", ComponentRequest{Component: component}, &resp)
	return resp.Capabilities, err
}

// Attrs lists attribute declarations.
func (c *DriverClient) Attrs(ctx context.Context, component string) (map[string]driverapi.Attr, error) {
	var resp CmpAttrsResponse
	err := c.conn.call(ctx, "CmpAttrs", ComponentRequest{Component: component}, &resp)
	return resp.Attrs, err
}

// Constants lists driver and component constants.
func (c *DriverClient) Constants(ctx context.Context, component string) (map[string]any, error) {
	var resp CmpConstantsResponse
	err := c.conn.call(ctx, "CmpConstants", ComponentRequest{Component: component}, &resp)
	return resp.Constants, err
}

// LastData returns the latest record without draining.
func (c *DriverClient) LastData(ctx context.Context, component string) (driver.LastData, error) {
	var resp CmpLastDataResponse
	err := c.conn.call(ctx, "CmpLastData", ComponentRequest{Component: component}, &resp)
	return resp.Data, err
}

// Measure queues a one-shot measurement.
func (c *DriverClient) Measure(ctx context.Context, component string) error {
	var resp CmpMeasureResponse
	return c.conn.call(ctx, "CmpMeasure", ComponentRequest{Component: component}, &resp)
}

// SubmitTask queues a task for jobID.
func (c *DriverClient) SubmitTask(ctx context.Context, component string, jobID int64, task payload.Task) (driver.TaskInfo, error) {
	var resp TaskSubmitResponse
	err := c.conn.call(ctx, "TaskSubmit", TaskSubmitRequest{Component: component, JobID: jobID, Task: task}, &resp)
	return resp.Task, err
}

// ValidateTask checks a task without queueing it.
func (c *DriverClient) ValidateTask(ctx context.Context, component string, task payload.Task) error {
	var resp TaskValidateResponse
	return c.conn.call(ctx, "TaskValidate", TaskValidateRequest{Component: component, Task: task}, &resp)
}

// TaskStatus reads one task.
func (c *DriverClient) TaskStatus(ctx context.Context, component, taskID string) (driver.TaskInfo, error) {
	var resp TaskStatusResponse
	err := c.conn.call(ctx, "TaskStatus", TaskStatusRequest{Component: component, TaskID: taskID}, &resp)
	return resp.Task, err
}

// StopTasks stops the tasks of jobID on a component.
func (c *DriverClient) StopTasks(ctx context.Context, component string, jobID int64) ([]driver.TaskInfo, error) {
	var resp TaskStopResponse
	err := c.conn.call(ctx, "TaskStop", TaskStopRequest{Component: component, JobID: jobID}, &resp)
	return resp.Tasks, err
}

// TaskData drains cached records.
func (c *DriverClient) TaskData(ctx context.Context, component string) ([]driverapi.Record, error) {
	var resp TaskDataResponse
	err := c.conn.call(ctx, "TaskData", ComponentRequest{Component: component}, &resp)
	return resp.Records, err
}

// Signal opens a task gate.
func (c *DriverClient) Signal(ctx context.Context, jobID int64, taskName string) error {
	var resp TaskSignalResponse
	return c.conn.call(ctx, "TaskSignal", TaskSignalRequest{JobID: jobID, TaskName: taskName}, &resp)
}

// Status reports the driver status.
func (c *DriverClient) Status(ctx context.Context) (*DriverStatusResponse, error) {
	var resp DriverStatusResponse
	if err := c.conn.call(ctx, "Status", DriverStatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settings reads the driver settings.
func (c *DriverClient) Settings(ctx context.Context) (map[string]any, error) {
	var resp SettingsResponse
	err := c.conn.call(ctx, "Settings", SettingsRequest{}, &resp)
	return resp.Settings, err
}

// ReplaceSettings replaces the driver settings.
func (c *DriverClient) ReplaceSettings(ctx context.Context, settings map[string]any) error {
	var resp SettingsResponse
	return c.conn.call(ctx, "Settings", SettingsRequest{Replace: true, Settings: settings}, &resp)
}

// Reset stops every task and resets every component.
func (c *DriverClient) Reset(ctx context.Context) error {
	var resp DriverResetResponse
	return c.conn.call(ctx, "Reset", DriverResetRequest{}, &resp)
}

// Stop asks the driver process to exit.
func (c *DriverClient) Stop(ctx context.Context) error {
	var resp DriverStopResponse
	return c.conn.call(ctx, "Stop", DriverStopRequest{}, &resp)
}
