package ipc

import (
	"context"
	"fmt"
	"time"

	"tomato/internal/api"
	"tomato/internal/payload"
)

// DaemonClient calls the daemon listening on one port.
type DaemonClient struct {
	conn *conn
}

// NewDaemonClient prepares a client for the daemon at 127.0.0.1:port.
func NewDaemonClient(port int, timeout time.Duration) *DaemonClient {
	return NewDaemonClientAddr(fmt.Sprintf("127.0.0.1:%d", port), timeout)
}

// NewDaemonClientAddr prepares a client for the daemon at addr.
func NewDaemonClientAddr(addr string, timeout time.Duration) *DaemonClient {
	return &DaemonClient{conn: newConn(addr, DaemonServiceName, timeout)}
}

// Close closes the underlying connection.
func (c *DaemonClient) Close() error { return c.conn.close() }

// Status returns the daemon status.
func (c *DaemonClient) Status(ctx context.Context) (api.DaemonStatus, error) {
	var resp DaemonStatusResponse
	err := c.conn.call(ctx, "Status", DaemonStatusRequest{}, &resp)
	return resp.Status, err
}

// Stop asks the daemon to exit. The daemon refuses while jobs run.
func (c *DaemonClient) Stop(ctx context.Context) error {
	var resp StopResponse
	return c.conn.call(ctx, "Stop", StopRequest{}, &resp)
}

// Reload asks the daemon to re-read settings and devices.
func (c *DaemonClient) Reload(ctx context.Context) (ReloadResponse, error) {
	var resp ReloadResponse
	err := c.conn.call(ctx, "Reload", ReloadRequest{CorrelatedRequest: newCorrelated()}, &resp)
	return resp, err
}

// PipelineLoad places sample into pipeline.
func (c *DaemonClient) PipelineLoad(ctx context.Context, pipeline, sample string) (api.Pipeline, error) {
	var resp PipelineResponse
	err := c.conn.call(ctx, "PipelineLoad", PipelineLoadRequest{Pipeline: pipeline, Sample: sample}, &resp)
	return resp.Pipeline, err
}

// PipelineEject removes the sample from pipeline.
func (c *DaemonClient) PipelineEject(ctx context.Context, pipeline string) (api.Pipeline, error) {
	var resp PipelineResponse
	err := c.conn.call(ctx, "PipelineEject", PipelineRequest{Pipeline: pipeline}, &resp)
	return resp.Pipeline, err
}

// PipelineReady marks pipeline ready.
func (c *DaemonClient) PipelineReady(ctx context.Context, pipeline string) (api.Pipeline, error) {
	var resp PipelineResponse
	err := c.conn.call(ctx, "PipelineReady", PipelineRequest{Pipeline: pipeline}, &resp)
	return resp.Pipeline, err
}

// PipelineList returns every pipeline.
func (c *DaemonClient) PipelineList(ctx context.Context) ([]api.Pipeline, error) {
	var resp PipelineListResponse
	err := c.conn.call(ctx, "PipelineList", PipelineListRequest{}, &resp)
	return resp.Pipelines, err
}

// JobSubmit queues a payload.
func (c *DaemonClient) JobSubmit(ctx context.Context, name string, p *payload.Payload) (api.Job, error) {
	var resp JobSubmitResponse
	err := c.conn.call(ctx, "JobSubmit", JobSubmitRequest{CorrelatedRequest: newCorrelated(), Name: name, Payload: p}, &resp)
	return resp.Job, err
}

// JobStatus returns the requested jobs, or every active job when ids is empty.
func (c *DaemonClient) JobStatus(ctx context.Context, ids ...int64) (JobStatusResponse, error) {
	var resp JobStatusResponse
	err := c.conn.call(ctx, "JobStatus", JobStatusRequest{IDs: ids}, &resp)
	return resp, err
}

// JobCancel requests cancellation and returns the resulting status code.
func (c *DaemonClient) JobCancel(ctx context.Context, id int64) (string, error) {
	var resp JobCancelResponse
	err := c.conn.call(ctx, "JobCancel", JobRequest{CorrelatedRequest: newCorrelated(), JobID: id}, &resp)
	return resp.Status, err
}

// JobSnapshot writes a snapshot of a job's data and returns its path.
func (c *DaemonClient) JobSnapshot(ctx context.Context, id int64) (string, error) {
	var resp JobSnapshotResponse
	err := c.conn.call(ctx, "JobSnapshot", JobRequest{JobID: id}, &resp)
	return resp.Path, err
}

// JobAttach registers the calling job process.
func (c *DaemonClient) JobAttach(ctx context.Context, id int64, pid int) (JobAttachResponse, error) {
	var resp JobAttachResponse
	err := c.conn.call(ctx, "JobAttach", JobAttachRequest{JobID: id, PID: pid}, &resp)
	return resp, err
}

// JobRelease finishes a job with a terminal status and returns the status
// the daemon recorded.
func (c *DaemonClient) JobRelease(ctx context.Context, req JobReleaseRequest) (string, error) {
	var resp JobReleaseResponse
	err := c.conn.call(ctx, "JobRelease", req, &resp)
	return resp.Status, err
}

// DriverHello announces a driver endpoint.
func (c *DaemonClient) DriverHello(ctx context.Context, req DriverHelloRequest) (map[string]any, error) {
	var resp DriverHelloResponse
	err := c.conn.call(ctx, "DriverHello", req, &resp)
	return resp.Settings, err
}

// ComponentUpdate reports a registration outcome. It matches
// RegistrationReporter.
func (c *DaemonClient) ComponentUpdate(ctx context.Context, update ComponentUpdateRequest) error {
	var resp ComponentUpdateResponse
	return c.conn.call(ctx, "ComponentUpdate", update, &resp)
}

// ComponentRegister asks the daemon to retry registering a component.
func (c *DaemonClient) ComponentRegister(ctx context.Context, component string) error {
	var resp ComponentRegisterResponse
	return c.conn.call(ctx, "ComponentRegister", ComponentRegisterRequest{CorrelatedRequest: newCorrelated(), Component: component}, &resp)
}

// ComponentList returns every component.
func (c *DaemonClient) ComponentList(ctx context.Context) ([]api.Component, error) {
	var resp ComponentListResponse
	err := c.conn.call(ctx, "ComponentList", ComponentListRequest{}, &resp)
	return resp.Components, err
}

func newCorrelated() CorrelatedRequest {
	return CorrelatedRequest{CorrelationID: NewCorrelationID()}
}
