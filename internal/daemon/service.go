package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tomato/internal/api"
	"tomato/internal/ipc"
	"tomato/internal/jobrun"
	"tomato/internal/logging"
	"tomato/internal/notifications"
	"tomato/internal/queue"
	"tomato/internal/registry"
)

// Service is the Tomato RPC surface of a daemon. Refusals are reported in
// the reply so that clients can tell them apart from transport failures.
type Service struct {
	d   *Daemon
	ctx context.Context
}

func (s *Service) context(correlationID string) context.Context {
	return logging.WithCorrelationID(s.ctx, correlationID)
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, s.d.logger)
}

// kindOf maps daemon, registry and store errors onto reply kinds.
func kindOf(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnknownPipeline), errors.Is(err, registry.ErrUnknownComponent):
		return ipc.KindNotFound
	case errors.Is(err, registry.ErrPipelineBusy), errors.Is(err, registry.ErrSampleLoaded),
		errors.Is(err, ErrJobsRunning), errors.Is(err, ErrNotRunning):
		return ipc.KindConflict
	}
	return queue.Kind(err)
}

func (s *Service) refuse(ctx context.Context, r *ipc.Reply, op string, err error) {
	kind := kindOf(err)
	r.Fail(err, kind)
	s.log(ctx).Info("daemon request refused",
		logging.String("op", op),
		logging.String("kind", kind),
		logging.Error(err),
	)
}

// Status reports the daemon status.
func (s *Service) Status(req ipc.DaemonStatusRequest, resp *ipc.DaemonStatusResponse) error {
	resp.Status = s.d.Status(s.context(req.CorrelationID))
	resp.OK("")
	return nil
}

// Stop shuts the daemon down once the reply is on its way. It is refused
// while jobs are running.
func (s *Service) Stop(req ipc.StopRequest, resp *ipc.StopResponse) error {
	ctx := s.context(req.CorrelationID)
	if err := s.d.checkIdle(ctx); err != nil {
		s.refuse(ctx, &resp.Reply, "stop", err)
		return nil
	}
	go func() {
		if err := s.d.Stop(context.WithoutCancel(ctx)); err != nil {
			logging.WarnWithContext(s.d.logger, "stop request refused", "daemon_stop_refused",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "wait for the running jobs or cancel them"),
			)
		}
	}()
	resp.OK("daemon stopping")
	return nil
}

// Reload re-reads settings and devices.
func (s *Service) Reload(req ipc.ReloadRequest, resp *ipc.ReloadResponse) error {
	ctx := s.context(req.CorrelationID)
	diff, err := s.d.Reload(ctx)
	if err != nil {
		s.refuse(ctx, &resp.Reply, "reload", err)
		return nil
	}
	resp.AddedDrivers = diff.AddedDrivers
	resp.RemovedDrivers = diff.RemovedDrivers
	resp.ChangedSettings = diff.ChangedSettings
	resp.AddedComponents = diff.AddedComponents
	resp.ChangedComponents = diff.ChangedComponents
	resp.RemovedComponents = diff.RemovedComponents
	resp.AddedPipelines = diff.AddedPipelines
	resp.ChangedPipelines = diff.ChangedPipelines
	resp.RemovedPipelines = diff.RemovedPipelines
	resp.OK("reloaded")
	return nil
}

func (s *Service) pipelineReply(ctx context.Context, resp *ipc.PipelineResponse, op, name string, apply func() error) {
	if err := apply(); err != nil {
		s.refuse(ctx, &resp.Reply, op, err)
		return
	}
	state, err := s.d.registry.Pipeline(ctx, name)
	if err != nil {
		s.refuse(ctx, &resp.Reply, op, err)
		return
	}
	resp.Pipeline = api.FromPipeline(state)
	resp.OK("")
	s.d.Wake()
}

// PipelineLoad places a sample into a pipeline.
func (s *Service) PipelineLoad(req ipc.PipelineLoadRequest, resp *ipc.PipelineResponse) error {
	ctx := s.context(req.CorrelationID)
	s.pipelineReply(ctx, resp, "pipeline_load", req.Pipeline, func() error {
		return s.d.registry.Load(ctx, req.Pipeline, req.Sample)
	})
	return nil
}

// PipelineEject empties a pipeline.
func (s *Service) PipelineEject(req ipc.PipelineRequest, resp *ipc.PipelineResponse) error {
	ctx := s.context(req.CorrelationID)
	s.pipelineReply(ctx, resp, "pipeline_eject", req.Pipeline, func() error {
		return s.d.registry.Eject(ctx, req.Pipeline)
	})
	return nil
}

// PipelineReady marks a pipeline ready for the next job.
func (s *Service) PipelineReady(req ipc.PipelineRequest, resp *ipc.PipelineResponse) error {
	ctx := s.context(req.CorrelationID)
	s.pipelineReply(ctx, resp, "pipeline_ready", req.Pipeline, func() error {
		return s.d.registry.Ready(ctx, req.Pipeline)
	})
	return nil
}

// PipelineList lists every pipeline.
func (s *Service) PipelineList(req ipc.PipelineListRequest, resp *ipc.PipelineListResponse) error {
	ctx := s.context(req.CorrelationID)
	states, err := s.d.registry.Pipelines(ctx)
	if err != nil {
		s.refuse(ctx, &resp.Reply, "pipeline_list", err)
		return nil
	}
	resp.Pipelines = api.FromPipelines(states)
	resp.OK("")
	return nil
}

// JobSubmit validates and queues a payload.
func (s *Service) JobSubmit(req ipc.JobSubmitRequest, resp *ipc.JobSubmitResponse) error {
	ctx := s.context(req.CorrelationID)
	if req.Payload == nil {
		resp.Fail(errors.New("payload is required"), ipc.KindInvalid)
		return nil
	}
	if err := req.Payload.Validate(); err != nil {
		resp.Fail(err, ipc.KindInvalid)
		return nil
	}
	job, err := s.d.store.Submit(ctx, req.Payload, req.Name)
	if err != nil {
		s.refuse(ctx, &resp.Reply, "job_submit", err)
		return nil
	}
	s.log(ctx).Info("job submitted",
		logging.String(logging.FieldEventType, "job_submitted"),
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("sample", job.Sample),
	)
	resp.Job = api.FromJob(job)
	resp.OK(fmt.Sprintf("job %d queued", job.ID))
	s.d.Wake()
	return nil
}

// JobStatus returns the requested jobs, or the whole queue when no id is
// given.
func (s *Service) JobStatus(req ipc.JobStatusRequest, resp *ipc.JobStatusResponse) error {
	ctx := s.context(req.CorrelationID)
	if len(req.IDs) == 0 {
		jobs, err := s.d.store.ListJobs(ctx)
		if err != nil {
			s.refuse(ctx, &resp.Reply, "job_status", err)
			return nil
		}
		resp.Jobs = api.FromJobs(jobs)
		resp.OK("")
		return nil
	}
	resp.Jobs = make([]api.Job, 0, len(req.IDs))
	for _, id := range req.IDs {
		job, err := s.d.store.GetJob(ctx, id)
		if err != nil {
			s.refuse(ctx, &resp.Reply, "job_status", err)
			return nil
		}
		if job == nil {
			resp.Missing = append(resp.Missing, id)
			continue
		}
		resp.Jobs = append(resp.Jobs, api.FromJob(job))
	}
	resp.OK("")
	return nil
}

// JobCancel cancels a queued job or asks the job process of a running one to
// stop.
func (s *Service) JobCancel(req ipc.JobRequest, resp *ipc.JobCancelResponse) error {
	ctx := logging.WithJobID(s.context(req.CorrelationID), req.JobID)
	status, err := s.d.store.RequestCancel(ctx, req.JobID)
	if err != nil {
		s.refuse(ctx, &resp.Reply, "job_cancel", err)
		return nil
	}
	s.log(ctx).Info("job cancel requested",
		logging.String(logging.FieldEventType, "job_cancel_requested"),
		logging.String("status", string(status)),
	)
	resp.Status = string(status)
	resp.OK(status.Label())
	s.d.Wake()
	return nil
}

// JobSnapshot merges the data collected so far into the snapshot file of a
// job without disturbing it.
func (s *Service) JobSnapshot(req ipc.JobRequest, resp *ipc.JobSnapshotResponse) error {
	ctx := logging.WithJobID(s.context(req.CorrelationID), req.JobID)
	job, err := s.d.store.GetJob(ctx, req.JobID)
	if err != nil {
		s.refuse(ctx, &resp.Reply, "job_snapshot", err)
		return nil
	}
	if job == nil {
		s.refuse(ctx, &resp.Reply, "job_snapshot", fmt.Errorf("job %d: %w", req.JobID, queue.ErrNotFound))
		return nil
	}
	if job.JobPath == "" {
		s.refuse(ctx, &resp.Reply, "job_snapshot", fmt.Errorf("job %d has not started: %w", job.ID, queue.ErrConflict))
		return nil
	}
	dest := jobrun.SnapshotPath(job.JobPath, job.ID, job.Payload, s.d.cfg.Jobs.SnapshotPrefix)
	n, err := jobrun.Merge(job.JobPath, dest)
	if err != nil {
		s.refuse(ctx, &resp.Reply, "job_snapshot", err)
		return nil
	}
	if err := s.d.store.SetJobPaths(ctx, job.ID, "", dest); err != nil {
		s.refuse(ctx, &resp.Reply, "job_snapshot", err)
		return nil
	}
	s.log(ctx).Info("snapshot written",
		logging.String(logging.FieldEventType, "job_snapshot"),
		logging.String("path", dest),
		logging.Int("entries", n),
	)
	resp.Path = dest
	resp.OK("")
	return nil
}

// JobAttach records the job process and returns where the components of its
// pipeline live.
func (s *Service) JobAttach(req ipc.JobAttachRequest, resp *ipc.JobAttachResponse) error {
	ctx := logging.WithJobID(s.context(req.CorrelationID), req.JobID)
	job, err := s.d.store.GetJob(ctx, req.JobID)
	if err == nil && job == nil {
		err = fmt.Errorf("job %d: %w", req.JobID, queue.ErrNotFound)
	}
	if err == nil && !job.Status.IsActive() {
		err = fmt.Errorf("job %d is %s: %w", job.ID, job.Status.Label(), queue.ErrConflict)
	}
	if err != nil {
		s.refuse(ctx, &resp.Reply, "job_attach", err)
		return nil
	}
	if err := s.d.store.SetJobProcess(ctx, job.ID, req.PID, ""); err != nil {
		s.refuse(ctx, &resp.Reply, "job_attach", err)
		return nil
	}
	routes, err := s.d.registry.Routes(ctx, job.Pipeline)
	if err != nil {
		s.refuse(ctx, &resp.Reply, "job_attach", err)
		return nil
	}
	job.PID = req.PID
	resp.Job = api.FromJob(job)
	resp.Routes = make([]ipc.Route, 0, len(routes))
	for _, r := range routes {
		resp.Routes = append(resp.Routes, ipc.Route{
			Role:      r.Role,
			Component: r.Component,
			Driver:    r.Driver,
			Address:   r.Address,
			Pollrate:  r.Pollrate,
		})
	}
	resp.OK("")
	return nil
}

// JobRelease finishes a job and frees its pipeline. A job that completed
// after a cancel request is released as cancelled.
func (s *Service) JobRelease(req ipc.JobReleaseRequest, resp *ipc.JobReleaseResponse) error {
	ctx := logging.WithJobID(s.context(req.CorrelationID), req.JobID)
	to, ok := queue.ParseStatus(req.Status)
	if !ok || !to.IsTerminal() {
		resp.Fail(fmt.Errorf("invalid release status %q", req.Status), ipc.KindInvalid)
		return nil
	}
	job, err := s.d.store.GetJob(ctx, req.JobID)
	if err == nil && job == nil {
		err = fmt.Errorf("job %d: %w", req.JobID, queue.ErrNotFound)
	}
	if err != nil {
		s.refuse(ctx, &resp.Reply, "job_release", err)
		return nil
	}
	to, err = s.d.store.Finish(ctx, job.ID, to, req.Message, req.ResultPath, req.SnapshotPath)
	if err != nil {
		s.refuse(ctx, &resp.Reply, "job_release", err)
		return nil
	}
	s.log(ctx).Info("job released",
		logging.String(logging.FieldEventType, "job_released"),
		logging.String(logging.FieldPipeline, job.Pipeline),
		logging.String("status", string(to)),
	)
	resp.Status = string(to)
	resp.OK(to.Label())
	s.d.Wake()
	if event, ok := notifications.JobEvent(string(to)); ok {
		s.d.alert(event, notifications.Payload{
			"id":       job.ID,
			"sample":   job.Sample,
			"pipeline": job.Pipeline,
			"message":  req.Message,
		})
	}
	return nil
}

// DriverHello accepts the endpoint of a freshly spawned driver process.
func (s *Service) DriverHello(req ipc.DriverHelloRequest, resp *ipc.DriverHelloResponse) error {
	ctx := s.context(req.CorrelationID)
	settings, err := s.d.drivers.hello(ctx, req)
	if err != nil {
		s.refuse(ctx, &resp.Reply, "driver_hello", err)
		return nil
	}
	resp.Settings = settings
	resp.OK("")
	return nil
}

// ComponentUpdate records a registration outcome reported by a driver.
func (s *Service) ComponentUpdate(req ipc.ComponentUpdateRequest, resp *ipc.ComponentUpdateResponse) error {
	ctx := s.context(req.CorrelationID)
	cmp, ok := s.d.registry.Component(req.Component)
	if !ok {
		s.refuse(ctx, &resp.Reply, "component_update", fmt.Errorf("%w: %s", registry.ErrUnknownComponent, req.Component))
		return nil
	}
	if req.Driver != "" && req.Driver != cmp.Driver {
		s.refuse(ctx, &resp.Reply, "component_update",
			fmt.Errorf("component %s belongs to driver %s, not %s: %w", cmp.Name, cmp.Driver, req.Driver, queue.ErrConflict))
		return nil
	}
	if err := s.d.registry.SetRegistered(ctx, req.Component, req.Capabilities, req.Registered, req.Error); err != nil {
		s.refuse(ctx, &resp.Reply, "component_update", err)
		return nil
	}
	logger := s.log(ctx).With(logging.String(logging.FieldCmp, req.Component), logging.String(logging.FieldDriver, cmp.Driver))
	if req.Registered {
		logger.Info("component registered",
			logging.String(logging.FieldEventType, "component_registered"),
			logging.Any("capabilities", req.Capabilities),
		)
		s.d.Wake()
	} else {
		logging.WarnWithContext(logger, "component registration failed", "component_unregistered",
			logging.String("reason", req.Error),
			logging.String(logging.FieldImpact, "pipelines using this component offer no capabilities"),
			logging.String(logging.FieldErrorHint, "check the hardware, then run tomato component register "+req.Component),
		)
		s.d.alert(notifications.EventComponentUnregistered, notifications.Payload{
			"component": req.Component,
			"error":     req.Error,
		})
	}
	resp.OK("")
	return nil
}

// ComponentRegister asks the driver of a component for a manual
// registration attempt. The outcome arrives later as a ComponentUpdate.
func (s *Service) ComponentRegister(req ipc.ComponentRegisterRequest, resp *ipc.ComponentRegisterResponse) error {
	ctx := s.context(req.CorrelationID)
	if err := s.d.drivers.registerComponent(ctx, req.Component); err != nil {
		s.refuse(ctx, &resp.Reply, "component_register", err)
		return nil
	}
	resp.OK("registration requested")
	return nil
}

// ComponentList lists every component with its driver endpoint.
func (s *Service) ComponentList(req ipc.ComponentListRequest, resp *ipc.ComponentListResponse) error {
	resp.Components = listComponents(s.d.registry)
	resp.OK("")
	return nil
}

func listComponents(reg *registry.Registry) []api.Component {
	components := reg.Components()
	out := make([]api.Component, 0, len(components))
	for _, c := range components {
		var drv *queue.Driver
		if d, ok := reg.Driver(c.Driver); ok {
			drv = &d
		}
		out = append(out, api.FromComponent(c, drv))
	}
	return out
}
