package ipc

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"tomato/internal/driver"
	"tomato/internal/driverapi"
	"tomato/internal/logging"
)

// Error kinds reported by the driver service besides the driverapi kinds.
const (
	KindQueueFull = "queue_full"
	KindBusy      = "busy"
	KindCanceled  = "canceled"
)

// RegistrationReporter delivers a background registration outcome.
type RegistrationReporter func(ctx context.Context, update ComponentUpdateRequest) error

// DriverService adapts a driver.Host to the Driver RPC surface.
type DriverService struct {
	ctx    context.Context
	host   *driver.Host
	report RegistrationReporter
	stop   func()
	logger *slog.Logger
}

// NewDriverService wraps host. report may be nil, in which case registration
// outcomes are only logged; stop is called when a Stop request arrives.
func NewDriverService(ctx context.Context, host *driver.Host, report RegistrationReporter, stop func(), logger *slog.Logger) *DriverService {
	if logger == nil {
		logger = logging.NewNop()
	}
	if stop == nil {
		stop = func() {}
	}
	return &DriverService{
		ctx:    ctx,
		host:   host,
		report: report,
		stop:   stop,
		logger: logging.NewComponentLogger(logger, "driver-ipc").With(logging.String(logging.FieldDriver, host.Name())),
	}
}

func driverKind(err error) string {
	switch {
	case errors.Is(err, driver.ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, driver.ErrBusy):
		return KindBusy
	case errors.Is(err, driver.ErrUnknownTask), errors.Is(err, driver.ErrClosed):
		return driverapi.KindNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return driverapi.Kind(err)
	}
}

func (s *DriverService) refuse(r *Reply, op, component string, err error) {
	kind := driverKind(err)
	r.fail(err, kind)
	s.logger.Info("driver request refused",
		logging.String("op", op),
		logging.String(logging.FieldCmp, component),
		logging.String("kind", kind),
		logging.Error(err),
	)
}

// CmpRegister starts a registration attempt in the background.
func (s *DriverService) CmpRegister(req CmpRegisterRequest, resp *CmpRegisterResponse) error {
	spec := req.Spec
	if spec.Name == "" {
		resp.fail(driverapi.Validationf("component name is required"), driverapi.KindValidation)
		return nil
	}
	if spec.Driver == "" {
		spec.Driver = s.host.Name()
	}
	go s.register(spec, req.Manual, req.CorrelationID)
	resp.ok("registration started")
	return nil
}

func (s *DriverService) register(spec driverapi.ComponentSpec, manual bool, correlationID string) {
	ctx := s.ctx
	if correlationID != "" {
		ctx = logging.WithCorrelationID(ctx, correlationID)
	}
	var (
		caps []string
		err  error
	)
	if manual {
		caps, err = s.host.Retry(ctx, spec.Name)
		if errors.Is(err, driverapi.ErrUnknownComponent) {
			caps, err = s.host.Register(ctx, spec)
		}
	} else {
		caps, err = s.host.Register(ctx, spec)
	}
	if ctx.Err() != nil {
		return
	}
	update := ComponentUpdateRequest{
		CorrelatedRequest: CorrelatedRequest{CorrelationID: correlationID},
		Driver:            s.host.Name(),
		Component:         spec.Name,
		Registered:        err == nil,
		Capabilities:      caps,
	}
	if err != nil {
		update.Error = err.Error()
	}
	if s.report == nil {
		return
	}
	if rerr := s.report(ctx, update); rerr != nil {
		logging.WarnWithContext(s.logger, "registration report failed", "registration_report_failed",
			logging.String(logging.FieldCmp, spec.Name),
			logging.Error(rerr),
			logging.String(logging.FieldImpact, "daemon shows a stale registration state"),
		)
	}
}

// CmpTeardown removes a component.
func (s *DriverService) CmpTeardown(req ComponentRequest, resp *CmpTeardownResponse) error {
	if err := s.host.Teardown(s.ctx, req.Component); err != nil {
		s.refuse(&resp.Reply, "cmp_teardown", req.Component, err)
		return nil
	}
	resp.ok("component torn down")
	return nil
}

// CmpReset resets a component.
func (s *DriverService) CmpReset(req ComponentRequest, resp *CmpResetResponse) error {
	if err := s.host.ComponentReset(s.ctx, req.Component); err != nil {
		s.refuse(&resp.Reply, "cmp_reset", req.Component, err)
		return nil
	}
	resp.ok("component reset")
	return nil
}

// CmpSetAttr validates and writes an attribute.
func (s *DriverService) CmpSetAttr(req CmpSetAttrRequest, resp *CmpSetAttrResponse) error {
	value, err := s.host.SetAttr(s.ctx, req.Component, req.Attr, req.Value)
	if err != nil {
		s.refuse(&resp.Reply, "cmp_set_attr", req.Component, err)
		return nil
	}
	resp.Value = value
	resp.ok("")
	return nil
}

// CmpGetAttr reads an attribute.
func (s *DriverService) CmpGetAttr(req CmpGetAttrRequest, resp *CmpGetAttrResponse) error {
	value, err := s.host.GetAttr(s.ctx, req.Component, req.Attr)
	if err != nil {
		s.refuse(&resp.Reply, "cmp_get_attr", req.Component, err)
		return nil
	}
	resp.Value = value
	resp.ok("")
	return nil
}

// CmpStatus reports readiness and status attributes.
func (s *DriverService) CmpStatus(req ComponentRequest, resp *CmpStatusResponse) error {
	status, err := s.host.ComponentStatus(s.ctx, req.Component)
	if err != nil {
		s.refuse(&resp.Reply, "cmp_status", req.Component, err)
		return nil
	}
	resp.Status = status
	resp.ok("")
	return nil
}

// CmpCapabilities lists component techniques.
func (s *DriverService) CmpCapabilities(req ComponentRequest, resp *CmpCapabilitiesResponse) error {
	caps, err := s.host.Capabilities(req.Component)
	if err != nil {
		s.refuse(&resp.Reply, "cmp_capabilities", req.Component, err)
		return nil
	}
	resp.Capabilities = caps
	resp.ok("")
	return nil
}

// CmpAttrs lists attribute declarations.
func (s *DriverService) CmpAttrs(req ComponentRequest, resp *CmpAttrsResponse) error {
	attrs, err := s.host.Attrs(req.Component)
	if err != nil {
		s.refuse(&resp.Reply, "cmp_attrs", req.Component, err)
		return nil
	}
	resp.Attrs = attrs
	resp.ok("")
	return nil
}

// CmpConstants lists constants.
func (s *DriverService) CmpConstants(req ComponentRequest, resp *CmpConstantsResponse) error {
	constants, err := s.host.Constants(req.Component)
	if err != nil {
		s.refuse(&resp.Reply, "cmp_constants", req.Component, err)
		return nil
	}
	resp.Constants = constants
	resp.ok("")
	return nil
}

// CmpLastData returns the latest record without draining the cache.
func (s *DriverService) CmpLastData(req ComponentRequest, resp *CmpLastDataResponse) error {
	data, err := s.host.LastData(req.Component)
	if err != nil {
		s.refuse(&resp.Reply, "cmp_last_data", req.Component, err)
		return nil
	}
	resp.Data = data
	resp.ok("")
	return nil
}

// CmpMeasure queues a one-shot measurement.
func (s *DriverService) CmpMeasure(req ComponentRequest, resp *CmpMeasureResponse) error {
	if err := s.host.Measure(req.Component); err != nil {
		s.refuse(&resp.Reply, "cmp_measure", req.Component, err)
		return nil
	}
	resp.ok("measurement queued")
	return nil
}

// TaskSubmit validates and queues a task.
func (s *DriverService) TaskSubmit(req TaskSubmitRequest, resp *TaskSubmitResponse) error {
	info, err := s.host.SubmitTask(req.Component, req.JobID, req.Task)
	if err != nil {
		s.refuse(&resp.Reply, "task_submit", req.Component, err)
		return nil
	}
	resp.Task = info
	resp.ok("task queued")
	return nil
}

// TaskValidate checks a task without queueing it.
func (s *DriverService) TaskValidate(req TaskValidateRequest, resp *TaskValidateResponse) error {
	if err := s.host.ValidateTask(req.Component, req.Task); err != nil {
		s.refuse(&resp.Reply, "task_validate", req.Component, err)
		return nil
	}
	resp.ok("")
	return nil
}

// TaskStatus reports one task.
func (s *DriverService) TaskStatus(req TaskStatusRequest, resp *TaskStatusResponse) error {
	info, err := s.host.TaskStatus(req.Component, req.TaskID)
	if err != nil {
		s.refuse(&resp.Reply, "task_status", req.Component, err)
		return nil
	}
	resp.Task = info
	resp.ok("")
	return nil
}

// TaskStop stops the tasks of a job.
func (s *DriverService) TaskStop(req TaskStopRequest, resp *TaskStopResponse) error {
	stopped, err := s.host.StopTasks(req.Component, req.JobID)
	if err != nil {
		s.refuse(&resp.Reply, "task_stop", req.Component, err)
		return nil
	}
	resp.Tasks = stopped
	resp.ok("")
	return nil
}

// TaskData drains cached records.
func (s *DriverService) TaskData(req ComponentRequest, resp *TaskDataResponse) error {
	records, err := s.host.TaskData(req.Component)
	if err != nil {
		s.refuse(&resp.Reply, "task_data", req.Component, err)
		return nil
	}
	resp.Records = records
	resp.ok("")
	return nil
}

// TaskSignal opens a task gate started in another driver process.
func (s *DriverService) TaskSignal(req TaskSignalRequest, resp *TaskSignalResponse) error {
	s.host.Signal(req.JobID, req.TaskName)
	resp.ok("")
	return nil
}

// Status reports every component known to the driver.
func (s *DriverService) Status(_ DriverStatusRequest, resp *DriverStatusResponse) error {
	resp.PID = os.Getpid()
	resp.Status = s.host.Status()
	resp.ok("")
	return nil
}

// Settings reads or replaces the driver settings.
func (s *DriverService) Settings(req SettingsRequest, resp *SettingsResponse) error {
	if req.Replace {
		s.host.SetSettings(req.Settings)
		s.logger.Info("driver settings replaced", logging.Int("keys", len(req.Settings)))
	}
	resp.Settings = s.host.Settings()
	resp.ok("")
	return nil
}

// Reset stops every task and resets every component.
func (s *DriverService) Reset(_ DriverResetRequest, resp *DriverResetResponse) error {
	if err := s.host.Reset(s.ctx); err != nil {
		s.refuse(&resp.Reply, "reset", "", err)
		return nil
	}
	resp.ok("driver reset")
	return nil
}

// Stop asks the driver process to exit once the reply is sent.
func (s *DriverService) Stop(_ DriverStopRequest, resp *DriverStopResponse) error {
	s.logger.Info("driver stop requested", logging.String(logging.FieldEventType, "driver_stop"))
	go s.stop()
	resp.ok("driver stopping")
	return nil
}
