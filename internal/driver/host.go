package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tomato/internal/driverapi"
	"tomato/internal/logging"
	"tomato/internal/payload"
)

const (
	defaultQueueSize        = 64
	defaultRegisterAttempts = 3
	defaultRegisterSpacing  = time.Second
)

// HostOptions configures a Host.
type HostOptions struct {
	Name     string
	Factory  driverapi.Factory
	Settings driverapi.Settings
	Logger   *slog.Logger
	// TaskQueueSize bounds each component's task queue. Defaults to 64.
	TaskQueueSize int
	// Limiter paces registration attempts. Defaults to one attempt per second.
	Limiter *rate.Limiter
	// RegisterAttempts is the number of automatic attempts. Defaults to 3.
	RegisterAttempts int
}

type registrationFailure struct {
	spec     driverapi.ComponentSpec
	attempts int
	err      error
}

// Host owns the components served by one driver process.
type Host struct {
	name      string
	factory   driverapi.Factory
	logger    *slog.Logger
	queueSize int
	limiter   *rate.Limiter
	attempts  int
	gates     *gates
	fatal     chan error

	mu         sync.RWMutex
	settings   driverapi.Settings
	components map[string]*component
	failures   map[string]*registrationFailure
}

// NewHost constructs a host for the named driver.
func NewHost(opts HostOptions) (*Host, error) {
	if opts.Factory == nil {
		return nil, errors.New("driver host: factory is required")
	}
	h := &Host{
		name:       opts.Name,
		factory:    opts.Factory,
		logger:     logging.NewComponentLogger(opts.Logger, "driver").With(logging.String(logging.FieldDriver, opts.Name)),
		queueSize:  opts.TaskQueueSize,
		limiter:    opts.Limiter,
		attempts:   opts.RegisterAttempts,
		gates:      newGates(),
		fatal:      make(chan error, 1),
		settings:   maps.Clone(opts.Settings),
		components: make(map[string]*component),
		failures:   make(map[string]*registrationFailure),
	}
	if h.queueSize <= 0 {
		h.queueSize = defaultQueueSize
	}
	if h.limiter == nil {
		h.limiter = rate.NewLimiter(rate.Every(defaultRegisterSpacing), 1)
	}
	if h.attempts <= 0 {
		h.attempts = defaultRegisterAttempts
	}
	if h.settings == nil {
		h.settings = driverapi.Settings{}
	}
	return h, nil
}

// Name returns the driver name.
func (h *Host) Name() string { return h.name }

// Fatal delivers unclassified backend errors. The driver process should exit
// when it receives one.
func (h *Host) Fatal() <-chan error { return h.fatal }

func (h *Host) reportFatal(err error) {
	select {
	case h.fatal <- err:
	default:
	}
}

// Settings returns a copy of the driver settings.
func (h *Host) Settings() driverapi.Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maps.Clone(h.settings)
}

// SetSettings replaces the driver settings. Components registered later see
// the new table; idle intervals follow immediately.
func (h *Host) SetSettings(settings driverapi.Settings) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings = maps.Clone(settings)
	if h.settings == nil {
		h.settings = driverapi.Settings{}
	}
}

// Register binds a component, retrying connection errors up to the configured
// number of attempts. It returns the component capabilities.
func (h *Host) Register(ctx context.Context, spec driverapi.ComponentSpec) ([]string, error) {
	if caps, ok := h.registeredCapabilities(spec.Name); ok {
		return caps, nil
	}
	var lastErr error
	attempts := 0
	for attempts < h.attempts {
		attempts++
		caps, err := h.attempt(ctx, spec)
		if err == nil {
			return caps, nil
		}
		lastErr = err
		if ctx.Err() != nil || !driverapi.IsConnection(err) {
			break
		}
		h.logger.Warn("component registration attempt failed",
			logging.String(logging.FieldCmp, spec.Name),
			logging.Int("attempt", attempts),
			logging.Error(err),
		)
	}
	h.recordFailure(spec, attempts, lastErr)
	return nil, lastErr
}

// Retry performs one manual registration attempt for a component that
// previously failed to register.
func (h *Host) Retry(ctx context.Context, name string) ([]string, error) {
	if caps, ok := h.registeredCapabilities(name); ok {
		return caps, nil
	}
	h.mu.RLock()
	failure, ok := h.failures[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", driverapi.ErrUnknownComponent, name)
	}
	caps, err := h.attempt(ctx, failure.spec)
	if err != nil {
		h.recordFailure(failure.spec, failure.attempts+1, err)
		return nil, err
	}
	return caps, nil
}

func (h *Host) attempt(ctx context.Context, spec driverapi.ComponentSpec) ([]string, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	dev, err := h.factory(ctx, spec, h.Settings())
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if existing, ok := h.components[spec.Name]; ok {
		h.mu.Unlock()
		_ = dev.Close()
		return existing.dev.Capabilities(), nil
	}
	cmp := newComponent(h, spec, dev)
	h.components[spec.Name] = cmp
	delete(h.failures, spec.Name)
	h.mu.Unlock()
	cmp.start()
	caps := dev.Capabilities()
	h.logger.Info("component registered",
		logging.String(logging.FieldCmp, spec.Name),
		logging.Any("capabilities", caps),
	)
	return caps, nil
}

func (h *Host) recordFailure(spec driverapi.ComponentSpec, attempts int, err error) {
	h.mu.Lock()
	h.failures[spec.Name] = &registrationFailure{spec: spec, attempts: attempts, err: err}
	h.mu.Unlock()
	logging.ErrorWithContext(h.logger, "component unregistered", "component_unregistered",
		logging.String(logging.FieldCmp, spec.Name),
		logging.Int("attempts", attempts),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check the hardware connection, then run 'tomato component register'"),
	)
	if driverapi.IsFatal(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		h.reportFatal(err)
	}
}

func (h *Host) registeredCapabilities(name string) ([]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cmp, ok := h.components[name]
	if !ok {
		return nil, false
	}
	return cmp.dev.Capabilities(), true
}

func (h *Host) component(name string) (*component, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cmp, ok := h.components[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", driverapi.ErrUnknownComponent, name)
	}
	return cmp, nil
}

// Teardown stops all tasks on a component, resets it and removes it.
func (h *Host) Teardown(ctx context.Context, name string) error {
	h.mu.Lock()
	cmp, ok := h.components[name]
	delete(h.components, name)
	delete(h.failures, name)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	h.logger.Info("component torn down", logging.String(logging.FieldCmp, name))
	return cmp.close(ctx)
}

// ComponentReset resets one component.
func (h *Host) ComponentReset(ctx context.Context, name string) error {
	cmp, err := h.component(name)
	if err != nil {
		return err
	}
	return cmp.reset(ctx)
}

// SetAttr validates and writes an attribute.
func (h *Host) SetAttr(ctx context.Context, name, attr string, value any) (any, error) {
	cmp, err := h.component(name)
	if err != nil {
		return nil, err
	}
	return cmp.setAttr(ctx, attr, value)
}

// GetAttr reads an attribute.
func (h *Host) GetAttr(ctx context.Context, name, attr string) (any, error) {
	cmp, err := h.component(name)
	if err != nil {
		return nil, err
	}
	return cmp.getAttr(ctx, attr)
}

// ComponentStatus reports task readiness and status attributes.
func (h *Host) ComponentStatus(ctx context.Context, name string) (ComponentStatus, error) {
	cmp, err := h.component(name)
	if err != nil {
		return ComponentStatus{}, err
	}
	return cmp.status(ctx)
}

// Capabilities returns the techniques a component supports.
func (h *Host) Capabilities(name string) ([]string, error) {
	cmp, err := h.component(name)
	if err != nil {
		return nil, err
	}
	return cmp.dev.Capabilities(), nil
}

// Attrs returns the attribute declarations of a component.
func (h *Host) Attrs(name string) (map[string]driverapi.Attr, error) {
	cmp, err := h.component(name)
	if err != nil {
		return nil, err
	}
	return cmp.dev.Attrs(), nil
}

// Constants returns driver constants merged with the component constants.
func (h *Host) Constants(name string) (map[string]any, error) {
	cmp, err := h.component(name)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"driver": h.name, "interface_version": driverapi.Version}
	maps.Copy(out, cmp.dev.Constants())
	return out, nil
}

// LastData returns the most recent record of a component.
func (h *Host) LastData(name string) (LastData, error) {
	cmp, err := h.component(name)
	if err != nil {
		return LastData{}, err
	}
	return cmp.lastData()
}

// Measure queues a one-shot measurement. It fails while a task is active or
// queued.
func (h *Host) Measure(name string) error {
	cmp, err := h.component(name)
	if err != nil {
		return err
	}
	return cmp.measureOnce()
}

// ValidateTask checks a task without submitting it.
func (h *Host) ValidateTask(name string, task payload.Task) error {
	cmp, err := h.component(name)
	if err != nil {
		return err
	}
	return driverapi.ValidateTask(cmp.dev, task)
}

// SubmitTask validates and queues a task for jobID.
func (h *Host) SubmitTask(name string, jobID int64, task payload.Task) (TaskInfo, error) {
	cmp, err := h.component(name)
	if err != nil {
		return TaskInfo{}, err
	}
	return cmp.submit(jobID, task)
}

// TaskStatus returns the state of one task.
func (h *Host) TaskStatus(name, taskID string) (TaskInfo, error) {
	cmp, err := h.component(name)
	if err != nil {
		return TaskInfo{}, err
	}
	return cmp.taskInfo(taskID)
}

// StopTasks cancels the active task and drops queued tasks of jobID on the
// component. A zero jobID stops everything. Gate state of the job is
// discarded.
func (h *Host) StopTasks(name string, jobID int64) ([]TaskInfo, error) {
	cmp, err := h.component(name)
	if err != nil {
		return nil, err
	}
	stopped, err := cmp.stop(jobID)
	if jobID != 0 {
		h.gates.forget(jobID)
	}
	return stopped, err
}

// TaskData drains cached records of a component.
func (h *Host) TaskData(name string) ([]driverapi.Record, error) {
	cmp, err := h.component(name)
	if err != nil {
		return nil, err
	}
	return cmp.drain()
}

// Signal marks a named task of a job as started. Used by job processes to
// propagate gate starts between drivers.
func (h *Host) Signal(jobID int64, taskName string) {
	if h.gates.signal(jobID, taskName) {
		h.logger.Debug("gate opened", logging.Int64(logging.FieldJobID, jobID), logging.String("task", taskName))
	}
}

// StartedGates lists named tasks of a job that have started on this host.
func (h *Host) StartedGates(jobID int64) []string {
	names := h.gates.started(jobID)
	sort.Strings(names)
	return names
}

// Status reports every known component.
func (h *Host) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := Status{Name: h.name, Version: driverapi.Version}
	for name, cmp := range h.components {
		out.Components = append(out.Components, ComponentInfo{
			Name:         name,
			Registered:   true,
			Capabilities: cmp.dev.Capabilities(),
		})
	}
	for name, f := range h.failures {
		info := ComponentInfo{Name: name, Attempts: f.attempts}
		if f.err != nil {
			info.Error = f.err.Error()
		}
		out.Components = append(out.Components, info)
	}
	sort.Slice(out.Components, func(i, j int) bool { return out.Components[i].Name < out.Components[j].Name })
	return out
}

// Reset stops every task and resets every component.
func (h *Host) Reset(ctx context.Context) error {
	h.mu.RLock()
	cmps := make([]*component, 0, len(h.components))
	for _, cmp := range h.components {
		cmps = append(cmps, cmp)
	}
	h.mu.RUnlock()
	var errs []error
	for _, cmp := range cmps {
		if _, err := cmp.stop(0); err != nil {
			errs = append(errs, err)
		}
		if err := cmp.reset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", cmp.spec.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close tears down every component.
func (h *Host) Close(ctx context.Context) error {
	h.mu.RLock()
	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	h.mu.RUnlock()
	var errs []error
	for _, name := range names {
		if err := h.Teardown(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
