package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"tomato/internal/logging"
	"tomato/internal/payload"
	"tomato/internal/queue"
)

var (
	// ErrUnknownPipeline is returned for pipeline names not in the registry.
	ErrUnknownPipeline = errors.New("unknown pipeline")
	// ErrUnknownComponent is returned for component names not in the registry.
	ErrUnknownComponent = errors.New("unknown component")
	// ErrPipelineBusy is returned when an operation needs an idle pipeline.
	ErrPipelineBusy = errors.New("pipeline is running a job")
	// ErrSampleLoaded is returned when loading into an occupied pipeline.
	ErrSampleLoaded = errors.New("pipeline already holds a sample")
)

// PipelineState is a pipeline together with the capabilities its registered
// components currently offer.
type PipelineState struct {
	queue.Pipeline
	Capabilities []string
}

// Supports reports whether every technique is offered by the pipeline.
func (p PipelineState) Supports(techniques []string) bool {
	for _, tech := range techniques {
		if !slices.Contains(p.Capabilities, tech) {
			return false
		}
	}
	return true
}

// Route tells a job process where the component bound to a role lives.
type Route struct {
	Role      string
	Component string
	Driver    string
	Address   string
	Pollrate  float64
}

// Registry is the pipeline registry.
type Registry struct {
	store  *queue.Store
	logger *slog.Logger

	mu         sync.RWMutex
	components map[string]queue.Component
	drivers    map[string]queue.Driver
}

// New creates a registry over store and loads its caches.
func New(ctx context.Context, store *queue.Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		store:  store,
		logger: logging.NewComponentLogger(logger, "registry"),
	}
	if err := r.refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) refresh(ctx context.Context) error {
	components, err := r.store.ListComponents(ctx)
	if err != nil {
		return err
	}
	drivers, err := r.store.ListDrivers(ctx)
	if err != nil {
		return err
	}
	cmpMap := make(map[string]queue.Component, len(components))
	for _, c := range components {
		cmpMap[c.Name] = *c
	}
	drvMap := make(map[string]queue.Driver, len(drivers))
	for _, d := range drivers {
		drvMap[d.Name] = *d
	}
	r.mu.Lock()
	r.components = cmpMap
	r.drivers = drvMap
	r.mu.Unlock()
	return nil
}

func (r *Registry) refreshComponent(ctx context.Context, name string) error {
	cmp, err := r.store.GetComponent(ctx, name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmp == nil {
		delete(r.components, name)
		return nil
	}
	r.components[name] = *cmp
	return nil
}

func (r *Registry) refreshDriver(ctx context.Context, name string) error {
	drv, err := r.store.GetDriver(ctx, name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if drv == nil {
		delete(r.drivers, name)
		return nil
	}
	r.drivers[name] = *drv
	return nil
}

func (r *Registry) state(pip *queue.Pipeline) PipelineState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{})
	for _, b := range pip.Bindings {
		cmp, ok := r.components[b.Component]
		if !ok || !cmp.Registered {
			continue
		}
		for _, c := range cmp.Capabilities {
			set[c] = struct{}{}
		}
	}
	caps := make([]string, 0, len(set))
	for c := range set {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return PipelineState{Pipeline: *pip, Capabilities: caps}
}

// Pipelines returns every pipeline with its current capabilities.
func (r *Registry) Pipelines(ctx context.Context) ([]PipelineState, error) {
	pipelines, err := r.store.ListPipelines(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PipelineState, 0, len(pipelines))
	for _, pip := range pipelines {
		out = append(out, r.state(pip))
	}
	return out, nil
}

// Pipeline returns one pipeline or ErrUnknownPipeline.
func (r *Registry) Pipeline(ctx context.Context, name string) (PipelineState, error) {
	pip, err := r.store.GetPipeline(ctx, name)
	if err != nil {
		return PipelineState{}, err
	}
	if pip == nil {
		return PipelineState{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}
	return r.state(pip), nil
}

// Capabilities returns the techniques a pipeline can run right now.
func (r *Registry) Capabilities(ctx context.Context, name string) ([]string, error) {
	state, err := r.Pipeline(ctx, name)
	if err != nil {
		return nil, err
	}
	return state.Capabilities, nil
}

// Load places sample into an empty pipeline.
func (r *Registry) Load(ctx context.Context, name, sample string) error {
	sample = payload.NormalizeSample(sample)
	if sample == "" {
		return errors.New("sample name is required")
	}
	pip, err := r.Pipeline(ctx, name)
	if err != nil {
		return err
	}
	if pip.Sample != "" {
		return fmt.Errorf("%w: %s holds %q", ErrSampleLoaded, name, pip.Sample)
	}
	if err := r.store.LoadSample(ctx, name, sample); err != nil {
		if errors.Is(err, queue.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrSampleLoaded, name)
		}
		return err
	}
	r.logger.Info("sample loaded",
		logging.String(logging.FieldPipeline, name),
		logging.String("sample", sample),
		logging.String(logging.FieldEventType, "pipeline_load"),
	)
	return nil
}

// Eject removes the sample from an idle pipeline and clears its ready flag.
// Ejecting an empty pipeline succeeds.
func (r *Registry) Eject(ctx context.Context, name string) error {
	pip, err := r.Pipeline(ctx, name)
	if err != nil {
		return err
	}
	if pip.Busy() {
		return fmt.Errorf("%w: %s runs job %d", ErrPipelineBusy, name, pip.RunningJob)
	}
	if err := r.store.EjectSample(ctx, name); err != nil {
		if errors.Is(err, queue.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrPipelineBusy, name)
		}
		return err
	}
	r.logger.Info("sample ejected",
		logging.String(logging.FieldPipeline, name),
		logging.String("sample", pip.Sample),
		logging.String(logging.FieldEventType, "pipeline_eject"),
	)
	return nil
}

// Ready marks a pipeline ready for its next job.
func (r *Registry) Ready(ctx context.Context, name string) error {
	if _, err := r.Pipeline(ctx, name); err != nil {
		return err
	}
	if err := r.store.SetReady(ctx, name, true); err != nil {
		return err
	}
	r.logger.Info("pipeline ready",
		logging.String(logging.FieldPipeline, name),
		logging.String(logging.FieldEventType, "pipeline_ready"),
	)
	return nil
}

// Routes resolves every binding of a pipeline to its driver endpoint.
func (r *Registry) Routes(ctx context.Context, name string) ([]Route, error) {
	pip, err := r.Pipeline(ctx, name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make([]Route, 0, len(pip.Bindings))
	for _, b := range pip.Bindings {
		cmp, ok := r.components[b.Component]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, b.Component)
		}
		drv, ok := r.drivers[cmp.Driver]
		if !ok || !drv.Connected() {
			return nil, fmt.Errorf("driver %s of %s is not connected", cmp.Driver, cmp.Name)
		}
		routes = append(routes, Route{
			Role:      b.Role,
			Component: cmp.Name,
			Driver:    cmp.Driver,
			Address:   "127.0.0.1:" + strconv.Itoa(drv.Port),
			Pollrate:  cmp.Pollrate,
		})
	}
	return routes, nil
}

// Components returns the cached components ordered by name.
func (r *Registry) Components() []queue.Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]queue.Component, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Component returns one cached component.
func (r *Registry) Component(name string) (queue.Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[name]
	return c, ok
}

// ComponentsOf returns the components served by driver, ordered by name.
func (r *Registry) ComponentsOf(driver string) []queue.Component {
	var out []queue.Component
	for _, c := range r.Components() {
		if c.Driver == driver {
			out = append(out, c)
		}
	}
	return out
}

// SetRegistered records a registration outcome reported by a driver.
func (r *Registry) SetRegistered(ctx context.Context, name string, caps []string, registered bool, errMsg string) error {
	if _, ok := r.Component(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	if err := r.store.SetComponentRegistration(ctx, name, caps, registered, errMsg); err != nil {
		return err
	}
	return r.refreshComponent(ctx, name)
}

// SetCapabilities records the capabilities of a registered component.
func (r *Registry) SetCapabilities(ctx context.Context, name string, caps []string) error {
	if caps == nil {
		caps = []string{}
	}
	return r.SetRegistered(ctx, name, caps, true, "")
}

// Drivers returns the cached drivers ordered by name.
func (r *Registry) Drivers() []queue.Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]queue.Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Driver returns one cached driver.
func (r *Registry) Driver(name string) (queue.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	return d, ok
}

// SetDriverProcess records a spawned driver process.
func (r *Registry) SetDriverProcess(ctx context.Context, name string, pid int, session string) error {
	if err := r.store.SetDriverProcess(ctx, name, pid, session, time.Now()); err != nil {
		return err
	}
	return r.refreshDriver(ctx, name)
}

// SetDriverEndpoint records the endpoint announced by a driver process. The
// session must match the latest spawn.
func (r *Registry) SetDriverEndpoint(ctx context.Context, name, session string, pid, port int) error {
	if err := r.store.SetDriverEndpoint(ctx, name, session, pid, port, time.Now()); err != nil {
		return err
	}
	return r.refreshDriver(ctx, name)
}

// ClearDriverProcess forgets a driver process that exited.
func (r *Registry) ClearDriverProcess(ctx context.Context, name string) error {
	if err := r.store.ClearDriverProcess(ctx, name); err != nil {
		return err
	}
	return r.refreshDriver(ctx, name)
}
