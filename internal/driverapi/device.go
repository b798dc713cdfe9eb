package driverapi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tomato/internal/payload"
)

// Version is the capability interface version implemented by this module.
const Version = "2.1"

// Settings is a driver's free-form settings table.
type Settings map[string]any

// ComponentSpec identifies the component a Factory binds.
type ComponentSpec struct {
	Name    string `json:"name"`
	Driver  string `json:"driver"`
	Device  string `json:"device"`
	Address string `json:"address"`
	Channel string `json:"channel"`
	// IdleInterval overrides the driver and backend idle measurement period.
	// Nil leaves the decision to the driver settings.
	IdleInterval *float64 `json:"idle_interval,omitempty"`
}

// Device is the per-component binding a backend provides.
type Device interface {
	Attrs() map[string]Attr
	Capabilities() []string
	Constants() map[string]any
	GetAttr(ctx context.Context, name string) (any, error)
	// SetAttr writes an already validated value and returns what the
	// hardware accepted.
	SetAttr(ctx context.Context, name string, value any) (any, error)
	// Measure performs one measurement with the current configuration.
	Measure(ctx context.Context) (Record, error)
	// Reset returns the component to a documented safe state.
	Reset(ctx context.Context) error
	Close() error
}

// TaskRun describes the task currently executing.
type TaskRun struct {
	Task    payload.Task
	Started time.Time
	Now     time.Time
}

// TaskPreparer replaces the default preparation, which writes every
// technique parameter as an attribute.
type TaskPreparer interface {
	PrepareTask(ctx context.Context, task payload.Task) error
}

// TaskHooks are called around the task polling loop.
type TaskHooks interface {
	OnTaskStart(ctx context.Context, task payload.Task) error
	OnTaskStop(ctx context.Context, task payload.Task) error
}

// TaskPoller replaces the default periodic Measure call.
type TaskPoller interface {
	DoTask(ctx context.Context, run TaskRun) ([]Record, error)
}

// IdleIntervaler declares a backend default idle measurement period.
type IdleIntervaler interface {
	IdleMeasurementInterval() time.Duration
}

// Factory binds a component and returns its Device.
type Factory func(ctx context.Context, spec ComponentSpec, settings Settings) (Device, error)

// Status reads every attribute flagged Status.
func Status(ctx context.Context, dev Device) (map[string]any, error) {
	out := make(map[string]any)
	for name, attr := range dev.Attrs() {
		if !attr.Status {
			continue
		}
		v, err := dev.GetAttr(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("status attr %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a backend available under name. It panics when called twice
// with the same name or with a nil factory.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("driverapi: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("driverapi: Register called twice for backend " + name)
	}
	factories[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Names returns the sorted names of registered backends.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
