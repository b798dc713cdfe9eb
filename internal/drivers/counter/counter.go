// Package counter implements the example_counter backend: a software device
// that either counts elapsed seconds or produces random values.
package counter

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"tomato/internal/driverapi"
	"tomato/internal/payload"
)

// Name is the backend name used in the devices file.
const Name = "example_counter"

const (
	techniqueCount  = "count"
	techniqueRandom = "random"
)

func init() {
	driverapi.Register(Name, New)
}

// Device is one counter channel.
type Device struct {
	spec driverapi.ComponentSpec

	mu        sync.Mutex
	min       float64
	max       float64
	val       float64
	technique string
	startedAt time.Time
	now       func() time.Time
	rng       *rand.Rand
}

// New is the driverapi.Factory for the counter backend. Setting
// "simulate_offline" to true makes registration fail with a connection error.
func New(_ context.Context, spec driverapi.ComponentSpec, settings driverapi.Settings) (driverapi.Device, error) {
	if offline, _ := settings["simulate_offline"].(bool); offline {
		return nil, driverapi.Wrap(driverapi.ErrConnection, spec.Name, "register", "device offline", nil)
	}
	return &Device{
		spec: spec,
		max:  1,
		now:  time.Now,
		rng:  rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x746f6d61746f)),
	}, nil
}

func (d *Device) Attrs() map[string]driverapi.Attr {
	return map[string]driverapi.Attr{
		"min":     {Type: driverapi.TypeFloat, RW: true},
		"max":     {Type: driverapi.TypeFloat, RW: true},
		"val":     {Type: driverapi.TypeFloat, Status: true},
		"started": {Type: driverapi.TypeBool, Status: true},
	}
}

func (d *Device) Capabilities() []string {
	return []string{techniqueCount, techniqueRandom}
}

func (d *Device) Constants() map[string]any {
	return map[string]any{
		"address": d.spec.Address,
		"channel": d.spec.Channel,
	}
}

func (d *Device) GetAttr(_ context.Context, name string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case "min":
		return d.min, nil
	case "max":
		return d.max, nil
	case "val":
		return d.val, nil
	case "started":
		return d.technique != "", nil
	default:
		return nil, driverapi.Validationf("unknown attr %q", name)
	}
}

func (d *Device) SetAttr(_ context.Context, name string, value any) (any, error) {
	f, ok := value.(float64)
	if !ok {
		return nil, driverapi.Validationf("attr %q expects a float", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case "min":
		d.min = f
	case "max":
		d.max = f
	default:
		return nil, driverapi.Validationf("attr %q is read-only", name)
	}
	return f, nil
}

func (d *Device) OnTaskStart(_ context.Context, task payload.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.technique = task.TechniqueName
	d.startedAt = d.now()
	d.val = 0
	return nil
}

func (d *Device) OnTaskStop(context.Context, payload.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.technique = ""
	return nil
}

func (d *Device) Measure(context.Context) (driverapi.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	switch d.technique {
	case techniqueRandom:
		d.val = d.min + d.rng.Float64()*(d.max-d.min)
	case techniqueCount:
		d.val = math.Floor(now.Sub(d.startedAt).Seconds())
	default:
		d.val = d.rng.Float64()
	}
	return driverapi.NewRecord(now, map[string]any{"val": d.val}), nil
}

func (d *Device) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.min, d.max, d.val = 0, 1, 0
	d.technique = ""
	return nil
}

func (d *Device) Close() error { return nil }
