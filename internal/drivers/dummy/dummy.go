// Package dummy implements a debugging backend producing random or
// sequential values.
package dummy

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"tomato/internal/driverapi"
)

const Name = "dummy"

// DefaultIdleInterval is the backend's own idle measurement period.
const DefaultIdleInterval = 5 * time.Second

func init() {
	driverapi.Register(Name, New)
}

type Device struct {
	mu     sync.Mutex
	mode   string
	offset float64
	seq    int64
	val    float64
}

func New(context.Context, driverapi.ComponentSpec, driverapi.Settings) (driverapi.Device, error) {
	return &Device{mode: "random"}, nil
}

func (d *Device) Attrs() map[string]driverapi.Attr {
	return map[string]driverapi.Attr{
		"mode":   {Type: driverapi.TypeString, RW: true, Status: true, Options: []any{"random", "sequential"}},
		"offset": {Type: driverapi.TypeFloat, RW: true, Minimum: driverapi.Bound(-100), Maximum: driverapi.Bound(100)},
		"val":    {Type: driverapi.TypeFloat, Status: true},
	}
}

func (d *Device) Capabilities() []string { return []string{"random", "sequential"} }

func (d *Device) Constants() map[string]any { return map[string]any{} }

func (d *Device) IdleMeasurementInterval() time.Duration { return DefaultIdleInterval }

func (d *Device) GetAttr(_ context.Context, name string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case "mode":
		return d.mode, nil
	case "offset":
		return d.offset, nil
	case "val":
		return d.val, nil
	}
	return nil, driverapi.Validationf("unknown attr %q", name)
}

func (d *Device) SetAttr(_ context.Context, name string, value any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch name {
	case "mode":
		s, _ := value.(string)
		d.mode = s
		d.seq = 0
		return s, nil
	case "offset":
		f, _ := value.(float64)
		d.offset = f
		return f, nil
	}
	return nil, driverapi.Validationf("attr %q is read-only", name)
}

func (d *Device) Measure(context.Context) (driverapi.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode == "sequential" {
		d.seq++
		d.val = float64(d.seq) + d.offset
	} else {
		d.val = rand.Float64() + d.offset
	}
	return driverapi.NewRecord(time.Now(), map[string]any{"val": d.val, "mode": d.mode}), nil
}

func (d *Device) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode, d.offset, d.seq, d.val = "random", 0, 0, 0
	return nil
}

func (d *Device) Close() error { return nil }
