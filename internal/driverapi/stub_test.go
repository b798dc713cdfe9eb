package driverapi_test

import (
	"context"
	"time"

	"tomato/internal/driverapi"
)

type stubDevice struct{}

func (stubDevice) Attrs() map[string]driverapi.Attr {
	return map[string]driverapi.Attr{
		"delay": {Type: driverapi.TypeFloat, RW: true, Status: true},
	}
}

func (stubDevice) Capabilities() []string    { return []string{"count"} }
func (stubDevice) Constants() map[string]any { return nil }

func (stubDevice) GetAttr(context.Context, string) (any, error) { return 1.0, nil }

func (stubDevice) SetAttr(_ context.Context, _ string, v any) (any, error) { return v, nil }

func (stubDevice) Measure(context.Context) (driverapi.Record, error) {
	return driverapi.NewRecord(time.Now(), map[string]any{"delay": 1.0}), nil
}

func (stubDevice) Reset(context.Context) error { return nil }
func (stubDevice) Close() error                { return nil }
