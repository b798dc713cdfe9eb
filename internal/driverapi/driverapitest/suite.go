// Package driverapitest provides a conformance suite for driverapi backends.
package driverapitest

import (
	"context"
	"testing"
	"time"

	"tomato/internal/driverapi"
)

// Run exercises the required Device operations of a backend.
func Run(t *testing.T, factory driverapi.Factory, spec driverapi.ComponentSpec, settings driverapi.Settings) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dev, err := factory(ctx, spec, settings)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	t.Cleanup(func() {
		if err := dev.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	t.Run("attrs", func(t *testing.T) {
		attrs := dev.Attrs()
		if len(attrs) == 0 {
			t.Fatal("backend declares no attributes")
		}
		for name, attr := range attrs {
			switch attr.Type {
			case driverapi.TypeBool, driverapi.TypeInt, driverapi.TypeFloat, driverapi.TypeString:
			default:
				t.Fatalf("attr %s has unsupported type %q", name, attr.Type)
			}
			if _, err := dev.GetAttr(ctx, name); err != nil {
				t.Fatalf("GetAttr(%s): %v", name, err)
			}
		}
	})

	t.Run("capabilities", func(t *testing.T) {
		if len(dev.Capabilities()) == 0 {
			t.Fatal("backend declares no capabilities")
		}
	})

	t.Run("unknown attr", func(t *testing.T) {
		_, err := driverapi.ValidateSet(dev.Attrs(), "__no_such_attr__", 1)
		if !driverapi.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("status", func(t *testing.T) {
		if _, err := driverapi.Status(ctx, dev); err != nil {
			t.Fatalf("Status: %v", err)
		}
	})

	t.Run("measure", func(t *testing.T) {
		rec, err := dev.Measure(ctx)
		if err != nil {
			t.Fatalf("Measure: %v", err)
		}
		if rec.UTS <= 0 {
			t.Fatalf("record has no timestamp: %#v", rec)
		}
	})

	t.Run("reset", func(t *testing.T) {
		if err := dev.Reset(ctx); err != nil {
			t.Fatalf("Reset: %v", err)
		}
	})
}
