package preflight

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tomato/internal/driverapi"
	"tomato/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if !strings.Contains(result.Detail, "does not exist") {
		t.Fatalf("unexpected detail: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckDevicesFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	if result, topo := CheckDevicesFile(cfg.Paths.DevicesFile); result.Passed || topo != nil {
		t.Fatalf("missing devices file passed: %+v", result)
	}

	path := testsupport.WriteDevices(t, cfg, testsupport.CounterDevices)
	result, topo := CheckDevicesFile(path)
	if !result.Passed || topo == nil {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if !strings.Contains(result.Detail, "1 devices, 2 pipelines") {
		t.Fatalf("unexpected detail: %s", result.Detail)
	}
}

func TestCheckDrivers(t *testing.T) {
	driverapi.Register("preflight_test_backend", func(context.Context, driverapi.ComponentSpec, driverapi.Settings) (driverapi.Device, error) {
		return nil, nil
	})
	results := CheckDrivers([]string{"preflight_test_backend", "missing_backend"})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Passed || results[1].Passed {
		t.Fatalf("unexpected results: %+v", results)
	}
	if failed := Failed(results); len(failed) != 1 || failed[0].Name != "Driver missing_backend" {
		t.Fatalf("Failed = %+v", failed)
	}
}

func TestRunAll(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteDevices(t, cfg, testsupport.CounterDevices)

	results := RunAll(cfg)
	// Three directories, the devices file and example_counter, which this
	// test binary does not link.
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %+v", results)
	}
	failed := Failed(results)
	if len(failed) != 1 || failed[0].Name != "Driver example_counter" {
		t.Fatalf("unexpected failures: %+v", failed)
	}
	if RunAll(nil) != nil {
		t.Fatal("nil config produced results")
	}
}
