package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tomato/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantApp := filepath.Join(tempHome, ".local", "share", "tomato")
	if cfg.Paths.AppDir != wantApp {
		t.Fatalf("unexpected app dir: got %q want %q", cfg.Paths.AppDir, wantApp)
	}
	if cfg.Paths.DevicesFile != filepath.Join(tempHome, ".config", "tomato", "devices.yml") {
		t.Fatalf("unexpected devices file: %q", cfg.Paths.DevicesFile)
	}
	if cfg.Daemon.Port != 1234 {
		t.Fatalf("unexpected port: %d", cfg.Daemon.Port)
	}
	if cfg.PollInterval() != time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval())
	}
	if cfg.API.Bind != "" {
		t.Fatalf("expected API disabled by default, got %q", cfg.API.Bind)
	}
	if got := cfg.QueueDBPath(); got != filepath.Join(wantApp, "queue_1234.db") {
		t.Fatalf("unexpected queue path: %q", got)
	}
	if got := cfg.LockPath(); got != filepath.Join(wantApp, "tomato_1234.lock") {
		t.Fatalf("unexpected lock path: %q", got)
	}
	if len(cfg.Hotplug.Subsystems) != 2 {
		t.Fatalf("expected default hotplug subsystems, got %v", cfg.Hotplug.Subsystems)
	}
}

func TestLoadParsesDriverSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.toml")
	content := `
[paths]
app_dir = "` + filepath.Join(dir, "app") + `"

[daemon]
port = 4321
poll_interval = 0.25

[drivers.example_counter]
idle_measurement_interval = 2
address_prefix = "lab"

[drivers.fast]
idle_measurement_interval = 0.5

[drivers.quiet]
idle_measurement_interval = 0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected explicit path to resolve, got %q exists=%v", resolved, exists)
	}
	if cfg.Daemon.Port != 4321 {
		t.Fatalf("unexpected port: %d", cfg.Daemon.Port)
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval())
	}
	if cfg.DaemonAddress() != "127.0.0.1:4321" {
		t.Fatalf("unexpected daemon address: %s", cfg.DaemonAddress())
	}

	interval, ok := cfg.IdleInterval("example_counter")
	if !ok || interval != 2*time.Second {
		t.Fatalf("unexpected idle interval: %s ok=%v", interval, ok)
	}
	interval, ok = cfg.IdleInterval("fast")
	if !ok || interval != 500*time.Millisecond {
		t.Fatalf("unexpected fractional idle interval: %s ok=%v", interval, ok)
	}
	interval, ok = cfg.IdleInterval("quiet")
	if !ok || interval != 0 {
		t.Fatalf("expected disabled idle interval, got %s ok=%v", interval, ok)
	}
	if _, ok := cfg.IdleInterval("missing"); ok {
		t.Fatal("expected no idle interval for unknown driver")
	}

	settings := cfg.DriverSettings("example_counter")
	if settings["address_prefix"] != "lab" {
		t.Fatalf("unexpected driver settings: %#v", settings)
	}
	settings["address_prefix"] = "mutated"
	if cfg.Drivers["example_counter"]["address_prefix"] != "lab" {
		t.Fatal("DriverSettings must return a copy")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"port", func(c *config.Config) { c.Daemon.Port = 0 }, "daemon.port"},
		{"format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"schedule", func(c *config.Config) { c.Maintenance.Schedule = "every tuesday" }, "maintenance.schedule"},
		{"idle", func(c *config.Config) {
			c.Drivers = map[string]map[string]any{"x": {config.IdleMeasurementKey: "soon"}}
		}, "idle_measurement_interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "nested", "settings.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if _, ok := cfg.IdleInterval("example_counter"); !ok {
		t.Fatal("expected sample to configure example_counter idle interval")
	}
}

func TestEnsureDirectoriesCreatesPaths(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.AppDir = filepath.Join(base, "app")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.JobsDir = filepath.Join(base, "jobs")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.AppDir, cfg.Paths.LogDir, cfg.Paths.JobsDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
}
