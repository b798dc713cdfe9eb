package testsupport

import (
	"path/filepath"
	"testing"

	"tomato/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.AppDir = filepath.Join(base, "app")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.JobsDir = filepath.Join(base, "jobs")
	cfgVal.Paths.DevicesFile = filepath.Join(base, "devices.yml")
	cfgVal.Daemon.PollInterval = 0.05
	cfgVal.Jobs.DataPollInterval = 0.05

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithPort overrides the daemon port, which also selects the queue and lock
// file names.
func WithPort(port int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.Port = port
	}
}

// WithDriverSettings sets the settings table of one driver.
func WithDriverSettings(name string, settings map[string]any) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Drivers == nil {
			b.cfg.Drivers = map[string]map[string]any{}
		}
		b.cfg.Drivers[name] = settings
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.AppDir)
}
