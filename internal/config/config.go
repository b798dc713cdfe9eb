package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sys/unix"
)

//go:embed sample_settings.toml
var sampleSettings string

// Paths contains directory and file locations.
type Paths struct {
	AppDir      string `toml:"app_dir"`
	LogDir      string `toml:"log_dir"`
	JobsDir     string `toml:"jobs_dir"`
	DevicesFile string `toml:"devices_file"`
}

// Daemon contains daemon timing and listener configuration.
type Daemon struct {
	Port          int     `toml:"port"`
	PollInterval  float64 `toml:"poll_interval"`
	StateInterval int     `toml:"state_interval"`
	DriverTimeout int     `toml:"driver_timeout"`
	WatchFiles    bool    `toml:"watch_files"`
}

// Jobs contains job-process defaults.
type Jobs struct {
	DataPollInterval float64 `toml:"data_poll_interval"`
	SnapshotPrefix   string  `toml:"snapshot_prefix"`
}

// API contains the optional read-only HTTP status endpoint.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Maintenance contains the cron schedule for housekeeping tasks.
type Maintenance struct {
	Schedule string `toml:"schedule"`
}

// Hotplug controls the udev monitor that hints at reconnected hardware.
type Hotplug struct {
	Enabled    bool     `toml:"enabled"`
	Subsystems []string `toml:"subsystems"`
}

// Notifications configures ntfy alerts for finished jobs and components that
// failed to register.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Config encapsulates all configuration values for tomato.
//
// Configuration sections by subsystem:
//   - Paths: application, log and job directories plus the devices file
//   - Daemon: listening port and loop intervals
//   - Jobs: job-process polling defaults
//   - API: optional HTTP status endpoint
//   - Logging: log format, level, and retention
//   - Maintenance: cron schedule for log retention
//   - Hotplug: udev hints for unregistered components
//   - Notifications: ntfy alerts
//   - Drivers: free-form per-driver settings tables
type Config struct {
	Paths       Paths                     `toml:"paths"`
	Daemon      Daemon                    `toml:"daemon"`
	Jobs        Jobs                      `toml:"jobs"`
	API         API                       `toml:"api"`
	Logging     Logging                   `toml:"logging"`
	Maintenance Maintenance               `toml:"maintenance"`
	Hotplug     Hotplug                   `toml:"hotplug"`
	Notify      Notifications             `toml:"notifications"`
	Drivers     map[string]map[string]any `toml:"drivers"`
}

// DefaultConfigPath returns the absolute path to the default settings file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a settings file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("settings.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation and
// verifies they are writable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.AppDir, c.Paths.LogDir, c.Paths.JobsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
		if err := unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
			return fmt.Errorf("directory %q is not writable: %w", dir, err)
		}
	}
	return nil
}

// PollInterval returns the scheduling loop interval.
func (c *Config) PollInterval() time.Duration {
	return secondsToDuration(c.Daemon.PollInterval)
}

// StateInterval returns the driver liveness checkpoint interval.
func (c *Config) StateInterval() time.Duration {
	return time.Duration(c.Daemon.StateInterval) * time.Second
}

// DriverTimeout returns the timeout applied to driver IPC calls.
func (c *Config) DriverTimeout() time.Duration {
	return time.Duration(c.Daemon.DriverTimeout) * time.Second
}

// DataPollInterval returns the fallback job-process data polling period.
func (c *Config) DataPollInterval() time.Duration {
	return secondsToDuration(c.Jobs.DataPollInterval)
}

// DaemonAddress returns the loopback address the daemon listens on.
func (c *Config) DaemonAddress() string {
	return DaemonAddress(c.Daemon.Port)
}

// DaemonAddress formats the loopback address for a daemon port.
func DaemonAddress(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// QueueDBPath returns the SQLite database location for this daemon port.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.AppDir, fmt.Sprintf("queue_%d.db", c.Daemon.Port))
}

// LockPath returns the singleton lock file for this daemon port.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.AppDir, fmt.Sprintf("tomato_%d.lock", c.Daemon.Port))
}

// PIDPath returns the pid file for this daemon port.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.AppDir, fmt.Sprintf("tomato_%d.pid", c.Daemon.Port))
}

// DriverSettings returns a copy of the settings table for the named driver.
func (c *Config) DriverSettings(name string) map[string]any {
	src := c.Drivers[name]
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// IdleInterval resolves the idle measurement interval configured for a driver.
// The boolean is false when the settings do not mention the key at all.
func (c *Config) IdleInterval(name string) (time.Duration, bool) {
	return IdleIntervalFrom(c.Drivers[name])
}

// IdleIntervalFrom reads idle_measurement_interval (seconds) from a settings map.
// Zero or negative values disable idle measurements.
func IdleIntervalFrom(settings map[string]any) (time.Duration, bool) {
	raw, ok := settings[IdleMeasurementKey]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return time.Duration(v) * time.Second, true
	case int:
		return time.Duration(v) * time.Second, true
	case float64:
		return secondsToDuration(v), true
	default:
		return 0, false
	}
}

// IdleMeasurementKey is the driver settings key for idle polling.
const IdleMeasurementKey = "idle_measurement_interval"

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample settings file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleSettings), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
