package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDaemon()
	c.normalizeJobs()
	c.normalizeLogging()
	c.normalizeHotplug()
	if c.Drivers == nil {
		c.Drivers = map[string]map[string]any{}
	}
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	c.API.Token = strings.TrimSpace(c.API.Token)
	c.Maintenance.Schedule = strings.TrimSpace(c.Maintenance.Schedule)
	c.Notify.NtfyTopic = strings.TrimSpace(c.Notify.NtfyTopic)
	if c.Notify.RequestTimeout <= 0 {
		c.Notify.RequestTimeout = defaultNotifyTimeout
	}
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		key      string
		value    *string
		fallback string
	}{
		{"paths.app_dir", &c.Paths.AppDir, defaultAppDir},
		{"paths.log_dir", &c.Paths.LogDir, defaultLogDir},
		{"paths.jobs_dir", &c.Paths.JobsDir, defaultJobsDir},
		{"paths.devices_file", &c.Paths.DevicesFile, defaultDevicesFile},
	}
	for _, field := range fields {
		if strings.TrimSpace(*field.value) == "" {
			*field.value = field.fallback
		}
		expanded, err := expandPath(strings.TrimSpace(*field.value))
		if err != nil {
			return fmt.Errorf("%s: %w", field.key, err)
		}
		*field.value = expanded
	}
	return nil
}

func (c *Config) normalizeDaemon() {
	if c.Daemon.PollInterval == 0 {
		c.Daemon.PollInterval = defaultPollInterval
	}
	if c.Daemon.StateInterval == 0 {
		c.Daemon.StateInterval = defaultStateInterval
	}
	if c.Daemon.DriverTimeout == 0 {
		c.Daemon.DriverTimeout = defaultDriverTimeout
	}
}

func (c *Config) normalizeJobs() {
	if c.Jobs.DataPollInterval == 0 {
		c.Jobs.DataPollInterval = defaultDataPollInterval
	}
	c.Jobs.SnapshotPrefix = strings.TrimSpace(c.Jobs.SnapshotPrefix)
	if c.Jobs.SnapshotPrefix == "" {
		c.Jobs.SnapshotPrefix = defaultSnapshotPrefix
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeHotplug() {
	subsystems := make([]string, 0, len(c.Hotplug.Subsystems))
	for _, s := range c.Hotplug.Subsystems {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			subsystems = append(subsystems, trimmed)
		}
	}
	if len(subsystems) == 0 {
		subsystems = strings.Split(defaultHotplugSubsystems, ",")
	}
	c.Hotplug.Subsystems = subsystems
}
