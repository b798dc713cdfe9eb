package config

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateJobs(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateMaintenance(); err != nil {
		return err
	}
	return c.validateDrivers()
}

func (c *Config) validateDaemon() error {
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port must be between 1 and 65535, got %d", c.Daemon.Port)
	}
	if c.Daemon.PollInterval < 0 {
		return errors.New("daemon.poll_interval must be positive")
	}
	if c.Daemon.StateInterval < 0 {
		return errors.New("daemon.state_interval must be positive")
	}
	if c.Daemon.DriverTimeout < 0 {
		return errors.New("daemon.driver_timeout must be positive")
	}
	return nil
}

func (c *Config) validateJobs() error {
	if c.Jobs.DataPollInterval < 0 {
		return errors.New("jobs.data_poll_interval must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be zero or positive")
	}
	return nil
}

// MaintenanceParser is the cron dialect accepted by maintenance.schedule.
var MaintenanceParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (c *Config) validateMaintenance() error {
	if c.Maintenance.Schedule == "" {
		return nil
	}
	if _, err := MaintenanceParser.Parse(c.Maintenance.Schedule); err != nil {
		return fmt.Errorf("maintenance.schedule: %w", err)
	}
	return nil
}

func (c *Config) validateDrivers() error {
	for name, settings := range c.Drivers {
		raw, ok := settings[IdleMeasurementKey]
		if !ok || raw == nil {
			continue
		}
		switch raw.(type) {
		case int64, int, float64:
		default:
			return fmt.Errorf("drivers.%s.%s must be a number of seconds", name, IdleMeasurementKey)
		}
	}
	return nil
}
