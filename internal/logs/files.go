package logs

import (
	"fmt"
	"path/filepath"

	"tomato/internal/config"
	"tomato/internal/jobrun"
)

// DaemonFile is the log file name of the daemon listening on port.
func DaemonFile(port int) string {
	return fmt.Sprintf("daemon_%d.log", port)
}

// DriverFile is the log file name of a driver process of the daemon on port.
func DriverFile(driver string, port int) string {
	return fmt.Sprintf("driver_%s_%d.log", driver, port)
}

// DaemonPath returns the daemon log path for cfg.
func DaemonPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, DaemonFile(cfg.Daemon.Port))
}

// DriverPath returns the log path of the named driver for cfg.
func DriverPath(cfg *config.Config, driver string) string {
	return filepath.Join(cfg.Paths.LogDir, DriverFile(driver, cfg.Daemon.Port))
}

// JobPath returns the log path of a job process.
func JobPath(cfg *config.Config, id int64) string {
	return filepath.Join(jobrun.Dir(cfg.Paths.JobsDir, id), jobrun.LogFile)
}
