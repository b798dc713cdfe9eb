package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"tomato/internal/config"
	"tomato/internal/daemon"
	"tomato/internal/logging"
	"tomato/internal/logs"
	"tomato/internal/preflight"
	"tomato/internal/queue"
	"tomato/internal/registry"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// ConfigPath is the settings file re-read on reload.
	ConfigPath string
	// Console mirrors the log to stderr.
	Console bool
}

// Run starts the tomato daemon and blocks until it is stopped over RPC or
// the process receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, logPath, err := logging.NewFromConfig(cfg, logs.DaemonFile(cfg.Daemon.Port), opts.Console)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	for _, check := range preflight.Failed(preflight.RunAll(cfg)) {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", check.Name),
			logging.String("detail", check.Detail),
			logging.String(logging.FieldErrorHint, "fix the settings or devices file, then run tomato reload"),
		)
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}
	defer store.Close()

	reg, err := registry.New(signalCtx, store, logger)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	d, err := daemon.New(cfg, store, reg, logger,
		daemon.WithConfigPath(opts.ConfigPath),
		daemon.WithLogPath(logPath),
	)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	// Signals are handled below so that running jobs can finish.
	if err := d.Start(context.WithoutCancel(cmdCtx)); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the devices file, the lock file and the port"),
		)
		return err
	}

	select {
	case <-d.Done():
		logger.Info("tomato daemon exiting", logging.String("reason", "stop request"))
		return nil
	case <-signalCtx.Done():
	}
	return shutdown(d, logger)
}

// shutdown stops the daemon after a signal. Running jobs keep it alive until
// they finish.
func shutdown(d *daemon.Daemon, logger *slog.Logger) error {
	for {
		err := d.Stop(context.Background())
		if !errors.Is(err, daemon.ErrJobsRunning) {
			return err
		}
		logging.WarnWithContext(logger, "shutdown deferred while jobs run", "shutdown_deferred",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "cancel the running jobs to stop immediately"),
		)
		select {
		case <-d.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
