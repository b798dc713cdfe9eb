package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tomato/internal/api"
	"tomato/internal/config"
	"tomato/internal/ipc"
	"tomato/internal/queue"
)

const pollInterval = 200 * time.Millisecond

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	Port       int
	ConfigPath string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State  StartState
	PID    int
	Status api.DaemonStatus
}

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Launch starts a detached tomato daemon process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon", "--port", strconv.Itoa(opts.Port)}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// IsUnavailable reports whether err means nothing listens on the daemon port.
func IsUnavailable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, os.ErrNotExist)
}

// status asks the daemon on port for its status.
func status(ctx context.Context, port int) (api.DaemonStatus, error) {
	client := ipc.NewDaemonClient(port, 2*time.Second)
	defer client.Close()
	return client.Status(ctx)
}

// WaitForClient waits for the daemon to answer and returns its status.
func WaitForClient(ctx context.Context, port int, timeout time.Duration) (api.DaemonStatus, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := status(ctx, port)
		if err == nil && st.Running {
			return st, nil
		}
		if err == nil {
			err = errors.New("daemon not ready")
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return api.DaemonStatus{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return api.DaemonStatus{}, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless one already answers on the port.
func EnsureStarted(ctx context.Context, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if st, err := status(ctx, opts.Port); err == nil && st.Running {
		return StartResult{State: StartStateAlreadyRunning, PID: st.PID, Status: st}, nil
	}
	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	st, err := WaitForClient(ctx, opts.Port, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{State: StartStateStarted, PID: st.PID, Status: st}, nil
}

// WaitForShutdown waits until nothing answers on the daemon port.
func WaitForShutdown(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := status(ctx, port); err != nil && IsUnavailable(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("daemon on port %d did not stop within %s", port, timeout)
}

// StopResult captures daemon stop outcome.
type StopResult struct {
	PID     int
	Message string
}

// StopAndWait asks the daemon to stop and waits for its port to close. A
// daemon with running jobs refuses; the refusal is returned unchanged.
func StopAndWait(ctx context.Context, port int, timeout time.Duration) (StopResult, error) {
	client := ipc.NewDaemonClient(port, 2*time.Second)
	defer client.Close()

	st, err := client.Status(ctx)
	if err != nil {
		if IsUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	if err := client.Stop(ctx); err != nil {
		return StopResult{PID: st.PID}, err
	}
	_ = client.Close()
	if err := WaitForShutdown(ctx, port, timeout); err != nil {
		return StopResult{PID: st.PID}, err
	}
	return StopResult{PID: st.PID, Message: "daemon stopped"}, nil
}

// BuildStatusSnapshot returns the live daemon status, or an offline status
// assembled from the queue database when no daemon answers.
func BuildStatusSnapshot(ctx context.Context, cfg *config.Config) (api.DaemonStatus, error) {
	if cfg == nil {
		return api.DaemonStatus{}, errors.New("configuration not available")
	}
	st, err := status(ctx, cfg.Daemon.Port)
	if err == nil {
		return st, nil
	}
	if !IsUnavailable(err) {
		return api.DaemonStatus{}, err
	}

	offline := api.DaemonStatus{
		Port:         cfg.Daemon.Port,
		LockFilePath: cfg.LockPath(),
		DevicesFile:  cfg.Paths.DevicesFile,
	}
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	store, openErr := queue.Open(cfg)
	if openErr != nil {
		return offline, nil
	}
	defer store.Close()
	offline.QueueDBPath = store.Path()
	if stats, err := store.Stats(queryCtx); err == nil {
		offline.JobStats = api.MergeJobStats(stats)
	}
	if pips, err := store.ListPipelines(queryCtx); err == nil {
		offline.Pipelines = len(pips)
	}
	return offline, nil
}
