package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"tomato/internal/queue"
)

// Spawner starts the job process of an admitted job and returns its pid.
type Spawner interface {
	Spawn(ctx context.Context, job *queue.Job, jobFile string) (int, error)
}

// ProcessProbe reports whether a process is still alive.
type ProcessProbe interface {
	Alive(pid int) bool
}

// SignalProbe probes processes with signal 0.
type SignalProbe struct{}

// Alive reports whether pid exists. A permission error still means the
// process exists.
func (SignalProbe) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// ExecSpawner runs "tomato job" for each admitted job.
type ExecSpawner struct {
	// Executable defaults to the running binary.
	Executable string
	Port       int
	ConfigPath string
}

// Spawn starts the job process in its own process group so that signals sent
// to the daemon do not reach it. Output not captured by the job log goes to
// job.out in the job directory. The child is reaped in the background.
func (s ExecSpawner) Spawn(_ context.Context, job *queue.Job, jobFile string) (int, error) {
	exe := s.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}
	args := []string{"job", "--port", strconv.Itoa(s.Port)}
	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}
	args = append(args, jobFile)

	dir := filepath.Dir(jobFile)
	out, err := os.OpenFile(filepath.Join(dir, "job.out"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open job output: %w", err)
	}
	cmd := exec.Command(exe, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("start job %d: %w", job.ID, err)
	}
	go func() {
		_ = cmd.Wait()
		_ = out.Close()
	}()
	return cmd.Process.Pid, nil
}
