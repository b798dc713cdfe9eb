package jobrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tomato/internal/driver"
	"tomato/internal/driverapi"
	"tomato/internal/ipc"
	"tomato/internal/logging"
	"tomato/internal/payload"
	"tomato/internal/queue"
)

const releaseTimeout = 10 * time.Second

// DaemonAPI is the part of the daemon surface a job process uses.
type DaemonAPI interface {
	JobAttach(ctx context.Context, id int64, pid int) (ipc.JobAttachResponse, error)
	JobStatus(ctx context.Context, ids ...int64) (ipc.JobStatusResponse, error)
	JobRelease(ctx context.Context, req ipc.JobReleaseRequest) (string, error)
}

// DriverAPI is the part of the driver surface a job process uses.
type DriverAPI interface {
	SubmitTask(ctx context.Context, component string, jobID int64, task payload.Task) (driver.TaskInfo, error)
	TaskStatus(ctx context.Context, component, taskID string) (driver.TaskInfo, error)
	StopTasks(ctx context.Context, component string, jobID int64) ([]driver.TaskInfo, error)
	TaskData(ctx context.Context, component string) ([]driverapi.Record, error)
	Signal(ctx context.Context, jobID int64, taskName string) error
}

// Clients supplies the IPC clients of a job process. Nil members default to
// the net/rpc clients.
type Clients struct {
	Daemon DaemonAPI
	Driver func(addr string) DriverAPI
}

// Options configures Run.
type Options struct {
	Port    int
	JobFile string
	Clients Clients
	// Logger defaults to a JSON log written to job.log in the job directory.
	Logger        *slog.Logger
	DriverTimeout time.Duration
	// PID is reported to the daemon. Defaults to the current process.
	PID int
}

// Outcome is the result of a job process.
type Outcome struct {
	Status       queue.Status
	Message      string
	ResultPath   string
	SnapshotPath string
}

type runner struct {
	data    JobData
	logger  *slog.Logger
	daemon  DaemonAPI
	routes  map[string]ipc.Route
	drivers map[string]DriverAPI
	writers map[string]*roleWriter

	mu       sync.Mutex
	signaled map[string]bool
}

// Run executes the job described by opts.JobFile and releases it.
func Run(ctx context.Context, opts Options) (Outcome, error) {
	data, err := ReadJobData(opts.JobFile)
	if err != nil {
		return Outcome{}, err
	}
	if opts.Port != 0 && data.Port != 0 && opts.Port != data.Port {
		return Outcome{}, fmt.Errorf("job %d belongs to the daemon on port %d, not %d", data.JobID, data.Port, opts.Port)
	}
	port := data.Port
	if port == 0 {
		port = opts.Port
	}

	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(logging.Options{
			Level:       verbosityLevel(data.Payload.Settings.Verbosity),
			Format:      "json",
			OutputPaths: []string{filepath.Join(data.Dir, LogFile)},
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("job log: %w", err)
		}
	}
	logger = logging.NewComponentLogger(logger, "job").With(
		logging.Int64(logging.FieldJobID, data.JobID),
		logging.String(logging.FieldPipeline, data.Pipeline),
	)
	ctx = logging.WithJobID(ctx, data.JobID)

	daemon := opts.Clients.Daemon
	if daemon == nil {
		client := ipc.NewDaemonClient(port, opts.DriverTimeout)
		defer client.Close()
		daemon = client
	}
	dial := opts.Clients.Driver
	if dial == nil {
		dial = func(addr string) DriverAPI { return ipc.NewDriverClient(addr, opts.DriverTimeout) }
	}
	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}

	attach, err := daemon.JobAttach(ctx, data.JobID, pid)
	if err != nil {
		logging.ErrorWithContext(logger, "attach to daemon failed", "job_attach_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the scheduler releases the job once this process exits"),
		)
		return Outcome{}, fmt.Errorf("attach job %d: %w", data.JobID, err)
	}
	if status := queue.Status(attach.Job.Status); status.IsTerminal() {
		logger.Warn("job already finished; nothing to do", logging.String("status", string(status)))
		return Outcome{Status: status}, nil
	}

	r := &runner{
		data:     data,
		logger:   logger,
		daemon:   daemon,
		routes:   make(map[string]ipc.Route, len(attach.Routes)),
		drivers:  make(map[string]DriverAPI),
		writers:  make(map[string]*roleWriter),
		signaled: make(map[string]bool),
	}
	for _, route := range attach.Routes {
		r.routes[route.Role] = route
		if _, ok := r.drivers[route.Address]; !ok {
			r.drivers[route.Address] = dial(route.Address)
		}
	}
	defer r.closeClients()

	logger.Info("job started",
		logging.String("sample", data.Sample),
		logging.Int("tasks", len(data.Payload.Method)),
		logging.Int("pid", pid),
		logging.String(logging.FieldEventType, "job_started"),
	)
	outcome := r.execute(ctx)
	status, err := r.release(outcome)
	if err != nil {
		logging.ErrorWithContext(logger, "release failed", "job_release_failed",
			logging.Error(err),
			logging.String("status", string(outcome.Status)),
			logging.String(logging.FieldImpact, "the scheduler releases the job once this process exits"),
		)
		return outcome, err
	}
	outcome.Status = status
	logger.Info("job finished",
		logging.String("status", string(outcome.Status)),
		logging.String("result", outcome.ResultPath),
		logging.String(logging.FieldEventType, "job_finished"),
	)
	return outcome, nil
}

func verbosityLevel(v string) string {
	if v == "" {
		return "info"
	}
	return v
}

func (r *runner) closeClients() {
	for _, c := range r.drivers {
		if closer, ok := c.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

func (r *runner) execute(ctx context.Context) Outcome {
	tasks := r.data.Payload.TasksByRole()
	roles := make([]string, 0, len(tasks))
	for role := range tasks {
		if _, ok := r.routes[role]; !ok {
			return Outcome{Status: queue.StatusFailed, Message: fmt.Sprintf("pipeline %s has no component for role %q", r.data.Pipeline, role)}
		}
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		w, err := openRoleWriter(r.data.Dir, role)
		if err != nil {
			r.closeWriters()
			return Outcome{Status: queue.StatusFailed, Message: err.Error()}
		}
		r.writers[role] = w
	}
	defer r.closeWriters()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(roles))
	var wg sync.WaitGroup
	for _, role := range roles {
		wg.Add(1)
		go func(role string) {
			defer wg.Done()
			errCh <- r.runRole(runCtx, role, tasks[role])
		}(role)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	statusTicker := time.NewTicker(r.data.StatusInterval())
	defer statusTicker.Stop()
	var snapC <-chan time.Time
	snapshotPath := ""
	if snap := r.data.Payload.Settings.Snapshot; snap != nil {
		snapshotPath = SnapshotPath(r.data.Dir, r.data.JobID, r.data.Payload, r.data.SnapshotPrefix)
		ticker := time.NewTicker(snap.Interval())
		defer ticker.Stop()
		snapC = ticker.C
	}

	var (
		cancelled bool
		failure   error
	)
	fail := func(err error) {
		if failure == nil && !cancelled {
			failure = err
		}
		cancel()
	}
wait:
	for {
		select {
		case <-done:
			break wait
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				fail(err)
			}
		case <-statusTicker.C:
			if r.cancelRequested(ctx) && !cancelled && failure == nil {
				cancelled = true
				r.logger.Info("cancel requested; stopping tasks", logging.String(logging.FieldEventType, "job_cancelling"))
				cancel()
			}
		case <-snapC:
			if _, err := Merge(r.data.Dir, snapshotPath); err != nil {
				r.logger.Warn("snapshot failed", logging.Error(err), logging.String("path", snapshotPath))
			}
		case <-ctx.Done():
			fail(fmt.Errorf("job process interrupted: %w", ctx.Err()))
		}
	}
	for {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				fail(err)
			}
			continue
		default:
		}
		break
	}

	// Stopping also frees the job's gate state on the drivers, so it runs
	// after successful jobs too.
	r.stopAll(cancelled || failure != nil)
	outcome := Outcome{SnapshotPath: snapshotPath}
	switch {
	case cancelled:
		outcome.Status = queue.StatusCancelled
	case failure != nil:
		outcome.Status = queue.StatusFailed
		outcome.Message = failure.Error()
	default:
		outcome.Status = queue.StatusCompleted
	}
	resultPath := OutputPath(r.data.Dir, r.data.JobID, r.data.Payload)
	r.closeWriters()
	n, err := Merge(r.data.Dir, resultPath)
	if err != nil {
		r.logger.Warn("merging results failed", logging.Error(err), logging.String("path", resultPath))
		if outcome.Status == queue.StatusCompleted {
			outcome.Status = queue.StatusFailed
			outcome.Message = fmt.Sprintf("merge results: %v", err)
		}
		return outcome
	}
	outcome.ResultPath = resultPath
	r.logger.Debug("results merged", logging.Int("entries", n), logging.String("path", resultPath))
	return outcome
}

func (r *runner) closeWriters() {
	for role, w := range r.writers {
		_ = w.close()
		delete(r.writers, role)
	}
}

func (r *runner) cancelRequested(ctx context.Context) bool {
	resp, err := r.daemon.JobStatus(ctx, r.data.JobID)
	if err != nil {
		r.logger.Debug("job status poll failed", logging.Error(err))
		return false
	}
	for _, job := range resp.Jobs {
		if job.ID == r.data.JobID {
			return queue.Status(job.Status) == queue.StatusCancelRequested
		}
	}
	return false
}

// stopAll stops the job's tasks on every component. With keepData the
// records they produced so far are appended to the role files.
func (r *runner) stopAll(keepData bool) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	for role, route := range r.routes {
		client := r.drivers[route.Address]
		if _, err := client.StopTasks(ctx, route.Component, r.data.JobID); err != nil {
			r.logger.Warn("stopping tasks failed",
				logging.String("role", role),
				logging.String(logging.FieldCmp, route.Component),
				logging.Error(err),
			)
		}
		w, ok := r.writers[role]
		if !keepData || !ok {
			continue
		}
		records, err := client.TaskData(ctx, route.Component)
		if err != nil {
			continue
		}
		_ = w.append(toEntries(role, route.Component, payload.Task{}, records))
	}
}

func (r *runner) release(outcome Outcome) (queue.Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	status, err := r.daemon.JobRelease(ctx, ipc.JobReleaseRequest{
		JobID:        r.data.JobID,
		Status:       string(outcome.Status),
		Message:      outcome.Message,
		ResultPath:   outcome.ResultPath,
		SnapshotPath: outcome.SnapshotPath,
	})
	if err != nil {
		return outcome.Status, err
	}
	if status == "" {
		return outcome.Status, nil
	}
	return queue.Status(status), nil
}
