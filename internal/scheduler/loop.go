package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"tomato/internal/config"
	"tomato/internal/jobrun"
	"tomato/internal/logging"
	"tomato/internal/queue"
	"tomato/internal/registry"
)

// Loop is the scheduling loop of one daemon.
type Loop struct {
	cfg      *config.Config
	store    *queue.Store
	registry *registry.Registry
	spawner  Spawner
	probe    ProcessProbe
	logger   *slog.Logger
	interval time.Duration
	wake     chan struct{}

	mu       sync.Mutex
	passes   int64
	lastPass time.Time
	lastErr  error
}

// Option configures optional Loop behavior.
type Option func(*Loop)

// WithProbe replaces the process liveness probe.
func WithProbe(probe ProcessProbe) Option {
	return func(l *Loop) { l.probe = probe }
}

// WithInterval overrides the configured poll interval.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) { l.interval = d }
}

// New constructs a scheduling loop.
func New(cfg *config.Config, store *queue.Store, reg *registry.Registry, spawner Spawner, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		cfg:      cfg,
		store:    store,
		registry: reg,
		spawner:  spawner,
		probe:    SignalProbe{},
		logger:   logging.NewComponentLogger(logger, "scheduler"),
		interval: cfg.PollInterval(),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.interval <= 0 {
		l.interval = time.Second
	}
	return l
}

// Result summarises one pass.
type Result struct {
	Reaped   []int64
	Waiting  []int64
	Admitted []int64
	Failed   []int64
}

// Run executes passes until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if _, err := l.Pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("scheduling pass failed; retrying next interval",
				logging.Error(err),
				logging.String(logging.FieldEventType, "scheduler_pass_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-l.wake:
		}
	}
}

// Wake requests an early pass.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stats reports the number of passes, the time of the last one and its error.
func (l *Loop) Stats() (int64, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.passes, l.lastPass, l.lastErr
}

// Pass runs one scheduling pass.
func (l *Loop) Pass(ctx context.Context) (Result, error) {
	res, err := l.pass(ctx)
	l.mu.Lock()
	l.passes++
	l.lastPass = time.Now()
	l.lastErr = err
	l.mu.Unlock()
	return res, err
}

func (l *Loop) pass(ctx context.Context) (Result, error) {
	var res Result
	reaped, err := l.reconcile(ctx)
	if err != nil {
		return res, err
	}
	res.Reaped = reaped

	pipelines, err := l.registry.Pipelines(ctx)
	if err != nil {
		return res, fmt.Errorf("list pipelines: %w", err)
	}
	jobs, err := l.store.ListJobs(ctx, queue.StatusQueued, queue.StatusWaiting)
	if err != nil {
		return res, fmt.Errorf("list queued jobs: %w", err)
	}

	taken := make(map[string]bool, len(pipelines))
	for _, pip := range pipelines {
		if pip.Busy() {
			taken[pip.Name] = true
		}
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		candidate, capable := match(job, pipelines, taken)
		if !capable {
			continue
		}
		if job.Status == queue.StatusQueued {
			if err := l.store.MarkQueuedWaiting(ctx, job.ID); err != nil {
				if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
					continue
				}
				return res, err
			}
			job.Status = queue.StatusWaiting
			res.Waiting = append(res.Waiting, job.ID)
			l.logger.Info("job waiting for pipeline",
				logging.Int64(logging.FieldJobID, job.ID),
				logging.String(logging.FieldEventType, "job_waiting"),
			)
		}
		if candidate == nil {
			continue
		}
		admitted, err := l.admit(ctx, job, candidate)
		if err != nil {
			return res, err
		}
		if !admitted {
			continue
		}
		taken[candidate.Name] = true
		if job.Status == queue.StatusFailed {
			res.Failed = append(res.Failed, job.ID)
			continue
		}
		res.Admitted = append(res.Admitted, job.ID)
	}
	return res, nil
}

// match returns the first free pipeline fully matching job and whether any
// pipeline matches its techniques and roles.
func match(job *queue.Job, pipelines []registry.PipelineState, taken map[string]bool) (*registry.PipelineState, bool) {
	if job.Payload == nil {
		return nil, false
	}
	techniques := job.Payload.Techniques()
	roles := job.Payload.Roles()
	capable := false
	for i := range pipelines {
		pip := &pipelines[i]
		if !pip.Supports(techniques) || !bindsRoles(pip, roles) {
			continue
		}
		capable = true
		if taken[pip.Name] {
			continue
		}
		if pip.Ready && pip.Sample != "" && pip.Sample == job.Sample {
			return pip, true
		}
	}
	return nil, capable
}

func bindsRoles(pip *registry.PipelineState, roles []string) bool {
	for _, role := range roles {
		if !slices.ContainsFunc(pip.Bindings, func(b queue.Binding) bool { return b.Role == role }) {
			return false
		}
	}
	return true
}

// admit assigns job to pip and starts its job process. It reports false when
// the pipeline was claimed concurrently. A failure after assignment releases
// the job as failed and sets job.Status accordingly.
func (l *Loop) admit(ctx context.Context, job *queue.Job, pip *registry.PipelineState) (bool, error) {
	logger := l.logger.With(
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldPipeline, pip.Name),
	)
	if err := l.store.Admit(ctx, job.ID, pip.Name, job.Sample); err != nil {
		if errors.Is(err, queue.ErrConflict) {
			logger.Debug("admission lost", logging.Error(err))
			return false, nil
		}
		return false, err
	}
	job.Status = queue.StatusRunning
	job.Pipeline = pip.Name

	pid, jobFile, err := l.start(ctx, job)
	if err != nil {
		logging.ErrorWithContext(logger, "job process failed to start", "job_spawn_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "job marked failed and pipeline released"),
			logging.String(logging.FieldErrorHint, "check the jobs directory and the tomato executable"),
		)
		if rerr := l.store.Release(ctx, job.ID, queue.StatusFailed, err.Error()); rerr != nil {
			return true, fmt.Errorf("release job %d after spawn failure: %w", job.ID, rerr)
		}
		job.Status = queue.StatusFailed
		return true, nil
	}
	logger.Info("job admitted",
		logging.Int("pid", pid),
		logging.String("job_file", jobFile),
		logging.String("sample", job.Sample),
		logging.String(logging.FieldEventType, "job_admitted"),
	)
	return true, nil
}

func (l *Loop) start(ctx context.Context, job *queue.Job) (int, string, error) {
	executed := time.Now()
	if job.ExecutedAt != nil {
		executed = *job.ExecutedAt
	}
	dir := jobrun.Dir(l.cfg.Paths.JobsDir, job.ID)
	jobFile, err := jobrun.WriteJobData(jobrun.JobData{
		JobID:            job.ID,
		Name:             job.DisplayName(),
		Pipeline:         job.Pipeline,
		Sample:           job.Sample,
		Port:             l.cfg.Daemon.Port,
		Dir:              dir,
		DataPollInterval: l.cfg.Jobs.DataPollInterval,
		SnapshotPrefix:   l.cfg.Jobs.SnapshotPrefix,
		Submitted:        job.SubmittedAt,
		Executed:         executed,
		Payload:          job.Payload,
	})
	if err != nil {
		return 0, "", err
	}
	pid, err := l.spawner.Spawn(ctx, job, jobFile)
	if err != nil {
		return 0, jobFile, err
	}
	if err := l.store.SetJobProcess(ctx, job.ID, pid, dir); err != nil {
		return pid, jobFile, fmt.Errorf("record job process: %w", err)
	}
	return pid, jobFile, nil
}

// reconcile releases running jobs whose process is gone: r becomes ce and rd
// becomes cd.
func (l *Loop) reconcile(ctx context.Context) ([]int64, error) {
	jobs, err := l.store.ListJobs(ctx, queue.StatusRunning, queue.StatusCancelRequested)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	var reaped []int64
	for _, job := range jobs {
		if job.PID > 0 && l.probe.Alive(job.PID) {
			continue
		}
		to := queue.StatusFailed
		msg := "job process exited without reporting a result"
		if job.Status == queue.StatusCancelRequested {
			to = queue.StatusCancelled
			msg = ""
		}
		if err := l.store.Release(ctx, job.ID, to, msg); err != nil {
			if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return reaped, err
		}
		reaped = append(reaped, job.ID)
		logging.WarnWithContext(l.logger, "job process gone; job released", "job_reaped",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Int("pid", job.PID),
			logging.String("status", string(to)),
			logging.String(logging.FieldPipeline, job.Pipeline),
			logging.String(logging.FieldImpact, "pipeline freed for the next job"),
		)
	}
	return reaped, nil
}
