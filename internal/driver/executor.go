package driver

import (
	"context"
	"errors"
	"time"

	"tomato/internal/driverapi"
	"tomato/internal/logging"
	"tomato/internal/payload"
)

// executor runs queued tasks one at a time.
func (c *component) executor() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case entry := <-c.tasks:
			ctx, ok := c.begin(entry)
			if !ok {
				continue
			}
			err := c.execute(ctx, entry)
			c.finish(entry, err)
		}
	}
}

// begin moves entry from pending to active. It reports false when the entry
// was stopped while queued.
func (c *component) begin(entry *taskEntry) (context.Context, bool) {
	var (
		ctx context.Context
		ok  bool
	)
	err := c.do(func(s *cmpState) {
		if entry.info.State != TaskQueued {
			return
		}
		for i, e := range s.pending {
			if e == entry {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(c.ctx)
		entry.cancel = cancel
		if entry.task.StartWithTaskName != "" {
			entry.info.State = TaskWaiting
		} else {
			entry.info.State = TaskRunning
			entry.info.Started = time.Now().UTC()
		}
		s.active = entry
		ok = true
	})
	return ctx, err == nil && ok
}

func (c *component) finish(entry *taskEntry, runErr error) {
	state := TaskCompleted
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		state = TaskStopped
	default:
		state = TaskFailed
	}
	_ = c.do(func(s *cmpState) {
		if entry.cancel != nil {
			entry.cancel()
		}
		entry.info.State = state
		entry.info.Finished = time.Now().UTC()
		if state == TaskFailed {
			entry.info.Error = runErr.Error()
		}
		if s.active == entry {
			s.active = nil
		}
		s.lastActivity = time.Now()
		if !entry.measure {
			c.remember(s, entry)
		}
	})

	logger := c.logger.With(logging.String(logging.FieldTaskID, entry.info.ID))
	switch state {
	case TaskFailed:
		logging.ErrorWithContext(logger, "task failed", "task_failed",
			logging.String("technique", entry.info.Technique),
			logging.Error(runErr),
			logging.String(logging.FieldErrorHint, "check the component connection and task parameters"),
		)
		if driverapi.IsFatal(runErr) {
			c.host.reportFatal(runErr)
		}
	case TaskStopped:
		logger.Info("task stopped", logging.String("technique", entry.info.Technique))
	default:
		if entry.measure {
			logger.Debug("measurement done")
		} else {
			logger.Info("task done", logging.String("technique", entry.info.Technique))
		}
	}
}

func (c *component) execute(ctx context.Context, entry *taskEntry) error {
	if entry.measure {
		c.hw.Lock()
		rec, err := c.dev.Measure(ctx)
		c.hw.Unlock()
		if err != nil {
			return err
		}
		return c.do(func(s *cmpState) { s.last = &rec })
	}

	task := entry.task
	jobID := entry.info.JobID
	if name := task.StartWithTaskName; name != "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.host.gates.wait(jobID, name):
		}
		if err := c.do(func(*cmpState) {
			entry.info.State = TaskRunning
			entry.info.Started = time.Now().UTC()
		}); err != nil {
			return err
		}
	}

	if err := c.prepare(ctx, task); err != nil {
		return err
	}
	if hooks, ok := c.dev.(driverapi.TaskHooks); ok {
		c.hw.Lock()
		err := hooks.OnTaskStart(ctx, task)
		c.hw.Unlock()
		if err != nil {
			return err
		}
		defer func() {
			c.hw.Lock()
			defer c.hw.Unlock()
			if err := hooks.OnTaskStop(context.WithoutCancel(ctx), task); err != nil {
				c.logger.Warn("task stop hook failed", logging.Error(err))
			}
		}()
	}
	if task.TaskName != "" {
		c.host.gates.signal(jobID, task.TaskName)
	}
	return c.poll(ctx, task, jobID)
}

func (c *component) prepare(ctx context.Context, task payload.Task) error {
	c.hw.Lock()
	defer c.hw.Unlock()
	if preparer, ok := c.dev.(driverapi.TaskPreparer); ok {
		return preparer.PrepareTask(ctx, task)
	}
	attrs := c.dev.Attrs()
	for name, value := range task.TechniqueParams {
		coerced, err := driverapi.ValidateSet(attrs, name, value)
		if err != nil {
			return err
		}
		if _, err := c.dev.SetAttr(ctx, name, coerced); err != nil {
			return err
		}
	}
	return nil
}

// poll samples the device every sample interval until the task times out,
// its stop gate opens, or ctx is cancelled.
func (c *component) poll(ctx context.Context, task payload.Task, jobID int64) error {
	started := time.Now()
	deadline := time.NewTimer(task.Duration())
	defer deadline.Stop()
	ticker := time.NewTicker(task.Interval())
	defer ticker.Stop()

	var stopGate <-chan struct{}
	if task.StopWithTaskName != "" {
		stopGate = c.host.gates.wait(jobID, task.StopWithTaskName)
	}
	poller, custom := c.dev.(driverapi.TaskPoller)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-stopGate:
			c.logger.Info("task stopped by gate", logging.String("gate", task.StopWithTaskName))
			return nil
		case now := <-ticker.C:
			var (
				records []driverapi.Record
				err     error
			)
			c.hw.Lock()
			if custom {
				records, err = poller.DoTask(ctx, driverapi.TaskRun{Task: task, Started: started, Now: now})
			} else {
				var rec driverapi.Record
				rec, err = c.dev.Measure(ctx)
				records = []driverapi.Record{rec}
			}
			c.hw.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			if len(records) == 0 {
				continue
			}
			if err := c.do(func(s *cmpState) {
				s.data = append(s.data, records...)
				last := records[len(records)-1]
				s.last = &last
			}); err != nil {
				return err
			}
		}
	}
}
