package jobrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tomato/internal/driver"
	"tomato/internal/driverapi"
	"tomato/internal/ipc"
	"tomato/internal/logging"
	"tomato/internal/payload"
)

var errStopped = errors.New("task stopped outside of the job")

func (r *runner) runRole(ctx context.Context, role string, tasks []payload.Task) error {
	route := r.routes[role]
	client := r.drivers[route.Address]
	w := r.writers[role]
	logger := r.logger.With(logging.String("role", role), logging.String(logging.FieldCmp, route.Component))

	// Records cached before the first task belong to idle measurements.
	if _, err := client.TaskData(ctx, route.Component); err != nil {
		return fmt.Errorf("%s: %w", role, err)
	}
	for _, task := range tasks {
		info, err := client.SubmitTask(ctx, route.Component, r.data.JobID, task)
		if err != nil {
			return fmt.Errorf("%s: submit %s: %w", role, task.Label(), err)
		}
		logger.Info("task submitted",
			logging.String(logging.FieldTaskID, info.ID),
			logging.String("task", task.Label()),
			logging.String(logging.FieldEventType, "task_submitted"),
		)
		if err := r.follow(ctx, role, route, client, w, task, info.ID); err != nil {
			return err
		}
		logger.Info("task completed",
			logging.String(logging.FieldTaskID, info.ID),
			logging.String("task", task.Label()),
		)
	}
	return nil
}

// follow polls one task until it finishes, draining data on every poll.
func (r *runner) follow(ctx context.Context, role string, route ipc.Route, client DriverAPI, w *roleWriter, task payload.Task, id string) error {
	every := task.PollEvery()
	if every <= 0 {
		every = r.pollInterval(route)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := r.drain(ctx, role, route, client, w, task); err != nil {
			return err
		}
		info, err := client.TaskStatus(ctx, route.Component, id)
		if err != nil {
			return fmt.Errorf("%s: status of %s: %w", role, task.Label(), err)
		}
		if !info.Started.IsZero() {
			r.propagate(ctx, task, route.Address)
		}
		if !info.State.Terminal() {
			continue
		}
		if err := r.drain(ctx, role, route, client, w, task); err != nil {
			return err
		}
		switch info.State {
		case driver.TaskCompleted:
			return nil
		case driver.TaskFailed:
			return fmt.Errorf("%s: task %s failed: %s", role, task.Label(), info.Error)
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s: %s: %w", role, task.Label(), errStopped)
		}
	}
}

func (r *runner) pollInterval(route ipc.Route) time.Duration {
	if route.Pollrate > 0 {
		return time.Duration(route.Pollrate * float64(time.Second))
	}
	return r.data.PollInterval()
}

func (r *runner) drain(ctx context.Context, role string, route ipc.Route, client DriverAPI, w *roleWriter, task payload.Task) error {
	records, err := client.TaskData(ctx, route.Component)
	if err != nil {
		return fmt.Errorf("%s: data of %s: %w", role, task.Label(), err)
	}
	if err := w.append(toEntries(role, route.Component, task, records)); err != nil {
		return fmt.Errorf("%s: write data: %w", role, err)
	}
	return nil
}

// propagate forwards the start of a named task to the drivers that did not run
// it, so that gates waiting on it open everywhere.
func (r *runner) propagate(ctx context.Context, task payload.Task, origin string) {
	if task.TaskName == "" {
		return
	}
	r.mu.Lock()
	if r.signaled[task.TaskName] {
		r.mu.Unlock()
		return
	}
	r.signaled[task.TaskName] = true
	r.mu.Unlock()
	for addr, client := range r.drivers {
		if addr == origin {
			continue
		}
		if err := client.Signal(ctx, r.data.JobID, task.TaskName); err != nil {
			r.logger.Warn("gate signal failed",
				logging.String("task", task.TaskName),
				logging.String("driver_addr", addr),
				logging.Error(err),
			)
		}
	}
}

func toEntries(role, component string, task payload.Task, records []driverapi.Record) []Entry {
	if len(records) == 0 {
		return nil
	}
	label := ""
	if task.TechniqueName != "" {
		label = task.Label()
	}
	out := make([]Entry, 0, len(records))
	for _, rec := range records {
		out = append(out, Entry{
			Role:      role,
			Component: component,
			Task:      label,
			Technique: task.TechniqueName,
			Data:      rec,
		})
	}
	return out
}
