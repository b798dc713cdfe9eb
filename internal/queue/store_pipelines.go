package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
)

// UpsertPipeline creates a pipeline or replaces its bindings. It reports
// whether anything changed. Bindings of a pipeline with a running job cannot
// change.
func (s *Store) UpsertPipeline(ctx context.Context, name string, bindings []Binding) (bool, error) {
	ctx = ensureContext(ctx)
	changed := false
	err := s.withTx(ctx, func(tx txRunner) error {
		changed = false
		var runningJob sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT running_job FROM pipelines WHERE name = ?`, name).Scan(&runningJob)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pipelines (name, ready, updated_at) VALUES (?, 0, ?)`, name, now()); err != nil {
				return fmt.Errorf("insert pipeline %s: %w", name, err)
			}
		case err != nil:
			return fmt.Errorf("read pipeline %s: %w", name, err)
		default:
			current, err := loadBindings(ctx, tx, name)
			if err != nil {
				return err
			}
			if slices.Equal(current, bindings) {
				return nil
			}
			if runningJob.Valid {
				return fmt.Errorf("pipeline %s is running job %d: %w", name, runningJob.Int64, ErrConflict)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_components WHERE pipeline = ?`, name); err != nil {
				return fmt.Errorf("clear bindings of %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE pipelines SET updated_at = ? WHERE name = ?`, now(), name); err != nil {
				return fmt.Errorf("touch pipeline %s: %w", name, err)
			}
		}
		for i, b := range bindings {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pipeline_components (pipeline, role, component, position) VALUES (?, ?, ?, ?)`,
				name, b.Role, b.Component, i); err != nil {
				return fmt.Errorf("bind %s/%s: %w", name, b.Role, err)
			}
		}
		changed = true
		return nil
	})
	return changed, err
}

// DeletePipeline removes a pipeline that is not running a job.
func (s *Store) DeletePipeline(ctx context.Context, name string) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx txRunner) error {
		var runningJob sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT running_job FROM pipelines WHERE name = ?`, name).Scan(&runningJob)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pipeline %s: %w", name, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read pipeline %s: %w", name, err)
		}
		if runningJob.Valid {
			return fmt.Errorf("pipeline %s is running job %d: %w", name, runningJob.Int64, ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pipelines WHERE name = ?`, name); err != nil {
			return fmt.Errorf("delete pipeline %s: %w", name, err)
		}
		return nil
	})
}

// GetPipeline fetches one pipeline with its bindings. A missing pipeline
// yields (nil, nil).
func (s *Store) GetPipeline(ctx context.Context, name string) (*Pipeline, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE name = ?`, name)
	pip, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", name, err)
	}
	pip.Bindings, err = loadBindings(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	return pip, nil
}

// ListPipelines returns every pipeline ordered by name.
func (s *Store) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	var pipelines []*Pipeline
	byName := make(map[string]*Pipeline)
	for rows.Next() {
		pip, err := scanPipeline(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		pipelines = append(pipelines, pip)
		byName[pip.Name] = pip
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	bindRows, err := s.db.QueryContext(ctx,
		`SELECT pipeline, role, component FROM pipeline_components ORDER BY pipeline, position`)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer bindRows.Close()
	for bindRows.Next() {
		var pipName string
		var b Binding
		if err := bindRows.Scan(&pipName, &b.Role, &b.Component); err != nil {
			return nil, err
		}
		if pip, ok := byName[pipName]; ok {
			pip.Bindings = append(pip.Bindings, b)
		}
	}
	return pipelines, bindRows.Err()
}

func loadBindings(ctx context.Context, q txRunner, name string) ([]Binding, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT role, component FROM pipeline_components WHERE pipeline = ? ORDER BY position`, name)
	if err != nil {
		return nil, fmt.Errorf("load bindings of %s: %w", name, err)
	}
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.Role, &b.Component); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// LoadSample places sample into an empty pipeline.
func (s *Store) LoadSample(ctx context.Context, name, sample string) error {
	if sample == "" {
		return errors.New("load: sample name is required")
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE pipelines SET sample = ?, updated_at = ? WHERE name = ? AND sample IS NULL`,
		sample, now(), name)
	if err != nil {
		return fmt.Errorf("load sample: %w", err)
	}
	return s.checkPipelineUpdate(ctx, res, name)
}

// EjectSample removes the sample from a pipeline that is not running a job
// and clears its ready flag. Ejecting an empty pipeline succeeds.
func (s *Store) EjectSample(ctx context.Context, name string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE pipelines SET sample = NULL, ready = 0, updated_at = ? WHERE name = ? AND running_job IS NULL`,
		now(), name)
	if err != nil {
		return fmt.Errorf("eject sample: %w", err)
	}
	return s.checkPipelineUpdate(ctx, res, name)
}

// SetReady sets the ready flag of a pipeline.
func (s *Store) SetReady(ctx context.Context, name string, ready bool) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE pipelines SET ready = ?, updated_at = ? WHERE name = ?`,
		boolToInt(ready), now(), name)
	if err != nil {
		return fmt.Errorf("set ready: %w", err)
	}
	return s.checkPipelineUpdate(ctx, res, name)
}

// Admit assigns a waiting job to a pipeline. The pipeline must still be free,
// ready and hold sample, and the job must still be waiting; otherwise
// ErrConflict is returned and nothing changes. Admission consumes the ready
// flag.
func (s *Store) Admit(ctx context.Context, jobID int64, pipeline, sample string) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx txRunner) error {
		ts := now()
		res, err := tx.ExecContext(ctx,
			`UPDATE pipelines SET running_job = ?, ready = 0, updated_at = ?
             WHERE name = ? AND running_job IS NULL AND ready = 1 AND sample = ?`,
			jobID, ts, pipeline, sample)
		if err != nil {
			return fmt.Errorf("claim pipeline %s: %w", pipeline, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("pipeline %s is not available: %w", pipeline, ErrConflict)
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, pipeline = ?, executed_at = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			StatusRunning, pipeline, ts, ts, jobID, StatusWaiting)
		if err != nil {
			return fmt.Errorf("start job %d: %w", jobID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("job %d is not waiting: %w", jobID, ErrConflict)
		}
		return nil
	})
}

// Release finishes a running job with a terminal status and frees its
// pipeline in one transaction. The pipeline stays ready only when the job
// completed and asked to remain ready.
func (s *Store) Release(ctx context.Context, jobID int64, to Status, message string) error {
	_, err := s.release(ctx, jobID, to, releaseOptions{message: message})
	return err
}

// Finish releases a job with the status reported by its job process and
// stores the result paths in the same transaction. A job whose cancel was
// requested finishes as cancelled even when the process reports completion.
// It returns the status the job ended in.
func (s *Store) Finish(ctx context.Context, jobID int64, reported Status, message, resultPath, snapshotPath string) (Status, error) {
	return s.release(ctx, jobID, reported, releaseOptions{
		message:      message,
		resultPath:   resultPath,
		snapshotPath: snapshotPath,
		cancelWins:   true,
	})
}

type releaseOptions struct {
	message      string
	resultPath   string
	snapshotPath string
	cancelWins   bool
}

func (s *Store) release(ctx context.Context, jobID int64, to Status, opts releaseOptions) (Status, error) {
	ctx = ensureContext(ctx)
	if !to.IsTerminal() {
		return "", fmt.Errorf("%w: release to %s", ErrInvalidTransition, to)
	}
	var final Status
	err := s.withTx(ctx, func(tx txRunner) error {
		var (
			current     Status
			pipeline    sql.NullString
			remainReady int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, pipeline, remain_ready FROM jobs WHERE id = ?`, jobID,
		).Scan(&current, &pipeline, &remainReady)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %d: %w", jobID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read job %d: %w", jobID, err)
		}
		target := to
		if opts.cancelWins && current == StatusCancelRequested && target == StatusCompleted {
			target = StatusCancelled
		}
		if !current.IsActive() || !CanTransition(current, target) {
			return fmt.Errorf("%w: job %d %s -> %s", ErrInvalidTransition, jobID, current, target)
		}
		ts := now()
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error_message = COALESCE(?, error_message),
             result_path = COALESCE(?, result_path), snapshot_path = COALESCE(?, snapshot_path),
             completed_at = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			target, nullableString(opts.message), nullableString(opts.resultPath), nullableString(opts.snapshotPath),
			ts, ts, jobID, current)
		if err != nil {
			return fmt.Errorf("finish job %d: %w", jobID, err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if affected == 0 {
			return fmt.Errorf("job %d changed while finishing: %w", jobID, ErrConflict)
		}
		final = target
		if !pipeline.Valid {
			return nil
		}
		keepReady := target == StatusCompleted && remainReady != 0
		if _, err := tx.ExecContext(ctx,
			`UPDATE pipelines SET running_job = NULL, ready = ?, updated_at = ? WHERE name = ? AND running_job = ?`,
			boolToInt(keepReady), ts, pipeline.String, jobID); err != nil {
			return fmt.Errorf("free pipeline %s: %w", pipeline.String, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

func (s *Store) checkPipelineUpdate(ctx context.Context, res sql.Result, name string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	pip, err := s.GetPipeline(ctx, name)
	if err != nil {
		return err
	}
	if pip == nil {
		return fmt.Errorf("pipeline %s: %w", name, ErrNotFound)
	}
	return fmt.Errorf("pipeline %s: %w", name, ErrConflict)
}
