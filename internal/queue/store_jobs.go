package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tomato/internal/payload"
)

// Submit stores a validated payload as a new queued job.
func (s *Store) Submit(ctx context.Context, p *payload.Payload, name string) (*Job, error) {
	if p == nil {
		return nil, errors.New("submit: payload is nil")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	encoded, err := p.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	ts := now()
	res, err := s.execWithRetry(ctx,
		`INSERT INTO jobs (job_name, payload_json, sample, remain_ready, status, submitted_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullableString(strings.TrimSpace(name)),
		string(encoded),
		payload.NormalizeSample(p.Sample.Name),
		boolToInt(p.Settings.UnlockWhenDone),
		StatusQueued,
		ts,
		ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by id. A missing job yields (nil, nil).
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs in submission order, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, statuses ...Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
	}
	query += ` ORDER BY submitted_at, id`
	rows, err := s.db.QueryContext(ensureContext(ctx), query, statusArgs(statuses)...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Transition moves a job from one status to another if, and only if, the job
// is still in from. Terminal transitions of running jobs go through Release so
// that the pipeline is freed in the same transaction.
func (s *Store) Transition(ctx context.Context, id int64, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from.IsActive() && to.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s requires release", ErrInvalidTransition, from, to)
	}
	completed := any(nil)
	if to.IsTerminal() {
		completed = now()
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, completed_at = COALESCE(?, completed_at), updated_at = ?
         WHERE id = ? AND status = ?`,
		to, completed, now(), id, from,
	)
	if err != nil {
		return fmt.Errorf("transition job %d: %w", id, err)
	}
	return s.checkJobUpdate(ctx, res, id)
}

// MarkQueuedWaiting records that a capability-matching pipeline exists for a
// queued job.
func (s *Store) MarkQueuedWaiting(ctx context.Context, id int64) error {
	return s.Transition(ctx, id, StatusQueued, StatusWaiting)
}

// RequestCancel asks for a job to be cancelled and returns the resulting
// status. Jobs that never ran are cancelled immediately; running jobs are
// flagged rd and finished by their job process.
func (s *Store) RequestCancel(ctx context.Context, id int64) (Status, error) {
	ctx = ensureContext(ctx)
	var result Status
	err := s.withTx(ctx, func(tx txRunner) error {
		var current Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("job %d: %w", id, ErrNotFound)
			}
			return fmt.Errorf("read job %d: %w", id, err)
		}
		ts := now()
		switch current {
		case StatusQueued, StatusWaiting:
			result = StatusCancelled
			_, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, cancel_requested = 1, completed_at = ?, updated_at = ?
                 WHERE id = ? AND status = ?`,
				StatusCancelled, ts, ts, id, current)
			return err
		case StatusRunning:
			result = StatusCancelRequested
			_, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, cancel_requested = 1, updated_at = ? WHERE id = ? AND status = ?`,
				StatusCancelRequested, ts, id, current)
			return err
		case StatusCancelRequested:
			result = current
			return nil
		default:
			return fmt.Errorf("%w: job %d is %s", ErrInvalidTransition, id, current.Label())
		}
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// SetJobProcess records the pid and working directory of the job process.
func (s *Store) SetJobProcess(ctx context.Context, id int64, pid int, jobPath string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET pid = ?, job_path = COALESCE(?, job_path), updated_at = ? WHERE id = ?`,
		nullableInt(int64(pid)), nullableString(jobPath), now(), id)
	if err != nil {
		return fmt.Errorf("set job process: %w", err)
	}
	return s.checkJobUpdate(ctx, res, id)
}

// SetJobPaths records where the merged output and the latest snapshot live.
func (s *Store) SetJobPaths(ctx context.Context, id int64, resultPath, snapshotPath string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET result_path = COALESCE(?, result_path), snapshot_path = COALESCE(?, snapshot_path),
         updated_at = ? WHERE id = ?`,
		nullableString(resultPath), nullableString(snapshotPath), now(), id)
	if err != nil {
		return fmt.Errorf("set job paths: %w", err)
	}
	return s.checkJobUpdate(ctx, res, id)
}

func (s *Store) checkJobUpdate(ctx context.Context, res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("job %d is %s: %w", id, job.Status.Label(), ErrConflict)
}
