package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tomato/internal/payload"
)

type scanner interface{ Scan(dest ...any) error }

const jobColumns = "id, job_name, payload_json, sample, remain_ready, status, pipeline, pid, job_path, result_path, snapshot_path, cancel_requested, error_message, submitted_at, executed_at, completed_at, updated_at"

func scanJob(row scanner) (*Job, error) {
	var (
		id              int64
		name            sql.NullString
		payloadJSON     string
		sample          string
		remainReady     int64
		status          string
		pipeline        sql.NullString
		pid             sql.NullInt64
		jobPath         sql.NullString
		resultPath      sql.NullString
		snapshotPath    sql.NullString
		cancelRequested int64
		errorMessage    sql.NullString
		submittedRaw    string
		executedRaw     sql.NullString
		completedRaw    sql.NullString
		updatedRaw      string
	)
	if err := row.Scan(
		&id, &name, &payloadJSON, &sample, &remainReady, &status, &pipeline, &pid,
		&jobPath, &resultPath, &snapshotPath, &cancelRequested, &errorMessage,
		&submittedRaw, &executedRaw, &completedRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}
	p, err := payload.Decode([]byte(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", id, err)
	}
	job := &Job{
		ID:              id,
		Name:            name.String,
		Payload:         p,
		Sample:          sample,
		RemainReady:     remainReady != 0,
		Status:          Status(status),
		Pipeline:        pipeline.String,
		PID:             int(pid.Int64),
		JobPath:         jobPath.String,
		ResultPath:      resultPath.String,
		SnapshotPath:    snapshotPath.String,
		CancelRequested: cancelRequested != 0,
		ErrorMessage:    errorMessage.String,
		ExecutedAt:      parseNullableTime(executedRaw),
		CompletedAt:     parseNullableTime(completedRaw),
	}
	if t, err := parseTimeString(submittedRaw); err == nil {
		job.SubmittedAt = t
	}
	if t, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = t
	}
	return job, nil
}

const pipelineColumns = "name, ready, sample, running_job, updated_at"

func scanPipeline(row scanner) (*Pipeline, error) {
	var (
		name       string
		ready      int64
		sample     sql.NullString
		runningJob sql.NullInt64
		updatedRaw string
	)
	if err := row.Scan(&name, &ready, &sample, &runningJob, &updatedRaw); err != nil {
		return nil, err
	}
	pip := &Pipeline{
		Name:       name,
		Ready:      ready != 0,
		Sample:     sample.String,
		RunningJob: runningJob.Int64,
	}
	if t, err := parseTimeString(updatedRaw); err == nil {
		pip.UpdatedAt = t
	}
	return pip, nil
}

const componentColumns = "name, driver, device, address, channel, pollrate, capabilities_json, registered, registration_error, updated_at"

func scanComponent(row scanner) (*Component, error) {
	var (
		cmp        Component
		capsJSON   sql.NullString
		registered int64
		regErr     sql.NullString
		updatedRaw string
	)
	if err := row.Scan(&cmp.Name, &cmp.Driver, &cmp.Device, &cmp.Address, &cmp.Channel,
		&cmp.Pollrate, &capsJSON, &registered, &regErr, &updatedRaw); err != nil {
		return nil, err
	}
	if capsJSON.Valid && capsJSON.String != "" {
		if err := json.Unmarshal([]byte(capsJSON.String), &cmp.Capabilities); err != nil {
			return nil, fmt.Errorf("component %s capabilities: %w", cmp.Name, err)
		}
	}
	cmp.Registered = registered != 0
	cmp.RegistrationError = regErr.String
	if t, err := parseTimeString(updatedRaw); err == nil {
		cmp.UpdatedAt = t
	}
	return &cmp, nil
}

const driverColumns = "name, settings_json, pid, port, session, spawned_at, connected_at, updated_at"

func scanDriver(row scanner) (*Driver, error) {
	var (
		drv          Driver
		settingsJSON string
		pid          sql.NullInt64
		port         sql.NullInt64
		session      sql.NullString
		spawnedRaw   sql.NullString
		connectedRaw sql.NullString
		updatedRaw   string
	)
	if err := row.Scan(&drv.Name, &settingsJSON, &pid, &port, &session, &spawnedRaw, &connectedRaw, &updatedRaw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settingsJSON), &drv.Settings); err != nil {
		return nil, fmt.Errorf("driver %s settings: %w", drv.Name, err)
	}
	if drv.Settings == nil {
		drv.Settings = map[string]any{}
	}
	drv.PID = int(pid.Int64)
	drv.Port = int(port.Int64)
	drv.Session = session.String
	drv.SpawnedAt = parseNullableTime(spawnedRaw)
	drv.ConnectedAt = parseNullableTime(connectedRaw)
	if t, err := parseTimeString(updatedRaw); err == nil {
		drv.UpdatedAt = t
	}
	return &drv, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t, err := parseTimeString(raw.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func statusArgs(statuses []Status) []any {
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	return args
}
