package api

import (
	"maps"
	"strconv"
	"time"

	"tomato/internal/queue"
	"tomato/internal/registry"
)

// FromJob converts a queue record to its API representation.
func FromJob(job *queue.Job) Job {
	if job == nil {
		return Job{}
	}
	dto := Job{
		ID:              job.ID,
		Name:            job.Name,
		Status:          string(job.Status),
		StatusLabel:     job.Status.Label(),
		Sample:          job.Sample,
		Pipeline:        job.Pipeline,
		RemainReady:     job.RemainReady,
		PID:             job.PID,
		JobPath:         job.JobPath,
		ResultPath:      job.ResultPath,
		SnapshotPath:    job.SnapshotPath,
		CancelRequested: job.CancelRequested,
		ErrorMessage:    job.ErrorMessage,
		SubmittedAt:     FormatTime(job.SubmittedAt),
		ExecutedAt:      formatTimePtr(job.ExecutedAt),
		CompletedAt:     formatTimePtr(job.CompletedAt),
	}
	if job.Payload != nil {
		dto.Techniques = job.Payload.Techniques()
	}
	return dto
}

// FromJobs converts a slice of queue records into API DTOs.
func FromJobs(jobs []*queue.Job) []Job {
	if len(jobs) == 0 {
		return nil
	}
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, FromJob(job))
	}
	return out
}

// FromPipeline converts registry pipeline state.
func FromPipeline(state registry.PipelineState) Pipeline {
	dto := Pipeline{
		Name:         state.Name,
		Ready:        state.Ready,
		Sample:       state.Sample,
		RunningJob:   state.RunningJob,
		Bindings:     make([]Binding, 0, len(state.Bindings)),
		Capabilities: append([]string{}, state.Capabilities...),
	}
	for _, b := range state.Bindings {
		dto.Bindings = append(dto.Bindings, Binding{Role: b.Role, Component: b.Component})
	}
	return dto
}

// FromPipelines converts a slice of pipeline states.
func FromPipelines(states []registry.PipelineState) []Pipeline {
	out := make([]Pipeline, 0, len(states))
	for _, s := range states {
		out = append(out, FromPipeline(s))
	}
	return out
}

// FromComponent converts a component record. driver, when known and
// connected, provides the address clients use to reach the component.
func FromComponent(cmp queue.Component, driver *queue.Driver) Component {
	dto := Component{
		Name:              cmp.Name,
		Driver:            cmp.Driver,
		Device:            cmp.Device,
		Address:           cmp.Address,
		Channel:           cmp.Channel,
		Pollrate:          cmp.Pollrate,
		Capabilities:      cmp.Capabilities,
		Registered:        cmp.Registered,
		RegistrationError: cmp.RegistrationError,
	}
	if driver != nil && driver.Connected() {
		dto.DriverAddress = "127.0.0.1:" + strconv.Itoa(driver.Port)
	}
	return dto
}

// FromDriver converts a driver record.
func FromDriver(drv queue.Driver) Driver {
	return Driver{
		Name:        drv.Name,
		PID:         drv.PID,
		Port:        drv.Port,
		Connected:   drv.Connected(),
		SpawnedAt:   formatTimePtr(drv.SpawnedAt),
		ConnectedAt: formatTimePtr(drv.ConnectedAt),
		Settings:    maps.Clone(drv.Settings),
	}
}

// MergeJobStats produces a string-keyed representation of job stats.
func MergeJobStats(stats map[queue.Status]int) map[string]int {
	out := make(map[string]int, len(stats))
	for status, count := range stats {
		out[string(status)] = count
	}
	return out
}

// FormatTime converts a time to RFC3339 or returns empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}
