package api

import (
	"testing"
	"time"

	"tomato/internal/payload"
	"tomato/internal/queue"
	"tomato/internal/registry"
)

func TestFromJob(t *testing.T) {
	executed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	job := &queue.Job{
		ID:     7,
		Status: queue.StatusRunning,
		Sample: "S1",
		Payload: &payload.Payload{Method: []payload.Task{
			{TechniqueName: "random"}, {TechniqueName: "count"}, {TechniqueName: "count"},
		}},
		SubmittedAt: executed.Add(-time.Minute),
		ExecutedAt:  &executed,
	}
	dto := FromJob(job)
	if dto.Status != "r" || dto.StatusLabel != "running" {
		t.Fatalf("unexpected status: %s/%s", dto.Status, dto.StatusLabel)
	}
	if len(dto.Techniques) != 2 || dto.Techniques[0] != "count" {
		t.Fatalf("unexpected techniques: %v", dto.Techniques)
	}
	if dto.ExecutedAt != "2025-03-01T10:00:00.000Z" || dto.CompletedAt != "" {
		t.Fatalf("unexpected timestamps: %q %q", dto.ExecutedAt, dto.CompletedAt)
	}
	if got := Elapsed(dto, executed.Add(90*time.Second)); got != 90*time.Second {
		t.Fatalf("unexpected elapsed: %s", got)
	}
}

func TestFromComponentIncludesDriverAddress(t *testing.T) {
	connected := time.Now()
	cmp := queue.Component{Name: "dev:1", Driver: "d", Registered: true}
	dto := FromComponent(cmp, &queue.Driver{Name: "d", Port: 4000, ConnectedAt: &connected})
	if dto.DriverAddress != "127.0.0.1:4000" {
		t.Fatalf("unexpected address: %q", dto.DriverAddress)
	}
	if FromComponent(cmp, &queue.Driver{Name: "d"}).DriverAddress != "" {
		t.Fatal("disconnected driver must not yield an address")
	}
}

func TestFromPipelineCopiesBindings(t *testing.T) {
	state := registry.PipelineState{
		Pipeline: queue.Pipeline{
			Name:     "pip-1",
			Ready:    true,
			Bindings: []queue.Binding{{Role: "counter", Component: "dev:1"}},
		},
		Capabilities: []string{"count"},
	}
	dto := FromPipeline(state)
	if len(dto.Bindings) != 1 || dto.Bindings[0].Role != "counter" || !dto.Ready {
		t.Fatalf("unexpected pipeline: %#v", dto)
	}
}

func TestSortJobsNewestFirst(t *testing.T) {
	jobs := []Job{
		{ID: 1, SubmittedAt: "2025-01-01T00:00:00.000Z"},
		{ID: 3, SubmittedAt: "2025-01-02T00:00:00.000Z"},
		{ID: 2, SubmittedAt: "2025-01-02T00:00:00.000Z"},
	}
	sorted := SortJobsNewestFirst(jobs)
	if sorted[0].ID != 3 || sorted[1].ID != 2 || sorted[2].ID != 1 {
		t.Fatalf("unexpected order: %v", sorted)
	}
	if jobs[0].ID != 1 {
		t.Fatal("input must not be modified")
	}
}
