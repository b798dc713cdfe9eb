package testsupport

import (
	"context"
	"testing"

	"tomato/internal/config"
	"tomato/internal/payload"
	"tomato/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// CounterPayload returns a one-task payload for the example counter driver.
func CounterPayload(sample string, technique string) *payload.Payload {
	return &payload.Payload{
		Sample: payload.Sample{Name: sample},
		Method: []payload.Task{{
			ComponentRole:  "counter",
			TechniqueName:  technique,
			MaxDuration:    1,
			SampleInterval: 0.1,
		}},
	}
}

// SubmitJob stores p as a queued job.
func SubmitJob(t testing.TB, store *queue.Store, p *payload.Payload) *queue.Job {
	t.Helper()

	job, err := store.Submit(context.Background(), p, "")
	if err != nil {
		t.Fatalf("store.Submit: %v", err)
	}
	return job
}
