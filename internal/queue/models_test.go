package queue_test

import (
	"testing"

	"tomato/internal/queue"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]queue.Status]bool{
		{queue.StatusQueued, queue.StatusWaiting}:            true,
		{queue.StatusQueued, queue.StatusCancelled}:          true,
		{queue.StatusWaiting, queue.StatusRunning}:           true,
		{queue.StatusWaiting, queue.StatusCancelled}:         true,
		{queue.StatusRunning, queue.StatusCompleted}:         true,
		{queue.StatusRunning, queue.StatusFailed}:            true,
		{queue.StatusRunning, queue.StatusCancelRequested}:   true,
		{queue.StatusCancelRequested, queue.StatusCancelled}: true,
		{queue.StatusCancelRequested, queue.StatusFailed}:    true,
	}
	for _, from := range queue.AllStatuses() {
		for _, to := range queue.AllStatuses() {
			want := allowed[[2]queue.Status{from, to}]
			if got := queue.CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]queue.Status{
		"q":          queue.StatusQueued,
		"QW":         queue.StatusWaiting,
		"running":    queue.StatusRunning,
		"cancelling": queue.StatusCancelRequested,
		" cd ":       queue.StatusCancelled,
	}
	for in, want := range cases {
		got, ok := queue.ParseStatus(in)
		if !ok || got != want {
			t.Fatalf("ParseStatus(%q) = %s, %v", in, got, ok)
		}
	}
	if _, ok := queue.ParseStatus("done"); ok {
		t.Fatal("expected unknown status to fail")
	}
	if !queue.StatusFailed.IsTerminal() || queue.StatusCancelRequested.IsTerminal() {
		t.Fatal("unexpected terminal classification")
	}
}
