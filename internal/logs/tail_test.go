package logs_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tomato/internal/logs"
	"tomato/internal/testsupport"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon_1234.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append log: %v", err)
	}
}

func TestTailLastLines(t *testing.T) {
	path := writeLog(t, "a\nb\nc\n")

	tests := []struct {
		limit int
		want  []string
	}{
		{2, []string{"b", "c"}},
		{5, []string{"a", "b", "c"}},
		{0, nil},
	}
	for _, tt := range tests {
		res, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: -1, Limit: tt.limit})
		if err != nil {
			t.Fatalf("Tail(limit=%d): %v", tt.limit, err)
		}
		if strings.Join(res.Lines, ",") != strings.Join(tt.want, ",") {
			t.Fatalf("Tail(limit=%d) = %v, want %v", tt.limit, res.Lines, tt.want)
		}
		if res.Offset != 6 {
			t.Fatalf("offset = %d, want 6", res.Offset)
		}
	}
}

func TestTailResumesFromOffset(t *testing.T) {
	path := writeLog(t, "a\n")
	res, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: -1, Limit: 1})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}

	appendLog(t, path, "b\npart")
	res, err = logs.Tail(context.Background(), path, logs.TailOptions{Offset: res.Offset})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(res.Lines) != 1 || res.Lines[0] != "b" {
		t.Fatalf("lines = %v", res.Lines)
	}

	appendLog(t, path, "ial\n")
	res, err = logs.Tail(context.Background(), path, logs.TailOptions{Offset: res.Offset})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(res.Lines) != 1 || res.Lines[0] != "partial" {
		t.Fatalf("partial line handling: %v", res.Lines)
	}
}

func TestTailMissingFile(t *testing.T) {
	res, err := logs.Tail(context.Background(), filepath.Join(t.TempDir(), "none.log"), logs.TailOptions{Offset: 10})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if res.Offset != 0 || len(res.Lines) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestTailFollowWaitsForLines(t *testing.T) {
	path := writeLog(t, "start\n")
	go func() {
		time.Sleep(100 * time.Millisecond)
		appendLog(t, path, "next\n")
	}()
	res, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: 6, Follow: true, Wait: 3 * time.Second})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(res.Lines) != 1 || res.Lines[0] != "next" {
		t.Fatalf("lines = %v", res.Lines)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowStreamsUntilCancelled(t *testing.T) {
	path := writeLog(t, "one\ntwo\n")
	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- logs.Follow(ctx, path, 1, &out) }()

	time.Sleep(100 * time.Millisecond)
	appendLog(t, path, "three\n")
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), "three") && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if got := out.String(); got != "two\nthree\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestLogPaths(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPort(4321))
	if got := filepath.Base(logs.DaemonPath(cfg)); got != "daemon_4321.log" {
		t.Fatalf("daemon log = %s", got)
	}
	if got := filepath.Base(logs.DriverPath(cfg, "example_counter")); got != "driver_example_counter_4321.log" {
		t.Fatalf("driver log = %s", got)
	}
	if got := logs.JobPath(cfg, 7); got != filepath.Join(cfg.Paths.JobsDir, "7", "job.log") {
		t.Fatalf("job log = %s", got)
	}
}
