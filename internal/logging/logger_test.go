package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tomato/internal/config"
	"tomato/internal/logging"
)

func TestConsoleLoggerRendersComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "scheduler").Info("job admitted",
		logging.Int64(logging.FieldJobID, 7),
		logging.String(logging.FieldPipeline, "pip counter"),
	)

	line := buf.String()
	if !strings.Contains(line, "INFO scheduler: job admitted") {
		t.Fatalf("expected component prefix, got %q", line)
	}
	if !strings.Contains(line, "job_id=7") {
		t.Fatalf("expected job_id field, got %q", line)
	}
	if !strings.Contains(line, `pipeline="pip counter"`) {
		t.Fatalf("expected quoted pipeline field, got %q", line)
	}
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no caller information at info level, got %q", line)
	}
}

func TestJSONLoggerUsesShortKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("driver unreachable", logging.String(logging.FieldDriver, "example_counter"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode json log: %v (%q)", err, buf.String())
	}
	if record["level"] != "warn" {
		t.Fatalf("unexpected level: %#v", record["level"])
	}
	if _, ok := record["ts"]; !ok {
		t.Fatalf("expected ts key in %#v", record)
	}
	if record[logging.FieldDriver] != "example_counter" {
		t.Fatalf("unexpected driver field: %#v", record)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	logger, path, err := logging.NewFromConfig(&cfg, "daemon_1234.log", false)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	logger.Info("hello")
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(content), "hello") {
		t.Fatalf("expected message in log file, got %q", content)
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logging.WarnWithContext(logger, "retry exhausted", "register_failed")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{logging.FieldEventType, logging.FieldErrorHint, logging.FieldImpact} {
		if _, ok := record[key]; !ok {
			t.Fatalf("expected %s in %#v", key, record)
		}
	}
	if record[logging.FieldEventType] != "register_failed" {
		t.Fatalf("unexpected event type: %#v", record[logging.FieldEventType])
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := logging.WithJobID(context.Background(), 12)
	ctx = logging.WithCorrelationID(ctx, "abc")
	logging.WithContext(ctx, logger).Info("status")
	if !strings.Contains(buf.String(), "job_id=12") || !strings.Contains(buf.String(), "correlation_id=abc") {
		t.Fatalf("expected context fields, got %q", buf.String())
	}
}

func TestCleanupOldLogsKeepsActiveFile(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "daemon_1.log")
	active := filepath.Join(dir, "daemon_2.log")
	other := filepath.Join(dir, "notes.txt")
	for _, path := range []string{old, active, other} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		past := time.Now().AddDate(0, 0, -10)
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed := logging.CleanupOldLogs(logging.NewNop(), 5, logging.RetentionTarget{
		Dir: dir, Pattern: "*.log", Keep: []string{active},
	})
	if removed != 1 {
		t.Fatalf("expected one removal, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old log removed, stat err=%v", err)
	}
	for _, path := range []string{active, other} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s kept: %v", path, err)
		}
	}
	if logging.CleanupOldLogs(nil, 0, logging.RetentionTarget{Dir: dir}) != 0 {
		t.Fatal("expected zero retention to disable pruning")
	}
}
