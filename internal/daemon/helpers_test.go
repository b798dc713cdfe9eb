package daemon

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"tomato/internal/logging"
)

func TestMaintenanceRejectsInvalidSchedule(t *testing.T) {
	if _, err := newMaintenance("every tuesday", func() {}, logging.NewNop()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	m, err := newMaintenance("", func() {}, logging.NewNop())
	if err != nil {
		t.Fatalf("empty schedule: %v", err)
	}
	m.start()
	if n := len(m.cron.Entries()); n != 0 {
		t.Fatalf("empty schedule installed %d entries", n)
	}
	m.stop()
}

func TestMaintenanceSchedulesJob(t *testing.T) {
	m, err := newMaintenance("@hourly", func() {}, logging.NewNop())
	if err != nil {
		t.Fatalf("newMaintenance: %v", err)
	}
	m.start()
	defer m.stop()
	entries := m.cron.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if until := time.Until(entries[0].Next); until <= 0 || until > time.Hour {
		t.Fatalf("next run in %s", until)
	}
}

func TestFileWatcherDebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "devices.yml")
	other := filepath.Join(dir, "other.yml")
	if err := os.WriteFile(watched, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan struct{}, 8)
	w := newFileWatcher(logging.NewNop(), func() { changes <- struct{}{} }, watched, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		if err := os.WriteFile(watched, []byte{byte('b' + i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
	select {
	case <-changes:
		t.Fatal("burst of writes reported more than once")
	case <-time.After(2 * watchDebounce):
	}
}

func TestFileWatcherWithoutFiles(t *testing.T) {
	w := newFileWatcher(logging.NewNop(), func() { t.Error("unexpected change") }, "", " ")
	done := make(chan struct{})
	go func() {
		w.run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return for an empty file list")
	}
}

func TestHotplugMatcher(t *testing.T) {
	m := newHotplugMonitor(nil, logging.NewNop(), nil)
	if len(m.subsystems) != 2 {
		t.Fatalf("default subsystems = %v", m.subsystems)
	}
	m = newHotplugMonitor([]string{" tty ", ""}, logging.NewNop(), nil)
	if len(m.subsystems) != 1 || m.subsystems[0] != "tty" {
		t.Fatalf("subsystems = %v", m.subsystems)
	}
	if m.matcher() == nil {
		t.Fatal("nil matcher")
	}
	m.stop()
}

func TestHotplugHintListsUnregisteredComponents(t *testing.T) {
	_, d := newTestAPI(t, "")
	ctx := context.Background()

	m := newHotplugMonitor(nil, logging.NewNop(), func() []string { return unregisteredComponents(d.registry) })
	if got := m.hint(); !slices.Equal(got, []string{"counter_dev:1", "counter_dev:2"}) {
		t.Fatalf("hint = %v", got)
	}
	if err := d.registry.SetRegistered(ctx, "counter_dev:1", []string{"count"}, true, ""); err != nil {
		t.Fatalf("SetRegistered: %v", err)
	}
	if got := m.hint(); !slices.Equal(got, []string{"counter_dev:2"}) {
		t.Fatalf("hint = %v", got)
	}
	if err := d.registry.SetRegistered(ctx, "counter_dev:2", []string{"count"}, true, ""); err != nil {
		t.Fatalf("SetRegistered: %v", err)
	}
	if got := m.hint(); got != nil {
		t.Fatalf("hint with everything registered = %v", got)
	}
	// A hint never changes registration state.
	for _, c := range d.registry.Components() {
		if !c.Registered {
			t.Fatalf("component %s lost its registration", c.Name)
		}
	}
}
