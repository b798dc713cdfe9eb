package daemonctl_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"tomato/internal/daemonctl"
	"tomato/internal/testsupport"
)

func unusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

func TestStopWithoutDaemon(t *testing.T) {
	_, err := daemonctl.StopAndWait(context.Background(), unusedPort(t), time.Second)
	if !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("StopAndWait error = %v, want ErrDaemonNotRunning", err)
	}
}

func TestOfflineStatusSnapshot(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPort(unusedPort(t)))
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.SubmitJob(t, store, testsupport.CounterPayload("s1", "count"))

	st, err := daemonctl.BuildStatusSnapshot(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if st.Running {
		t.Fatal("offline snapshot reports running")
	}
	if st.QueueDBPath != store.Path() {
		t.Fatalf("queue path = %q, want %q", st.QueueDBPath, store.Path())
	}
	if st.JobStats["q"] != 1 {
		t.Fatalf("job stats = %v", st.JobStats)
	}
}

func TestWaitForShutdownWithoutDaemon(t *testing.T) {
	if err := daemonctl.WaitForShutdown(context.Background(), unusedPort(t), time.Second); err != nil {
		t.Fatalf("WaitForShutdown: %v", err)
	}
}

func TestLaunchRequiresExecutable(t *testing.T) {
	if err := daemonctl.Launch(" ", daemonctl.LaunchOptions{Port: 1}); err == nil {
		t.Fatal("expected error for empty executable")
	}
}
