package jobrun_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"tomato/internal/api"
	"tomato/internal/driver"
	"tomato/internal/driverapi"
	"tomato/internal/drivers/counter"
	"tomato/internal/ipc"
	"tomato/internal/jobrun"
	"tomato/internal/logging"
	"tomato/internal/payload"
	"tomato/internal/queue"
)

type hostClient struct {
	host *driver.Host
}

func (c hostClient) SubmitTask(_ context.Context, component string, jobID int64, task payload.Task) (driver.TaskInfo, error) {
	return c.host.SubmitTask(component, jobID, task)
}

func (c hostClient) TaskStatus(_ context.Context, component, taskID string) (driver.TaskInfo, error) {
	return c.host.TaskStatus(component, taskID)
}

func (c hostClient) StopTasks(_ context.Context, component string, jobID int64) ([]driver.TaskInfo, error) {
	return c.host.StopTasks(component, jobID)
}

func (c hostClient) TaskData(_ context.Context, component string) ([]driverapi.Record, error) {
	return c.host.TaskData(component)
}

func (c hostClient) Signal(_ context.Context, jobID int64, taskName string) error {
	c.host.Signal(jobID, taskName)
	return nil
}

type fakeDaemon struct {
	mu       sync.Mutex
	routes   []ipc.Route
	status   string
	statusAt int
	// cancelAt, when set, reports rd from that moment on.
	cancelAt   time.Time
	polls      int
	released   []ipc.JobReleaseRequest
	releasedAt time.Time
}

func (d *fakeDaemon) JobAttach(_ context.Context, id int64, _ int) (ipc.JobAttachResponse, error) {
	return ipc.JobAttachResponse{Job: api.Job{ID: id, Status: "r"}, Routes: d.routes}, nil
}

func (d *fakeDaemon) JobStatus(_ context.Context, ids ...int64) (ipc.JobStatusResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls++
	status := "r"
	if d.status != "" && d.polls >= d.statusAt {
		status = d.status
	}
	if !d.cancelAt.IsZero() && !time.Now().Before(d.cancelAt) {
		status = "rd"
	}
	return ipc.JobStatusResponse{Jobs: []api.Job{{ID: ids[0], Status: status}}}, nil
}

func (d *fakeDaemon) JobRelease(_ context.Context, req ipc.JobReleaseRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, req)
	d.releasedAt = time.Now()
	return req.Status, nil
}

func newCounterHost(t *testing.T, components ...string) *driver.Host {
	t.Helper()
	host, err := driver.NewHost(driver.HostOptions{
		Name:    counter.Name,
		Factory: counter.New,
		Limiter: rate.NewLimiter(rate.Inf, 1),
		Logger:  logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() { _ = host.Close(context.Background()) })
	for _, name := range components {
		if _, err := host.Register(context.Background(), driverapi.ComponentSpec{Name: name, Driver: counter.Name, Channel: "1"}); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	return host
}

func writeJob(t *testing.T, p *payload.Payload) string {
	t.Helper()
	return writeJobPolling(t, p, 0.05)
}

func writeJobPolling(t *testing.T, p *payload.Payload, pollInterval float64) string {
	t.Helper()
	path, err := jobrun.WriteJobData(jobrun.JobData{
		JobID:            5,
		Pipeline:         "pip-1",
		Sample:           p.Sample.Name,
		Port:             1234,
		Dir:              t.TempDir(),
		DataPollInterval: pollInterval,
		SnapshotPrefix:   "snapshot",
		Payload:          p,
	})
	if err != nil {
		t.Fatalf("WriteJobData: %v", err)
	}
	return path
}

func countTask(role string, duration float64) payload.Task {
	return payload.Task{ComponentRole: role, TechniqueName: "count", MaxDuration: duration, SampleInterval: 0.05}
}

func run(t *testing.T, jobFile string, daemon *fakeDaemon, hosts map[string]*driver.Host) jobrun.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome, err := jobrun.Run(ctx, jobrun.Options{
		Port:    1234,
		JobFile: jobFile,
		Logger:  logging.NewNop(),
		PID:     4242,
		Clients: jobrun.Clients{
			Daemon: daemon,
			Driver: func(addr string) jobrun.DriverAPI { return hostClient{host: hosts[addr]} },
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return outcome
}

func TestRunCompletesAndMergesResults(t *testing.T) {
	host := newCounterHost(t, "dev:1")
	p := &payload.Payload{
		Sample: payload.Sample{Name: "S1"},
		Method: []payload.Task{countTask("counter", 0.3), countTask("counter", 0.2)},
	}
	jobFile := writeJob(t, p)
	daemon := &fakeDaemon{routes: []ipc.Route{{Role: "counter", Component: "dev:1", Address: "a", Pollrate: 0.05}}}

	outcome := run(t, jobFile, daemon, map[string]*driver.Host{"a": host})
	if outcome.Status != queue.StatusCompleted {
		t.Fatalf("status = %s (%s)", outcome.Status, outcome.Message)
	}
	dir := filepath.Dir(jobFile)
	if outcome.ResultPath != filepath.Join(dir, "results.5.jsonl") {
		t.Fatalf("unexpected result path %q", outcome.ResultPath)
	}
	raw, err := os.ReadFile(outcome.ResultPath)
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	if lines := strings.Count(string(raw), "\n"); lines < 4 {
		t.Fatalf("expected records from both tasks, got %d lines", lines)
	}
	if _, err := os.Stat(jobrun.RoleFile(dir, "counter")); err != nil {
		t.Fatalf("role file missing: %v", err)
	}
	if len(daemon.released) != 1 || daemon.released[0].Status != "c" || daemon.released[0].ResultPath == "" {
		t.Fatalf("unexpected release: %#v", daemon.released)
	}
}

func TestRunCancelReleasesCancelled(t *testing.T) {
	host := newCounterHost(t, "dev:1")
	p := &payload.Payload{
		Sample: payload.Sample{Name: "S1"},
		Method: []payload.Task{countTask("counter", 30)},
	}
	daemon := &fakeDaemon{
		routes:   []ipc.Route{{Role: "counter", Component: "dev:1", Address: "a", Pollrate: 0.05}},
		status:   "rd",
		statusAt: 3,
	}
	start := time.Now()
	outcome := run(t, writeJob(t, p), daemon, map[string]*driver.Host{"a": host})
	if outcome.Status != queue.StatusCancelled {
		t.Fatalf("status = %s (%s)", outcome.Status, outcome.Message)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation took too long")
	}
	status, err := host.ComponentStatus(context.Background(), "dev:1")
	if err != nil {
		t.Fatalf("ComponentStatus: %v", err)
	}
	if status.Active != nil && !status.Active.State.Terminal() {
		t.Fatalf("task still active after cancel: %#v", status.Active)
	}
}

func TestRunCancelFollowsSampleInterval(t *testing.T) {
	host := newCounterHost(t, "dev:1")
	p := &payload.Payload{
		Sample: payload.Sample{Name: "S1"},
		Method: []payload.Task{countTask("counter", 30)},
	}
	cancelAt := time.Now().Add(300 * time.Millisecond)
	daemon := &fakeDaemon{
		routes:   []ipc.Route{{Role: "counter", Component: "dev:1", Address: "a", Pollrate: 0.05}},
		cancelAt: cancelAt,
	}
	// The data poll interval is far longer than the 50ms sample interval.
	outcome := run(t, writeJobPolling(t, p, 2.0), daemon, map[string]*driver.Host{"a": host})
	if outcome.Status != queue.StatusCancelled {
		t.Fatalf("status = %s (%s)", outcome.Status, outcome.Message)
	}
	if latency := daemon.releasedAt.Sub(cancelAt); latency > 400*time.Millisecond {
		t.Fatalf("released %s after the cancel request", latency)
	}
}

func TestStatusInterval(t *testing.T) {
	cases := []struct {
		name string
		poll float64
		p    *payload.Payload
		want time.Duration
	}{
		{"no payload", 1, nil, time.Second},
		{"sample interval shorter", 1, &payload.Payload{Method: []payload.Task{{SampleInterval: 2}, {SampleInterval: 0.25}}}, 250 * time.Millisecond},
		{"poll interval shorter", 0.1, &payload.Payload{Method: []payload.Task{{SampleInterval: 5}}}, 100 * time.Millisecond},
		{"default poll interval", 0, &payload.Payload{Method: []payload.Task{{}}}, time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := jobrun.JobData{DataPollInterval: tc.poll, Payload: tc.p}
			if got := data.StatusInterval(); got != tc.want {
				t.Fatalf("StatusInterval = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRunFailureReleasesFailed(t *testing.T) {
	host := newCounterHost(t, "dev:1", "dev:2")
	p := &payload.Payload{
		Sample: payload.Sample{Name: "S1"},
		Method: []payload.Task{
			countTask("good", 30),
			{ComponentRole: "bad", TechniqueName: "levitate", MaxDuration: 1, SampleInterval: 0.1},
		},
	}
	daemon := &fakeDaemon{routes: []ipc.Route{
		{Role: "good", Component: "dev:1", Address: "a", Pollrate: 0.05},
		{Role: "bad", Component: "dev:2", Address: "a", Pollrate: 0.05},
	}}
	outcome := run(t, writeJob(t, p), daemon, map[string]*driver.Host{"a": host})
	if outcome.Status != queue.StatusFailed || !strings.Contains(outcome.Message, "levitate") {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
}

func TestRunMissingRouteFails(t *testing.T) {
	p := &payload.Payload{
		Sample: payload.Sample{Name: "S1"},
		Method: []payload.Task{countTask("counter", 1)},
	}
	daemon := &fakeDaemon{}
	outcome := run(t, writeJob(t, p), daemon, nil)
	if outcome.Status != queue.StatusFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
}

func TestGateStartsPropagateAcrossDrivers(t *testing.T) {
	first := newCounterHost(t, "dev:1")
	second := newCounterHost(t, "other:1")
	leader := countTask("lead", 0.3)
	leader.TaskName = "leader"
	follower := countTask("follow", 0.2)
	follower.StartWithTaskName = "leader"
	p := &payload.Payload{
		Sample: payload.Sample{Name: "S1"},
		Method: []payload.Task{leader, follower},
	}
	daemon := &fakeDaemon{routes: []ipc.Route{
		{Role: "lead", Component: "dev:1", Address: "a", Pollrate: 0.05},
		{Role: "follow", Component: "other:1", Address: "b", Pollrate: 0.05},
	}}
	outcome := run(t, writeJob(t, p), daemon, map[string]*driver.Host{"a": first, "b": second})
	if outcome.Status != queue.StatusCompleted {
		t.Fatalf("status = %s (%s)", outcome.Status, outcome.Message)
	}
	raw, err := os.ReadFile(outcome.ResultPath)
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	if !strings.Contains(string(raw), "other:1") {
		t.Fatal("follower produced no records")
	}
	for name, host := range map[string]*driver.Host{"a": first, "b": second} {
		if gates := host.StartedGates(5); len(gates) != 0 {
			t.Fatalf("host %s kept gate state after the job: %v", name, gates)
		}
	}
}
