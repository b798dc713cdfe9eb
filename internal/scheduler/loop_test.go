package scheduler_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"tomato/internal/config"
	"tomato/internal/jobrun"
	"tomato/internal/logging"
	"tomato/internal/queue"
	"tomato/internal/registry"
	"tomato/internal/scheduler"
	"tomato/internal/testsupport"
)

type fakeSpawner struct {
	mu    sync.Mutex
	files map[int64]string
	err   error
	next  int
}

func (s *fakeSpawner) Spawn(_ context.Context, job *queue.Job, jobFile string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.files == nil {
		s.files = map[int64]string{}
	}
	s.files[job.ID] = jobFile
	s.next++
	return 10000 + s.next, nil
}

type fakeProbe struct {
	mu   sync.Mutex
	dead map[int]bool
}

func (p *fakeProbe) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead[pid]
}

func (p *fakeProbe) kill(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead == nil {
		p.dead = map[int]bool{}
	}
	p.dead[pid] = true
}

type env struct {
	cfg     *config.Config
	store   *queue.Store
	reg     *registry.Registry
	spawner *fakeSpawner
	probe   *fakeProbe
	loop    *scheduler.Loop
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg, err := registry.New(ctx, store, logging.NewNop())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	if _, err := reg.Apply(ctx, testsupport.CounterTopology(t)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for _, name := range []string{"counter_dev:1", "counter_dev:2"} {
		if err := reg.SetCapabilities(ctx, name, []string{"count", "random"}); err != nil {
			t.Fatalf("SetCapabilities: %v", err)
		}
	}
	e := &env{cfg: cfg, store: store, reg: reg, spawner: &fakeSpawner{}, probe: &fakeProbe{}}
	e.loop = scheduler.New(cfg, store, reg, e.spawner, logging.NewNop(), scheduler.WithProbe(e.probe))
	return e
}

func (e *env) prepare(t *testing.T, pipeline, sample string) {
	t.Helper()
	ctx := context.Background()
	if err := e.reg.Load(ctx, pipeline, sample); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := e.reg.Ready(ctx, pipeline); err != nil {
		t.Fatalf("Ready: %v", err)
	}
}

func (e *env) job(t *testing.T, id int64) *queue.Job {
	t.Helper()
	job, err := e.store.GetJob(context.Background(), id)
	if err != nil || job == nil {
		t.Fatalf("GetJob(%d) = %v, %v", id, job, err)
	}
	return job
}

func (e *env) pass(t *testing.T) scheduler.Result {
	t.Helper()
	res, err := e.loop.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	return res
}

func TestQueuedJobWaitsUntilSampleLoaded(t *testing.T) {
	e := newEnv(t)
	job := testsupport.SubmitJob(t, e.store, testsupport.CounterPayload("S1", "count"))

	res := e.pass(t)
	if !slices.Equal(res.Waiting, []int64{job.ID}) || len(res.Admitted) != 0 {
		t.Fatalf("unexpected result: %#v", res)
	}
	if got := e.job(t, job.ID).Status; got != queue.StatusWaiting {
		t.Fatalf("status = %s, want qw", got)
	}

	e.prepare(t, "pip-counter-2", "S1")
	res = e.pass(t)
	if !slices.Equal(res.Admitted, []int64{job.ID}) {
		t.Fatalf("expected admission, got %#v", res)
	}
	got := e.job(t, job.ID)
	if got.Status != queue.StatusRunning || got.Pipeline != "pip-counter-2" || got.PID == 0 {
		t.Fatalf("unexpected job after admission: %#v", got)
	}
	data, err := jobrun.ReadJobData(e.spawner.files[job.ID])
	if err != nil {
		t.Fatalf("ReadJobData: %v", err)
	}
	if data.JobID != job.ID || data.Pipeline != "pip-counter-2" || data.Sample != "S1" {
		t.Fatalf("unexpected job data: %#v", data)
	}
	pip, err := e.reg.Pipeline(context.Background(), "pip-counter-2")
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if pip.RunningJob != job.ID || pip.Ready {
		t.Fatalf("pipeline not claimed: %#v", pip)
	}
}

func TestJobWithoutCapablePipelineStaysQueued(t *testing.T) {
	e := newEnv(t)
	job := testsupport.SubmitJob(t, e.store, testsupport.CounterPayload("S1", "spectroscopy"))
	e.prepare(t, "pip-counter-1", "S1")

	res := e.pass(t)
	if len(res.Waiting) != 0 || len(res.Admitted) != 0 {
		t.Fatalf("unexpected result: %#v", res)
	}
	if got := e.job(t, job.ID).Status; got != queue.StatusQueued {
		t.Fatalf("status = %s, want q", got)
	}
}

func TestUnregisteredComponentsOfferNoCapabilities(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, name := range []string{"counter_dev:1", "counter_dev:2"} {
		if err := e.reg.SetRegistered(ctx, name, nil, false, "offline"); err != nil {
			t.Fatalf("SetRegistered: %v", err)
		}
	}
	testsupport.SubmitJob(t, e.store, testsupport.CounterPayload("S1", "count"))
	e.prepare(t, "pip-counter-1", "S1")
	if res := e.pass(t); len(res.Waiting)+len(res.Admitted) != 0 {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestEarliestJobWinsPipeline(t *testing.T) {
	e := newEnv(t)
	first := testsupport.SubmitJob(t, e.store, testsupport.CounterPayload("S1", "count"))
	second := testsupport.SubmitJob(t, e.store, testsupport.CounterPayload("S1", "random"))
	e.prepare(t, "pip-counter-1", "S1")

	res := e.pass(t)
	if !slices.Equal(res.Admitted, []int64{first.ID}) {
		t.Fatalf("expected only the first job admitted, got %#v", res)
	}
	if got := e.job(t, second.ID).Status; got != queue.StatusWaiting {
		t.Fatalf("second job status = %s, want qw", got)
	}
}

func TestSpawnFailureReleasesJob(t *testing.T) {
	e := newEnv(t)
	e.spawner.err = errors.New("exec format error")
	job := testsupport.SubmitJob(t, e.store, testsupport.CounterPayload("S1", "count"))
	e.prepare(t, "pip-counter-1", "S1")

	res := e.pass(t)
	if !slices.Equal(res.Failed, []int64{job.ID}) {
		t.Fatalf("expected failed job, got %#v", res)
	}
	got := e.job(t, job.ID)
	if got.Status != queue.StatusFailed || got.ErrorMessage == "" {
		t.Fatalf("unexpected job: %#v", got)
	}
	pip, _ := e.reg.Pipeline(context.Background(), "pip-counter-1")
	if pip.Busy() || pip.Ready {
		t.Fatalf("pipeline not released: %#v", pip)
	}
	if _, err := os.Stat(filepath.Join(jobrun.Dir(e.cfg.Paths.JobsDir, job.ID), jobrun.JobDataFile)); err != nil {
		t.Fatalf("job data should remain for inspection: %v", err)
	}
}

func TestReconcileReleasesDeadJobs(t *testing.T) {
	cases := []struct {
		name   string
		cancel bool
		want   queue.Status
	}{
		{name: "running", want: queue.StatusFailed},
		{name: "cancel requested", cancel: true, want: queue.StatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			job := testsupport.SubmitJob(t, e.store, testsupport.CounterPayload("S1", "count"))
			e.prepare(t, "pip-counter-1", "S1")
			e.pass(t)
			running := e.job(t, job.ID)
			if tc.cancel {
				if _, err := e.store.RequestCancel(ctx, job.ID); err != nil {
					t.Fatalf("RequestCancel: %v", err)
				}
			}

			if res := e.pass(t); len(res.Reaped) != 0 {
				t.Fatalf("live job reaped: %#v", res)
			}
			e.probe.kill(running.PID)
			res := e.pass(t)
			if !slices.Equal(res.Reaped, []int64{job.ID}) {
				t.Fatalf("expected reaped job, got %#v", res)
			}
			if got := e.job(t, job.ID).Status; got != tc.want {
				t.Fatalf("status = %s, want %s", got, tc.want)
			}
			pip, _ := e.reg.Pipeline(ctx, "pip-counter-1")
			if pip.Busy() {
				t.Fatalf("pipeline still busy: %#v", pip)
			}
		})
	}
}

func TestSignalProbe(t *testing.T) {
	probe := scheduler.SignalProbe{}
	if !probe.Alive(os.Getpid()) {
		t.Fatal("own process must be alive")
	}
	if probe.Alive(0) || probe.Alive(-1) {
		t.Fatal("non-positive pids are never alive")
	}
}
