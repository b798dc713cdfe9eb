package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tomato/internal/queue"
	"tomato/internal/testsupport"
)

func setupPipeline(t *testing.T, store *queue.Store, name string) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertDriver(ctx, "example_counter", nil); err != nil {
		t.Fatalf("UpsertDriver: %v", err)
	}
	cmp := queue.Component{Name: "counter_dev:1", Driver: "example_counter", Device: "counter_dev", Channel: "1", Pollrate: 1}
	if err := store.UpsertComponent(ctx, cmp); err != nil {
		t.Fatalf("UpsertComponent: %v", err)
	}
	if _, err := store.UpsertPipeline(ctx, name, []queue.Binding{{Role: "counter", Component: cmp.Name}}); err != nil {
		t.Fatalf("UpsertPipeline: %v", err)
	}
}

func admitJob(t *testing.T, store *queue.Store, pipeline, sample string, remainReady bool) *queue.Job {
	t.Helper()
	ctx := context.Background()
	p := testsupport.CounterPayload(sample, "count")
	p.Settings.UnlockWhenDone = remainReady
	job := testsupport.SubmitJob(t, store, p)
	if err := store.LoadSample(ctx, pipeline, sample); err != nil {
		t.Fatalf("LoadSample: %v", err)
	}
	if err := store.SetReady(ctx, pipeline, true); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	if err := store.MarkQueuedWaiting(ctx, job.ID); err != nil {
		t.Fatalf("MarkQueuedWaiting: %v", err)
	}
	if err := store.Admit(ctx, job.ID, pipeline, sample); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	return job
}

func TestOpenCreatesSchemaAndReopens(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	if store.Path() != filepath.Join(cfg.Paths.AppDir, "queue_1234.db") {
		t.Fatalf("unexpected db path: %s", store.Path())
	}
	health, err := store.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !health.DatabaseReadable || !health.IntegrityCheck || len(health.MissingTables) != 0 {
		t.Fatalf("unexpected health: %#v", health)
	}
	if health.SchemaVersion != 1 {
		t.Fatalf("unexpected schema version: %d", health.SchemaVersion)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened.Close()
}

func TestSubmitAndGetJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	p := testsupport.CounterPayload("S1", "count")
	p.Settings.UnlockWhenDone = true
	job, err := store.Submit(ctx, p, "first")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != queue.StatusQueued || job.Sample != "S1" || !job.RemainReady {
		t.Fatalf("unexpected job: %#v", job)
	}
	if job.DisplayName() != "first" || job.Payload.Method[0].TechniqueName != "count" {
		t.Fatalf("unexpected payload roundtrip: %#v", job.Payload)
	}
	if job.SubmittedAt.IsZero() || job.ExecutedAt != nil || job.CompletedAt != nil {
		t.Fatalf("unexpected timestamps: %#v", job)
	}

	missing, err := store.GetJob(ctx, 999)
	if err != nil || missing != nil {
		t.Fatalf("expected nil job for unknown id, got %#v err=%v", missing, err)
	}

	second := testsupport.SubmitJob(t, store, testsupport.CounterPayload("S2", "random"))
	jobs, err := store.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != job.ID || jobs[1].ID != second.ID {
		t.Fatalf("expected submission order, got %d jobs", len(jobs))
	}
	queued, err := store.ListJobs(ctx, queue.StatusWaiting)
	if err != nil || len(queued) != 0 {
		t.Fatalf("expected no waiting jobs, got %d err=%v", len(queued), err)
	}
}

func TestTransitionEnforcesGraph(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	job := testsupport.SubmitJob(t, store, testsupport.CounterPayload("S", "count"))

	if err := store.Transition(ctx, job.ID, queue.StatusQueued, queue.StatusRunning); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected q->r to be invalid, got %v", err)
	}
	if err := store.Transition(ctx, job.ID, queue.StatusWaiting, queue.StatusCancelled); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected stale from-status conflict, got %v", err)
	}
	if err := store.Transition(ctx, 42, queue.StatusQueued, queue.StatusWaiting); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.MarkQueuedWaiting(ctx, job.ID); err != nil {
		t.Fatalf("MarkQueuedWaiting: %v", err)
	}
	if err := store.Transition(ctx, job.ID, queue.StatusRunning, queue.StatusCompleted); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected release-only transition to be refused, got %v", err)
	}
}

func TestAdmitAndReleaseKeepPipelineConsistent(t *testing.T) {
	cases := []struct {
		name        string
		remainReady bool
		to          queue.Status
		wantReady   bool
	}{
		{"completed remain ready", true, queue.StatusCompleted, true},
		{"completed default", false, queue.StatusCompleted, false},
		{"failed remain ready", true, queue.StatusFailed, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t)
			store := testsupport.MustOpenStore(t, cfg)
			ctx := context.Background()
			setupPipeline(t, store, "pip-1")

			job := admitJob(t, store, "pip-1", "S", tc.remainReady)
			pip, err := store.GetPipeline(ctx, "pip-1")
			if err != nil {
				t.Fatalf("GetPipeline: %v", err)
			}
			if pip.RunningJob != job.ID || pip.Ready {
				t.Fatalf("expected admitted pipeline to be busy and not ready: %#v", pip)
			}
			running, _ := store.GetJob(ctx, job.ID)
			if running.Status != queue.StatusRunning || running.Pipeline != "pip-1" || running.ExecutedAt == nil {
				t.Fatalf("unexpected running job: %#v", running)
			}

			if err := store.Release(ctx, job.ID, tc.to, ""); err != nil {
				t.Fatalf("Release: %v", err)
			}
			pip, _ = store.GetPipeline(ctx, "pip-1")
			if pip.Busy() || pip.Ready != tc.wantReady || pip.Sample != "S" {
				t.Fatalf("unexpected released pipeline: %#v", pip)
			}
			done, _ := store.GetJob(ctx, job.ID)
			if done.Status != tc.to || done.CompletedAt == nil {
				t.Fatalf("unexpected finished job: %#v", done)
			}
			if err := store.Release(ctx, job.ID, queue.StatusCancelled, ""); !errors.Is(err, queue.ErrInvalidTransition) {
				t.Fatalf("expected terminal job to stay terminal, got %v", err)
			}
		})
	}
}

func TestAdmitGuards(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	setupPipeline(t, store, "pip-1")

	job := testsupport.SubmitJob(t, store, testsupport.CounterPayload("S", "count"))
	if err := store.MarkQueuedWaiting(ctx, job.ID); err != nil {
		t.Fatalf("MarkQueuedWaiting: %v", err)
	}
	if err := store.Admit(ctx, job.ID, "pip-1", "S"); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected conflict without sample, got %v", err)
	}
	if err := store.LoadSample(ctx, "pip-1", "S"); err != nil {
		t.Fatalf("LoadSample: %v", err)
	}
	if err := store.Admit(ctx, job.ID, "pip-1", "S"); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected conflict while not ready, got %v", err)
	}
	if err := store.SetReady(ctx, "pip-1", true); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	if err := store.Admit(ctx, job.ID, "pip-1", "other"); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected conflict for wrong sample, got %v", err)
	}
	pip, _ := store.GetPipeline(ctx, "pip-1")
	if pip.Busy() || !pip.Ready {
		t.Fatalf("failed admission must not change the pipeline: %#v", pip)
	}
	if err := store.Admit(ctx, job.ID, "pip-1", "S"); err != nil {
		t.Fatalf("Admit: %v", err)
	}
}

func TestSampleOperations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	setupPipeline(t, store, "pip-1")

	if err := store.EjectSample(ctx, "pip-1"); err != nil {
		t.Fatalf("eject of empty pipeline should succeed: %v", err)
	}
	if err := store.LoadSample(ctx, "pip-1", "A"); err != nil {
		t.Fatalf("LoadSample: %v", err)
	}
	if err := store.LoadSample(ctx, "pip-1", "B"); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected conflict loading into occupied pipeline, got %v", err)
	}
	pip, _ := store.GetPipeline(ctx, "pip-1")
	if pip.Sample != "A" {
		t.Fatalf("failed load must not change the sample, got %q", pip.Sample)
	}
	if err := store.SetReady(ctx, "pip-1", true); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	if err := store.EjectSample(ctx, "pip-1"); err != nil {
		t.Fatalf("EjectSample: %v", err)
	}
	pip, _ = store.GetPipeline(ctx, "pip-1")
	if pip.Sample != "" || pip.Ready {
		t.Fatalf("eject must clear sample and ready: %#v", pip)
	}
	if err := store.LoadSample(ctx, "nope", "A"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	job := admitJob(t, store, "pip-1", "A", false)
	if err := store.EjectSample(ctx, "pip-1"); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected eject to be refused while running, got %v", err)
	}
	if err := store.DeletePipeline(ctx, "pip-1"); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected delete to be refused while running, got %v", err)
	}
	if _, err := store.UpsertPipeline(ctx, "pip-1", nil); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected binding change to be refused while running, got %v", err)
	}
	changed, err := store.UpsertPipeline(ctx, "pip-1", []queue.Binding{{Role: "counter", Component: "counter_dev:1"}})
	if err != nil || changed {
		t.Fatalf("expected unchanged upsert to be a no-op, changed=%v err=%v", changed, err)
	}
	if err := store.Release(ctx, job.ID, queue.StatusCompleted, ""); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestRequestCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	setupPipeline(t, store, "pip-1")

	queued := testsupport.SubmitJob(t, store, testsupport.CounterPayload("X", "count"))
	status, err := store.RequestCancel(ctx, queued.ID)
	if err != nil || status != queue.StatusCancelled {
		t.Fatalf("expected queued job to cancel directly, got %s err=%v", status, err)
	}
	if _, err := store.RequestCancel(ctx, queued.ID); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected terminal job cancel to fail, got %v", err)
	}

	running := admitJob(t, store, "pip-1", "S", true)
	status, err = store.RequestCancel(ctx, running.ID)
	if err != nil || status != queue.StatusCancelRequested {
		t.Fatalf("expected rd, got %s err=%v", status, err)
	}
	status, err = store.RequestCancel(ctx, running.ID)
	if err != nil || status != queue.StatusCancelRequested {
		t.Fatalf("expected repeated cancel to be a no-op, got %s err=%v", status, err)
	}
	if err := store.Release(ctx, running.ID, queue.StatusCompleted, ""); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected rd -> c to be refused, got %v", err)
	}
	if err := store.Release(ctx, running.ID, queue.StatusCancelled, "cancelled by operator"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	job, _ := store.GetJob(ctx, running.ID)
	if !job.CancelRequested || job.ErrorMessage != "cancelled by operator" {
		t.Fatalf("unexpected cancelled job: %#v", job)
	}
	pip, _ := store.GetPipeline(ctx, "pip-1")
	if pip.Ready || pip.Busy() {
		t.Fatalf("cancellation must free the pipeline and clear ready: %#v", pip)
	}
}

func TestFinishReportedStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	setupPipeline(t, store, "pip-1")

	job := admitJob(t, store, "pip-1", "S", true)
	if _, err := store.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	// The job process finished before it noticed the cancel request.
	status, err := store.Finish(ctx, job.ID, queue.StatusCompleted, "", "/out/results.jsonl", "/out/snap.jsonl")
	if err != nil || status != queue.StatusCancelled {
		t.Fatalf("Finish = %s err=%v, want cd", status, err)
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != queue.StatusCancelled || got.ResultPath != "/out/results.jsonl" || got.SnapshotPath != "/out/snap.jsonl" {
		t.Fatalf("unexpected finished job: %#v", got)
	}
	pip, _ := store.GetPipeline(ctx, "pip-1")
	if pip.Ready || pip.Busy() {
		t.Fatalf("cancelled job must free the pipeline and clear ready: %#v", pip)
	}
	if _, err := store.Finish(ctx, job.ID, queue.StatusCompleted, "", "", ""); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected finished job to be refused, got %v", err)
	}

	if err := store.EjectSample(ctx, "pip-1"); err != nil {
		t.Fatalf("EjectSample: %v", err)
	}
	job = admitJob(t, store, "pip-1", "S", true)
	status, err = store.Finish(ctx, job.ID, queue.StatusCompleted, "", "", "")
	if err != nil || status != queue.StatusCompleted {
		t.Fatalf("Finish = %s err=%v, want c", status, err)
	}
	pip, _ = store.GetPipeline(ctx, "pip-1")
	if !pip.Ready || pip.Busy() {
		t.Fatalf("completed job asking to remain ready must keep ready: %#v", pip)
	}
}

func TestComponentsAndDrivers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	setupPipeline(t, store, "pip-1")

	if err := store.SetComponentRegistration(ctx, "counter_dev:1", []string{"count", "random"}, true, ""); err != nil {
		t.Fatalf("SetComponentRegistration: %v", err)
	}
	if err := store.SetComponentRegistration(ctx, "counter_dev:1", nil, false, "offline"); err != nil {
		t.Fatalf("SetComponentRegistration: %v", err)
	}
	cmp, err := store.GetComponent(ctx, "counter_dev:1")
	if err != nil {
		t.Fatalf("GetComponent: %v", err)
	}
	if cmp.Registered || cmp.RegistrationError != "offline" || len(cmp.Capabilities) != 2 {
		t.Fatalf("unexpected component: %#v", cmp)
	}
	if err := store.DeleteComponent(ctx, "counter_dev:1"); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected bound component delete to fail, got %v", err)
	}
	if err := store.DeleteDriver(ctx, "example_counter"); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected driver delete with components to fail, got %v", err)
	}

	spawned := time.Now()
	if err := store.SetDriverProcess(ctx, "example_counter", 4242, "sess-1", spawned); err != nil {
		t.Fatalf("SetDriverProcess: %v", err)
	}
	if err := store.SetDriverEndpoint(ctx, "example_counter", "sess-0", 4242, 5555, time.Now()); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected stale session to be refused, got %v", err)
	}
	if err := store.SetDriverEndpoint(ctx, "example_counter", "sess-1", 4242, 5555, time.Now()); err != nil {
		t.Fatalf("SetDriverEndpoint: %v", err)
	}
	drv, err := store.GetDriver(ctx, "example_counter")
	if err != nil {
		t.Fatalf("GetDriver: %v", err)
	}
	if !drv.Connected() || drv.PID != 4242 || drv.Port != 5555 {
		t.Fatalf("unexpected driver: %#v", drv)
	}
	if err := store.ClearDriverProcess(ctx, "example_counter"); err != nil {
		t.Fatalf("ClearDriverProcess: %v", err)
	}
	drv, _ = store.GetDriver(ctx, "example_counter")
	if drv.Connected() || drv.PID != 0 {
		t.Fatalf("expected cleared driver: %#v", drv)
	}

	if err := store.DeletePipeline(ctx, "pip-1"); err != nil {
		t.Fatalf("DeletePipeline: %v", err)
	}
	if err := store.DeleteComponent(ctx, "counter_dev:1"); err != nil {
		t.Fatalf("DeleteComponent: %v", err)
	}
	if err := store.DeleteDriver(ctx, "example_counter"); err != nil {
		t.Fatalf("DeleteDriver: %v", err)
	}
	pipelines, _ := store.ListPipelines(ctx)
	components, _ := store.ListComponents(ctx)
	drivers, _ := store.ListDrivers(ctx)
	if len(pipelines)+len(components)+len(drivers) != 0 {
		t.Fatal("expected everything removed")
	}
}

func TestHealthCountsStatuses(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	a := testsupport.SubmitJob(t, store, testsupport.CounterPayload("S", "count"))
	testsupport.SubmitJob(t, store, testsupport.CounterPayload("S", "count"))
	if _, err := store.RequestCancel(ctx, a.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Total != 2 || health.Queued != 1 || health.Cancelled != 1 {
		t.Fatalf("unexpected health: %#v", health)
	}
}
