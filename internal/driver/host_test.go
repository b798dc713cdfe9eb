package driver_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"tomato/internal/driver"
	"tomato/internal/driverapi"
	"tomato/internal/payload"
)

type fakeDevice struct {
	mu       sync.Mutex
	x        float64
	measured atomic.Int64
	resets   atomic.Int64
}

func (d *fakeDevice) Attrs() map[string]driverapi.Attr {
	return map[string]driverapi.Attr{
		"x": {Type: driverapi.TypeFloat, RW: true, Status: true, Maximum: driverapi.Bound(10)},
	}
}
func (d *fakeDevice) Capabilities() []string    { return []string{"run"} }
func (d *fakeDevice) Constants() map[string]any { return map[string]any{"model": "fake"} }
func (d *fakeDevice) GetAttr(context.Context, string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.x, nil
}
func (d *fakeDevice) SetAttr(_ context.Context, _ string, v any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.x = v.(float64)
	return d.x, nil
}
func (d *fakeDevice) Measure(context.Context) (driverapi.Record, error) {
	n := d.measured.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return driverapi.NewRecord(time.Now(), map[string]any{"n": n, "x": d.x}), nil
}
func (d *fakeDevice) Reset(context.Context) error { d.resets.Add(1); return nil }
func (d *fakeDevice) Close() error                { return nil }

type factoryScript struct {
	mu    sync.Mutex
	calls int
	errs  []error
	dev   *fakeDevice
}

func (f *factoryScript) factory(context.Context, driverapi.ComponentSpec, driverapi.Settings) (driverapi.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.dev == nil {
		f.dev = &fakeDevice{}
	}
	return f.dev, nil
}

func newHost(t *testing.T, f *factoryScript, opts ...func(*driver.HostOptions)) *driver.Host {
	t.Helper()
	o := driver.HostOptions{Name: "fake", Factory: f.factory, Limiter: rate.NewLimiter(rate.Inf, 1)}
	for _, opt := range opts {
		opt(&o)
	}
	h, err := driver.NewHost(o)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func spec(name string) driverapi.ComponentSpec {
	return driverapi.ComponentSpec{Name: name, Driver: "fake", Device: "dev", Channel: "1"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connErr() error {
	return driverapi.Wrap(driverapi.ErrConnection, "dev:1", "register", "offline", nil)
}

func TestRegisterRetriesConnectionErrors(t *testing.T) {
	f := &factoryScript{errs: []error{connErr(), connErr()}}
	h := newHost(t, f)
	caps, err := h.Register(context.Background(), spec("dev:1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(caps) != 1 || caps[0] != "run" {
		t.Fatalf("unexpected capabilities: %v", caps)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestRegisterGivesUpThenManualRetry(t *testing.T) {
	f := &factoryScript{errs: []error{connErr(), connErr(), connErr()}}
	h := newHost(t, f)
	if _, err := h.Register(context.Background(), spec("dev:1")); !driverapi.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	status := h.Status()
	if len(status.Components) != 1 || status.Components[0].Registered || status.Components[0].Attempts != 3 {
		t.Fatalf("unexpected status: %#v", status)
	}
	if _, err := h.Retry(context.Background(), "dev:1"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if status := h.Status(); !status.Components[0].Registered {
		t.Fatalf("expected registered after retry: %#v", status)
	}
	if _, err := h.Retry(context.Background(), "unknown:1"); !errors.Is(err, driverapi.ErrUnknownComponent) {
		t.Fatalf("expected unknown component, got %v", err)
	}
}

func TestRegisterDoesNotRetryValidationErrors(t *testing.T) {
	f := &factoryScript{errs: []error{driverapi.Validationf("bad address")}}
	h := newHost(t, f)
	if _, err := h.Register(context.Background(), spec("dev:1")); !driverapi.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.calls)
	}
}

func TestUnclassifiedRegistrationErrorIsFatal(t *testing.T) {
	f := &factoryScript{errs: []error{errors.New("driver library missing")}}
	h := newHost(t, f)
	_, _ = h.Register(context.Background(), spec("dev:1"))
	select {
	case err := <-h.Fatal():
		if err == nil {
			t.Fatal("expected fatal error")
		}
	case <-time.After(time.Second):
		t.Fatal("expected fatal error to be reported")
	}
}

func TestTaskRunsAndCachesData(t *testing.T) {
	f := &factoryScript{}
	h := newHost(t, f)
	if _, err := h.Register(context.Background(), spec("dev:1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	task := payload.Task{
		ComponentRole:   "r",
		TechniqueName:   "run",
		TechniqueParams: map[string]any{"x": 4},
		MaxDuration:     0.3,
		SampleInterval:  0.05,
	}
	info, err := h.SubmitTask("dev:1", 7, task)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	waitFor(t, "task completion", func() bool {
		got, err := h.TaskStatus("dev:1", info.ID)
		return err == nil && got.State == driver.TaskCompleted
	})
	records, err := h.TaskData("dev:1")
	if err != nil {
		t.Fatalf("TaskData: %v", err)
	}
	if len(records) < 2 {
		t.Fatalf("expected several records, got %d", len(records))
	}
	if records[0].Values["x"] != 4.0 {
		t.Fatalf("expected prepared attribute in records: %#v", records[0])
	}
	again, _ := h.TaskData("dev:1")
	if len(again) != 0 {
		t.Fatalf("expected drained cache, got %d records", len(again))
	}
	last, err := h.LastData("dev:1")
	if err != nil || !last.Present {
		t.Fatalf("expected last data, got %#v err=%v", last, err)
	}
}

func TestSubmitRejectsInvalidTasks(t *testing.T) {
	h := newHost(t, &factoryScript{})
	_, _ = h.Register(context.Background(), spec("dev:1"))
	cases := []payload.Task{
		{TechniqueName: "sweep", MaxDuration: 1, SampleInterval: 1},
		{TechniqueName: "run", TechniqueParams: map[string]any{"x": 11}, MaxDuration: 1, SampleInterval: 1},
		{TechniqueName: "run", TechniqueParams: map[string]any{"y": 1}, MaxDuration: 1, SampleInterval: 1},
	}
	for _, task := range cases {
		if _, err := h.SubmitTask("dev:1", 1, task); !driverapi.IsValidation(err) {
			t.Fatalf("expected validation error for %#v, got %v", task, err)
		}
	}
	if _, err := h.SubmitTask("nope:1", 1, cases[0]); !errors.Is(err, driverapi.ErrUnknownComponent) {
		t.Fatalf("expected unknown component, got %v", err)
	}
}

func TestQueueFullAndStop(t *testing.T) {
	h := newHost(t, &factoryScript{}, func(o *driver.HostOptions) { o.TaskQueueSize = 1 })
	_, _ = h.Register(context.Background(), spec("dev:1"))
	long := payload.Task{TechniqueName: "run", MaxDuration: 30, SampleInterval: 0.05}

	first, err := h.SubmitTask("dev:1", 1, long)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	waitFor(t, "first task running", func() bool {
		info, _ := h.TaskStatus("dev:1", first.ID)
		return info.State == driver.TaskRunning
	})
	second, err := h.SubmitTask("dev:1", 1, long)
	if err != nil {
		t.Fatalf("second SubmitTask: %v", err)
	}
	if _, err := h.SubmitTask("dev:1", 1, long); !errors.Is(err, driver.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if err := h.Measure("dev:1"); !errors.Is(err, driver.ErrBusy) {
		t.Fatalf("expected busy measurement, got %v", err)
	}
	status, err := h.ComponentStatus(context.Background(), "dev:1")
	if err != nil {
		t.Fatalf("ComponentStatus: %v", err)
	}
	if !status.Running || status.CanSubmit || status.Queued != 1 {
		t.Fatalf("unexpected status: %#v", status)
	}

	if _, err := h.StopTasks("dev:1", 1); err != nil {
		t.Fatalf("StopTasks: %v", err)
	}
	for _, id := range []string{first.ID, second.ID} {
		waitFor(t, "task stopped", func() bool {
			info, _ := h.TaskStatus("dev:1", id)
			return info.State == driver.TaskStopped
		})
	}
}

func TestStartGateDelaysTask(t *testing.T) {
	h := newHost(t, &factoryScript{})
	_, _ = h.Register(context.Background(), spec("dev:1"))
	task := payload.Task{TechniqueName: "run", StartWithTaskName: "heat", MaxDuration: 0.1, SampleInterval: 0.05}
	info, err := h.SubmitTask("dev:1", 3, task)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	waitFor(t, "task waiting", func() bool {
		got, _ := h.TaskStatus("dev:1", info.ID)
		return got.State == driver.TaskWaiting
	})
	h.Signal(3, "heat")
	waitFor(t, "task completion", func() bool {
		got, _ := h.TaskStatus("dev:1", info.ID)
		return got.State == driver.TaskCompleted
	})
	if gates := h.StartedGates(3); len(gates) != 1 || gates[0] != "heat" {
		t.Fatalf("unexpected gates: %v", gates)
	}
}

func TestStopGateEndsTaskEarly(t *testing.T) {
	f := &factoryScript{}
	h := newHost(t, f)
	_, _ = h.Register(context.Background(), spec("dev:1"))
	follower := payload.Task{TechniqueName: "run", StopWithTaskName: "next", MaxDuration: 30, SampleInterval: 0.05}
	info, err := h.SubmitTask("dev:1", 9, follower)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	waitFor(t, "task running", func() bool {
		got, _ := h.TaskStatus("dev:1", info.ID)
		return got.State == driver.TaskRunning
	})
	h.Signal(9, "next")
	waitFor(t, "task completion", func() bool {
		got, _ := h.TaskStatus("dev:1", info.ID)
		return got.State == driver.TaskCompleted
	})
}

func TestIdleMeasurementFollowsSettings(t *testing.T) {
	f := &factoryScript{}
	h := newHost(t, f, func(o *driver.HostOptions) {
		o.Settings = driverapi.Settings{"idle_measurement_interval": 0.3}
	})
	_, _ = h.Register(context.Background(), spec("dev:1"))
	waitFor(t, "idle measurement", func() bool {
		last, _ := h.LastData("dev:1")
		return last.Present
	})
	records, _ := h.TaskData("dev:1")
	if len(records) != 0 {
		t.Fatalf("idle measurements must not fill the task cache, got %d", len(records))
	}
}

func TestOneShotMeasureUpdatesLastData(t *testing.T) {
	h := newHost(t, &factoryScript{})
	_, _ = h.Register(context.Background(), spec("dev:1"))
	if err := h.Measure("dev:1"); err != nil {
		t.Fatalf("Measure: %v", err)
	}
	waitFor(t, "measurement", func() bool {
		last, _ := h.LastData("dev:1")
		return last.Present
	})
}

func TestAttrsAndTeardown(t *testing.T) {
	f := &factoryScript{}
	h := newHost(t, f)
	ctx := context.Background()
	_, _ = h.Register(ctx, spec("dev:1"))
	got, err := h.SetAttr(ctx, "dev:1", "x", "2.5")
	if err != nil || got != 2.5 {
		t.Fatalf("SetAttr: %v %v", got, err)
	}
	if v, _ := h.GetAttr(ctx, "dev:1", "x"); v != 2.5 {
		t.Fatalf("GetAttr: %v", v)
	}
	if _, err := h.GetAttr(ctx, "dev:1", "missing"); !driverapi.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	consts, _ := h.Constants("dev:1")
	if consts["model"] != "fake" || consts["interface_version"] != driverapi.Version {
		t.Fatalf("unexpected constants: %v", consts)
	}
	if err := h.Teardown(ctx, "dev:1"); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if f.dev.resets.Load() == 0 {
		t.Fatal("expected teardown to reset the device")
	}
	if _, err := h.Capabilities("dev:1"); !errors.Is(err, driverapi.ErrUnknownComponent) {
		t.Fatalf("expected unknown component after teardown, got %v", err)
	}
}

func TestSetAttrRejectsInvalidValuesWithoutChange(t *testing.T) {
	f := &factoryScript{}
	h := newHost(t, f)
	ctx := context.Background()
	_, _ = h.Register(ctx, spec("dev:1"))
	if _, err := h.SetAttr(ctx, "dev:1", "x", 2.5); err != nil {
		t.Fatalf("SetAttr: %v", err)
	}

	for _, value := range []any{11, "10.5", "NaN", "+Inf", "warm", nil} {
		if _, err := h.SetAttr(ctx, "dev:1", "x", value); !driverapi.IsValidation(err) {
			t.Fatalf("SetAttr(%#v): expected validation error, got %v", value, err)
		}
	}
	if _, err := h.SetAttr(ctx, "dev:1", "y", 1); !driverapi.IsValidation(err) {
		t.Fatalf("expected unknown attr to be rejected, got %v", err)
	}
	if v, err := h.GetAttr(ctx, "dev:1", "x"); err != nil || v != 2.5 {
		t.Fatalf("attribute changed by rejected writes: %v err=%v", v, err)
	}
}

func TestQueuedTasksRunInSubmissionOrder(t *testing.T) {
	h := newHost(t, &factoryScript{})
	_, _ = h.Register(context.Background(), spec("dev:1"))

	var ids []string
	for _, name := range []string{"first", "second", "third"} {
		task := payload.Task{TechniqueName: "run", TaskName: name, MaxDuration: 0.1, SampleInterval: 0.05}
		info, err := h.SubmitTask("dev:1", 4, task)
		if err != nil {
			t.Fatalf("SubmitTask %s: %v", name, err)
		}
		ids = append(ids, info.ID)
	}
	infos := make([]driver.TaskInfo, len(ids))
	for i, id := range ids {
		waitFor(t, "task completion", func() bool {
			got, err := h.TaskStatus("dev:1", id)
			infos[i] = got
			return err == nil && got.State == driver.TaskCompleted
		})
	}
	for i := 1; i < len(infos); i++ {
		prev, cur := infos[i-1], infos[i]
		if cur.Started.Before(prev.Finished) {
			t.Fatalf("task %s started at %s before %s finished at %s",
				cur.TaskName, cur.Started, prev.TaskName, prev.Finished)
		}
	}
}

func TestSubmitAfterStopRuns(t *testing.T) {
	h := newHost(t, &factoryScript{})
	_, _ = h.Register(context.Background(), spec("dev:1"))

	long := payload.Task{TechniqueName: "run", MaxDuration: 30, SampleInterval: 0.05}
	first, err := h.SubmitTask("dev:1", 1, long)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	waitFor(t, "first task running", func() bool {
		info, _ := h.TaskStatus("dev:1", first.ID)
		return info.State == driver.TaskRunning
	})
	if _, err := h.StopTasks("dev:1", 1); err != nil {
		t.Fatalf("StopTasks: %v", err)
	}
	waitFor(t, "first task stopped", func() bool {
		info, _ := h.TaskStatus("dev:1", first.ID)
		return info.State == driver.TaskStopped
	})

	short := payload.Task{TechniqueName: "run", MaxDuration: 0.1, SampleInterval: 0.05}
	next, err := h.SubmitTask("dev:1", 2, short)
	if err != nil {
		t.Fatalf("SubmitTask after stop: %v", err)
	}
	waitFor(t, "second task completion", func() bool {
		info, _ := h.TaskStatus("dev:1", next.ID)
		return info.State == driver.TaskCompleted
	})
}

func TestConcurrentRegisterKeepsOneComponent(t *testing.T) {
	h := newHost(t, &factoryScript{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Register(ctx, spec("dev:1")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Register: %v", err)
	}
	status := h.Status()
	if len(status.Components) != 1 || !status.Components[0].Registered {
		t.Fatalf("unexpected status: %#v", status)
	}
	info, err := h.SubmitTask("dev:1", 1, payload.Task{TechniqueName: "run", MaxDuration: 0.1, SampleInterval: 0.05})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	waitFor(t, "task completion", func() bool {
		got, _ := h.TaskStatus("dev:1", info.ID)
		return got.State == driver.TaskCompleted
	})
}
