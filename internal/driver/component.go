package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tomato/internal/config"
	"tomato/internal/driverapi"
	"tomato/internal/logging"
	"tomato/internal/payload"
)

const (
	historyLimit    = 256
	idleCheckPeriod = 250 * time.Millisecond
)

type taskEntry struct {
	info    TaskInfo
	task    payload.Task
	measure bool
	cancel  context.CancelFunc
}

// cmpState is owned by the actor goroutine.
type cmpState struct {
	data         []driverapi.Record
	last         *driverapi.Record
	active       *taskEntry
	pending      []*taskEntry
	finished     map[string]*taskEntry
	order        []string
	lastActivity time.Time
}

type component struct {
	spec   driverapi.ComponentSpec
	dev    driverapi.Device
	host   *Host
	logger *slog.Logger

	hw    sync.Mutex
	cmds  chan func(*cmpState)
	tasks chan *taskEntry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func newComponent(h *Host, spec driverapi.ComponentSpec, dev driverapi.Device) *component {
	ctx, cancel := context.WithCancel(context.Background())
	return &component{
		spec:   spec,
		dev:    dev,
		host:   h,
		logger: h.logger.With(logging.String(logging.FieldCmp, spec.Name)),
		cmds:   make(chan func(*cmpState)),
		tasks:  make(chan *taskEntry, h.queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *component) start() {
	c.wg.Add(2)
	go c.run()
	go c.executor()
}

// run is the actor loop.
func (c *component) run() {
	defer c.wg.Done()
	defer close(c.done)
	state := &cmpState{finished: make(map[string]*taskEntry), lastActivity: time.Now()}
	ticker := time.NewTicker(idleCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.cmds:
			fn(state)
		case now := <-ticker.C:
			c.maybeIdleMeasure(state, now)
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (c *component) do(fn func(*cmpState)) error {
	finished := make(chan struct{})
	wrapped := func(s *cmpState) {
		defer close(finished)
		fn(s)
	}
	select {
	case c.cmds <- wrapped:
	case <-c.done:
		return ErrClosed
	}
	<-finished
	return nil
}

func (c *component) idleInterval() time.Duration {
	if c.spec.IdleInterval != nil {
		if *c.spec.IdleInterval <= 0 {
			return 0
		}
		return time.Duration(*c.spec.IdleInterval * float64(time.Second))
	}
	if d, ok := config.IdleIntervalFrom(c.host.Settings()); ok {
		return d
	}
	if idle, ok := c.dev.(driverapi.IdleIntervaler); ok {
		return idle.IdleMeasurementInterval()
	}
	return 0
}

func (c *component) maybeIdleMeasure(s *cmpState, now time.Time) {
	if s.active != nil || len(s.pending) > 0 {
		return
	}
	interval := c.idleInterval()
	if interval <= 0 || now.Sub(s.lastActivity) < interval {
		return
	}
	if err := c.enqueue(s, c.newEntry(0, payload.Task{TechniqueName: "measure"}, true)); err == nil {
		s.lastActivity = now
	}
}

func (c *component) newEntry(jobID int64, task payload.Task, measure bool) *taskEntry {
	return &taskEntry{
		info: TaskInfo{
			ID:        uuid.NewString(),
			JobID:     jobID,
			Component: c.spec.Name,
			TaskName:  task.TaskName,
			Technique: task.TechniqueName,
			State:     TaskQueued,
			Submitted: time.Now().UTC(),
		},
		task:    task,
		measure: measure,
	}
}

// enqueue must run on the actor goroutine.
func (c *component) enqueue(s *cmpState, e *taskEntry) error {
	select {
	case c.tasks <- e:
		s.pending = append(s.pending, e)
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *component) submit(jobID int64, task payload.Task) (TaskInfo, error) {
	if err := driverapi.ValidateTask(c.dev, task); err != nil {
		return TaskInfo{}, err
	}
	entry := c.newEntry(jobID, task, false)
	var err error
	if doErr := c.do(func(s *cmpState) { err = c.enqueue(s, entry) }); doErr != nil {
		return TaskInfo{}, doErr
	}
	if err != nil {
		return TaskInfo{}, err
	}
	c.logger.Info("task queued",
		logging.String(logging.FieldTaskID, entry.info.ID),
		logging.Int64(logging.FieldJobID, jobID),
		logging.String("technique", task.TechniqueName),
	)
	return entry.info, nil
}

func (c *component) measureOnce() error {
	var err error
	doErr := c.do(func(s *cmpState) {
		if s.active != nil || len(s.pending) > 0 {
			err = fmt.Errorf("%w: measurement requested on %s", ErrBusy, c.spec.Name)
			return
		}
		err = c.enqueue(s, c.newEntry(0, payload.Task{TechniqueName: "measure"}, true))
		s.lastActivity = time.Now()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// stop cancels the active task and marks queued tasks as stopped. A zero
// jobID matches every task.
func (c *component) stop(jobID int64) ([]TaskInfo, error) {
	var stopped []TaskInfo
	err := c.do(func(s *cmpState) {
		kept := s.pending[:0]
		for _, e := range s.pending {
			if jobID != 0 && e.info.JobID != jobID {
				kept = append(kept, e)
				continue
			}
			e.info.State = TaskStopped
			e.info.Finished = time.Now().UTC()
			c.remember(s, e)
			stopped = append(stopped, e.info)
		}
		s.pending = kept
		if s.active != nil && (jobID == 0 || s.active.info.JobID == jobID) && s.active.cancel != nil {
			s.active.cancel()
			stopped = append(stopped, s.active.info)
		}
	})
	return stopped, err
}

func (c *component) remember(s *cmpState, e *taskEntry) {
	if _, ok := s.finished[e.info.ID]; ok {
		return
	}
	s.finished[e.info.ID] = e
	s.order = append(s.order, e.info.ID)
	for len(s.order) > historyLimit {
		delete(s.finished, s.order[0])
		s.order = s.order[1:]
	}
}

func (c *component) taskInfo(id string) (TaskInfo, error) {
	var (
		info TaskInfo
		ok   bool
	)
	err := c.do(func(s *cmpState) {
		if s.active != nil && s.active.info.ID == id {
			info, ok = s.active.info, true
			return
		}
		for _, e := range s.pending {
			if e.info.ID == id {
				info, ok = e.info, true
				return
			}
		}
		if e, found := s.finished[id]; found {
			info, ok = e.info, true
		}
	})
	if err != nil {
		return TaskInfo{}, err
	}
	if !ok {
		return TaskInfo{}, fmt.Errorf("%w: %s on %s", ErrUnknownTask, id, c.spec.Name)
	}
	return info, nil
}

func (c *component) status(ctx context.Context) (ComponentStatus, error) {
	out := ComponentStatus{Name: c.spec.Name}
	err := c.do(func(s *cmpState) {
		out.Queued = len(s.pending)
		out.CanSubmit = len(c.tasks) < cap(c.tasks)
		if s.active != nil && !s.active.measure {
			info := s.active.info
			out.Active = &info
			out.Running = true
		}
	})
	if err != nil {
		return out, err
	}
	c.hw.Lock()
	attrs, err := driverapi.Status(ctx, c.dev)
	c.hw.Unlock()
	if err != nil {
		return out, err
	}
	out.Attrs = attrs
	return out, nil
}

// drain returns and clears cached task data.
func (c *component) drain() ([]driverapi.Record, error) {
	var out []driverapi.Record
	err := c.do(func(s *cmpState) {
		out = s.data
		s.data = nil
	})
	return out, err
}

func (c *component) lastData() (LastData, error) {
	var out LastData
	err := c.do(func(s *cmpState) {
		if s.last != nil {
			out = LastData{Present: true, Record: *s.last}
		}
	})
	return out, err
}

func (c *component) getAttr(ctx context.Context, name string) (any, error) {
	if _, ok := c.dev.Attrs()[name]; !ok {
		return nil, driverapi.Validationf("unknown attr %q", name)
	}
	c.hw.Lock()
	defer c.hw.Unlock()
	return c.dev.GetAttr(ctx, name)
}

func (c *component) setAttr(ctx context.Context, name string, value any) (any, error) {
	coerced, err := driverapi.ValidateSet(c.dev.Attrs(), name, value)
	if err != nil {
		return nil, err
	}
	c.hw.Lock()
	defer c.hw.Unlock()
	return c.dev.SetAttr(ctx, name, coerced)
}

func (c *component) reset(ctx context.Context) error {
	c.hw.Lock()
	defer c.hw.Unlock()
	return c.dev.Reset(ctx)
}

// close stops the actor and executor, then resets and closes the device.
func (c *component) close(ctx context.Context) error {
	if _, err := c.stop(0); err != nil && err != ErrClosed {
		return err
	}
	c.cancel()
	c.wg.Wait()
	resetErr := c.reset(ctx)
	closeErr := c.dev.Close()
	if resetErr != nil {
		return resetErr
	}
	return closeErr
}
