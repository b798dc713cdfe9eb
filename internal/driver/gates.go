package driver

import "sync"

// gates tracks which named tasks of each job have started. Waiters receive a
// channel that is closed once the task starts.
type gates struct {
	mu   sync.Mutex
	jobs map[int64]map[string]*gate
}

type gate struct {
	ch     chan struct{}
	closed bool
}

func newGates() *gates {
	return &gates{jobs: make(map[int64]map[string]*gate)}
}

func (g *gates) get(jobID int64, name string) *gate {
	tasks, ok := g.jobs[jobID]
	if !ok {
		tasks = make(map[string]*gate)
		g.jobs[jobID] = tasks
	}
	gt, ok := tasks[name]
	if !ok {
		gt = &gate{ch: make(chan struct{})}
		tasks[name] = gt
	}
	return gt
}

// wait returns a channel closed once the named task of the job has started.
func (g *gates) wait(jobID int64, name string) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.get(jobID, name).ch
}

// signal marks the named task as started. It reports whether this call changed
// the state.
func (g *gates) signal(jobID int64, name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	gt := g.get(jobID, name)
	if gt.closed {
		return false
	}
	gt.closed = true
	close(gt.ch)
	return true
}

func (g *gates) started(jobID int64) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for name, gt := range g.jobs[jobID] {
		if gt.closed {
			out = append(out, name)
		}
	}
	return out
}

func (g *gates) forget(jobID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.jobs, jobID)
}
