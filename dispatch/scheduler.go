package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task is the work behind one asynchronous channel: a FIFO of items waiting
// for the channel's callback.
type Task interface {
	// Run serves the task until it is stopped or ctx is done.
	Run(ctx context.Context)
	// Step delivers at most one pending item and reports whether it did.
	Step() bool
}

// Scheduler decides where asynchronous tasks execute.
type Scheduler interface {
	Schedule(t Task)
}

// GoroutineScheduler runs each task on its own goroutine. Tasks also stop
// when the scheduler's context is done.
type GoroutineScheduler struct {
	ctx context.Context
	g   errgroup.Group
}

func NewGoroutineScheduler(ctx context.Context) *GoroutineScheduler {
	return &GoroutineScheduler{ctx: ctx}
}

func (s *GoroutineScheduler) Schedule(t Task) {
	s.g.Go(func() error {
		t.Run(s.ctx)
		return nil
	})
}

// Wait blocks until every scheduled task has returned.
func (s *GoroutineScheduler) Wait() {
	s.g.Wait()
}

// ManualScheduler never runs tasks on its own. Tests drive delivery with
// Step or RunUntilIdle, which makes asynchronous channels deterministic.
type ManualScheduler struct {
	mu    sync.Mutex
	tasks []Task
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (s *ManualScheduler) Schedule(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Step gives every scheduled task one step, in scheduling order, and returns
// how many items were delivered.
func (s *ManualScheduler) Step() int {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	n := 0
	for _, t := range tasks {
		if t.Step() {
			n++
		}
	}
	return n
}

// RunUntilIdle steps until no task has anything left to deliver.
func (s *ManualScheduler) RunUntilIdle() int {
	total := 0
	for {
		n := s.Step()
		if n == 0 {
			return total
		}
		total += n
	}
}

// Tasks returns how many tasks were scheduled.
func (s *ManualScheduler) Tasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
