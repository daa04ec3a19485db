package timer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrSchedulerStopped is returned when scheduling on a stopped Scheduler.
var ErrSchedulerStopped = errors.New("timer scheduler is stopped")

// task is a callback due at a point in time, keyed by vehicle.
type task struct {
	key   int64
	due   time.Time
	fn    func(context.Context)
	index int // position in the heap
}

// taskHeap is a min-heap of tasks ordered by due time.
type taskHeap []*task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // avoid memory leak
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler runs at most one pending callback per key. Scheduling a key that
// is already pending replaces it. Due callbacks run on a fixed worker pool.
type Scheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	tasks   map[int64]*task
	stopped bool

	wakeup  chan struct{}
	ready   chan *task
	stopCh  chan struct{}
	workers int
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewScheduler creates a scheduler with the given number of workers.
func NewScheduler(workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		heap:    make(taskHeap, 0),
		tasks:   make(map[int64]*task),
		wakeup:  make(chan struct{}, 1),
		ready:   make(chan *task),
		stopCh:  make(chan struct{}),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "timer"),
	}
	heap.Init(&s.heap)
	return s
}

// Start launches the scheduling loop and the workers.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.run()
}

// Stop discards pending tasks, cancels running callbacks and waits for the
// workers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Schedule arranges for fn to run at due, replacing any pending task for key.
func (s *Scheduler) Schedule(key int64, due time.Time, fn func(context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	if existing, ok := s.tasks[key]; ok {
		heap.Remove(&s.heap, existing.index)
	}

	t := &task{key: key, due: due, fn: fn}
	heap.Push(&s.heap, t)
	s.tasks[key] = t

	// Wake the loop if this is now the earliest task.
	if s.heap[0] == t {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel removes the pending task for key.
func (s *Scheduler) Cancel(key int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, t.index)
	delete(s.tasks, key)
	return true
}

// Pending returns the number of scheduled tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// next pops the earliest task if it is due, otherwise reports how long to wait.
func (s *Scheduler) next() (*task, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heap.Len() == 0 {
		return nil, time.Hour
	}
	wait := time.Until(s.heap[0].due)
	if wait > 0 {
		return nil, wait
	}
	t := heap.Pop(&s.heap).(*task)
	delete(s.tasks, t.key)
	return t, 0
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		t, wait := s.next()
		if t != nil {
			select {
			case s.ready <- t:
			case <-s.stopCh:
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wakeup:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.ready:
			s.execute(t)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) execute(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timer callback panicked",
				"key", t.key,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	t.fn(s.ctx)
}
