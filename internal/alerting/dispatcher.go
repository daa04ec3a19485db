package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fleetwatch/telemetry-pipeline/internal/metrics"
)

// Evaluator runs one job. *Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, job Job) error
}

// Dispatcher runs evaluations on a fixed pool of workers fed by a bounded
// queue. Enqueue never blocks: when the queue is full the job is dropped.
type Dispatcher struct {
	evaluator  Evaluator
	counters   *metrics.Counters
	logger     *slog.Logger
	jobTimeout time.Duration

	jobQueue    chan Job
	workerCount int

	mu      sync.RWMutex
	stopped bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. Call Start before enqueueing.
func NewDispatcher(evaluator Evaluator, workerCount, queueSize int, counters *metrics.Counters, logger *slog.Logger) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = 200
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		evaluator:   evaluator,
		counters:    counters,
		logger:      logger.With("component", "alert-dispatcher"),
		jobTimeout:  30 * time.Second,
		jobQueue:    make(chan Job, queueSize),
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("alert workers started", "workers", d.workerCount, "queue_size", cap(d.jobQueue))
}

// Enqueue hands a job to the pool. It reports false when the job was dropped
// because the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Enqueue(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.counters.IncAlertsDropped()
		return false
	}

	select {
	case d.jobQueue <- job:
		return true
	default:
		d.counters.IncAlertsDropped()
		d.logger.Warn("alert queue full, dropping evaluation",
			"vehicle_id", job.Reading.VehicleID,
			"reading_id", job.Reading.ID,
		)
		return false
	}
}

// QueueDepth returns the number of jobs waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.jobQueue)
}

// Stop refuses new jobs, lets workers drain the queue and waits for them.
// If ctx expires first, in-flight evaluations are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.jobQueue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}
	d.cancel()
	d.logger.Info("alert workers stopped")
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for job := range d.jobQueue {
		d.run(id, job)
	}
}

// run evaluates one job, containing panics so a bad rule cannot kill the worker.
func (d *Dispatcher) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("alert evaluation panicked",
				"worker", id,
				"vehicle_id", job.Reading.VehicleID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(d.ctx, d.jobTimeout)
	defer cancel()

	if err := d.evaluator.Evaluate(ctx, job); err != nil {
		d.logger.Error("alert evaluation failed",
			"worker", id,
			"vehicle_id", job.Reading.VehicleID,
			"reading_id", job.Reading.ID,
			"error", err,
		)
	}
}
