// Package backpressure decides when the consumer should slow itself down.
//
// The monitor compares lag (received minus processed messages) and host
// CPU/memory usage against runtime-adjustable thresholds. When any of them is
// exceeded the monitor is "active" and Throttle makes the caller sleep for the
// configured pause before continuing. Messages keep arriving while paused, so
// throttling trades latency for stability; it never rejects work.
//
// The alert queue bound is reported against the dispatcher's queue depth but
// does not take part in the overload decision: alert evaluation is dropped,
// not waited for, when its queue is full.
package backpressure

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetwatch/telemetry-pipeline/internal/metrics"
)

// Thresholds control when the monitor becomes active.
type Thresholds struct {
	Lag      int64
	CPU      float64
	Memory   float64
	Pause    time.Duration
	QueueMax int64
}

// DefaultThresholds are used when nothing else is configured.
var DefaultThresholds = Thresholds{
	Lag:      500,
	CPU:      80,
	Memory:   80,
	Pause:    time.Second,
	QueueMax: 1000,
}

// ErrInvalidThresholds is returned by SetThresholds for negative values.
var ErrInvalidThresholds = errors.New("thresholds must not be negative")

func (t Thresholds) validate() error {
	if t.Lag < 0 || t.CPU < 0 || t.Memory < 0 || t.Pause < 0 || t.QueueMax < 0 {
		return ErrInvalidThresholds
	}
	return nil
}

// Snapshot is a point-in-time view of the monitor.
type Snapshot struct {
	Received          int64
	Processed         int64
	Lag               int64
	Throughput        float64
	CPUPercent        float64
	MemoryPercent     float64
	Overloaded        bool
	EstimatedRecovery time.Duration
	QueueDepth        int64
	QueueSaturated    bool
	Thresholds        Thresholds
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithQueueDepth reports fn against the QueueMax threshold in snapshots.
func WithQueueDepth(fn func() int) Option {
	return func(m *Monitor) { m.queueDepth = fn }
}

// Monitor tracks lag and host load. All methods are safe for concurrent use.
type Monitor struct {
	counters   *metrics.Counters
	probe      metrics.Probe
	queueDepth func() int
	logger     *slog.Logger

	mu         sync.RWMutex
	thresholds Thresholds

	active atomic.Bool
}

// NewMonitor returns a monitor recording into counters.
func NewMonitor(counters *metrics.Counters, probe metrics.Probe, thresholds Thresholds, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	if err := thresholds.validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		counters:   counters,
		probe:      probe,
		logger:     logger.With("component", "backpressure"),
		thresholds: thresholds,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RecordReceived counts a message pulled from the broker.
func (m *Monitor) RecordReceived() {
	m.counters.IncReceived()
}

// RecordProcessed counts a message that left the pipeline and how long it took.
func (m *Monitor) RecordProcessed(elapsed time.Duration) {
	m.counters.AddProcessed(elapsed)
}

// Lag returns received minus processed.
func (m *Monitor) Lag() int64 {
	// processed is loaded first so the result is never negative.
	processed := m.counters.Processed()
	return m.counters.Received() - processed
}

// Throughput returns processed messages per second of processing time, or 0
// before anything was processed.
func (m *Monitor) Throughput() float64 {
	elapsed := m.counters.ProcessingTime()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.counters.Processed()) / elapsed.Seconds()
}

// Thresholds returns the current thresholds.
func (m *Monitor) Thresholds() Thresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}

// SetThresholds replaces the thresholds. The new values apply from the next
// IsOverloaded call.
func (m *Monitor) SetThresholds(t Thresholds) error {
	if err := t.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()

	m.logger.Info("thresholds updated",
		"lag", t.Lag,
		"cpu", t.CPU,
		"memory", t.Memory,
		"pause", t.Pause,
		"queue_max", t.QueueMax,
	)
	return nil
}

// Active reports the state recorded by the last IsOverloaded call without
// polling the host.
func (m *Monitor) Active() bool {
	return m.active.Load()
}

// IsOverloaded evaluates lag, CPU and memory against the thresholds. Each
// change of state is logged once, by whichever caller observes it first.
func (m *Monitor) IsOverloaded(ctx context.Context) bool {
	over, _, _ := m.poll(ctx)
	return over
}

func (m *Monitor) poll(ctx context.Context) (over bool, cpu, mem float64) {
	over, lag, cpu, mem := m.evaluate(ctx)

	if m.active.CompareAndSwap(!over, over) {
		if over {
			m.logger.Warn("backpressure activated", "lag", lag, "cpu", cpu, "memory", mem)
		} else {
			m.logger.Info("backpressure deactivated", "lag", lag, "cpu", cpu, "memory", mem)
		}
	}
	return over, cpu, mem
}

func (m *Monitor) evaluate(ctx context.Context) (over bool, lag int64, cpu, mem float64) {
	t := m.Thresholds()
	lag = m.Lag()

	var err error
	if cpu, err = m.probe.CPUPercent(ctx); err != nil {
		m.logger.Debug("cpu probe failed", "error", err)
	}
	if mem, err = m.probe.MemoryPercent(ctx); err != nil {
		m.logger.Debug("memory probe failed", "error", err)
	}

	over = lag > t.Lag || cpu > t.CPU || mem > t.Memory
	return over, lag, cpu, mem
}

// Throttle sleeps for the configured pause when the monitor is overloaded.
// It returns early with the context's error if ctx is cancelled.
func (m *Monitor) Throttle(ctx context.Context) error {
	if !m.IsOverloaded(ctx) {
		return nil
	}

	pause := m.Thresholds().Pause
	if pause <= 0 {
		return nil
	}

	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot polls the host and returns the current state.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	over, cpu, mem := m.poll(ctx)

	processed := m.counters.Processed()
	received := m.counters.Received()
	lag := received - processed
	throughput := m.Throughput()

	s := Snapshot{
		Received:      received,
		Processed:     processed,
		Lag:           lag,
		Throughput:    throughput,
		CPUPercent:    cpu,
		MemoryPercent: mem,
		Overloaded:    over,
		Thresholds:    m.Thresholds(),
	}
	if m.queueDepth != nil {
		s.QueueDepth = int64(m.queueDepth())
		s.QueueSaturated = s.Thresholds.QueueMax > 0 && s.QueueDepth >= s.Thresholds.QueueMax
	}
	if throughput > 0 && lag > 0 {
		s.EstimatedRecovery = time.Duration(float64(lag) / throughput * float64(time.Second))
	}
	return s
}
