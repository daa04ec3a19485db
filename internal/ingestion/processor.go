// Package ingestion drives raw telemetry from the broker into storage and
// the alert pipeline.
//
// Every fetched message is counted by the backpressure monitor, throttled
// while the monitor is active and then handled on its own goroutine once a
// permit from the shared concurrency limiter is available. A message is
// settled once it was stored, discarded by sampling, or recorded on the
// dead-letter topic. Offsets are committed per partition up to the last
// message before which everything is settled. A message whose dead-letter
// publish fails is never settled, so its partition stays committed below it
// and the message is redelivered after a restart or rebalance.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/semaphore"

	"github.com/fleetwatch/telemetry-pipeline/internal/alerting"
	"github.com/fleetwatch/telemetry-pipeline/internal/backpressure"
	"github.com/fleetwatch/telemetry-pipeline/internal/database"
	"github.com/fleetwatch/telemetry-pipeline/internal/metrics"
	"github.com/fleetwatch/telemetry-pipeline/internal/protocol"
	"github.com/fleetwatch/telemetry-pipeline/internal/sampling"
)

// Source yields raw messages and commits their offsets. *queue.Consumer
// implements it.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// DeadLetterPublisher records messages that could not be processed.
// *queue.Producer implements it.
type DeadLetterPublisher interface {
	PublishMessage(ctx context.Context, msg kafka.Message) error
}

// VehicleFinder resolves the vehicle a reading belongs to.
type VehicleFinder interface {
	FindVehicle(ctx context.Context, id int64) (*database.Vehicle, error)
}

// ReadingStore persists readings, filling in their id.
type ReadingStore interface {
	SaveReading(ctx context.Context, r *database.TelemetryReading) error
}

// AlertQueue accepts readings for asynchronous rule evaluation.
type AlertQueue interface {
	Enqueue(job alerting.Job) bool
	QueueDepth() int
}

// PositionUpdater keeps the live state of a vehicle.
type PositionUpdater interface {
	Update(ctx context.Context, r *database.TelemetryReading) error
}

// SilenceWatcher keeps a GPS silence timer per vehicle.
type SilenceWatcher interface {
	Touch(last database.TelemetryReading) error
	Forget(vehicleID int64) bool
}

// Dead-letter headers attached to every forwarded message.
const (
	HeaderDLQID           = "dlq-id"
	HeaderError           = "dlq-error"
	HeaderFailedAt        = "dlq-failed-at"
	HeaderSourceTopic     = "dlq-source-topic"
	HeaderSourcePartition = "dlq-source-partition"
	HeaderSourceOffset    = "dlq-source-offset"
)

// Config tunes the processor.
type Config struct {
	// MaxInFlight is the number of messages handled in parallel across all
	// sources sharing the processor.
	MaxInFlight int
	// StatsEvery logs a pipeline summary after this many handled messages.
	// Zero disables the summary.
	StatsEvery int
	// HandleTimeout bounds the work done for one message.
	HandleTimeout time.Duration
}

// Deps are the collaborators of a Processor. Positions and Watchdog are
// optional.
type Deps struct {
	DeadLetters DeadLetterPublisher
	Vehicles    VehicleFinder
	Readings    ReadingStore
	Alerts      AlertQueue
	Sampler     *sampling.Sampler
	Monitor     *backpressure.Monitor
	Counters    *metrics.Counters
	Positions   PositionUpdater
	Watchdog    SilenceWatcher
}

func (d Deps) validate() error {
	switch {
	case d.DeadLetters == nil:
		return errors.New("dead-letter publisher is required")
	case d.Vehicles == nil:
		return errors.New("vehicle finder is required")
	case d.Readings == nil:
		return errors.New("reading store is required")
	case d.Alerts == nil:
		return errors.New("alert queue is required")
	case d.Sampler == nil:
		return errors.New("sampler is required")
	case d.Monitor == nil:
		return errors.New("backpressure monitor is required")
	case d.Counters == nil:
		return errors.New("counters are required")
	}
	return nil
}

// Processor handles raw telemetry messages. One Processor may serve several
// sources; they share its concurrency limiter.
type Processor struct {
	deps    Deps
	cfg     Config
	sem     *semaphore.Weighted
	handled atomic.Int64
	now     func() time.Time
	logger  *slog.Logger
}

// NewProcessor validates deps and returns a processor.
func NewProcessor(deps Deps, cfg Config, logger *slog.Logger) (*Processor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 10
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	return &Processor{
		deps:   deps,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		now:    time.Now,
		logger: logger.With("component", "ingestion"),
	}, nil
}

// Run consumes src until ctx is cancelled or the source is closed. It
// returns once the messages it started have been handled.
func (p *Processor) Run(ctx context.Context, src Source) error {
	offsets := newOffsetTracker(src.Commit)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			p.logger.Error("fetch failed", "error", err)
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		p.deps.Monitor.RecordReceived()
		offsets.Begin(msg)

		// Neither wait rejects the message: on cancellation it stays
		// uncommitted and is redelivered to the next consumer.
		if err := p.deps.Monitor.Throttle(ctx); err != nil {
			return nil
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release(1)
			p.handle(ctx, offsets, msg)
		}()
	}
}

// handle runs one message to completion. Work is detached from the run
// context so a shutdown does not abandon a message half-way.
func (p *Processor) handle(runCtx context.Context, offsets *offsetTracker, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), p.cfg.HandleTimeout)
	defer cancel()

	start := time.Now()
	if err := p.process(ctx, msg); err != nil {
		p.deps.Counters.IncFailed()
		p.logger.Warn("message failed, forwarding to dead-letter topic",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)

		if dlqErr := p.deadLetter(ctx, msg, err); dlqErr != nil {
			p.deps.Counters.IncDLQFailure()
			p.logger.Error("dead-letter publish failed, holding partition offset",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", dlqErr,
			)
			offsets.Fail(msg)
			return
		}
		p.deps.Counters.IncDeadLettered()
	}

	p.deps.Monitor.RecordProcessed(time.Since(start))
	if err := offsets.Done(ctx, msg); err != nil {
		p.logger.Error("commit failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}

	if n := p.handled.Add(1); p.cfg.StatsEvery > 0 && n%int64(p.cfg.StatsEvery) == 0 {
		p.logStats(ctx, n)
	}
}

// process parses, samples, stores and dispatches one reading. A nil error
// covers both stored and discarded readings.
func (p *Processor) process(ctx context.Context, msg kafka.Message) error {
	now := p.now()

	t, err := protocol.ParseTelemetry(msg.Value, now)
	if err != nil {
		return fmt.Errorf("parse telemetry: %w", err)
	}

	if _, err := p.deps.Vehicles.FindVehicle(ctx, t.VehicleID); err != nil {
		// A vehicle removed from the fleet must not raise signal loss later.
		if errors.Is(err, database.ErrNotFound) && p.deps.Watchdog != nil {
			p.deps.Watchdog.Forget(t.VehicleID)
		}
		return fmt.Errorf("vehicle %d: %w", t.VehicleID, err)
	}

	decision := p.deps.Sampler.Decide(t.VehicleID, t.Latitude, t.Longitude, now)
	if !decision.Keep {
		p.deps.Counters.IncDiscarded()
		p.logger.Debug("reading discarded by sampling",
			"vehicle_id", t.VehicleID,
			"area", decision.Area,
			"factor", decision.Factor,
		)
		return nil
	}

	reading := &database.TelemetryReading{
		VehicleID:  t.VehicleID,
		Latitude:   t.Latitude,
		Longitude:  t.Longitude,
		Speed:      t.Speed,
		Odometer:   t.Odometer,
		FuelLevel:  t.FuelLevel,
		RecordedAt: t.Timestamp,
		ReceivedAt: now,
	}
	if err := p.deps.Readings.SaveReading(ctx, reading); err != nil {
		return fmt.Errorf("save reading: %w", err)
	}
	p.deps.Sampler.RecordKept(t.VehicleID)
	if decision.Opportunistic {
		p.logger.Debug("reading kept inside critical area",
			"vehicle_id", t.VehicleID,
			"reading_id", reading.ID,
			"area", decision.Area,
		)
	}

	if p.deps.Positions != nil {
		if err := p.deps.Positions.Update(ctx, reading); err != nil {
			p.logger.Warn("live position update failed", "vehicle_id", reading.VehicleID, "error", err)
		}
	}
	if p.deps.Watchdog != nil {
		if err := p.deps.Watchdog.Touch(*reading); err != nil {
			p.logger.Debug("gps watchdog not updated", "vehicle_id", reading.VehicleID, "error", err)
		}
	}

	p.deps.Alerts.Enqueue(alerting.Job{
		Reading: *reading,
		Enrich:  p.deps.Sampler.ShouldEnrich(decision.Factor),
	})
	return nil
}

// deadLetter forwards the raw message body unchanged, with the failure
// described in headers.
func (p *Processor) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+6)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderDLQID, Value: []byte(uuid.NewString())},
		kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderFailedAt, Value: []byte(p.now().UTC().Format(time.RFC3339))},
		kafka.Header{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderSourcePartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)

	return p.deps.DeadLetters.PublishMessage(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
}

func (p *Processor) logStats(ctx context.Context, handled int64) {
	snap := p.deps.Monitor.Snapshot(ctx)
	totals := p.deps.Sampler.Totals()
	c := p.deps.Counters

	p.logger.Info("pipeline stats",
		"handled", handled,
		"received", snap.Received,
		"processed", snap.Processed,
		"lag", snap.Lag,
		"throughput", snap.Throughput,
		"cpu_percent", snap.CPUPercent,
		"memory_percent", snap.MemoryPercent,
		"overloaded", snap.Overloaded,
		"estimated_recovery", snap.EstimatedRecovery,
		"sampled_kept", totals.Kept,
		"sampled_discarded", totals.Discarded,
		"dead_lettered", c.DeadLettered(),
		"dlq_failures", c.DLQFailures(),
		"alert_queue", p.deps.Alerts.QueueDepth(),
		"alerts_dropped", c.AlertsDropped(),
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
