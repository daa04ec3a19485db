package timer

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetwatch/telemetry-pipeline/internal/database"
)

// SilenceCheck is run against the last reading of a vehicle that stopped
// reporting. alerting.Engine.CheckSignalLoss satisfies it.
type SilenceCheck func(ctx context.Context, last database.TelemetryReading) error

// Watchdog fires a SilenceCheck for every vehicle that has not reported for
// longer than the silence period.
type Watchdog struct {
	scheduler *Scheduler
	silence   time.Duration
	// grace pushes the deadline just past the silence period so the check
	// sees the vehicle as silent.
	grace  time.Duration
	check  SilenceCheck
	now    func() time.Time
	logger *slog.Logger
}

// NewWatchdog creates a watchdog on top of a started Scheduler.
func NewWatchdog(scheduler *Scheduler, silence time.Duration, check SilenceCheck, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		scheduler: scheduler,
		silence:   silence,
		grace:     time.Second,
		check:     check,
		now:       time.Now,
		logger:    logger.With("component", "gps-watchdog"),
	}
}

// Touch restarts the vehicle's silence timer from now.
func (w *Watchdog) Touch(last database.TelemetryReading) error {
	due := w.now().Add(w.silence + w.grace)
	return w.scheduler.Schedule(last.VehicleID, due, func(ctx context.Context) {
		w.logger.Info("vehicle went silent", "vehicle_id", last.VehicleID, "last_reading_id", last.ID)
		if err := w.check(ctx, last); err != nil {
			w.logger.Error("signal loss check failed", "vehicle_id", last.VehicleID, "error", err)
		}
	})
}

// Forget stops watching a vehicle.
func (w *Watchdog) Forget(vehicleID int64) bool {
	return w.scheduler.Cancel(vehicleID)
}

// Watching returns the number of vehicles with a running timer.
func (w *Watchdog) Watching() int {
	return w.scheduler.Pending()
}
