// Package alerting turns persisted telemetry readings into alerts.
//
// Each reading is run through a fixed list of rules. A rule may open an alert
// for the vehicle; the open alert then suppresses duplicates until it is
// resolved or, for suppression-window rules, until it ages out of the window.
// After the rules run, a resolution pass closes open alerts whose condition
// no longer holds.
//
// Rule failures never reach the caller of Dispatcher.Enqueue. They are
// logged by the worker that ran the evaluation.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwatch/telemetry-pipeline/internal/database"
	"github.com/fleetwatch/telemetry-pipeline/internal/enrichment"
	"github.com/fleetwatch/telemetry-pipeline/internal/metrics"
	"github.com/fleetwatch/telemetry-pipeline/internal/protocol"
)

// Store persists alerts. *database.DB implements it.
type Store interface {
	FindOpenAlert(ctx context.Context, vehicleID int64, alertType database.AlertType) (*database.Alert, error)
	FindOpenAlerts(ctx context.Context, vehicleID int64, alertType database.AlertType) ([]*database.Alert, error)
	SaveAlert(ctx context.Context, alert *database.Alert) error
	ResolveAlert(ctx context.Context, id int64, at time.Time) (bool, error)
}

// TripFinder returns the in-progress trip of a vehicle, or nil.
type TripFinder interface {
	FindActiveTrip(ctx context.Context, vehicleID int64) (*database.Trip, error)
}

// UrbanClassifier reports whether a point lies in a built-up area.
type UrbanClassifier interface {
	IsUrban(ctx context.Context, lat, lon float64) (bool, error)
}

// WeatherChecker returns the assessed weather at a point.
type WeatherChecker interface {
	Current(ctx context.Context, lat, lon float64) (*enrichment.WeatherReport, error)
}

// Publisher sends encoded alert notifications. *queue.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// Limits are the rule thresholds.
type Limits struct {
	MaxSpeed          float64
	MinSpeed          float64
	LowFuel           float64
	GPSSilence        time.Duration
	MaxDrivingTime    time.Duration
	SuppressionWindow time.Duration
	WeatherCooldown   time.Duration
}

// DefaultLimits match the fleet's operating policy.
var DefaultLimits = Limits{
	MaxSpeed:          110,
	MinSpeed:          10,
	LowFuel:           15,
	GPSSilence:        15 * time.Minute,
	MaxDrivingTime:    240 * time.Minute,
	SuppressionWindow: 5 * time.Minute,
	WeatherCooldown:   time.Hour,
}

// Job is one reading queued for evaluation.
type Job struct {
	Reading database.TelemetryReading
	// Enrich allows the weather lookup for this reading.
	Enrich bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithUrbanClassifier(c UrbanClassifier) Option { return func(e *Engine) { e.urban = c } }
func WithWeatherChecker(w WeatherChecker) Option   { return func(e *Engine) { e.weather = w } }
func WithPublisher(p Publisher) Option             { return func(e *Engine) { e.publisher = p } }

// WithClock replaces time.Now as the evaluation time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine evaluates the rules against readings.
type Engine struct {
	store     Store
	trips     TripFinder
	urban     UrbanClassifier
	weather   WeatherChecker
	publisher Publisher
	counters  *metrics.Counters
	limits    Limits
	now       func() time.Time
	logger    *slog.Logger
}

func NewEngine(store Store, trips TripFinder, counters *metrics.Counters, limits Limits, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		trips:    trips,
		counters: counters,
		limits:   limits,
		now:      time.Now,
		logger:   logger.With("component", "alerting"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// evaluation carries what every rule sees for one reading.
type evaluation struct {
	reading *database.TelemetryReading
	trip    *database.Trip
	now     time.Time
	enrich  bool
}

// Evaluate runs every rule and then the resolution pass. A failing rule does
// not stop the others; all failures are returned joined.
func (e *Engine) Evaluate(ctx context.Context, job Job) error {
	ev := &evaluation{
		reading: &job.Reading,
		now:     e.now(),
		enrich:  job.Enrich,
	}

	var errs []error
	if e.trips != nil {
		trip, err := e.trips.FindActiveTrip(ctx, job.Reading.VehicleID)
		if err != nil {
			// Trip-dependent rules are skipped, the rest still run.
			errs = append(errs, fmt.Errorf("trip lookup: %w", err))
		}
		ev.trip = trip
	}

	for _, kind := range ruleOrder {
		if err := e.apply(ctx, kind, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}

	if err := e.resolve(ctx, ev); err != nil {
		errs = append(errs, fmt.Errorf("resolve: %w", err))
	}
	return errors.Join(errs...)
}

// CheckSignalLoss runs only the GPS signal rule for the last known reading of
// a vehicle. The watchdog calls it when a vehicle goes silent.
func (e *Engine) CheckSignalLoss(ctx context.Context, last database.TelemetryReading) error {
	ev := &evaluation{reading: &last, now: e.now()}
	return e.apply(ctx, RuleGPSSignalLost, ev)
}

// raise saves a new alert built from the reading and publishes it.
func (e *Engine) raise(ctx context.Context, ev *evaluation, alertType database.AlertType, severity database.Severity, message string) error {
	r := ev.reading
	alert := &database.Alert{
		VehicleID: r.VehicleID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Latitude:  &r.Latitude,
		Longitude: &r.Longitude,
		Speed:     &r.Speed,
		Odometer:  r.Odometer,
		CreatedAt: ev.now,
		Read:      false,
		Resolved:  false,
	}
	if ev.trip != nil {
		alert.TripID = &ev.trip.ID
		alert.DriverID = ev.trip.DriverID
	}

	if err := e.store.SaveAlert(ctx, alert); err != nil {
		return err
	}
	e.counters.IncAlertCreated(string(alertType), string(severity))

	e.logger.Info("alert created",
		"alert_id", alert.ID,
		"vehicle_id", alert.VehicleID,
		"type", alertType,
		"severity", severity,
	)

	e.notify(ctx, protocol.AlertCreated, alert, ev.now)
	return nil
}

// notify is best effort; the alert row is the source of truth.
func (e *Engine) notify(ctx context.Context, kind string, alert *database.Alert, at time.Time) {
	if e.publisher == nil {
		return
	}

	n := &protocol.AlertNotification{
		Type:       kind,
		AlertID:    alert.ID,
		VehicleID:  alert.VehicleID,
		TripID:     alert.TripID,
		AlertType:  string(alert.Type),
		Severity:   string(alert.Severity),
		Message:    alert.Message,
		Latitude:   alert.Latitude,
		Longitude:  alert.Longitude,
		Speed:      alert.Speed,
		OccurredAt: at,
	}
	data, err := protocol.EncodeAlertNotification(n)
	if err != nil {
		e.logger.Error("encode alert notification", "alert_id", alert.ID, "error", err)
		return
	}

	key := fmt.Appendf(nil, "%d-%s", alert.VehicleID, alert.Type)
	if err := e.publisher.Publish(ctx, key, data); err != nil {
		e.logger.Warn("publish alert notification", "alert_id", alert.ID, "error", err)
	}
}

// resolve closes open speeding alerts once the vehicle is back under the limit.
func (e *Engine) resolve(ctx context.Context, ev *evaluation) error {
	if ev.reading.Speed > e.limits.MaxSpeed {
		return nil
	}

	open, err := e.store.FindOpenAlerts(ctx, ev.reading.VehicleID, database.AlertExcessiveSpeed)
	if err != nil {
		return err
	}

	var errs []error
	for _, alert := range open {
		changed, err := e.store.ResolveAlert(ctx, alert.ID, ev.now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !changed {
			continue
		}
		alert.Resolved = true
		alert.ResolvedAt = &ev.now

		e.logger.Info("alert resolved", "alert_id", alert.ID, "vehicle_id", alert.VehicleID, "type", alert.Type)
		e.notify(ctx, protocol.AlertResolved, alert, ev.now)
	}
	return errors.Join(errs...)
}
