package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetwatch/telemetry-pipeline/internal/database"
	"github.com/fleetwatch/telemetry-pipeline/internal/enrichment"
)

// RuleKind identifies one rule. The set is closed; adding a rule means adding
// a kind, a case in apply and an entry in ruleOrder.
type RuleKind int

const (
	RuleExcessiveSpeed RuleKind = iota
	RuleLowSpeed
	RuleLowFuel
	RuleGPSSignalLost
	RuleDrivingTime
	RuleTripDelayed
	RuleWeather
)

// ruleOrder is the evaluation order.
var ruleOrder = []RuleKind{
	RuleExcessiveSpeed,
	RuleLowSpeed,
	RuleLowFuel,
	RuleGPSSignalLost,
	RuleDrivingTime,
	RuleTripDelayed,
	RuleWeather,
}

// AlertType is the type of alert the rule raises.
func (k RuleKind) AlertType() database.AlertType {
	switch k {
	case RuleExcessiveSpeed:
		return database.AlertExcessiveSpeed
	case RuleLowSpeed:
		return database.AlertLowSpeed
	case RuleLowFuel:
		return database.AlertLowFuel
	case RuleGPSSignalLost:
		return database.AlertGPSSignalLost
	case RuleDrivingTime:
		return database.AlertDrivingTime
	case RuleTripDelayed:
		return database.AlertTripDelayed
	case RuleWeather:
		return database.AlertWeatherAdverse
	default:
		return ""
	}
}

func (k RuleKind) String() string {
	if t := k.AlertType(); t != "" {
		return string(t)
	}
	return fmt.Sprintf("RuleKind(%d)", int(k))
}

func (e *Engine) apply(ctx context.Context, kind RuleKind, ev *evaluation) error {
	switch kind {
	case RuleExcessiveSpeed:
		return e.excessiveSpeed(ctx, ev)
	case RuleLowSpeed:
		return e.lowSpeed(ctx, ev)
	case RuleLowFuel:
		return e.lowFuel(ctx, ev)
	case RuleGPSSignalLost:
		return e.gpsSignalLost(ctx, ev)
	case RuleDrivingTime:
		return e.drivingTime(ctx, ev)
	case RuleTripDelayed:
		return e.tripDelayed(ctx, ev)
	case RuleWeather:
		return e.adverseWeather(ctx, ev)
	default:
		return fmt.Errorf("unknown rule %d", int(kind))
	}
}

// suppressed reports whether an open alert of the type is younger than window.
func (e *Engine) suppressed(ctx context.Context, ev *evaluation, alertType database.AlertType) (bool, error) {
	open, err := e.store.FindOpenAlert(ctx, ev.reading.VehicleID, alertType)
	if err != nil {
		return false, err
	}
	return open != nil && ev.now.Sub(open.CreatedAt) < e.limits.SuppressionWindow, nil
}

// exists reports whether any open alert of the type exists.
func (e *Engine) exists(ctx context.Context, ev *evaluation, alertType database.AlertType) (bool, error) {
	open, err := e.store.FindOpenAlert(ctx, ev.reading.VehicleID, alertType)
	if err != nil {
		return false, err
	}
	return open != nil, nil
}

func (e *Engine) excessiveSpeed(ctx context.Context, ev *evaluation) error {
	speed, limit := ev.reading.Speed, e.limits.MaxSpeed
	if speed <= limit {
		return nil
	}

	skip, err := e.suppressed(ctx, ev, database.AlertExcessiveSpeed)
	if err != nil || skip {
		return err
	}

	msg := fmt.Sprintf("Vehicle %.2f km/h above the limit (%.0f km/h)", speed-limit, limit)
	return e.raise(ctx, ev, database.AlertExcessiveSpeed, database.SeverityHigh, msg)
}

// lowSpeed flags a travelling vehicle crawling outside a built-up area. The
// classifier is only asked once the cheaper checks pass; when it is missing
// or fails the location counts as not urban.
func (e *Engine) lowSpeed(ctx context.Context, ev *evaluation) error {
	speed := ev.reading.Speed
	if speed <= 0 || speed >= e.limits.MinSpeed || ev.trip == nil {
		return nil
	}

	if e.urban != nil {
		urban, err := e.urban.IsUrban(ctx, ev.reading.Latitude, ev.reading.Longitude)
		if err != nil && !errors.Is(err, enrichment.ErrNotConfigured) {
			e.logger.Debug("urban classification failed", "vehicle_id", ev.reading.VehicleID, "error", err)
		}
		if urban {
			return nil
		}
	}

	msg := fmt.Sprintf("Vehicle moving at %.1f km/h outside an urban area (minimum %.0f km/h)", speed, e.limits.MinSpeed)
	return e.raise(ctx, ev, database.AlertLowSpeed, database.SeverityMedium, msg)
}

func (e *Engine) lowFuel(ctx context.Context, ev *evaluation) error {
	fuel := ev.reading.FuelLevel
	if fuel == nil || *fuel >= e.limits.LowFuel {
		return nil
	}

	msg := fmt.Sprintf("Fuel level at %.1f%% (threshold %.0f%%)", *fuel, e.limits.LowFuel)
	return e.raise(ctx, ev, database.AlertLowFuel, database.SeverityMedium, msg)
}

func (e *Engine) gpsSignalLost(ctx context.Context, ev *evaluation) error {
	silence := ev.now.Sub(ev.reading.RecordedAt)
	if silence <= e.limits.GPSSilence {
		return nil
	}

	open, err := e.exists(ctx, ev, database.AlertGPSSignalLost)
	if err != nil || open {
		return err
	}

	msg := fmt.Sprintf("No GPS signal for %d minutes", int(silence.Minutes()))
	return e.raise(ctx, ev, database.AlertGPSSignalLost, database.SeverityHigh, msg)
}

func (e *Engine) drivingTime(ctx context.Context, ev *evaluation) error {
	if ev.trip == nil || ev.trip.StartedAt == nil {
		return nil
	}
	elapsed := ev.now.Sub(*ev.trip.StartedAt)
	if elapsed <= e.limits.MaxDrivingTime {
		return nil
	}

	open, err := e.exists(ctx, ev, database.AlertDrivingTime)
	if err != nil || open {
		return err
	}

	msg := fmt.Sprintf("Driving for %d minutes without a break (limit %d)",
		int(elapsed.Minutes()), int(e.limits.MaxDrivingTime.Minutes()))
	return e.raise(ctx, ev, database.AlertDrivingTime, database.SeverityHigh, msg)
}

// tripDelayed is raised on every evaluation past the expected arrival.
func (e *Engine) tripDelayed(ctx context.Context, ev *evaluation) error {
	if ev.trip == nil || ev.trip.ExpectedArrivalAt == nil || !ev.now.After(*ev.trip.ExpectedArrivalAt) {
		return nil
	}

	late := ev.now.Sub(*ev.trip.ExpectedArrivalAt)
	msg := fmt.Sprintf("Trip %d is %d minutes past its expected arrival", ev.trip.ID, int(late.Minutes()))
	return e.raise(ctx, ev, database.AlertTripDelayed, database.SeverityMedium, msg)
}

// adverseWeather raises at most one alert per vehicle per cooldown.
func (e *Engine) adverseWeather(ctx context.Context, ev *evaluation) error {
	if !ev.enrich || e.weather == nil {
		return nil
	}

	last, err := e.store.FindOpenAlert(ctx, ev.reading.VehicleID, database.AlertWeatherAdverse)
	if err != nil {
		return err
	}
	if last != nil && ev.now.Sub(last.CreatedAt) < e.limits.WeatherCooldown {
		return nil
	}

	report, err := e.weather.Current(ctx, ev.reading.Latitude, ev.reading.Longitude)
	if errors.Is(err, enrichment.ErrNotConfigured) {
		return nil
	}
	if err != nil {
		return err
	}
	if !report.Adverse() {
		return nil
	}

	return e.raise(ctx, ev, database.AlertWeatherAdverse, report.Severity, "Adverse weather: "+report.Summary)
}
