package database

import (
	"time"
)

// Vehicle is a fleet vehicle. Read-only to the pipeline.
type Vehicle struct {
	ID        int64     `json:"id"`
	Plate     string    `json:"plate"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// Trip is a planned or running journey of a vehicle.
type Trip struct {
	ID                int64
	VehicleID         int64
	DriverID          *int64
	Status            string
	Origin            string
	Destination       string
	StartedAt         *time.Time
	ExpectedArrivalAt *time.Time
}

const (
	TripStatusPlanned    = "PLANNED"
	TripStatusInProgress = "IN_PROGRESS"
	TripStatusFinished   = "FINISHED"
	TripStatusCancelled  = "CANCELLED"
)

// TelemetryReading is one persisted position/speed/fuel sample.
type TelemetryReading struct {
	ID         int64
	VehicleID  int64
	Latitude   float64
	Longitude  float64
	Speed      float64
	Odometer   *float64
	FuelLevel  *float64
	RecordedAt time.Time
	ReceivedAt time.Time
}

// AlertType identifies the rule that produced an alert.
type AlertType string

const (
	AlertExcessiveSpeed AlertType = "EXCESSIVE_SPEED"
	AlertLowSpeed       AlertType = "LOW_SPEED"
	AlertLowFuel        AlertType = "LOW_FUEL"
	AlertGPSSignalLost  AlertType = "GPS_SIGNAL_LOST"
	AlertDrivingTime    AlertType = "DRIVING_TIME_EXCEEDED"
	AlertTripDelayed    AlertType = "TRIP_DELAYED"
	AlertWeatherAdverse AlertType = "WEATHER_ADVERSE"
)

// Severity is ordered LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the position of s in the severity order, 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Alert is an operational alert raised for a vehicle. Alerts are never deleted.
type Alert struct {
	ID         int64
	VehicleID  int64
	DriverID   *int64
	TripID     *int64
	Type       AlertType
	Severity   Severity
	Message    string
	Latitude   *float64
	Longitude  *float64
	Speed      *float64
	Odometer   *float64
	CreatedAt  time.Time
	Read       bool
	Resolved   bool
	ResolvedAt *time.Time
}
