package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingField is returned when a required telemetry field is absent.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidField is returned when a telemetry field is out of range.
	ErrInvalidField = errors.New("invalid field")
)

// TelemetryMessage is the wire format published by vehicles on the raw topic.
// Pointers distinguish absent fields from zero values.
type TelemetryMessage struct {
	VehicleID *int64   `json:"vehicle_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Speed     *float64 `json:"velocidade"`
	FuelLevel *float64 `json:"nivelCombustivel,omitempty"`
	Odometer  *float64 `json:"odometro,omitempty"`
	Timestamp *int64   `json:"timestamp,omitempty"` // epoch seconds
}

// Telemetry is a decoded and validated reading.
type Telemetry struct {
	VehicleID int64
	Latitude  float64
	Longitude float64
	Speed     float64
	FuelLevel *float64
	Odometer  *float64
	Timestamp time.Time
}

// ParseTelemetry decodes a raw message body. A missing timestamp defaults to
// receivedAt.
func ParseTelemetry(data []byte, receivedAt time.Time) (*Telemetry, error) {
	var msg TelemetryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch {
	case msg.VehicleID == nil:
		return nil, fmt.Errorf("vehicle_id: %w", ErrMissingField)
	case msg.Latitude == nil:
		return nil, fmt.Errorf("latitude: %w", ErrMissingField)
	case msg.Longitude == nil:
		return nil, fmt.Errorf("longitude: %w", ErrMissingField)
	case msg.Speed == nil:
		return nil, fmt.Errorf("velocidade: %w", ErrMissingField)
	}

	if *msg.VehicleID <= 0 {
		return nil, fmt.Errorf("vehicle_id %d: %w", *msg.VehicleID, ErrInvalidField)
	}
	if *msg.Latitude < -90 || *msg.Latitude > 90 {
		return nil, fmt.Errorf("latitude %v: %w", *msg.Latitude, ErrInvalidField)
	}
	if *msg.Longitude < -180 || *msg.Longitude > 180 {
		return nil, fmt.Errorf("longitude %v: %w", *msg.Longitude, ErrInvalidField)
	}
	if *msg.Speed < 0 {
		return nil, fmt.Errorf("velocidade %v: %w", *msg.Speed, ErrInvalidField)
	}

	t := &Telemetry{
		VehicleID: *msg.VehicleID,
		Latitude:  *msg.Latitude,
		Longitude: *msg.Longitude,
		Speed:     *msg.Speed,
		FuelLevel: msg.FuelLevel,
		Odometer:  msg.Odometer,
		Timestamp: receivedAt,
	}
	if msg.Timestamp != nil {
		t.Timestamp = time.Unix(*msg.Timestamp, 0)
	}
	return t, nil
}

// EncodeTelemetry encodes a reading in the wire format.
func EncodeTelemetry(t *Telemetry) ([]byte, error) {
	ts := t.Timestamp.Unix()
	return json.Marshal(&TelemetryMessage{
		VehicleID: &t.VehicleID,
		Latitude:  &t.Latitude,
		Longitude: &t.Longitude,
		Speed:     &t.Speed,
		FuelLevel: t.FuelLevel,
		Odometer:  t.Odometer,
		Timestamp: &ts,
	})
}
