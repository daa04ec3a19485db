package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTelemetry(t *testing.T) {
	received := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	body := []byte(`{"vehicle_id":42,"latitude":-23.55,"longitude":-46.63,"velocidade":130,"nivelCombustivel":12.5,"timestamp":1700000000}`)

	tel, err := ParseTelemetry(body, received)
	require.NoError(t, err)

	assert.Equal(t, int64(42), tel.VehicleID)
	assert.Equal(t, -23.55, tel.Latitude)
	assert.Equal(t, -46.63, tel.Longitude)
	assert.Equal(t, 130.0, tel.Speed)
	require.NotNil(t, tel.FuelLevel)
	assert.Equal(t, 12.5, *tel.FuelLevel)
	assert.Nil(t, tel.Odometer)
	assert.Equal(t, int64(1700000000), tel.Timestamp.Unix())
}

func TestParseTelemetry_DefaultsTimestamp(t *testing.T) {
	received := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tel, err := ParseTelemetry([]byte(`{"vehicle_id":1,"latitude":0,"longitude":0,"velocidade":0}`), received)
	require.NoError(t, err)
	assert.Equal(t, received, tel.Timestamp)
	assert.Equal(t, 0.0, tel.Speed)
}

func TestParseTelemetry_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"garbage", `not json`, nil},
		{"missing vehicle", `{"latitude":1,"longitude":1,"velocidade":1}`, ErrMissingField},
		{"missing speed", `{"vehicle_id":1,"latitude":1,"longitude":1}`, ErrMissingField},
		{"bad latitude", `{"vehicle_id":1,"latitude":91,"longitude":1,"velocidade":1}`, ErrInvalidField},
		{"negative speed", `{"vehicle_id":1,"latitude":1,"longitude":1,"velocidade":-5}`, ErrInvalidField},
		{"zero vehicle", `{"vehicle_id":0,"latitude":1,"longitude":1,"velocidade":1}`, ErrInvalidField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTelemetry([]byte(tt.body), time.Now())
			require.Error(t, err)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), "got %v", err)
			}
		})
	}
}

func TestEncodeTelemetry_ParsesBack(t *testing.T) {
	fuel := 50.0
	in := &Telemetry{
		VehicleID: 7,
		Latitude:  -22.9,
		Longitude: -43.2,
		Speed:     64,
		FuelLevel: &fuel,
		Timestamp: time.Unix(1700000100, 0),
	}

	data, err := EncodeTelemetry(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"velocidade":64`)
	assert.Contains(t, string(data), `"nivelCombustivel":50`)

	out, err := ParseTelemetry(data, time.Now())
	require.NoError(t, err)
	assert.Equal(t, in.Timestamp.Unix(), out.Timestamp.Unix())
	assert.Equal(t, in.VehicleID, out.VehicleID)
}

func TestEncodeAlertNotification_AssignsID(t *testing.T) {
	n := &AlertNotification{Type: AlertCreated, AlertID: 3, VehicleID: 42, AlertType: "EXCESSIVE_SPEED", Severity: "HIGH"}

	data, err := EncodeAlertNotification(n)
	require.NoError(t, err)
	_, err = uuid.Parse(n.NotificationID)
	require.NoError(t, err)

	decoded, err := DecodeAlertNotification(data)
	require.NoError(t, err)
	assert.Equal(t, n.NotificationID, decoded.NotificationID)
	assert.Equal(t, AlertCreated, decoded.Type)
	assert.Equal(t, int64(42), decoded.VehicleID)
}
