package database

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn), mock
}

var alertRowColumns = []string{
	"id", "vehicle_id", "driver_id", "trip_id", "type", "severity", "message",
	"latitude", "longitude", "speed", "odometer", "created_at", "read", "resolved", "resolved_at",
}

func TestFindVehicle(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM vehicles")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "plate", "model", "created_at"}).
			AddRow(int64(7), "ABC1D23", "Actros", created))

	v, err := db.FindVehicle(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "ABC1D23", v.Plate)
	assert.Equal(t, created, v.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindVehicle_NotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM vehicles")).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	_, err := db.FindVehicle(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFindActiveTrip(t *testing.T) {
	db, mock := newMockDB(t)
	started := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM trips")).
		WithArgs(int64(1), TripStatusInProgress).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "vehicle_id", "driver_id", "status", "origin", "destination", "started_at", "expected_arrival_at",
		}).AddRow(int64(11), int64(1), int64(5), TripStatusInProgress, "Santos", "Campinas", started, nil))

	trip, err := db.FindActiveTrip(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, trip)
	assert.Equal(t, int64(11), trip.ID)
	require.NotNil(t, trip.DriverID)
	assert.Equal(t, int64(5), *trip.DriverID)
	require.NotNil(t, trip.StartedAt)
	assert.Equal(t, started, *trip.StartedAt)
	assert.Nil(t, trip.ExpectedArrivalAt)
}

func TestFindActiveTrip_NoneIsNotAnError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM trips")).
		WithArgs(int64(1), TripStatusInProgress).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	trip, err := db.FindActiveTrip(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, trip)
}

func TestSaveReading(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	fuel := 40.0
	r := &TelemetryReading{
		VehicleID:  1,
		Latitude:   -23.5,
		Longitude:  -46.6,
		Speed:      80,
		FuelLevel:  &fuel,
		RecordedAt: now,
		ReceivedAt: now,
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO telemetry")).
		WithArgs(int64(1), -23.5, -46.6, 80.0, sqlmock.AnyArg(), sqlmock.AnyArg(), now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(321)))

	require.NoError(t, db.SaveReading(context.Background(), r))
	assert.Equal(t, int64(321), r.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOpenAlert(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM alerts")).
		WithArgs(int64(1), string(AlertExcessiveSpeed)).
		WillReturnRows(sqlmock.NewRows(alertRowColumns).AddRow(
			int64(9), int64(1), nil, int64(3), "EXCESSIVE_SPEED", "HIGH", "too fast",
			-23.5, -46.6, 130.0, nil, created, false, false, nil,
		))

	a, err := db.FindOpenAlert(context.Background(), 1, AlertExcessiveSpeed)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, int64(9), a.ID)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.Nil(t, a.DriverID)
	require.NotNil(t, a.TripID)
	assert.Equal(t, int64(3), *a.TripID)
	require.NotNil(t, a.Speed)
	assert.Equal(t, 130.0, *a.Speed)
	assert.Nil(t, a.Odometer)
}

func TestFindOpenAlert_None(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM alerts")).
		WithArgs(int64(1), string(AlertLowFuel)).
		WillReturnRows(sqlmock.NewRows(alertRowColumns))

	a, err := db.FindOpenAlert(context.Background(), 1, AlertLowFuel)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestFindOpenAlerts(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM alerts")).
		WithArgs(int64(1), string(AlertExcessiveSpeed)).
		WillReturnRows(sqlmock.NewRows(alertRowColumns).
			AddRow(int64(1), int64(1), nil, nil, "EXCESSIVE_SPEED", "HIGH", "a", nil, nil, nil, nil, created, false, false, nil).
			AddRow(int64(2), int64(1), nil, nil, "EXCESSIVE_SPEED", "HIGH", "b", nil, nil, nil, nil, created, true, false, nil))

	alerts, err := db.FindOpenAlerts(context.Background(), 1, AlertExcessiveSpeed)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "b", alerts[1].Message)
	assert.True(t, alerts[1].Read)
}

func TestSaveAlert(t *testing.T) {
	db, mock := newMockDB(t)
	a := &Alert{
		VehicleID: 1,
		Type:      AlertLowFuel,
		Severity:  SeverityMedium,
		Message:   "fuel at 10%",
		CreatedAt: time.Now().UTC(),
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO alerts")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(55)))

	require.NoError(t, db.SaveAlert(context.Background(), a))
	assert.Equal(t, int64(55), a.ID)
}

func TestResolveAlert_Idempotent(t *testing.T) {
	db, mock := newMockDB(t)
	at := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE alerts")).
		WithArgs(at, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE alerts")).
		WithArgs(at, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := db.ResolveAlert(context.Background(), 9, at)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.ResolveAlert(context.Background(), 9, at)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS vehicles")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.RunMigrations(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeverityOrder(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.False(t, Severity("BOGUS").AtLeast(SeverityLow))
}
