package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("database: not found")

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// Connect establishes a connection to the database
func Connect(ctx context.Context, connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &DB{db}, nil
}

// New wraps an already opened handle. Tests pass a sqlmock connection here.
func New(db *sql.DB) *DB {
	return &DB{db}
}

// RunMigrations executes the embedded SQL migration files in name order.
// Every file is written to be re-runnable.
func (db *DB) RunMigrations(ctx context.Context) error {
	files, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		slog.Info("running migration", "file", filename)

		content, err := migrationFS.ReadFile("migrations/" + filename)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	slog.Info("migrations completed", "count", len(sqlFiles))
	return nil
}

// FindVehicle returns the vehicle with the given id or ErrNotFound.
func (db *DB) FindVehicle(ctx context.Context, id int64) (*Vehicle, error) {
	query := `
		SELECT id, plate, model, created_at
		FROM vehicles
		WHERE id = $1
	`

	var v Vehicle
	err := db.QueryRowContext(ctx, query, id).Scan(&v.ID, &v.Plate, &v.Model, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vehicle %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find vehicle %d: %w", id, err)
	}
	return &v, nil
}

// FindActiveTrip returns the in-progress trip of a vehicle, or nil when the
// vehicle is not travelling.
func (db *DB) FindActiveTrip(ctx context.Context, vehicleID int64) (*Trip, error) {
	query := `
		SELECT id, vehicle_id, driver_id, status, origin, destination,
		       started_at, expected_arrival_at
		FROM trips
		WHERE vehicle_id = $1 AND status = $2
		ORDER BY started_at DESC NULLS LAST
		LIMIT 1
	`

	var (
		t                 Trip
		driverID          sql.NullInt64
		started, expected sql.NullTime
	)
	err := db.QueryRowContext(ctx, query, vehicleID, TripStatusInProgress).Scan(
		&t.ID,
		&t.VehicleID,
		&driverID,
		&t.Status,
		&t.Origin,
		&t.Destination,
		&started,
		&expected,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active trip for vehicle %d: %w", vehicleID, err)
	}

	t.DriverID = int64Ptr(driverID)
	t.StartedAt = timePtr(started)
	t.ExpectedArrivalAt = timePtr(expected)
	return &t, nil
}

// SaveReading inserts a telemetry reading and sets its ID.
func (db *DB) SaveReading(ctx context.Context, r *TelemetryReading) error {
	query := `
		INSERT INTO telemetry (
			vehicle_id, latitude, longitude, speed, odometer,
			fuel_level, recorded_at, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err := db.QueryRowContext(
		ctx,
		query,
		r.VehicleID,
		r.Latitude,
		r.Longitude,
		r.Speed,
		r.Odometer,
		r.FuelLevel,
		r.RecordedAt,
		r.ReceivedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("save reading for vehicle %d: %w", r.VehicleID, err)
	}
	return nil
}

const alertColumns = `
	id, vehicle_id, driver_id, trip_id, type, severity, message,
	latitude, longitude, speed, odometer, created_at, read, resolved, resolved_at
`

// FindOpenAlert returns the most recent unresolved alert of the given type
// for a vehicle, or nil when there is none.
func (db *DB) FindOpenAlert(ctx context.Context, vehicleID int64, alertType AlertType) (*Alert, error) {
	query := `SELECT` + alertColumns + `
		FROM alerts
		WHERE vehicle_id = $1 AND type = $2 AND resolved = false
		ORDER BY created_at DESC
		LIMIT 1
	`

	a, err := scanAlert(db.QueryRowContext(ctx, query, vehicleID, string(alertType)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open %s alert for vehicle %d: %w", alertType, vehicleID, err)
	}
	return a, nil
}

// FindOpenAlerts returns every unresolved alert of the given type for a vehicle.
func (db *DB) FindOpenAlerts(ctx context.Context, vehicleID int64, alertType AlertType) ([]*Alert, error) {
	query := `SELECT` + alertColumns + `
		FROM alerts
		WHERE vehicle_id = $1 AND type = $2 AND resolved = false
		ORDER BY created_at
	`

	rows, err := db.QueryContext(ctx, query, vehicleID, string(alertType))
	if err != nil {
		return nil, fmt.Errorf("find open %s alerts for vehicle %d: %w", alertType, vehicleID, err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// SaveAlert inserts a new alert and sets its ID.
func (db *DB) SaveAlert(ctx context.Context, a *Alert) error {
	query := `
		INSERT INTO alerts (
			vehicle_id, driver_id, trip_id, type, severity, message,
			latitude, longitude, speed, odometer, created_at, read, resolved
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`

	err := db.QueryRowContext(
		ctx,
		query,
		a.VehicleID,
		a.DriverID,
		a.TripID,
		string(a.Type),
		string(a.Severity),
		a.Message,
		a.Latitude,
		a.Longitude,
		a.Speed,
		a.Odometer,
		a.CreatedAt,
		a.Read,
		a.Resolved,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("save %s alert for vehicle %d: %w", a.Type, a.VehicleID, err)
	}
	return nil
}

// ResolveAlert marks an alert resolved. It reports false when the alert was
// already resolved or does not exist, so calling it twice is harmless.
func (db *DB) ResolveAlert(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
		UPDATE alerts
		SET resolved = true, resolved_at = $1
		WHERE id = $2 AND resolved = false
	`

	res, err := db.ExecContext(ctx, query, at, id)
	if err != nil {
		return false, fmt.Errorf("resolve alert %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve alert %d: %w", id, err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*Alert, error) {
	var (
		a                         Alert
		alertType, severity       string
		driverID, tripID          sql.NullInt64
		lat, lon, speed, odometer sql.NullFloat64
		resolvedAt                sql.NullTime
	)
	if err := row.Scan(
		&a.ID,
		&a.VehicleID,
		&driverID,
		&tripID,
		&alertType,
		&severity,
		&a.Message,
		&lat,
		&lon,
		&speed,
		&odometer,
		&a.CreatedAt,
		&a.Read,
		&a.Resolved,
		&resolvedAt,
	); err != nil {
		return nil, err
	}

	a.Type = AlertType(alertType)
	a.Severity = Severity(severity)
	a.DriverID = int64Ptr(driverID)
	a.TripID = int64Ptr(tripID)
	a.Latitude = floatPtr(lat)
	a.Longitude = floatPtr(lon)
	a.Speed = floatPtr(speed)
	a.Odometer = floatPtr(odometer)
	a.ResolvedAt = timePtr(resolvedAt)
	return &a, nil
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}
