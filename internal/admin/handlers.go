// Package admin serves the operational HTTP surface of the ingestor:
// backpressure status and thresholds, sampling statistics, live vehicle
// positions, health and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetwatch/telemetry-pipeline/internal/backpressure"
	"github.com/fleetwatch/telemetry-pipeline/internal/cache"
	"github.com/fleetwatch/telemetry-pipeline/internal/sampling"
)

// Backpressure is the part of the monitor the admin surface drives.
// *backpressure.Monitor implements it.
type Backpressure interface {
	Snapshot(ctx context.Context) backpressure.Snapshot
	Thresholds() backpressure.Thresholds
	SetThresholds(t backpressure.Thresholds) error
}

// SamplingStats exposes sampler counters. *sampling.Sampler implements it.
type SamplingStats interface {
	Areas() []sampling.CriticalArea
	Stats() map[int64]sampling.VehicleStats
	Totals() sampling.VehicleStats
}

// Positions reads live vehicle state. *cache.PositionStore implements it.
type Positions interface {
	Get(ctx context.Context, vehicleID int64) (*cache.Position, error)
	Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]int64, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handlers implements the admin endpoints.
type Handlers struct {
	backpressure Backpressure
	sampling     SamplingStats
	positions    Positions
	checks       map[string]HealthCheck
	logger       *slog.Logger
}

// NewHandlers creates the handlers. positions and checks may be nil.
func NewHandlers(bp Backpressure, stats SamplingStats, positions Positions, checks map[string]HealthCheck, logger *slog.Logger) *Handlers {
	return &Handlers{
		backpressure: bp,
		sampling:     stats,
		positions:    positions,
		checks:       checks,
		logger:       logger.With("component", "admin"),
	}
}

// HandleBackpressureStatus handles GET /api/v1/admin/backpressure/status.
func (h *Handlers) HandleBackpressureStatus(c *gin.Context) {
	snap := h.backpressure.Snapshot(c.Request.Context())
	c.JSON(http.StatusOK, StatusResponse{
		Received:            snap.Received,
		Processed:           snap.Processed,
		Lag:                 snap.Lag,
		Throughput:          snap.Throughput,
		CPUPercent:          snap.CPUPercent,
		MemoryPercent:       snap.MemoryPercent,
		Overloaded:          snap.Overloaded,
		EstimatedRecoveryMs: snap.EstimatedRecovery.Milliseconds(),
		AlertQueueDepth:     snap.QueueDepth,
		AlertQueueSaturated: snap.QueueSaturated,
		Thresholds:          toThresholdsResponse(snap.Thresholds),
	})
}

// HandleGetThresholds handles GET /api/v1/admin/backpressure/config.
func (h *Handlers) HandleGetThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, toThresholdsResponse(h.backpressure.Thresholds()))
}

// HandleUpdateThresholds handles POST /api/v1/admin/backpressure/config.
// Fields left out of the request keep their current value.
func (h *Handlers) HandleUpdateThresholds(c *gin.Context) {
	var req UpdateThresholdsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid threshold update", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	t := h.backpressure.Thresholds()
	if req.LagThreshold != nil {
		t.Lag = *req.LagThreshold
	}
	if req.CPUThreshold != nil {
		t.CPU = *req.CPUThreshold
	}
	if req.MemoryThreshold != nil {
		t.Memory = *req.MemoryThreshold
	}
	if req.PauseMs != nil {
		t.Pause = time.Duration(*req.PauseMs) * time.Millisecond
	}
	if req.QueueMaxSize != nil {
		t.QueueMax = *req.QueueMaxSize
	}

	if err := h.backpressure.SetThresholds(t); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backpressure.ErrInvalidThresholds) {
			status = http.StatusBadRequest
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: "UPDATE_FAILED"})
		return
	}

	h.logger.Info("backpressure thresholds updated",
		"lag", t.Lag,
		"cpu", t.CPU,
		"memory", t.Memory,
		"pause", t.Pause,
		"queue_max", t.QueueMax,
		"remote", c.ClientIP(),
	)
	c.JSON(http.StatusOK, toThresholdsResponse(t))
}

// HandleSamplingStats handles GET /api/v1/admin/sampling/stats.
func (h *Handlers) HandleSamplingStats(c *gin.Context) {
	stats := h.sampling.Stats()
	vehicles := make(map[string]sampling.VehicleStats, len(stats))
	for id, s := range stats {
		vehicles[strconv.FormatInt(id, 10)] = s
	}

	areas := h.sampling.Areas()
	names := make([]AreaResponse, 0, len(areas))
	for _, a := range areas {
		names = append(names, AreaResponse{
			Name:   a.Name,
			Factor: a.Factor,
			Start:  formatClock(a.Start),
			End:    formatClock(a.End),
		})
	}

	c.JSON(http.StatusOK, SamplingStatsResponse{
		Totals:   h.sampling.Totals(),
		Vehicles: vehicles,
		Areas:    names,
	})
}

// HandleVehiclePosition handles GET /api/v1/admin/vehicles/:id/position.
func (h *Handlers) HandleVehiclePosition(c *gin.Context) {
	if h.positions == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "live positions disabled", Code: "UNAVAILABLE"})
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid vehicle id", Code: "INVALID_REQUEST"})
		return
	}

	pos, err := h.positions.Get(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("position lookup failed", "vehicle_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "LOOKUP_FAILED"})
		return
	}
	if pos == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no position recorded", Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, pos)
}

// HandleNearbyVehicles handles GET /api/v1/admin/vehicles/nearby.
func (h *Handlers) HandleNearbyVehicles(c *gin.Context) {
	if h.positions == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "live positions disabled", Code: "UNAVAILABLE"})
		return
	}

	var q NearbyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	if q.RadiusKm == 0 {
		q.RadiusKm = 5
	}

	ids, err := h.positions.Nearby(c.Request.Context(), *q.Latitude, *q.Longitude, q.RadiusKm)
	if err != nil {
		h.logger.Error("nearby search failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "LOOKUP_FAILED"})
		return
	}
	c.JSON(http.StatusOK, NearbyResponse{VehicleIDs: ids, RadiusKm: q.RadiusKm})
}

// HandleHealth handles GET /healthz. Every registered check must pass.
func (h *Handlers) HandleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	c.JSON(status, resp)
}

func toThresholdsResponse(t backpressure.Thresholds) ThresholdsResponse {
	return ThresholdsResponse{
		LagThreshold:    t.Lag,
		CPUThreshold:    t.CPU,
		MemoryThreshold: t.Memory,
		PauseMs:         t.Pause.Milliseconds(),
		QueueMaxSize:    t.QueueMax,
	}
}

func formatClock(d time.Duration) string {
	return time.Time{}.Add(d).Format("15:04")
}
