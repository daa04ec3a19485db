package admin

import "github.com/fleetwatch/telemetry-pipeline/internal/sampling"

// ErrorResponse is returned on any failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ThresholdsResponse reports the backpressure thresholds.
type ThresholdsResponse struct {
	LagThreshold    int64   `json:"lag_threshold"`
	CPUThreshold    float64 `json:"cpu_threshold"`
	MemoryThreshold float64 `json:"memory_threshold"`
	PauseMs         int64   `json:"pause_ms"`
	QueueMaxSize    int64   `json:"queue_max_size"`
}

// UpdateThresholdsRequest is a partial threshold update.
type UpdateThresholdsRequest struct {
	LagThreshold    *int64   `json:"lag_threshold" binding:"omitempty,gte=0"`
	CPUThreshold    *float64 `json:"cpu_threshold" binding:"omitempty,gte=0,lte=100"`
	MemoryThreshold *float64 `json:"memory_threshold" binding:"omitempty,gte=0,lte=100"`
	PauseMs         *int64   `json:"pause_ms" binding:"omitempty,gte=0,lte=60000"`
	QueueMaxSize    *int64   `json:"queue_max_size" binding:"omitempty,gte=0"`
}

// StatusResponse is the backpressure snapshot.
type StatusResponse struct {
	Received            int64              `json:"received"`
	Processed           int64              `json:"processed"`
	Lag                 int64              `json:"lag"`
	Throughput          float64            `json:"throughput"`
	CPUPercent          float64            `json:"cpu_percent"`
	MemoryPercent       float64            `json:"memory_percent"`
	Overloaded          bool               `json:"overloaded"`
	EstimatedRecoveryMs int64              `json:"estimated_recovery_ms"`
	AlertQueueDepth     int64              `json:"alert_queue_depth"`
	AlertQueueSaturated bool               `json:"alert_queue_saturated"`
	Thresholds          ThresholdsResponse `json:"thresholds"`
}

// AreaResponse describes one critical area.
type AreaResponse struct {
	Name   string  `json:"name"`
	Factor float64 `json:"factor"`
	Start  string  `json:"start"`
	End    string  `json:"end"`
}

// SamplingStatsResponse reports keep/discard counts.
type SamplingStatsResponse struct {
	Totals   sampling.VehicleStats            `json:"totals"`
	Vehicles map[string]sampling.VehicleStats `json:"vehicles"`
	Areas    []AreaResponse                   `json:"areas"`
}

// NearbyQuery selects vehicles around a point.
type NearbyQuery struct {
	Latitude  *float64 `form:"lat" binding:"required,gte=-90,lte=90"`
	Longitude *float64 `form:"lon" binding:"required,gte=-180,lte=180"`
	RadiusKm  float64  `form:"radius_km" binding:"omitempty,gt=0,lte=500"`
}

// NearbyResponse lists vehicle ids nearest first.
type NearbyResponse struct {
	VehicleIDs []int64 `json:"vehicle_ids"`
	RadiusKm   float64 `json:"radius_km"`
}

// HealthResponse reports dependency checks.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
