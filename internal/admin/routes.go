package admin

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers the admin endpoints on rg (typically /api/v1).
//
//	GET  /admin/backpressure/status
//	GET  /admin/backpressure/config
//	POST /admin/backpressure/config
//	GET  /admin/sampling/stats
//	GET  /admin/vehicles/nearby?lat=&lon=&radius_km=
//	GET  /admin/vehicles/:id/position
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	admin := rg.Group("/admin")
	{
		admin.GET("/backpressure/status", h.HandleBackpressureStatus)
		admin.GET("/backpressure/config", h.HandleGetThresholds)
		admin.POST("/backpressure/config", h.HandleUpdateThresholds)
		admin.GET("/sampling/stats", h.HandleSamplingStats)
		admin.GET("/vehicles/nearby", h.HandleNearbyVehicles)
		admin.GET("/vehicles/:id/position", h.HandleVehiclePosition)
	}
}

// NewRouter builds the full admin router, including /healthz and /metrics.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", h.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	RegisterRoutes(router.Group("/api/v1"), h)
	return router
}

// NewServer wraps the router in an http.Server listening on port.
func NewServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}
