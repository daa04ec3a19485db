package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "telemetry"

// Gauges are values owned by other components, read at scrape time.
type Gauges struct {
	Lag        func() float64
	Throughput func() float64
	Overloaded func() float64
	AlertQueue func() float64
	Watched    func() float64
}

// Register exposes the counters and gauges on reg.
func Register(reg prometheus.Registerer, c *Counters, g Gauges) error {
	counter := func(name, help string, fn func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}

	collectors := []prometheus.Collector{
		counter("messages_received_total", "Messages pulled from the raw topic.", c.Received),
		counter("messages_processed_total", "Messages that finished processing.", c.Processed),
		counter("messages_discarded_total", "Readings dropped by critical-area sampling.", c.Discarded),
		counter("messages_failed_total", "Messages that hit the failure path.", c.Failed),
		counter("messages_dead_lettered_total", "Messages published to the dead-letter topic.", c.DeadLettered),
		counter("dlq_failures_total", "Dead-letter publishes that failed.", c.DLQFailures),
		counter("alert_jobs_dropped_total", "Alert evaluations dropped because the queue was full.", c.AlertsDropped),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_seconds_total",
			Help:      "Cumulative processing time of processed messages.",
		}, func() float64 { return c.ProcessingTime().Seconds() }),
		c.alertsByType,
	}

	gauge := func(name, help string, fn func() float64) {
		if fn == nil {
			return
		}
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, fn))
	}
	gauge("lag", "Received minus processed messages.", g.Lag)
	gauge("throughput", "Processed messages per second of processing time.", g.Throughput)
	gauge("overloaded", "1 while backpressure is active.", g.Overloaded)
	gauge("alert_queue_depth", "Alert evaluations waiting for a worker.", g.AlertQueue)
	gauge("gps_watchdog_vehicles", "Vehicles with a running GPS silence timer.", g.Watched)

	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
