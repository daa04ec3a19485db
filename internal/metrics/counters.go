// Package metrics holds the pipeline's shared counters and the host resource
// probe. One Counters value is created per process and passed to every
// component that records into it.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters are lock-free and safe for concurrent use.
type Counters struct {
	received       atomic.Int64
	processed      atomic.Int64
	processingTime atomic.Int64 // microseconds

	discarded     atomic.Int64
	failed        atomic.Int64
	deadLettered  atomic.Int64
	dlqFailures   atomic.Int64
	alertsDropped atomic.Int64
	alertsCreated atomic.Int64

	alertsByType *prometheus.CounterVec
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{
		alertsByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts created by the rule engine.",
		}, []string{"type", "severity"}),
	}
}

func (c *Counters) IncReceived() { c.received.Add(1) }

// AddProcessed counts one finished message and the time it took.
func (c *Counters) AddProcessed(elapsed time.Duration) {
	c.processingTime.Add(elapsed.Microseconds())
	c.processed.Add(1)
}

func (c *Counters) IncDiscarded()     { c.discarded.Add(1) }
func (c *Counters) IncFailed()        { c.failed.Add(1) }
func (c *Counters) IncDeadLettered()  { c.deadLettered.Add(1) }
func (c *Counters) IncDLQFailure()    { c.dlqFailures.Add(1) }
func (c *Counters) IncAlertsDropped() { c.alertsDropped.Add(1) }

// IncAlertCreated counts a created alert, labelled by type and severity.
func (c *Counters) IncAlertCreated(alertType, severity string) {
	c.alertsCreated.Add(1)
	c.alertsByType.WithLabelValues(alertType, severity).Inc()
}

func (c *Counters) Received() int64  { return c.received.Load() }
func (c *Counters) Processed() int64 { return c.processed.Load() }

// ProcessingTime is the cumulative time spent on processed messages.
func (c *Counters) ProcessingTime() time.Duration {
	return time.Duration(c.processingTime.Load()) * time.Microsecond
}

func (c *Counters) Discarded() int64     { return c.discarded.Load() }
func (c *Counters) Failed() int64        { return c.failed.Load() }
func (c *Counters) DeadLettered() int64  { return c.deadLettered.Load() }
func (c *Counters) DLQFailures() int64   { return c.dlqFailures.Load() }
func (c *Counters) AlertsDropped() int64 { return c.alertsDropped.Load() }
func (c *Counters) AlertsCreated() int64 { return c.alertsCreated.Load() }
