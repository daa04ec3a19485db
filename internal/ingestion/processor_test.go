package ingestion

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/telemetry-pipeline/internal/alerting"
	"github.com/fleetwatch/telemetry-pipeline/internal/backpressure"
	"github.com/fleetwatch/telemetry-pipeline/internal/database"
	"github.com/fleetwatch/telemetry-pipeline/internal/logging"
	"github.com/fleetwatch/telemetry-pipeline/internal/metrics"
	"github.com/fleetwatch/telemetry-pipeline/internal/sampling"
)

// fakeSource hands out queued messages, then reports io.EOF.
type fakeSource struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
}

func newSource(bodies ...string) *fakeSource {
	s := &fakeSource{}
	for i, b := range bodies {
		s.pending = append(s.pending, kafka.Message{
			Topic:     "telemetria-raw",
			Partition: 0,
			Offset:    int64(i),
			Value:     []byte(b),
		})
	}
	return s
}

func (s *fakeSource) Fetch(context.Context) (kafka.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	return msg, nil
}

func (s *fakeSource) Commit(_ context.Context, msg kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msg)
	return nil
}

func (s *fakeSource) Committed() []kafka.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]kafka.Message(nil), s.committed...)
}

type fakeDLQ struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (d *fakeDLQ) PublishMessage(_ context.Context, msg kafka.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *fakeDLQ) Messages() []kafka.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]kafka.Message(nil), d.msgs...)
}

type fakeVehicles map[int64]bool

func (f fakeVehicles) FindVehicle(_ context.Context, id int64) (*database.Vehicle, error) {
	if !f[id] {
		return nil, database.ErrNotFound
	}
	return &database.Vehicle{ID: id}, nil
}

type fakeReadings struct {
	mu     sync.Mutex
	nextID int64
	saved  []database.TelemetryReading
	err    error
}

func (f *fakeReadings) SaveReading(_ context.Context, r *database.TelemetryReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.nextID++
	r.ID = f.nextID
	f.saved = append(f.saved, *r)
	return nil
}

func (f *fakeReadings) Saved() []database.TelemetryReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]database.TelemetryReading(nil), f.saved...)
}

// alertStore is an in-memory alerting.Store.
type alertStore struct {
	mu     sync.Mutex
	alerts []*database.Alert
}

func (s *alertStore) FindOpenAlert(_ context.Context, vehicleID int64, t database.AlertType) (*database.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.VehicleID == vehicleID && a.Type == t && !a.Resolved {
			return a, nil
		}
	}
	return nil, nil
}

func (s *alertStore) FindOpenAlerts(ctx context.Context, vehicleID int64, t database.AlertType) ([]*database.Alert, error) {
	a, err := s.FindOpenAlert(ctx, vehicleID, t)
	if a == nil {
		return nil, err
	}
	return []*database.Alert{a}, nil
}

func (s *alertStore) SaveAlert(_ context.Context, a *database.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = int64(len(s.alerts) + 1)
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *alertStore) ResolveAlert(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id && !a.Resolved {
			a.Resolved = true
			a.ResolvedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (s *alertStore) All() []*database.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*database.Alert(nil), s.alerts...)
}

type idleProbe struct{}

func (idleProbe) CPUPercent(context.Context) (float64, error)    { return 10, nil }
func (idleProbe) MemoryPercent(context.Context) (float64, error) { return 10, nil }

type harness struct {
	counters   *metrics.Counters
	monitor    *backpressure.Monitor
	dlq        *fakeDLQ
	readings   *fakeReadings
	alerts     *alertStore
	dispatcher *alerting.Dispatcher
	processor  *Processor
}

// evaluatedAt is one minute after the scenario timestamps, well inside the
// GPS silence window.
var evaluatedAt = time.Unix(1700000060, 0)

func newHarness(t *testing.T, areas []sampling.CriticalArea, opts ...sampling.Option) *harness {
	t.Helper()
	logger := logging.Discard()
	h := &harness{
		counters: metrics.NewCounters(),
		dlq:      &fakeDLQ{},
		readings: &fakeReadings{},
		alerts:   &alertStore{},
	}

	var err error
	h.monitor, err = backpressure.NewMonitor(h.counters, idleProbe{}, backpressure.DefaultThresholds, logger)
	require.NoError(t, err)

	engine := alerting.NewEngine(h.alerts, nil, h.counters, alerting.DefaultLimits, logger,
		alerting.WithClock(func() time.Time { return evaluatedAt }))
	h.dispatcher = alerting.NewDispatcher(engine, 1, 10, h.counters, logger)
	h.dispatcher.Start()

	sampler := sampling.NewSampler(areas, time.UTC, opts...)

	h.processor, err = NewProcessor(Deps{
		DeadLetters: h.dlq,
		Vehicles:    fakeVehicles{42: true},
		Readings:    h.readings,
		Alerts:      h.dispatcher,
		Sampler:     sampler,
		Monitor:     h.monitor,
		Counters:    h.counters,
	}, Config{MaxInFlight: 4}, logger)
	require.NoError(t, err)
	h.processor.now = func() time.Time { return evaluatedAt }
	return h
}

// run drives the source to exhaustion and drains the alert workers.
func (h *harness) run(t *testing.T, src Source) {
	t.Helper()
	require.NoError(t, h.processor.Run(context.Background(), src))
	h.dispatcher.Stop(context.Background())
}

func TestProcessor_SpeedingReadingRaisesAlert(t *testing.T) {
	h := newHarness(t, nil)
	src := newSource(`{"vehicle_id":42,"latitude":-23.55,"longitude":-46.63,"velocidade":130,"timestamp":1700000000}`)

	h.run(t, src)

	saved := h.readings.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, time.Unix(1700000000, 0), saved[0].RecordedAt)

	alerts := h.alerts.All()
	require.Len(t, alerts, 1)
	assert.Equal(t, database.AlertExcessiveSpeed, alerts[0].Type)
	assert.Equal(t, database.SeverityHigh, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "20")
	assert.False(t, alerts[0].Read)
	assert.False(t, alerts[0].Resolved)

	assert.Len(t, src.Committed(), 1)
	assert.Empty(t, h.dlq.Messages())
	assert.Equal(t, int64(0), h.monitor.Lag())
	assert.Equal(t, int64(1), h.processor.deps.Sampler.Totals().Kept)
}

func TestProcessor_UnparsableBodyIsDeadLettered(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"vehicle_id": "not-a-number"`
	src := newSource(body)

	h.run(t, src)

	dead := h.dlq.Messages()
	require.Len(t, dead, 1)
	assert.Equal(t, body, string(dead[0].Value))

	headers := map[string]string{}
	for _, hd := range dead[0].Headers {
		headers[hd.Key] = string(hd.Value)
	}
	assert.NotEmpty(t, headers[HeaderDLQID])
	assert.Contains(t, headers[HeaderError], "parse telemetry")
	assert.Equal(t, "telemetria-raw", headers[HeaderSourceTopic])
	assert.Equal(t, "0", headers[HeaderSourceOffset])

	assert.Len(t, src.Committed(), 1)
	assert.Empty(t, h.readings.Saved())
	assert.Equal(t, int64(1), h.counters.DeadLettered())
	assert.Equal(t, int64(0), h.monitor.Lag())
}

func TestProcessor_DeadLetterFailureLeavesOffsetUncommitted(t *testing.T) {
	h := newHarness(t, nil)
	h.dlq.err = errors.New("broker unavailable")
	src := newSource(`garbage`)

	h.run(t, src)

	assert.Empty(t, src.Committed())
	assert.Equal(t, int64(1), h.counters.DLQFailures())
	assert.Equal(t, int64(1), h.monitor.Lag(), "unacknowledged message stays in flight")
}

func TestProcessor_DeadLetterFailureHoldsLaterOffsets(t *testing.T) {
	h := newHarness(t, nil)
	h.dlq.err = errors.New("broker unavailable")
	valid := `{"vehicle_id":42,"latitude":0,"longitude":0,"velocidade":50,"timestamp":1700000000}`
	src := newSource(`garbage`, valid, valid)

	h.run(t, src)

	assert.Len(t, h.readings.Saved(), 2, "later messages are still handled")
	assert.Empty(t, src.Committed(), "nothing may be committed past the failed offset")
	assert.Equal(t, int64(1), h.counters.DLQFailures())
}

func TestProcessor_FailuresAreDeadLettered(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		saveErr error
		wantErr string
	}{
		{
			name:    "unknown vehicle",
			body:    `{"vehicle_id":7,"latitude":0,"longitude":0,"velocidade":50}`,
			wantErr: "vehicle 7",
		},
		{
			name:    "missing speed",
			body:    `{"vehicle_id":42,"latitude":0,"longitude":0}`,
			wantErr: "velocidade",
		},
		{
			name:    "store unavailable",
			body:    `{"vehicle_id":42,"latitude":0,"longitude":0,"velocidade":50}`,
			saveErr: errors.New("connection refused"),
			wantErr: "save reading",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.readings.err = tt.saveErr
			src := newSource(tt.body)

			h.run(t, src)

			dead := h.dlq.Messages()
			require.Len(t, dead, 1)
			for _, hd := range dead[0].Headers {
				if hd.Key == HeaderError {
					assert.Contains(t, string(hd.Value), tt.wantErr)
				}
			}
			assert.Len(t, src.Committed(), 1)
			assert.Equal(t, int64(1), h.counters.Failed())
			assert.Equal(t, int64(0), h.processor.deps.Sampler.Totals().Kept, "failed readings are not counted as kept")
		})
	}
}

func TestProcessor_SamplingDiscardCommitsWithoutStoring(t *testing.T) {
	allDay := []sampling.CriticalArea{{
		Name:   "centro",
		MinLat: -23.65, MaxLat: -23.45,
		MinLon: -46.75, MaxLon: -46.55,
		Factor: 0.3,
	}}
	h := newHarness(t, allDay, sampling.WithRandom(func() float64 { return 0.99 }))
	src := newSource(`{"vehicle_id":42,"latitude":-23.55,"longitude":-46.63,"velocidade":130}`)

	h.run(t, src)

	assert.Empty(t, h.readings.Saved())
	assert.Empty(t, h.alerts.All())
	assert.Empty(t, h.dlq.Messages())
	assert.Len(t, src.Committed(), 1)
	assert.Equal(t, int64(1), h.counters.Discarded())
	assert.Equal(t, int64(0), h.monitor.Lag())
}

func TestProcessor_BoundsInFlight(t *testing.T) {
	h := newHarness(t, nil)

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	h.processor.deps.Readings = readingFunc(func(context.Context, *database.TelemetryReading) error {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	bodies := make([]string, 20)
	for i := range bodies {
		bodies[i] = `{"vehicle_id":42,"latitude":0,"longitude":0,"velocidade":50,"timestamp":1700000000}`
	}
	src := newSource(bodies...)

	h.run(t, src)

	committed := src.Committed()
	require.NotEmpty(t, committed)
	assert.Equal(t, int64(19), committed[len(committed)-1].Offset)
	for i := 1; i < len(committed); i++ {
		assert.Greater(t, committed[i].Offset, committed[i-1].Offset, "commits only move forward")
	}
	assert.LessOrEqual(t, peak, 4)
}

type fakeWatcher struct {
	mu       sync.Mutex
	touched  []int64
	forgotten []int64
}

func (w *fakeWatcher) Touch(last database.TelemetryReading) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touched = append(w.touched, last.VehicleID)
	return nil
}

func (w *fakeWatcher) Forget(vehicleID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.forgotten = append(w.forgotten, vehicleID)
	return true
}

func TestProcessor_WatchdogFollowsFleet(t *testing.T) {
	h := newHarness(t, nil)
	w := &fakeWatcher{}
	h.processor.deps.Watchdog = w
	src := newSource(
		`{"vehicle_id":42,"latitude":0,"longitude":0,"velocidade":50,"timestamp":1700000000}`,
		`{"vehicle_id":7,"latitude":0,"longitude":0,"velocidade":50,"timestamp":1700000000}`,
	)

	h.run(t, src)

	assert.Equal(t, []int64{42}, w.touched)
	assert.Equal(t, []int64{7}, w.forgotten, "unknown vehicles stop being watched")
}

type readingFunc func(context.Context, *database.TelemetryReading) error

func (f readingFunc) SaveReading(ctx context.Context, r *database.TelemetryReading) error {
	return f(ctx, r)
}

func TestNewProcessor_RequiresDeps(t *testing.T) {
	_, err := NewProcessor(Deps{}, Config{}, logging.Discard())
	assert.Error(t, err)
}
