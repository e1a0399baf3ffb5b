// Package telemetry implements the bounded async event queue of spec §9:
// update-check, device telemetry and crash events are enqueued off the hot
// request path and drained by a small worker pool, so a slow downstream
// sink can never add latency to /v1/updates/check or /v1/telemetry. It is
// grounded on the teacher's internal/telemetry/telemetry.go Track*Operation
// helpers (an otel meter + duration histogram + error counter per concern),
// generalized from SQL/InfluxDB/disk operation tracking to queue-drain
// tracking, and on fleetd's internal/server/server.go SSE hub for the
// bounded-channel-with-drop-counter shape.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"bundlenudge.sh/internal/resolution"
)

// EventKind tags the three event shapes the queue accepts.
type EventKind string

const (
	EventCheck     EventKind = "check"
	EventTelemetry EventKind = "telemetry"
	EventCrash     EventKind = "crash"
)

// Event is the queue's internal unit of work. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind      EventKind
	AppID     string
	DeviceID  string
	ReleaseID string
	Payload   map[string]any
	EnqueuedAt time.Time
}

// Sink persists a drained Event. The default Sink just logs; a real
// deployment can swap in a warehouse/analytics client without touching the
// queue's backpressure behavior.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// LoggingSink is the default Sink: it simply logs each event at debug
// level. Sufficient until SPEC_FULL.md names a concrete analytics backend.
type LoggingSink struct {
	logger *slog.Logger
}

func NewLoggingSink() *LoggingSink {
	return &LoggingSink{logger: slog.Default().With("component", "telemetry-sink")}
}

func (s *LoggingSink) Handle(_ context.Context, ev Event) error {
	s.logger.Debug("telemetry event", "kind", ev.Kind, "app_id", ev.AppID, "device_id", ev.DeviceID, "release_id", ev.ReleaseID)
	return nil
}

// Queue is a bounded, non-blocking event queue. Enqueue never blocks the
// caller: once the buffer is full, events are dropped and counted rather
// than applying backpressure to the request path (§9's "never adds
// latency to the hot path" invariant).
type Queue struct {
	events chan Event
	sink   Sink
	logger *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	meter          metric.Meter
	drainDuration  metric.Float64Histogram
	drainErrors    metric.Int64Counter
	dropped        metric.Int64Counter
	depthGauge     metric.Int64ObservableGauge
}

// Config tunes the queue's buffer size and worker count.
type Config struct {
	BufferSize int
	Workers    int
}

// DefaultConfig returns a buffer generous enough to absorb a burst of
// device check-ins without dropping, drained by a small fixed worker pool.
func DefaultConfig() Config {
	return Config{BufferSize: 4096, Workers: 4}
}

// NewQueue builds a Queue backed by sink, starting its worker pool
// immediately. Call Close to drain and stop.
func NewQueue(cfg Config, sink Sink) (*Queue, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if sink == nil {
		sink = NewLoggingSink()
	}

	q := &Queue{
		events: make(chan Event, cfg.BufferSize),
		sink:   sink,
		logger: slog.Default().With("component", "telemetry-queue"),
		meter:  otel.GetMeterProvider().Meter("bundlenudge/telemetry"),
	}

	var err error
	q.drainDuration, err = q.meter.Float64Histogram("telemetry_drain_duration_seconds")
	if err != nil {
		return nil, err
	}
	q.drainErrors, err = q.meter.Int64Counter("telemetry_drain_errors_total")
	if err != nil {
		return nil, err
	}
	q.dropped, err = q.meter.Int64Counter("telemetry_dropped_total")
	if err != nil {
		return nil, err
	}
	q.depthGauge, err = q.meter.Int64ObservableGauge("telemetry_queue_depth",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(q.events)))
			return nil
		}))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return q, nil
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q.events:
			if !ok {
				return
			}
			q.drain(ctx, ev)
		}
	}
}

func (q *Queue) drain(ctx context.Context, ev Event) {
	start := time.Now()
	err := q.sink.Handle(ctx, ev)
	duration := time.Since(start).Seconds()

	attrs := []attribute.KeyValue{
		attribute.String("kind", string(ev.Kind)),
		attribute.Bool("error", err != nil),
	}
	q.drainDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
	if err != nil {
		q.drainErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
		q.logger.Warn("telemetry sink failed", "kind", ev.Kind, "error", err)
	}
}

// enqueue drops ev and counts the drop if the buffer is full, never
// blocking the caller.
func (q *Queue) enqueue(ev Event) {
	ev.EnqueuedAt = time.Now()
	select {
	case q.events <- ev:
	default:
		q.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
		q.logger.Warn("telemetry queue full, dropping event", "kind", ev.Kind)
	}
}

// EnqueueCheck implements resolution.EventSink (§4.5's async check
// observability side effect).
func (q *Queue) EnqueueCheck(req resolution.CheckRequest, resolvedReleaseID string) {
	q.enqueue(Event{
		Kind:      EventCheck,
		AppID:     req.AppID,
		DeviceID:  req.DeviceID,
		ReleaseID: resolvedReleaseID,
		Payload: map[string]any{
			"platform":    req.Platform,
			"app_version": req.AppVersion,
			"os_version":  req.OSVersion,
		},
	})
}

// EnqueueTelemetry accepts an arbitrary device analytics payload from
// POST /v1/telemetry or /v1/telemetry/batch.
func (q *Queue) EnqueueTelemetry(appID, deviceID string, payload map[string]any) {
	q.enqueue(Event{Kind: EventTelemetry, AppID: appID, DeviceID: deviceID, Payload: payload})
}

// EnqueueCrash accepts a crash report from POST /v1/telemetry/crash.
func (q *Queue) EnqueueCrash(appID, deviceID, releaseID string, payload map[string]any) {
	q.enqueue(Event{Kind: EventCrash, AppID: appID, DeviceID: deviceID, ReleaseID: releaseID, Payload: payload})
}

// Close stops accepting new work, cancels the workers and waits for the
// in-flight drains to finish.
func (q *Queue) Close() {
	close(q.events)
	q.cancel()
	q.wg.Wait()
}
