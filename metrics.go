package readmarker

import (
	"context"
	"sync"
	"time"

	event "github.com/rbaliyan/event/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/rbaliyan/event-readmarker"
)

// Fire outcomes recorded on readmarker_fired_total.
const (
	outcomeOK    = "ok"
	outcomeFatal = "fatal"
)

// Metrics provides OpenTelemetry metrics for read-marker processing.
//
// All methods are nil-safe: calling any method on a nil *Metrics is a no-op.
// Use NewMetrics() to create an instance with the global meter provider,
// or pass WithMeterProvider() for a custom provider.
//
// Available metrics:
//   - readmarker_submitted_total: Counter of displayed messages submitted
//   - readmarker_fired_total: Counter of settled fires, by outcome
//   - readmarker_marker_failed_total: Counter of displayed markers that could not be sent
//   - readmarker_channels_torn_down_total: Counter of channels removed after a fatal error
//   - readmarker_messages_marked_total: Counter of messages marked read
//   - readmarker_fire_duration_seconds: Histogram of downstream action time
//   - readmarker_subscriber_duration_seconds: Histogram of read-event subscriber time
//   - readmarker_subscriber_failed_total: Counter of read-event subscriber errors
//   - readmarker_channels_active: Gauge of registered channels (callback-based)
type Metrics struct {
	meter metric.Meter

	// Counters
	submittedTotal  metric.Int64Counter
	firedTotal      metric.Int64Counter
	markerFailures  metric.Int64Counter
	tornDownTotal   metric.Int64Counter
	markedTotal     metric.Int64Counter
	subscriberFails metric.Int64Counter

	// Histograms
	fireDuration       metric.Float64Histogram
	subscriberDuration metric.Float64Histogram

	// Observable gauge
	activeChannels metric.Int64ObservableGauge

	// Callback for observable gauge
	activeCallback func() int64

	// Registration for cleanup
	registration metric.Registration
	mu           sync.RWMutex
}

// MetricsOption configures the Metrics instance.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	meterProvider metric.MeterProvider
	namespace     string
}

// WithMeterProvider sets a custom meter provider for metrics.
// By default, uses the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// WithMetricsNamespace sets a namespace prefix for all metrics.
//
// Example:
//
//	metrics, _ := readmarker.NewMetrics(readmarker.WithMetricsNamespace("chat"))
//	// Metrics will be: chat_readmarker_submitted_total, etc.
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(o *metricsOptions) {
		if namespace != "" {
			o.namespace = namespace + "_"
		}
	}
}

// NewMetrics creates a new Metrics instance.
//
// Example:
//
//	metrics, err := readmarker.NewMetrics(readmarker.WithMeterProvider(provider))
//	sender, err := readmarker.New(store, markers, notifier, readmarker.WithMetrics(metrics))
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := &metricsOptions{
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := o.meterProvider.Meter(meterName)
	prefix := o.namespace

	m := &Metrics{
		meter: meter,
	}

	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.submittedTotal, "readmarker_submitted_total", "Total number of displayed messages submitted", "{message}"},
		{&m.firedTotal, "readmarker_fired_total", "Total number of settled conversations processed", "{fire}"},
		{&m.markerFailures, "readmarker_marker_failed_total", "Total number of displayed markers that failed to send", "{marker}"},
		{&m.tornDownTotal, "readmarker_channels_torn_down_total", "Total number of channels torn down after a fatal error", "{channel}"},
		{&m.markedTotal, "readmarker_messages_marked_total", "Total number of messages marked read", "{message}"},
		{&m.subscriberFails, "readmarker_subscriber_failed_total", "Total number of read events that failed in a subscriber", "{event}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(
			prefix+c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, err
		}
	}

	m.fireDuration, err = meter.Float64Histogram(
		prefix+"readmarker_fire_duration_seconds",
		metric.WithDescription("Time spent sending the marker and marking messages read"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.subscriberDuration, err = meter.Float64Histogram(
		prefix+"readmarker_subscriber_duration_seconds",
		metric.WithDescription("Time spent handling a read event in a subscriber"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.activeChannels, err = meter.Int64ObservableGauge(
		prefix+"readmarker_channels_active",
		metric.WithDescription("Current number of registered conversation channels"),
		metric.WithUnit("{channel}"),
	)
	if err != nil {
		return nil, err
	}

	m.registration, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()

			if m.activeCallback != nil {
				o.ObserveInt64(m.activeChannels, m.activeCallback())
			}
			return nil
		},
		m.activeChannels,
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// SetActiveCallback sets the callback function for the active channels gauge.
// New wires this to the sender's registry automatically.
func (m *Metrics) SetActiveCallback(fn func() int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeCallback = fn
}

// Close unregisters the metrics callbacks.
func (m *Metrics) Close() error {
	if m == nil {
		return nil
	}
	if m.registration != nil {
		return m.registration.Unregister()
	}
	return nil
}

func keyAttrs(key Key) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("account", key.Account))
}

func (m *Metrics) submitted(ctx context.Context, key Key) {
	if m == nil {
		return
	}
	m.submittedTotal.Add(ctx, 1, keyAttrs(key))
}

func (m *Metrics) fired(ctx context.Context, key Key, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeFatal
	}
	attrs := metric.WithAttributes(
		attribute.String("account", key.Account),
		attribute.String("outcome", outcome),
	)
	m.firedTotal.Add(ctx, 1, attrs)
	m.fireDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) markerFailed(ctx context.Context, key Key) {
	if m == nil {
		return
	}
	m.markerFailures.Add(ctx, 1, keyAttrs(key))
}

func (m *Metrics) tornDown(ctx context.Context, key Key, step string) {
	if m == nil {
		return
	}
	m.tornDownTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", key.Account),
		attribute.String("step", step),
	))
}

func (m *Metrics) messagesMarked(ctx context.Context, key Key, n int) {
	if m == nil || n == 0 {
		return
	}
	m.markedTotal.Add(ctx, int64(n), keyAttrs(key))
}

// MetricsMiddleware creates a subscriber middleware that records how
// subscribers of read events (or displayed markers) handle them.
//
// The middleware times the handler and counts failures using
// event.ClassifyError; errors wrapping event.ErrAck count as success.
// If m is nil, the middleware is a no-op passthrough.
//
// Example:
//
//	metrics, _ := readmarker.NewMetrics()
//	readEvent.Subscribe(ctx, handler,
//	    event.WithMiddleware(readmarker.MetricsMiddleware[readmarker.ReadEvent](metrics)),
//	)
func MetricsMiddleware[T any](m *Metrics) event.Middleware[T] {
	return func(next event.Handler[T]) event.Handler[T] {
		if m == nil {
			return next
		}
		return func(ctx context.Context, ev event.Event[T], data T) error {
			attrs := metric.WithAttributes(attribute.String("event", event.ContextName(ctx)))

			start := time.Now()
			handlerErr := next(ctx, ev, data)
			m.subscriberDuration.Record(ctx, time.Since(start).Seconds(), attrs)

			if handlerErr != nil && event.ClassifyError(handlerErr) != event.ResultAck {
				m.subscriberFails.Add(ctx, 1, attrs)
			}
			return handlerErr
		}
	}
}
