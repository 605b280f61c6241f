package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPumpEventsTotal       = "mtbridge_pump_events_total"
	MetricPumpDecodeErrorsTotal = "mtbridge_pump_decode_errors_total"
	MetricDropsTotal            = "mtbridge_drops_total"
	MetricDispatchedTotal       = "mtbridge_dispatched_total"
	MetricSubscriberLaggedTotal = "mtbridge_subscriber_lagged_total"
	MetricFramesSentTotal       = "mtbridge_frames_sent_total"
	MetricStreamClients         = "mtbridge_stream_clients"
	MetricSignalsIngestedTotal  = "mtbridge_signals_ingested_total"
	MetricSignalsPending        = "mtbridge_signals_pending"
	MetricOrdersPlacedTotal     = "mtbridge_orders_placed_total"
	MetricOrderRetriesTotal     = "mtbridge_order_retries_total"
	MetricOrderLatency          = "mtbridge_order_latency_ms"
)

// MetricsHolder holds initialized instruments. Instrument fields stay nil
// until InitMetrics runs, so callers guard each use; that keeps unit tests
// free of telemetry setup.
type MetricsHolder struct {
	PumpEventsTotal       metric.Int64Counter
	PumpDecodeErrorsTotal metric.Int64Counter
	DropsTotal            metric.Int64Counter
	DispatchedTotal       metric.Int64Counter
	SubscriberLaggedTotal metric.Int64Counter
	FramesSentTotal       metric.Int64Counter
	SignalsIngestedTotal  metric.Int64Counter
	OrdersPlacedTotal     metric.Int64Counter
	OrderRetriesTotal     metric.Int64Counter
	OrderLatency          metric.Float64Histogram
	StreamClients         metric.Int64ObservableGauge
	SignalsPending        metric.Int64ObservableGauge

	streamClients  atomic.Int64
	signalsPending atomic.Int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.PumpEventsTotal, MetricPumpEventsTotal, "Broker push events received, by code"},
		{&m.PumpDecodeErrorsTotal, MetricPumpDecodeErrorsTotal, "Broker push records that failed to decode"},
		{&m.DropsTotal, MetricDropsTotal, "Events shed under backpressure, by lane"},
		{&m.DispatchedTotal, MetricDispatchedTotal, "Events delivered to subscribers"},
		{&m.SubscriberLaggedTotal, MetricSubscriberLaggedTotal, "Oldest-value drops from full subscriber mailboxes"},
		{&m.FramesSentTotal, MetricFramesSentTotal, "Frames written to streaming clients"},
		{&m.SignalsIngestedTotal, MetricSignalsIngestedTotal, "New advisor signals accepted from the journal"},
		{&m.OrdersPlacedTotal, MetricOrdersPlacedTotal, "Broker transactions accepted"},
		{&m.OrderRetriesTotal, MetricOrderRetriesTotal, "Broker transaction retry attempts"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return fmt.Errorf("create counter %s: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	m.OrderLatency, err = meter.Float64Histogram(MetricOrderLatency,
		metric.WithDescription("Broker transaction round trip"), metric.WithUnit("ms"))
	if err != nil {
		return fmt.Errorf("create histogram %s: %w", MetricOrderLatency, err)
	}

	m.StreamClients, err = gauge(meter, MetricStreamClients, "Connected streaming clients", &m.streamClients)
	if err != nil {
		return err
	}
	m.SignalsPending, err = gauge(meter, MetricSignalsPending, "Signals awaiting a verdict", &m.signalsPending)
	return err
}

// gauge registers an observable gauge that reports the current value of src
// at each collection.
func gauge(meter metric.Meter, name, desc string, src *atomic.Int64) (metric.Int64ObservableGauge, error) {
	g, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(src.Load())
			return nil
		}))
	if err != nil {
		return nil, fmt.Errorf("create gauge %s: %w", name, err)
	}
	return g, nil
}

// SetStreamClients records the current streaming client count for the gauge.
func (m *MetricsHolder) SetStreamClients(n int64) {
	m.streamClients.Store(n)
}

// SetSignalsPending records the signals awaiting a verdict for the gauge.
func (m *MetricsHolder) SetSignalsPending(n int64) {
	m.signalsPending.Store(n)
}

// CountDrop tags a shed event with the lane it was dropped on.
func (m *MetricsHolder) CountDrop(ctx context.Context, lane string) {
	m.CountDrops(ctx, lane, 1)
}

// CountDrops records n shed events at once. Components that may only count
// with atomics on the hot path report accumulated deltas through this.
func (m *MetricsHolder) CountDrops(ctx context.Context, lane string, n int64) {
	if n <= 0 {
		return
	}
	if m.DropsTotal != nil {
		m.DropsTotal.Add(ctx, n, metric.WithAttributes(attribute.String("lane", lane)))
	}
}
