// Package metrics wires ambient OpenTelemetry instrumentation for the
// gateway. None of it gates correctness: every counter/histogram here is
// supplementary observability, per SPEC_FULL.md §0.5.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics groups the counters and histograms used across the gateway.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	RPCRequests      metric.Int64Counter
	RPCLatency       metric.Float64Histogram
	EventDispatches  metric.Int64Counter
	WSConnections    metric.Int64UpDownCounter
	ExtractionQueue  metric.Int64UpDownCounter
	ExtractionLatency metric.Float64Histogram
	WatcherEvents    metric.Int64Counter
}

// New builds a Metrics instance backed by a stdout exporter. Any error
// constructing an instrument is treated as non-fatal: metrics are always
// optional, so such an error is discarded and the instrument is kept
// as returned.
func New(ctx context.Context) (*Metrics, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(60*time.Second))),
	)
	meter := provider.Meter("moonbridge")

	m := &Metrics{provider: provider, meter: meter}
	m.RPCRequests, _ = meter.Int64Counter("moonbridge.rpc.requests")
	m.RPCLatency, _ = meter.Float64Histogram("moonbridge.rpc.latency_ms")
	m.EventDispatches, _ = meter.Int64Counter("moonbridge.events.dispatched")
	m.WSConnections, _ = meter.Int64UpDownCounter("moonbridge.ws.connections")
	m.ExtractionQueue, _ = meter.Int64UpDownCounter("moonbridge.metadata.queue_depth")
	m.ExtractionLatency, _ = meter.Float64Histogram("moonbridge.metadata.extract_latency_ms")
	m.WatcherEvents, _ = meter.Int64Counter("moonbridge.watcher.events")

	return m, nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
