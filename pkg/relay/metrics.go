package relay

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/warriorsfly/collab-studio/pkg/otelhelper"
)

type relayMetrics struct {
	connects       metric.Int64Counter
	disconnects    metric.Int64Counter
	onlines        metric.Int64Counter
	injected       metric.Int64Counter
	delivered      metric.Int64Counter
	workerStops    metric.Int64Counter
	deliverSeconds metric.Float64Histogram

	onlineCount atomic.Int64
}

func newRelayMetrics() *relayMetrics {
	meter := otel.Meter("collab-relay")
	m := &relayMetrics{}
	m.connects, _ = meter.Int64Counter("relay_sessions_connected_total",
		metric.WithDescription("Total sessions registered with the directory"))
	m.disconnects, _ = meter.Int64Counter("relay_sessions_disconnected_total",
		metric.WithDescription("Total sessions removed from the directory"))
	m.onlines, _ = meter.Int64Counter("relay_identities_online_total",
		metric.WithDescription("Total identity registrations"))
	m.injected, _ = meter.Int64Counter("relay_events_injected_total",
		metric.WithDescription("Total events appended to identity logs"))
	m.delivered, _ = meter.Int64Counter("relay_events_delivered_total",
		metric.WithDescription("Total events forwarded to sessions"))
	m.workerStops, _ = meter.Int64Counter("relay_worker_stops_total",
		metric.WithDescription("Total delivery worker terminations"))
	m.deliverSeconds, _ = otelhelper.NewDurationHistogram(meter, "relay_batch_forward_seconds",
		"Time spent forwarding one batch to a session endpoint")

	onlineGauge, _ := meter.Int64ObservableGauge("relay_identities_online",
		metric.WithDescription("Identities currently online"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(onlineGauge, m.onlineCount.Load())
		return nil
	}, onlineGauge)

	return m
}

func (m *relayMetrics) workerStop(ctx context.Context, reason string) {
	m.workerStops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
