package arbiter

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type leaseMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	preemptCount    metric.Int64Counter
	releaseCount    metric.Int64Counter
	ownedGauge      metric.Int64ObservableGauge
	owned           atomic.Int64
}

func newLeaseMetrics(logger pslog.Logger) *leaseMetrics {
	meter := otel.Meter("pkt.systems/slotd/lease")
	m := &leaseMetrics{}
	var err error

	m.requestCount, err = meter.Int64Counter(
		"slotd.lease.request",
		metric.WithDescription("Resource requests by result"),
	)
	logMetricInitError(logger, "slotd.lease.request", err)

	m.requestDuration, err = meter.Float64Histogram(
		"slotd.lease.request.duration_us",
		metric.WithDescription("Time spent arbitrating a resource request"),
		metric.WithUnit("us"),
	)
	logMetricInitError(logger, "slotd.lease.request.duration_us", err)

	m.preemptCount, err = meter.Int64Counter(
		"slotd.lease.preempt",
		metric.WithDescription("Timed-out leases taken over by another identity"),
	)
	logMetricInitError(logger, "slotd.lease.preempt", err)

	m.releaseCount, err = meter.Int64Counter(
		"slotd.lease.release",
		metric.WithDescription("Lease releases by reason"),
	)
	logMetricInitError(logger, "slotd.lease.release", err)

	m.ownedGauge, err = meter.Int64ObservableGauge(
		"slotd.lease.owned",
		metric.WithDescription("Slots currently owned"),
	)
	logMetricInitError(logger, "slotd.lease.owned", err)

	if m.ownedGauge != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.ownedGauge, m.owned.Load())
			return nil
		}, m.ownedGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "slotd.lease.owned", "error", err)
		}
	}
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

func (m *leaseMetrics) recordRequest(ctx context.Context, result, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("slotd.lease.result", result)}
	if reason != "" {
		attrs = append(attrs, attribute.String("slotd.lease.reason", reason))
	}
	if m.requestCount != nil {
		m.requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.requestDuration != nil {
		m.requestDuration.Record(ctx, float64(duration.Nanoseconds())/1e3, metric.WithAttributes(attrs...))
	}
}

func (m *leaseMetrics) recordPreempt(ctx context.Context) {
	if m == nil || m.preemptCount == nil {
		return
	}
	m.preemptCount.Add(ctx, 1)
}

func (m *leaseMetrics) recordRelease(ctx context.Context, reason string) {
	if m == nil || m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(ctx, 1, metric.WithAttributes(attribute.String("slotd.lease.reason", reason)))
}

func (m *leaseMetrics) setOwned(n int64) {
	if m == nil {
		return
	}
	m.owned.Store(n)
}
