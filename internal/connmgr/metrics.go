package connmgr

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type connMetrics struct {
	acceptCount   metric.Int64Counter
	rejectCount   metric.Int64Counter
	frameCount    metric.Int64Counter
	dropCount     metric.Int64Counter
	banCount      metric.Int64Counter
	responseCount metric.Int64Counter
	activeGauge   metric.Int64ObservableGauge
	sessionGauge  metric.Int64ObservableGauge
	limitGauge    metric.Int64ObservableGauge

	active   atomic.Int64
	sessions atomic.Int64
	limit    int64
}

func newConnMetrics(logger pslog.Logger, limit int) *connMetrics {
	meter := otel.Meter("pkt.systems/slotd/connmgr")
	m := &connMetrics{limit: int64(limit)}
	var err error

	m.acceptCount, err = meter.Int64Counter("slotd.conn.accepted", metric.WithDescription("Connections accepted"))
	logMetricInitError(logger, "slotd.conn.accepted", err)
	m.rejectCount, err = meter.Int64Counter("slotd.conn.rejected", metric.WithDescription("Connections aborted at accept time by reason"))
	logMetricInitError(logger, "slotd.conn.rejected", err)
	m.frameCount, err = meter.Int64Counter("slotd.conn.frames", metric.WithDescription("Decoded frames by request kind"))
	logMetricInitError(logger, "slotd.conn.frames", err)
	m.dropCount, err = meter.Int64Counter("slotd.conn.dropped", metric.WithDescription("Frames or responses dropped by reason"))
	logMetricInitError(logger, "slotd.conn.dropped", err)
	m.banCount, err = meter.Int64Counter("slotd.conn.bans", metric.WithDescription("Peers banned for presenting an unknown identity"))
	logMetricInitError(logger, "slotd.conn.bans", err)
	m.responseCount, err = meter.Int64Counter("slotd.conn.responses", metric.WithDescription("Responses queued by status"))
	logMetricInitError(logger, "slotd.conn.responses", err)

	m.activeGauge, err = meter.Int64ObservableGauge("slotd.conn.active", metric.WithDescription("Open connections"))
	logMetricInitError(logger, "slotd.conn.active", err)
	m.sessionGauge, err = meter.Int64ObservableGauge("slotd.session.active", metric.WithDescription("Authenticated sessions"))
	logMetricInitError(logger, "slotd.session.active", err)
	m.limitGauge, err = meter.Int64ObservableGauge("slotd.conn.limit", metric.WithDescription("Configured connection cap"))
	logMetricInitError(logger, "slotd.conn.limit", err)

	var observables []metric.Observable
	for _, g := range []metric.Int64ObservableGauge{m.activeGauge, m.sessionGauge, m.limitGauge} {
		if g != nil {
			observables = append(observables, g)
		}
	}
	if len(observables) > 0 {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			if m.activeGauge != nil {
				o.ObserveInt64(m.activeGauge, m.active.Load())
			}
			if m.sessionGauge != nil {
				o.ObserveInt64(m.sessionGauge, m.sessions.Load())
			}
			if m.limitGauge != nil {
				o.ObserveInt64(m.limitGauge, m.limit)
			}
			return nil
		}, observables...); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "slotd.conn", "error", err)
		}
	}
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

func (m *connMetrics) recordAccept(active int64) {
	if m == nil {
		return
	}
	m.active.Store(active)
	if m.acceptCount != nil {
		m.acceptCount.Add(context.Background(), 1)
	}
}

func (m *connMetrics) recordDisconnect(active int64) {
	if m == nil {
		return
	}
	m.active.Store(active)
}

func (m *connMetrics) setSessions(n int64) {
	if m == nil {
		return
	}
	m.sessions.Store(n)
}

func (m *connMetrics) recordReject(reason string) {
	if m == nil || m.rejectCount == nil {
		return
	}
	m.rejectCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("slotd.conn.reason", reason)))
}

func (m *connMetrics) recordFrame(ctx context.Context, kind string) {
	if m == nil || m.frameCount == nil {
		return
	}
	m.frameCount.Add(ctx, 1, metric.WithAttributes(attribute.String("slotd.request.kind", kind)))
}

func (m *connMetrics) recordDrop(reason string) {
	if m == nil || m.dropCount == nil {
		return
	}
	m.dropCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("slotd.conn.reason", reason)))
}

func (m *connMetrics) recordBan() {
	if m == nil || m.banCount == nil {
		return
	}
	m.banCount.Add(context.Background(), 1)
}

func (m *connMetrics) recordResponse(status string) {
	if m == nil || m.responseCount == nil {
		return
	}
	m.responseCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("slotd.lease.status", status)))
}
