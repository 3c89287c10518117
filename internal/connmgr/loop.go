package connmgr

import (
	"context"
	"net"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/slotd/internal/arbiter"
	"pkt.systems/slotd/internal/svcfields"
	"pkt.systems/slotd/internal/wire"
)

type eventKind int

const (
	evAccept eventKind = iota
	evFrame
	evClosed
	evCall
)

type event struct {
	kind    eventKind
	nc      net.Conn
	conn    *conn
	payload []byte
	fn      func()
	done    chan struct{}
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) handle(ev event) {
	switch ev.kind {
	case evAccept:
		m.handleAccept(ev.nc)
	case evFrame:
		m.handleFrame(ev.conn, ev.payload)
	case evClosed:
		m.handleClosed(ev.conn)
	case evCall:
		ev.fn()
		close(ev.done)
	}
}

func (m *Manager) handleAccept(nc net.Conn) {
	remote := nc.RemoteAddr().String()
	reject := func(reason string) {
		m.metrics.recordReject(reason)
		m.logger.Info("slotd.conn.rejected", svcfields.KeyRemote, remote, "reason", reason, "connections", m.count)
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
		_ = nc.Close()
	}
	select {
	case <-m.closing:
		reject("closing")
		return
	default:
	}
	switch {
	case !m.accepting.Load():
		reject("paused")
		return
	case m.count >= m.cfg.MaxConnections:
		reject("capacity")
		return
	case m.guard.Banned(remote):
		reject("banned")
		return
	}

	c := newConn(nc, m.logger)
	m.conns[c.id] = c
	m.count++
	m.connWG.Add(1)
	m.metrics.recordAccept(int64(m.count))
	c.logger.Debug("slotd.conn.accepted", "connections", m.count)
	go m.readLoop(c)
	go m.writeLoop(c)
}

func (m *Manager) handleFrame(c *conn, payload []byte) {
	if c.closed {
		return
	}
	if m.draining {
		m.metrics.recordDrop("draining")
		c.logger.Debug("slotd.conn.frame.draining")
		return
	}
	if m.guard.Banned(c.remote) {
		m.metrics.recordDrop("banned")
		c.logger.Debug("slotd.conn.banned.frame")
		c.abort()
		return
	}

	ctx, span := m.tracer.Start(context.Background(), "slotd.dispatch", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(attribute.String("slotd.conn", c.id.String()))

	req, err := wire.DecodeRequest(payload)
	if err != nil {
		m.metrics.recordDrop("malformed")
		c.logger.Debug("slotd.conn.frame.malformed", "error", err, "size", len(payload))
		span.SetStatus(codes.Error, "malformed")
		return
	}
	span.SetAttributes(
		attribute.String("slotd.request.kind", req.Kind.String()),
		attribute.String("slotd.identity", req.Username),
	)
	m.metrics.recordFrame(ctx, req.Kind.String())

	if !m.guard.Allowed(req.Username) {
		m.guard.Ban(c.remote, req.Username)
		m.metrics.recordBan()
		span.SetStatus(codes.Error, "unauthorized")
		c.logger.Warn("slotd.conn.banned", svcfields.KeyIdentity, req.Username)
		c.abort()
		return
	}

	switch req.Kind {
	case wire.KindAuth:
		m.authenticate(c, req.Username)
	case wire.KindResource:
		m.request(ctx, span, c, req)
	default:
		m.metrics.recordDrop("shape")
		c.logger.Debug("slotd.conn.frame.ignored", svcfields.KeyIdentity, req.Username)
	}
}

func (m *Manager) authenticate(c *conn, identity string) {
	if c.identity != "" {
		c.logger.Debug("slotd.session.auth.ignored", svcfields.KeyIdentity, identity, "bound", c.identity)
		return
	}
	if !m.registry.Authenticate(identity, c.id) {
		c.logger.Info("slotd.session.auth.duplicate", svcfields.KeyIdentity, identity)
		return
	}
	c.identity = identity
	c.logger = c.logger.With(svcfields.KeyIdentity, identity)
	c.logger.Info("slotd.session.added")
	m.metrics.setSessions(int64(m.registry.Len()))
	if m.observer != nil {
		m.observer.UserAdded(identity)
	}
}

func (m *Manager) request(ctx context.Context, span trace.Span, c *conn, req wire.Request) {
	if bound, ok := m.registry.Lookup(req.Username); !ok || bound != c.id {
		m.metrics.recordDrop("unauthenticated")
		c.logger.Debug("slotd.lease.request.unauthenticated", svcfields.KeyIdentity, req.Username)
		span.SetStatus(codes.Error, "unauthenticated")
		return
	}
	out := m.engine.Request(ctx, req.Username, c.id, req.Mask, req.Time)
	span.SetAttributes(
		attribute.String("slotd.lease.result", out.Result.String()),
		attribute.Int("slotd.lease.slot", out.Slot),
	)
	if out.Result == arbiter.Denied {
		span.SetAttributes(attribute.String("slotd.lease.reason", out.Reason))
	}
	span.SetStatus(codes.Ok, "")
}

func (m *Manager) handleClosed(c *conn) {
	if c.closed {
		return
	}
	c.closed = true
	c.out.shutdown()
	_ = c.nc.Close()
	delete(m.conns, c.id)

	m.engine.ReleaseConn(context.Background(), c.id)
	if c.identity != "" {
		if bound, ok := m.registry.Lookup(c.identity); ok && bound == c.id {
			m.registry.Remove(c.identity)
			c.logger.Info("slotd.session.removed")
			if m.observer != nil {
				m.observer.UserRemoved(c.identity)
			}
		}
	}
	m.count--
	m.metrics.setSessions(int64(m.registry.Len()))
	m.metrics.recordDisconnect(int64(m.count))
	c.logger.Debug("slotd.conn.disconnected", "connections", m.count)
	m.connWG.Done()
}

// notify routes a response to the connection registered for its username.
func (m *Manager) notify(resp wire.Response) {
	id, ok := m.registry.Lookup(resp.Username)
	if !ok {
		m.logger.Debug("slotd.conn.notify.dropped", svcfields.KeyIdentity, resp.Username, "reason", "no session")
		return
	}
	c, ok := m.conns[id]
	if !ok || c.closed {
		m.logger.Debug("slotd.conn.notify.dropped", svcfields.KeyIdentity, resp.Username, "reason", "closed")
		return
	}
	payload, err := wire.EncodeResponse(resp)
	if err != nil {
		m.logger.Error("slotd.conn.notify.encode_failed", "error", err)
		return
	}
	if !c.out.push(wire.AppendFrame(nil, payload)) {
		m.metrics.recordDrop("outbox_closed")
		return
	}
	m.metrics.recordResponse(resp.Status.String())
}
