// Package connmgr accepts client connections and drives the lease engine.
//
// All pool, registry and engine state is owned by one event loop goroutine.
// Each connection gets a reader goroutine that forwards raw frames to the
// loop and a writer goroutine that drains an unbounded outbound queue, so
// nothing the loop does ever blocks on a peer.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/slotd/internal/arbiter"
	"pkt.systems/slotd/internal/clock"
	"pkt.systems/slotd/internal/connguard"
	"pkt.systems/slotd/internal/pool"
	"pkt.systems/slotd/internal/session"
	"pkt.systems/slotd/internal/svcfields"
	"pkt.systems/slotd/internal/wire"
)

// ErrClosed is returned by Manager methods after Close.
var ErrClosed = errors.New("connmgr: closed")

// DefaultMaxConnections caps concurrently open connections.
const DefaultMaxConnections = 20

// Observer is told about session and ownership changes. Callbacks run on the
// event loop and must not block or call back into the Manager.
type Observer interface {
	UserAdded(identity string)
	UserRemoved(identity string)
	OwnerChanged(slot int, owner string)
}

// Config tunes a Manager.
type Config struct {
	MaxConnections      int
	MaxFrame            uint32
	LeaseTimeout        time.Duration
	DeclineNewResources bool
	AllowedIdentities   []string
}

// Options carries a Manager's collaborators. Zero values are replaced with
// defaults.
type Options struct {
	Logger   pslog.Logger
	Clock    clock.Clock
	Observer Observer
}

// Manager owns the listener, every connection and the lease state.
type Manager struct {
	cfg      Config
	logger   pslog.Logger
	clock    clock.Clock
	observer Observer
	tracer   trace.Tracer
	metrics  *connMetrics

	guard    *connguard.Guard
	pool     *pool.Pool
	registry *session.Registry
	engine   *arbiter.Engine

	// loop-owned
	conns    map[pool.ConnID]*conn
	count    int
	draining bool

	events   chan event
	stop     chan struct{}
	loopDone chan struct{}
	connWG   sync.WaitGroup

	accepting atomic.Bool
	gateMu    sync.Mutex
	gate      chan struct{}

	lnMu      sync.Mutex
	ln        net.Listener
	closing   chan struct{}
	closeOnce sync.Once
	started   time.Time
}

// New constructs a Manager and starts its event loop. Call Close to stop it.
func New(cfg Config, opts Options) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxFrame == 0 {
		cfg.MaxFrame = wire.DefaultMaxPayload
	}
	logger := svcfields.Ensure(opts.Logger)
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	m := &Manager{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(logger, "server.conn.manager"),
		clock:    clk,
		observer: opts.Observer,
		tracer:   otel.Tracer("pkt.systems/slotd/connmgr"),
		guard:    connguard.New(cfg.AllowedIdentities, logger),
		pool:     pool.New(),
		registry: session.NewRegistry(),
		conns:    make(map[pool.ConnID]*conn),
		events:   make(chan event, 256),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		closing:  make(chan struct{}),
		started:  clk.Now(),
	}
	m.accepting.Store(true)
	m.metrics = newConnMetrics(m.logger, m.cfg.MaxConnections)
	m.engine = arbiter.New(m.pool, arbiter.Options{
		LeaseTimeout:        cfg.LeaseTimeout,
		DeclineNewResources: cfg.DeclineNewResources,
		Notifier:            arbiter.NotifierFunc(m.notify),
		Observer:            ownerForwarder{m},
		Logger:              logger,
	})
	go m.run()
	return m
}

// Serve accepts connections from ln until Close is called or ln fails. It
// always returns a non-nil error; after Close it returns ErrClosed.
func (m *Manager) Serve(ln net.Listener) error {
	m.lnMu.Lock()
	select {
	case <-m.closing:
		m.lnMu.Unlock()
		_ = ln.Close()
		return ErrClosed
	default:
	}
	m.ln = ln
	m.lnMu.Unlock()
	m.logger.Info("slotd.conn.listening", "addr", ln.Addr().String(), "max_connections", m.cfg.MaxConnections)

	var backoff time.Duration
	for {
		if !m.waitAccepting() {
			return ErrClosed
		}
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-m.closing:
				return ErrClosed
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				m.logger.Warn("slotd.conn.accept.retry", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("connmgr: accept: %w", err)
		}
		backoff = 0
		if !m.send(event{kind: evAccept, nc: nc}) {
			_ = nc.Close()
			return ErrClosed
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// Addr returns the listener address, or nil before Serve.
func (m *Manager) Addr() net.Addr {
	m.lnMu.Lock()
	defer m.lnMu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// StartTime returns when the manager was created.
func (m *Manager) StartTime() time.Time { return m.started }

// Accepting reports whether new connections are accepted.
func (m *Manager) Accepting() bool { return m.accepting.Load() }

// SetAccepting pauses or resumes accepting new connections. Open
// connections are unaffected.
func (m *Manager) SetAccepting(enabled bool) {
	m.gateMu.Lock()
	if enabled {
		if m.gate != nil {
			close(m.gate)
			m.gate = nil
		}
	} else if m.gate == nil {
		m.gate = make(chan struct{})
	}
	m.accepting.Store(enabled)
	m.gateMu.Unlock()
	m.logger.Info("slotd.conn.accepting.changed", "enabled", enabled)
}

func (m *Manager) waitAccepting() bool {
	m.gateMu.Lock()
	gate := m.gate
	m.gateMu.Unlock()
	if gate == nil {
		select {
		case <-m.closing:
			return false
		default:
			return true
		}
	}
	select {
	case <-gate:
		return true
	case <-m.closing:
		return false
	}
}

// SetDeclineNewResources toggles global admission of new leases.
func (m *Manager) SetDeclineNewResources(ctx context.Context, decline bool) error {
	return m.do(ctx, func() { m.engine.SetDeclineNewResources(decline) })
}

// SetLeaseTimeout changes the preemption window.
func (m *Manager) SetLeaseTimeout(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("connmgr: lease timeout must be positive, got %s", d)
	}
	return m.do(ctx, func() { m.engine.SetLeaseTimeout(d) })
}

// LeaseTimeout returns the preemption window.
func (m *Manager) LeaseTimeout(ctx context.Context) (time.Duration, error) {
	var d time.Duration
	err := m.do(ctx, func() { d = m.engine.LeaseTimeout() })
	return d, err
}

// FreeAll releases every lease, notifying each owner with a denial.
func (m *Manager) FreeAll(ctx context.Context) (int, error) {
	var n int
	err := m.do(ctx, func() { n = m.engine.FreeAll(ctx) })
	return n, err
}

// Drain releases every lease like FreeAll and, in the same loop step, stops
// dispatching frames from open connections so nothing is granted between the
// release and Close. It returns the number of leases released.
func (m *Manager) Drain(ctx context.Context) (int, error) {
	var n int
	err := m.do(ctx, func() {
		m.draining = true
		n = m.engine.FreeAll(ctx)
	})
	if err == nil {
		m.logger.Info("slotd.conn.draining", "released", n)
	}
	return n, err
}

// SlotStatus describes one slot at the time of a Status call.
type SlotStatus struct {
	pool.Snapshot
	Held time.Duration `json:"-"`
}

// Status is a point-in-time copy of the manager's state.
type Status struct {
	StartTime           time.Time
	Accepting           bool
	DeclineNewResources bool
	LeaseTimeout        time.Duration
	Connections         int
	MaxConnections      int
	Slots               []SlotStatus
	Sessions            map[string]string
	Users               []string
	Banned              []string
}

// Status snapshots the manager's state.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	st := Status{
		StartTime:      m.started,
		Accepting:      m.Accepting(),
		MaxConnections: m.cfg.MaxConnections,
		Users:          m.guard.AllowedIdentities(),
		Banned:         m.guard.BannedHosts(),
	}
	err := m.do(ctx, func() {
		now := m.clock.Now()
		st.DeclineNewResources = m.engine.DeclineNewResources()
		st.LeaseTimeout = m.engine.LeaseTimeout()
		st.Connections = m.count
		st.Sessions = m.registry.Snapshot()
		for _, snap := range m.engine.Snapshot() {
			slot := SlotStatus{Snapshot: snap}
			if snap.Owner != "" {
				slot.Held = clock.ElapsedSince(now, snap.CaptureTime)
			}
			st.Slots = append(st.Slots, slot)
		}
	})
	return st, err
}

// Close stops accepting, lets every connection flush its queued responses
// and hangs up. Connections still open when ctx expires are aborted.
func (m *Manager) Close(ctx context.Context) error {
	first := false
	m.closeOnce.Do(func() {
		first = true
		m.lnMu.Lock()
		close(m.closing)
		ln := m.ln
		m.lnMu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
	})
	if !first {
		<-m.loopDone
		return ErrClosed
	}

	var errs []error
	_ = m.do(context.Background(), func() {
		for _, c := range m.conns {
			c.out.shutdown()
		}
	})
	drained := make(chan struct{})
	go func() {
		m.connWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("connmgr: drain connections: %w", ctx.Err()))
		_ = m.do(context.Background(), func() {
			for _, c := range m.conns {
				c.abort()
			}
		})
		<-drained
	}
	close(m.stop)
	<-m.loopDone
	m.logger.Info("slotd.conn.closed")
	return errors.Join(errs...)
}

func (m *Manager) do(ctx context.Context, fn func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	select {
	case m.events <- event{kind: evCall, fn: fn, done: done}:
	case <-m.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-m.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) send(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.loopDone:
		return false
	}
}

type ownerForwarder struct{ m *Manager }

func (f ownerForwarder) OwnerChanged(slot int, owner string) {
	f.m.logger.Trace("slotd.slot.owner", "slot", slot, "owner", owner)
	if f.m.observer != nil {
		f.m.observer.OwnerChanged(slot, owner)
	}
}
