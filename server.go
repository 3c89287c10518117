package slotd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/slotd/api"
	"pkt.systems/slotd/internal/adminapi"
	"pkt.systems/slotd/internal/clock"
	"pkt.systems/slotd/internal/connmgr"
	"pkt.systems/slotd/internal/pool"
	"pkt.systems/slotd/internal/settings"
	"pkt.systems/slotd/internal/svcfields"
	"pkt.systems/slotd/internal/version"
)

// ErrServerClosed is returned by Server methods after Shutdown.
var ErrServerClosed = errors.New("slotd: server closed")

// Observer receives session and slot ownership changes. Callbacks run on the
// server's event loop and must return quickly.
type Observer = connmgr.Observer

// Server hosts the lease pool on a TCP listener.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	mgr        *connmgr.Manager
	store      settings.Store
	telemetry  *telemetryBundle
	admin      *httpEndpoint
	instanceID string

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	Observer     Observer
	Store        settings.Store
	StoreSet     bool
	OTLPEndpoint string
	Listener     net.Listener
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithObserver registers an observer for session and ownership changes.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.Observer = obs
	}
}

// WithSettingsStore overrides where the lease timeout is persisted on
// shutdown. A nil store disables persistence.
func WithSettingsStore(store settings.Store) Option {
	return func(o *options) {
		o.Store = store
		o.StoreSet = true
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithListener serves on an existing listener instead of Config.Listen.
func WithListener(ln net.Listener) Option {
	return func(o *options) {
		o.Listener = ln
	}
}

// NewServer constructs a slotd server according to cfg.
//
//	cfg := slotd.Config{Listen: ":1234", Users: []string{"alice", "bob"}}
//	srv, err := slotd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.Ensure(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	store := o.Store
	if !o.StoreSet && cfg.SettingsPath != "" {
		store = settings.NewFileStore(cfg.SettingsPath)
	}

	s := &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server.lifecycle.core"),
		clock:      clk,
		store:      store,
		instanceID: uuid.NewString(),
		listener:   o.Listener,
		readyCh:    make(chan struct{}),
	}

	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:    cfg.OTLPEndpoint,
		MetricsListen:   cfg.MetricsListen,
		PprofListen:     cfg.PprofListen,
		RuntimeMetrics:  cfg.EnableProfilingMetrics,
		InstanceID:      s.instanceID,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s.telemetry = telemetry

	s.mgr = connmgr.New(connmgr.Config{
		MaxConnections:      cfg.MaxConnections,
		MaxFrame:            uint32(cfg.MaxFrameBytes),
		LeaseTimeout:        cfg.LeaseTimeout,
		DeclineNewResources: cfg.DeclineNewResources,
		AllowedIdentities:   cfg.Users,
	}, connmgr.Options{
		Logger:   logger,
		Clock:    clk,
		Observer: o.Observer,
	})

	if cfg.AdminListen != "" {
		handler := adminapi.New(adminapi.Config{
			Controller: s,
			Logger:     logger,
			Tracing:    telemetry.tracing(),
		})
		s.admin, err = startHTTPEndpoint("admin.http", cfg.AdminListen, handler, svcfields.WithSubsystem(logger, "admin.http"))
		if err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = s.mgr.Close(ctx)
			_ = telemetry.Shutdown(ctx)
			return nil, err
		}
	}

	s.logger.Info("slotd.server.created",
		"instance", s.instanceID,
		"version", version.Current(),
		"users", len(cfg.Users),
		"lease_timeout", cfg.LeaseTimeout,
		"max_connections", cfg.MaxConnections,
		"decline_new_resources", cfg.DeclineNewResources,
	)
	return s, nil
}

// Start begins serving connections and blocks until the server stops. It
// returns nil after a clean Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		var err error
		ln, err = connmgr.Listen(context.Background(), s.cfg.Listen)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
	}
	s.signalReady()
	s.logger.Info("slotd.server.listening", "address", ln.Addr().String())
	err := s.mgr.Serve(ln)
	s.recordServeErr(err)
	if errors.Is(err, connmgr.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, releases every lease (owners are
// told with a denial), persists the lease timeout and closes all
// connections. Connections still open when ctx expires are aborted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	s.mgr.SetAccepting(false)
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n, err := s.mgr.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("free leases: %w", err))
	} else if n > 0 {
		s.logger.Info("slotd.server.leases_released", "count", n)
	}
	if err := s.persist(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.mgr.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	if ln := s.listener; ln != nil {
		_ = ln.Close()
	}
	s.mu.Unlock()
	s.signalReady()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, connmgr.ErrClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("slotd.server.stopped")
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	d, err := s.mgr.LeaseTimeout(ctx)
	if err != nil {
		return fmt.Errorf("read lease timeout: %w", err)
	}
	if err := s.store.SaveLeaseTimeout(d); err != nil {
		s.logger.Warn("slotd.server.persist_failed", "error", err)
		return err
	}
	s.logger.Debug("slotd.server.persisted", "lease_timeout", d)
	return nil
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error Start's accept loop ended with.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// ListenerAddr returns the bound protocol listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr returns the admin HTTP address, or nil when disabled.
func (s *Server) AdminAddr() net.Addr {
	return s.admin.Addr()
}

// ShutdownTimeout returns the bound Shutdown applies when its context has no
// deadline.
func (s *Server) ShutdownTimeout() time.Duration { return s.cfg.ShutdownTimeout }

// InstanceID identifies this server process.
func (s *Server) InstanceID() string { return s.instanceID }

// StartTime returns when the server was constructed.
func (s *Server) StartTime() time.Time { return s.mgr.StartTime() }

// Accepting reports whether new connections are accepted.
func (s *Server) Accepting() bool { return s.mgr.Accepting() }

// SetAccepting pauses or resumes accepting new connections.
func (s *Server) SetAccepting(enabled bool) { s.mgr.SetAccepting(enabled) }

// SetDeclineNewResources toggles global admission of new leases.
func (s *Server) SetDeclineNewResources(ctx context.Context, decline bool) error {
	return closedErr(s.mgr.SetDeclineNewResources(ctx, decline))
}

// SetLeaseTimeout changes the preemption window. The new value is persisted
// on shutdown.
func (s *Server) SetLeaseTimeout(ctx context.Context, d time.Duration) error {
	return closedErr(s.mgr.SetLeaseTimeout(ctx, d))
}

// LeaseTimeout returns the preemption window.
func (s *Server) LeaseTimeout(ctx context.Context) (time.Duration, error) {
	d, err := s.mgr.LeaseTimeout(ctx)
	return d, closedErr(err)
}

// FreeAll releases every lease, sending each owner a denial.
func (s *Server) FreeAll(ctx context.Context) (int, error) {
	n, err := s.mgr.FreeAll(ctx)
	return n, closedErr(err)
}

// Resources returns every slot with its owner and how long it has been held.
func (s *Server) Resources(ctx context.Context) ([]api.SlotStatus, error) {
	st, err := s.mgr.Status(ctx)
	if err != nil {
		return nil, closedErr(err)
	}
	return slotStatuses(st.Slots), nil
}

// ResourceOwner returns the identity holding the one-based slot, or "".
func (s *Server) ResourceOwner(ctx context.Context, slot int) (string, error) {
	res, err := s.resource(ctx, slot)
	return res.Owner, err
}

// HeldDuration returns how long the one-based slot has been owned.
func (s *Server) HeldDuration(ctx context.Context, slot int) (time.Duration, error) {
	res, err := s.resource(ctx, slot)
	return time.Duration(res.HeldSeconds) * time.Second, err
}

func (s *Server) resource(ctx context.Context, slot int) (api.SlotStatus, error) {
	if slot < 1 || slot > pool.Size {
		return api.SlotStatus{}, fmt.Errorf("slotd: slot %d out of range 1..%d", slot, pool.Size)
	}
	res, err := s.Resources(ctx)
	if err != nil {
		return api.SlotStatus{}, err
	}
	return res[slot-1], nil
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount(ctx context.Context) (int, error) {
	st, err := s.mgr.Status(ctx)
	return st.Connections, closedErr(err)
}

// Sessions returns the authenticated identities and their connection ids.
func (s *Server) Sessions(ctx context.Context) (map[string]string, error) {
	st, err := s.mgr.Status(ctx)
	return st.Sessions, closedErr(err)
}

// Status snapshots the whole server.
func (s *Server) Status(ctx context.Context) (api.StatusResponse, error) {
	st, err := s.mgr.Status(ctx)
	if err != nil {
		return api.StatusResponse{}, closedErr(err)
	}
	out := api.StatusResponse{
		InstanceID:          s.instanceID,
		Version:             version.Current(),
		StartTime:           st.StartTime,
		Accepting:           st.Accepting,
		DeclineNewResources: st.DeclineNewResources,
		LeaseTimeoutSeconds: int64(st.LeaseTimeout / time.Second),
		Connections:         st.Connections,
		MaxConnections:      st.MaxConnections,
		Slots:               slotStatuses(st.Slots),
		Sessions:            st.Sessions,
		Users:               st.Users,
		Banned:              st.Banned,
	}
	if addr := s.ListenerAddr(); addr != nil {
		out.Listen = addr.String()
	}
	return out, nil
}

func slotStatuses(slots []connmgr.SlotStatus) []api.SlotStatus {
	out := make([]api.SlotStatus, 0, len(slots))
	for _, slot := range slots {
		out = append(out, api.SlotStatus{
			Slot:        slot.Slot,
			Owner:       slot.Owner,
			Conn:        slot.Conn,
			CaptureTime: slot.CaptureTime,
			HeldSeconds: int64(slot.Held / time.Second),
		})
	}
	return out
}

func closedErr(err error) error {
	if errors.Is(err, connmgr.ErrClosed) {
		return ErrServerClosed
	}
	return err
}

// StartServer constructs a server, starts it in the background and waits
// until it is listening. The returned stop function shuts it down; it is
// also invoked when ctx is cancelled.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = ErrServerClosed
		}
		return nil, nil, err
	case <-waitCtx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil {
				stopErr = errors.Join(stopErr, err)
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
