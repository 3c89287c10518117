package slotd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/slotd/client"
	"pkt.systems/slotd/internal/clock"
)

// TestServer wraps a running slotd.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	Listener net.Addr
	Config   Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") ||
						strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through
// testing.TB. SLOTD_TEST_LOG_* environment variables override level.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("SLOTD_TEST_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: level}),
		pslog.WithEnvWriter(writer),
	).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	if ts.Listener != nil {
		return ts.Listener
	}
	if ts.Server != nil {
		return ts.Server.ListenerAddr()
	}
	return nil
}

// Dial connects a client authenticated as username.
func (ts *TestServer) Dial(ctx context.Context, username string, opts ...client.Option) (*client.Client, error) {
	if ts == nil || ts.Addr() == nil {
		return nil, fmt.Errorf("nil test server")
	}
	return client.Dial(ctx, ts.Addr().String(), username, opts...)
}

type testServerOptions struct {
	cfg          Config
	cfgFuncs     []func(*Config)
	serverOpts   []Option
	startTimeout time.Duration
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration before the server starts.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.cfgFuncs = append(o.cfgFuncs, fn)
		}
	}
}

// WithTestUsers sets the allow-list.
func WithTestUsers(users ...string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Users = users
	})
}

// WithTestLogger supplies the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return WithTestServerOptions(WithLogger(logger))
}

// WithTestLoggerFromTB routes server logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return WithTestLogger(NewTestingLogger(t, level))
}

// WithTestClock injects a clock.
func WithTestClock(clk clock.Clock) TestServerOption {
	return WithTestServerOptions(WithClock(clk))
}

// WithTestServerOptions forwards raw server options.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for the listener.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// NewTestServer starts a server on a loopback port. Unless overridden, the
// allow-list is alice, bob and carol and nothing is persisted.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	o := testServerOptions{
		cfg: Config{
			Listen: "127.0.0.1:0",
			Users:  []string{"alice", "bob", "carol"},
		},
		startTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	for _, fn := range o.cfgFuncs {
		fn(&o.cfg)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	srv, err := NewServer(o.cfg, o.serverOpts...)
	if err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	startCtx, cancel := context.WithTimeout(ctx, o.startTimeout)
	defer cancel()
	if err := srv.WaitUntilReady(startCtx); err != nil {
		_ = srv.Shutdown(context.Background())
		<-errCh
		return nil, fmt.Errorf("wait for test server: %w", err)
	}
	var once sync.Once
	var stopErr error
	stop := func(ctx context.Context) error {
		once.Do(func() {
			stopErr = srv.Shutdown(ctx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	return &TestServer{
		Server:   srv,
		Listener: srv.ListenerAddr(),
		Config:   srv.cfg,
		stop:     stop,
	}, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and
// registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Fatalf("stop test server: %v", err)
		}
	})
	return ts
}
