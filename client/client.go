package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/slotd/internal/clock"
	"pkt.systems/slotd/internal/svcfields"
	"pkt.systems/slotd/internal/wire"
)

var (
	// ErrClosed is returned once the connection has been closed by either end.
	ErrClosed = errors.New("slotd: client closed")
	// ErrDenied is returned by Acquire when the server denies the request.
	ErrDenied = errors.New("slotd: request denied")
)

// Response is a server notification.
type Response = wire.Response

// Status values carried by Response.
const (
	StatusDenied  = wire.StatusDenied
	StatusGranted = wire.StatusGranted
)

// DefaultDialTimeout bounds Dial when the context has no deadline.
const DefaultDialTimeout = 5 * time.Second

// Option customises a Client.
type Option func(*Client)

// WithLogger attaches a logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock used to stamp requests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithMaxFrame limits the size of inbound frames.
func WithMaxFrame(n uint32) Option {
	return func(c *Client) { c.maxFrame = n }
}

// WithResponseBuffer sets how many unread responses are buffered before the
// reader stalls.
func WithResponseBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// Client is a single authenticated connection.
type Client struct {
	username    string
	logger      pslog.Logger
	clock       clock.Clock
	dialTimeout time.Duration
	maxFrame    uint32
	buffer      int

	nc        net.Conn
	writeMu   sync.Mutex
	responses chan Response
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to addr and authenticates as username.
func Dial(ctx context.Context, addr, username string, opts ...Option) (*Client, error) {
	if username == "" {
		return nil, fmt.Errorf("slotd: username required")
	}
	c := &Client{
		username:    username,
		logger:      pslog.NoopLogger(),
		clock:       clock.Real{},
		dialTimeout: DefaultDialTimeout,
		buffer:      32,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = svcfields.WithSubsystem(c.logger, "client.conn").With(svcfields.KeyIdentity, username)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("slotd: dial %s: %w", addr, err)
	}
	c.nc = nc
	c.responses = make(chan Response, c.buffer)
	c.done = make(chan struct{})
	c.closing = make(chan struct{})
	go c.readLoop()

	payload, err := wire.EncodeAuth(username)
	if err == nil {
		err = c.write(payload)
	}
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("slotd: authenticate: %w", err)
	}
	c.logger.Debug("client.connected", "addr", addr)
	return c, nil
}

// Username returns the identity the client authenticated as.
func (c *Client) Username() string { return c.username }

// Request asks for the slots in mask, stamped with the current time of day.
func (c *Client) Request(mask uint32) error {
	return c.RequestAt(mask, clock.SecondsOfDay(c.clock.Now()))
}

// RequestAt asks for the slots in mask with an explicit request time.
func (c *Client) RequestAt(mask uint32, at int64) error {
	payload, err := wire.EncodeResourceRequest(c.username, mask, at)
	if err != nil {
		return err
	}
	return c.write(payload)
}

// Acquire requests the given one-based slots and waits for the server's
// verdict on one of them. The server grants at most one slot. Responses
// already buffered when Acquire is called are discarded, and release notices
// for slots outside the request are skipped. Responses carry no request id,
// so a displacement notice for a requested slot that arrives after the
// request is sent is indistinguishable from a denial and ends the wait.
func (c *Client) Acquire(ctx context.Context, slots ...int) (Response, error) {
	if len(slots) == 0 {
		return Response{}, fmt.Errorf("slotd: no slots requested")
	}
	c.discardPending()
	if err := c.Request(wire.MaskFor(slots...)); err != nil {
		return Response{}, err
	}
	for {
		resp, err := c.Next(ctx)
		if err != nil {
			return Response{}, err
		}
		if resp.Username != c.username || !slices.Contains(slots, resp.Resource) {
			continue
		}
		if resp.Status != StatusGranted {
			return resp, ErrDenied
		}
		return resp, nil
	}
}

func (c *Client) discardPending() {
	for {
		select {
		case resp, ok := <-c.responses:
			if !ok {
				return
			}
			c.logger.Debug("client.response.discarded", svcfields.KeySlot, resp.Resource, "status", resp.Status.String())
		default:
			return
		}
	}
}

// Next waits for the next response.
func (c *Client) Next(ctx context.Context) (Response, error) {
	select {
	case resp, ok := <-c.responses:
		if !ok {
			return Response{}, c.closeErr()
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Responses exposes the response stream. It is closed when the connection
// ends.
func (c *Client) Responses() <-chan Response { return c.responses }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close hangs up.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setErr(ErrClosed)
		close(c.closing)
		err = c.nc.Close()
	})
	return err
}

func (c *Client) write(payload []byte) error {
	select {
	case <-c.done:
		return c.closeErr()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteFrame(c.nc, payload); err != nil {
		return fmt.Errorf("slotd: write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.responses)
	defer close(c.done)
	r := wire.NewReader(c.nc, c.maxFrame)
	for {
		payload, err := r.Next()
		if errors.Is(err, wire.ErrFrameTooLarge) {
			continue
		}
		if err != nil {
			c.setErr(fmt.Errorf("%w: %v", ErrClosed, err))
			_ = c.nc.Close()
			return
		}
		resp, err := wire.DecodeResponse(payload)
		if err != nil {
			c.logger.Debug("client.response.malformed", "error", err)
			continue
		}
		select {
		case c.responses <- resp:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Client) closeErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}
