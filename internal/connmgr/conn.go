package connmgr

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/pslog"
	"pkt.systems/slotd/internal/pool"
	"pkt.systems/slotd/internal/svcfields"
	"pkt.systems/slotd/internal/wire"
)

type conn struct {
	id     pool.ConnID
	nc     net.Conn
	remote string
	logger pslog.Logger
	out    *outbox

	// loop-owned
	identity string
	closed   bool
}

func (c *conn) abort() {
	if tc, ok := c.nc.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = c.nc.Close()
	c.out.shutdown()
}

func (m *Manager) readLoop(c *conn) {
	r := wire.NewReader(c.nc, m.cfg.MaxFrame)
	for {
		payload, err := r.Next()
		if errors.Is(err, wire.ErrFrameTooLarge) {
			m.metrics.recordDrop("frame_too_large")
			c.logger.Debug("slotd.conn.frame.oversized", "max", m.cfg.MaxFrame)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("slotd.conn.read.failed", "error", err)
			}
			break
		}
		if !m.send(event{kind: evFrame, conn: c, payload: payload}) {
			break
		}
	}
	m.send(event{kind: evClosed, conn: c})
}

func (m *Manager) writeLoop(c *conn) {
	for {
		batch, ok := c.out.wait()
		for _, frame := range batch {
			if _, err := c.nc.Write(frame); err != nil {
				c.logger.Debug("slotd.conn.write.failed", "error", err)
				c.out.shutdown()
				_ = c.nc.Close()
				return
			}
		}
		if !ok {
			_ = c.nc.Close()
			return
		}
	}
}

// outbox is an unbounded FIFO of encoded frames. Writers never block.
type outbox struct {
	mu     sync.Mutex
	queue  [][]byte
	wake   chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(frame []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, frame)
	o.mu.Unlock()
	o.signal()
	return true
}

func (o *outbox) shutdown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// wait blocks until frames are queued or the outbox is shut down. It returns
// the pending frames and false once nothing more will ever be queued.
func (o *outbox) wait() ([][]byte, bool) {
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		closed := o.closed
		o.mu.Unlock()
		if len(batch) > 0 || closed {
			return batch, !closed
		}
		<-o.wake
	}
}

func newConn(nc net.Conn, logger pslog.Logger) *conn {
	c := &conn{
		id:     xid.New(),
		nc:     nc,
		remote: nc.RemoteAddr().String(),
		out:    newOutbox(),
	}
	c.logger = logger.With(svcfields.KeyConn, c.id.String(), svcfields.KeyRemote, c.remote)
	return c
}
