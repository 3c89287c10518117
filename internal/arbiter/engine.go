// Package arbiter decides which identity owns each pool slot.
//
// The engine is the only code that mutates pool.Resource values. It is not
// safe for concurrent use: the connection manager drives it from a single
// event loop so every request runs to completion before the next one starts.
package arbiter

import (
	"context"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/slotd/internal/pool"
	"pkt.systems/slotd/internal/svcfields"
	"pkt.systems/slotd/internal/wire"
)

// DefaultLeaseTimeout is how long a lease is protected from preemption.
const DefaultLeaseTimeout = 2 * time.Hour

// Notifier delivers a response to the connection registered for the
// response's username.
type Notifier interface {
	Notify(resp wire.Response)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(resp wire.Response)

// Notify calls f(resp).
func (f NotifierFunc) Notify(resp wire.Response) { f(resp) }

// OwnerObserver is told about every slot ownership change. slot is one-based
// and owner is "" when the slot was freed.
type OwnerObserver interface {
	OwnerChanged(slot int, owner string)
}

// Options configures an Engine.
type Options struct {
	LeaseTimeout        time.Duration
	DeclineNewResources bool
	Notifier            Notifier
	Observer            OwnerObserver
	Logger              pslog.Logger
}

// Engine arbitrates lease requests against a pool.
type Engine struct {
	pool       *pool.Pool
	maxCapture int64
	declineNew bool
	notifier   Notifier
	observer   OwnerObserver
	logger     pslog.Logger
	metrics    *leaseMetrics
}

// New constructs an engine over p.
func New(p *pool.Pool, opts Options) *Engine {
	logger := svcfields.WithSubsystem(opts.Logger, "server.lease.engine")
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = DefaultLeaseTimeout
	}
	e := &Engine{
		pool:       p,
		maxCapture: int64(opts.LeaseTimeout / time.Second),
		declineNew: opts.DeclineNewResources,
		notifier:   opts.Notifier,
		observer:   opts.Observer,
		logger:     logger,
	}
	e.metrics = newLeaseMetrics(logger)
	return e
}

// LeaseTimeout returns the preemption window.
func (e *Engine) LeaseTimeout() time.Duration {
	return time.Duration(e.maxCapture) * time.Second
}

// SetLeaseTimeout changes the preemption window. Sub-second precision is
// dropped because request times are whole seconds.
func (e *Engine) SetLeaseTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.maxCapture = int64(d / time.Second)
	e.logger.Info("slotd.lease.timeout.changed", "timeout", e.LeaseTimeout())
}

// DeclineNewResources reports whether new grants are currently refused.
func (e *Engine) DeclineNewResources() bool { return e.declineNew }

// SetDeclineNewResources toggles global admission of new grants.
func (e *Engine) SetDeclineNewResources(decline bool) {
	e.declineNew = decline
	e.logger.Info("slotd.lease.admission.changed", "decline", decline)
}

// Result classifies a request outcome.
type Result int

const (
	// Ignored means the request was a no-op and produced no response.
	Ignored Result = iota
	// Granted means a slot was assigned to the requester.
	Granted
	// Denied means the request was aborted at the reported slot.
	Denied
)

func (r Result) String() string {
	switch r {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "ignored"
	}
}

// Denial reasons.
const (
	ReasonAdmission = "admission"
	ReasonBusy      = "busy"
)

// Preemption records a timed-out lease taken from Owner.
type Preemption struct {
	Slot  int
	Owner string
}

// Outcome describes what a request changed. Slot numbers are one-based.
type Outcome struct {
	Result    Result
	Slot      int
	Reason    string
	Released  int
	Preempted []Preemption
}

// Request evaluates a resource request from identity, sent over conn at the
// client-supplied time at (seconds).
//
// Every requested slot is scanned in ascending order. A free or timed-out
// slot becomes the grant candidate, replacing any earlier candidate, so at
// most one slot is granted per request. The first requested slot that cannot
// be taken aborts the whole request; preemptions performed before that point
// stand. When the scan completes, any slot identity already held is released
// before the candidate is granted.
func (e *Engine) Request(ctx context.Context, identity string, conn pool.ConnID, mask uint32, at int64) Outcome {
	if mask == 0 {
		return Outcome{Result: Ignored}
	}
	start := time.Now()
	oldIdx, newIdx := -1, -1
	var out Outcome
	for i := 0; i < e.pool.Len(); i++ {
		r := e.pool.At(i)
		if identity != "" && r.Owner() == identity {
			oldIdx = i
		}
		if !wire.Requested(mask, i) {
			continue
		}
		if e.declineNew {
			return e.deny(ctx, identity, i, ReasonAdmission, out, start)
		}
		if r.Free() {
			newIdx = i
			continue
		}
		if at-r.CaptureTime() > e.maxCapture && r.Owner() != identity {
			prev := r.Owner()
			e.respond(prev, i, wire.StatusDenied)
			r.Release()
			e.changed(i, "")
			e.metrics.recordPreempt(ctx)
			e.logger.Info("slotd.lease.preempted",
				svcfields.KeySlot, i+1,
				"previous", prev,
				svcfields.KeyIdentity, identity,
				"held", at-r.CaptureTime())
			out.Preempted = append(out.Preempted, Preemption{Slot: i + 1, Owner: prev})
			newIdx = i
			continue
		}
		return e.deny(ctx, identity, i, ReasonBusy, out, start)
	}
	if newIdx < 0 {
		return out
	}

	if oldIdx != -1 {
		old := e.pool.At(oldIdx)
		e.respond(old.Owner(), oldIdx, wire.StatusDenied)
		old.Release()
		e.changed(oldIdx, "")
		e.metrics.recordRelease(ctx, "switch")
		out.Released = oldIdx + 1
	}

	e.pool.At(newIdx).Assign(conn, at, identity)
	e.respond(identity, newIdx, wire.StatusGranted)
	e.changed(newIdx, identity)
	e.metrics.recordRequest(ctx, Granted.String(), "", time.Since(start))
	e.logger.Info("slotd.lease.granted",
		svcfields.KeySlot, newIdx+1,
		svcfields.KeyIdentity, identity,
		"capture", at,
		"released", out.Released)

	out.Result = Granted
	out.Slot = newIdx + 1
	return out
}

func (e *Engine) deny(ctx context.Context, identity string, idx int, reason string, out Outcome, start time.Time) Outcome {
	e.respond(identity, idx, wire.StatusDenied)
	e.metrics.recordRequest(ctx, Denied.String(), reason, time.Since(start))
	e.logger.Debug("slotd.lease.denied",
		svcfields.KeySlot, idx+1,
		svcfields.KeyIdentity, identity,
		"reason", reason,
		"owner", e.pool.At(idx).Owner())
	out.Result = Denied
	out.Slot = idx + 1
	out.Reason = reason
	return out
}

// ReleaseConn frees every slot owned by conn without notifying anyone; the
// connection is already gone. It returns the freed one-based slot numbers.
func (e *Engine) ReleaseConn(ctx context.Context, conn pool.ConnID) []int {
	if conn.IsNil() {
		return nil
	}
	var freed []int
	for i := 0; i < e.pool.Len(); i++ {
		r := e.pool.At(i)
		if r.Conn() != conn {
			continue
		}
		e.logger.Info("slotd.lease.released",
			svcfields.KeySlot, i+1,
			svcfields.KeyIdentity, r.Owner(),
			"reason", "disconnect")
		r.Release()
		e.changed(i, "")
		e.metrics.recordRelease(ctx, "disconnect")
		freed = append(freed, i+1)
	}
	return freed
}

// FreeAll releases every owned slot, sending each owner a denial. It returns
// the number of slots freed.
func (e *Engine) FreeAll(ctx context.Context) int {
	n := 0
	for i := 0; i < e.pool.Len(); i++ {
		r := e.pool.At(i)
		owner := r.Owner()
		if owner == "" {
			continue
		}
		e.respond(owner, i, wire.StatusDenied)
		r.Release()
		e.changed(i, "")
		e.metrics.recordRelease(ctx, "free_all")
		n++
	}
	if n > 0 {
		e.logger.Info("slotd.lease.free_all", "freed", n)
	}
	return n
}

// Snapshot copies the pool.
func (e *Engine) Snapshot() []pool.Snapshot {
	return e.pool.Snapshot()
}

func (e *Engine) respond(identity string, idx int, status wire.Status) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(wire.Response{Username: identity, Resource: idx + 1, Status: status})
}

func (e *Engine) changed(idx int, owner string) {
	e.metrics.setOwned(int64(e.pool.Owned()))
	if e.observer != nil {
		e.observer.OwnerChanged(idx+1, owner)
	}
}
