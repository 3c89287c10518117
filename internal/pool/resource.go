// Package pool holds the fixed set of lease slots arbitrated by slotd.
//
// A Resource is a plain value holder. It performs no validation of its own;
// the arbitration engine is responsible for keeping each slot either fully
// free or fully owned.
package pool

import "github.com/rs/xid"

// Size is the number of slots in the pool. The request bitmask carries one
// byte per slot, so a 32-bit mask addresses exactly four slots.
const Size = 4

// ConnID is a non-owning handle to a live connection. The zero value means
// no connection.
type ConnID = xid.ID

// Resource is a single lease slot.
type Resource struct {
	owner   string
	conn    ConnID
	capture int64
}

// Assign overwrites the slot with a new owner.
func (r *Resource) Assign(conn ConnID, capture int64, owner string) {
	r.conn = conn
	r.capture = capture
	r.owner = owner
}

// Release resets the slot to the free state.
func (r *Resource) Release() {
	*r = Resource{}
}

// Owner returns the identity holding the slot, or "" when free.
func (r *Resource) Owner() string { return r.owner }

// Conn returns the handle of the owning connection.
func (r *Resource) Conn() ConnID { return r.conn }

// CaptureTime returns the request time at which the lease was granted.
func (r *Resource) CaptureTime() int64 { return r.capture }

// Free reports whether the slot has no owning connection.
func (r *Resource) Free() bool { return r.conn.IsNil() }

// Snapshot is a read-only copy of a slot for observers.
type Snapshot struct {
	Slot        int    `json:"slot"`
	Owner       string `json:"owner,omitempty"`
	Conn        string `json:"conn,omitempty"`
	CaptureTime int64  `json:"capture_time"`
}

// Pool is the fixed array of slots. Slots are addressed by zero-based index
// internally and by one-based number on the wire.
type Pool struct {
	slots [Size]Resource
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{}
}

// Len returns the number of slots.
func (p *Pool) Len() int { return len(p.slots) }

// At returns the slot at zero-based index i.
func (p *Pool) At(i int) *Resource { return &p.slots[i] }

// Owned returns the number of slots that currently have an owner.
func (p *Pool) Owned() int {
	n := 0
	for i := range p.slots {
		if !p.slots[i].Free() {
			n++
		}
	}
	return n
}

// Snapshot copies every slot.
func (p *Pool) Snapshot() []Snapshot {
	out := make([]Snapshot, len(p.slots))
	for i := range p.slots {
		r := &p.slots[i]
		out[i] = Snapshot{Slot: i + 1, Owner: r.owner, CaptureTime: r.capture}
		if !r.conn.IsNil() {
			out[i].Conn = r.conn.String()
		}
	}
	return out
}
