package arbiter

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/rs/xid"

	"pkt.systems/slotd/internal/pool"
	"pkt.systems/slotd/internal/wire"
)

type recorder struct {
	responses []wire.Response
	changes   []string
}

func (r *recorder) Notify(resp wire.Response) { r.responses = append(r.responses, resp) }

func (r *recorder) OwnerChanged(slot int, owner string) {
	r.changes = append(r.changes, string(rune('0'+slot))+":"+owner)
}

func (r *recorder) reset() {
	r.responses = nil
	r.changes = nil
}

func newTestEngine(t *testing.T, timeout time.Duration) (*Engine, *pool.Pool, *recorder) {
	t.Helper()
	p := pool.New()
	rec := &recorder{}
	e := New(p, Options{LeaseTimeout: timeout, Notifier: rec, Observer: rec})
	return e, p, rec
}

func denied(user string, slot int) wire.Response {
	return wire.Response{Username: user, Resource: slot, Status: wire.StatusDenied}
}

func granted(user string, slot int) wire.Response {
	return wire.Response{Username: user, Resource: slot, Status: wire.StatusGranted}
}

func TestRequestGrantsFreeSlot(t *testing.T) {
	e, p, rec := newTestEngine(t, time.Hour)
	alice := xid.New()
	out := e.Request(context.Background(), "alice", alice, wire.MaskFor(1), 0)
	if out.Result != Granted || out.Slot != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := p.At(0); got.Owner() != "alice" || got.Conn() != alice || got.CaptureTime() != 0 {
		t.Fatalf("slot not assigned: owner=%q conn=%v capture=%d", got.Owner(), got.Conn(), got.CaptureTime())
	}
	if !reflect.DeepEqual(rec.responses, []wire.Response{granted("alice", 1)}) {
		t.Fatalf("responses = %+v", rec.responses)
	}
	if !reflect.DeepEqual(rec.changes, []string{"1:alice"}) {
		t.Fatalf("changes = %v", rec.changes)
	}
}

func TestRequestPreemptsAfterTimeout(t *testing.T) {
	ctx := context.Background()
	e, p, rec := newTestEngine(t, time.Hour)
	alice, bob := xid.New(), xid.New()
	mask := wire.MaskFor(1)

	e.Request(ctx, "alice", alice, mask, 0)
	rec.reset()

	out := e.Request(ctx, "bob", bob, mask, 100)
	if out.Result != Denied || out.Slot != 1 || out.Reason != ReasonBusy {
		t.Fatalf("expected busy denial, got %+v", out)
	}
	if !reflect.DeepEqual(rec.responses, []wire.Response{denied("bob", 1)}) {
		t.Fatalf("responses = %+v", rec.responses)
	}
	if p.At(0).Owner() != "alice" {
		t.Fatalf("alice lost slot early")
	}
	rec.reset()

	out = e.Request(ctx, "bob", bob, mask, 3700)
	if out.Result != Granted || out.Slot != 1 {
		t.Fatalf("expected grant, got %+v", out)
	}
	if !reflect.DeepEqual(out.Preempted, []Preemption{{Slot: 1, Owner: "alice"}}) {
		t.Fatalf("preempted = %+v", out.Preempted)
	}
	want := []wire.Response{denied("alice", 1), granted("bob", 1)}
	if !reflect.DeepEqual(rec.responses, want) {
		t.Fatalf("responses = %+v, want %+v", rec.responses, want)
	}
	if !reflect.DeepEqual(rec.changes, []string{"1:", "1:bob"}) {
		t.Fatalf("changes = %v", rec.changes)
	}
	if p.At(0).Owner() != "bob" || p.At(0).CaptureTime() != 3700 {
		t.Fatalf("slot not reassigned")
	}
}

func TestRequestExactTimeoutIsNotExpired(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, time.Hour)
	e.Request(ctx, "alice", xid.New(), wire.MaskFor(1), 0)
	out := e.Request(ctx, "bob", xid.New(), wire.MaskFor(1), 3600)
	if out.Result != Denied {
		t.Fatalf("lease held exactly timeout should not be preempted: %+v", out)
	}
}

func TestRequestOwnSlotIsDenied(t *testing.T) {
	ctx := context.Background()
	e, p, rec := newTestEngine(t, time.Hour)
	alice := xid.New()
	e.Request(ctx, "alice", alice, wire.MaskFor(2), 0)
	rec.reset()

	out := e.Request(ctx, "alice", alice, wire.MaskFor(2), 99999)
	if out.Result != Denied || out.Slot != 2 {
		t.Fatalf("expected denial of own slot, got %+v", out)
	}
	if !reflect.DeepEqual(rec.responses, []wire.Response{denied("alice", 2)}) {
		t.Fatalf("responses = %+v", rec.responses)
	}
	if p.At(1).Owner() != "alice" {
		t.Fatalf("own slot should remain held")
	}
}

func TestRequestLastCandidateWins(t *testing.T) {
	e, p, rec := newTestEngine(t, time.Hour)
	out := e.Request(context.Background(), "alice", xid.New(), wire.MaskFor(1, 2, 3), 5)
	if out.Result != Granted || out.Slot != 3 {
		t.Fatalf("expected slot 3, got %+v", out)
	}
	if p.Owned() != 1 {
		t.Fatalf("expected exactly one owned slot, got %d", p.Owned())
	}
	if len(rec.responses) != 1 {
		t.Fatalf("expected a single response, got %+v", rec.responses)
	}
}

func TestRequestAbortsOnFirstBusySlot(t *testing.T) {
	ctx := context.Background()
	e, p, rec := newTestEngine(t, time.Hour)
	alice, bob := xid.New(), xid.New()
	e.Request(ctx, "bob", bob, wire.MaskFor(3), 0)
	e.Request(ctx, "alice", alice, wire.MaskFor(4), 0)
	rec.reset()

	out := e.Request(ctx, "alice", alice, wire.MaskFor(1, 3), 10)
	if out.Result != Denied || out.Slot != 3 {
		t.Fatalf("expected denial at slot 3, got %+v", out)
	}
	if !p.At(0).Free() {
		t.Fatalf("slot 1 must not be granted after abort")
	}
	if p.At(3).Owner() != "alice" {
		t.Fatalf("alice's existing lease must survive an aborted request")
	}
	if !reflect.DeepEqual(rec.responses, []wire.Response{denied("alice", 3)}) {
		t.Fatalf("responses = %+v", rec.responses)
	}
}

func TestRequestPreemptionStandsWhenLaterSlotAborts(t *testing.T) {
	ctx := context.Background()
	e, p, rec := newTestEngine(t, time.Hour)
	e.Request(ctx, "alice", xid.New(), wire.MaskFor(1), 0)
	e.Request(ctx, "bob", xid.New(), wire.MaskFor(2), 5000)
	rec.reset()

	out := e.Request(ctx, "carol", xid.New(), wire.MaskFor(1, 2), 5000)
	if out.Result != Denied || out.Slot != 2 {
		t.Fatalf("expected denial at slot 2, got %+v", out)
	}
	if !p.At(0).Free() {
		t.Fatalf("preempted slot 1 should be left free")
	}
	want := []wire.Response{denied("alice", 1), denied("carol", 2)}
	if !reflect.DeepEqual(rec.responses, want) {
		t.Fatalf("responses = %+v, want %+v", rec.responses, want)
	}
}

func TestRequestReleasesPreviousLeaseBeforeGrant(t *testing.T) {
	ctx := context.Background()
	e, p, rec := newTestEngine(t, time.Hour)
	alice := xid.New()
	e.Request(ctx, "alice", alice, wire.MaskFor(4), 0)
	rec.reset()

	out := e.Request(ctx, "alice", alice, wire.MaskFor(2), 1)
	if out.Result != Granted || out.Slot != 2 || out.Released != 4 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	want := []wire.Response{denied("alice", 4), granted("alice", 2)}
	if !reflect.DeepEqual(rec.responses, want) {
		t.Fatalf("responses = %+v, want %+v", rec.responses, want)
	}
	if !reflect.DeepEqual(rec.changes, []string{"4:", "2:alice"}) {
		t.Fatalf("changes = %v", rec.changes)
	}
	if !p.At(3).Free() || p.Owned() != 1 {
		t.Fatalf("old lease not released")
	}
}

func TestRequestZeroMaskIsIgnored(t *testing.T) {
	e, p, rec := newTestEngine(t, time.Hour)
	out := e.Request(context.Background(), "alice", xid.New(), 0, 0)
	if out.Result != Ignored {
		t.Fatalf("expected ignored, got %+v", out)
	}
	if len(rec.responses) != 0 || p.Owned() != 0 {
		t.Fatalf("zero mask must not change anything")
	}
}

func TestDeclineNewResourcesDeniesFirstRequestedSlot(t *testing.T) {
	ctx := context.Background()
	e, p, rec := newTestEngine(t, time.Hour)
	e.SetDeclineNewResources(true)
	out := e.Request(ctx, "alice", xid.New(), wire.MaskFor(2, 3), 0)
	if out.Result != Denied || out.Slot != 2 || out.Reason != ReasonAdmission {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if p.Owned() != 0 {
		t.Fatalf("nothing should be granted while declining")
	}
	if !reflect.DeepEqual(rec.responses, []wire.Response{denied("alice", 2)}) {
		t.Fatalf("responses = %+v", rec.responses)
	}

	e.SetDeclineNewResources(false)
	if out := e.Request(ctx, "alice", xid.New(), wire.MaskFor(2), 0); out.Result != Granted {
		t.Fatalf("expected grant after re-enabling admission, got %+v", out)
	}
}

func TestReleaseConnFreesOnlyThatConnection(t *testing.T) {
	ctx := context.Background()
	e, p, rec := newTestEngine(t, time.Hour)
	alice, bob := xid.New(), xid.New()
	e.Request(ctx, "alice", alice, wire.MaskFor(1), 0)
	e.Request(ctx, "bob", bob, wire.MaskFor(2), 0)
	rec.reset()

	freed := e.ReleaseConn(ctx, alice)
	if !reflect.DeepEqual(freed, []int{1}) {
		t.Fatalf("freed = %v", freed)
	}
	if len(rec.responses) != 0 {
		t.Fatalf("disconnect cleanup must not send responses: %+v", rec.responses)
	}
	if !reflect.DeepEqual(rec.changes, []string{"1:"}) {
		t.Fatalf("changes = %v", rec.changes)
	}
	if p.At(1).Owner() != "bob" {
		t.Fatalf("bob's lease should be untouched")
	}
	if freed := e.ReleaseConn(ctx, xid.NilID()); freed != nil {
		t.Fatalf("nil conn should free nothing, got %v", freed)
	}
}

func TestFreeAllDeniesEveryOwner(t *testing.T) {
	ctx := context.Background()
	e, p, rec := newTestEngine(t, time.Hour)
	e.Request(ctx, "alice", xid.New(), wire.MaskFor(1), 0)
	e.Request(ctx, "bob", xid.New(), wire.MaskFor(3), 0)
	rec.reset()

	if n := e.FreeAll(ctx); n != 2 {
		t.Fatalf("FreeAll = %d, want 2", n)
	}
	want := []wire.Response{denied("alice", 1), denied("bob", 3)}
	if !reflect.DeepEqual(rec.responses, want) {
		t.Fatalf("responses = %+v, want %+v", rec.responses, want)
	}
	if p.Owned() != 0 {
		t.Fatalf("pool should be empty")
	}
	if n := e.FreeAll(ctx); n != 0 {
		t.Fatalf("second FreeAll = %d, want 0", n)
	}
}

func TestLeaseTimeoutAccessors(t *testing.T) {
	e, _, _ := newTestEngine(t, 0)
	if e.LeaseTimeout() != DefaultLeaseTimeout {
		t.Fatalf("default timeout = %v", e.LeaseTimeout())
	}
	e.SetLeaseTimeout(90*time.Second + 500*time.Millisecond)
	if e.LeaseTimeout() != 90*time.Second {
		t.Fatalf("timeout = %v", e.LeaseTimeout())
	}
}

func TestExclusivityUnderRandomRequests(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestEngine(t, 30*time.Second)
	users := []string{"a", "b", "c", "d", "e", "f"}
	conns := make(map[string]pool.ConnID, len(users))
	for _, u := range users {
		conns[u] = xid.New()
	}
	seed := uint32(7)
	next := func() uint32 {
		seed = seed*1664525 + 1013904223
		return seed
	}
	for step := int64(0); step < 2000; step++ {
		u := users[next()%uint32(len(users))]
		mask := next() & 0x01010101
		e.Request(ctx, u, conns[u], mask, step)

		seen := map[string]bool{}
		for i := 0; i < p.Len(); i++ {
			r := p.At(i)
			if r.Free() {
				if r.Owner() != "" || r.CaptureTime() != 0 {
					t.Fatalf("step %d: free slot %d carries state", step, i+1)
				}
				continue
			}
			if seen[r.Owner()] {
				t.Fatalf("step %d: %s owns more than one slot", step, r.Owner())
			}
			seen[r.Owner()] = true
			if r.Conn() != conns[r.Owner()] {
				t.Fatalf("step %d: slot %d conn mismatch", step, i+1)
			}
		}
	}
}
