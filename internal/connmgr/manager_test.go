package connmgr_test

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"pkt.systems/slotd/client"
	"pkt.systems/slotd/internal/connmgr"
	"pkt.systems/slotd/internal/wire"
)

type observerLog struct {
	mu     sync.Mutex
	events []string
}

func (o *observerLog) add(ev string) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *observerLog) UserAdded(identity string)   { o.add("added:" + identity) }
func (o *observerLog) UserRemoved(identity string) { o.add("removed:" + identity) }
func (o *observerLog) OwnerChanged(slot int, owner string) {
	o.add("owner:" + string(rune('0'+slot)) + ":" + owner)
}

func (o *observerLog) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.events)
}

type harness struct {
	mgr  *connmgr.Manager
	addr string
	obs  *observerLog
}

func startManager(t *testing.T, cfg connmgr.Config) *harness {
	t.Helper()
	if cfg.AllowedIdentities == nil {
		cfg.AllowedIdentities = []string{"alice", "bob", "carol"}
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = time.Hour
	}
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	obs := &observerLog{}
	mgr := connmgr.New(cfg, connmgr.Options{Observer: obs})
	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
		if err := <-errCh; !errors.Is(err, connmgr.ErrClosed) {
			t.Errorf("serve returned %v, want ErrClosed", err)
		}
	})
	return &harness{mgr: mgr, addr: ln.Addr().String(), obs: obs}
}

func (h *harness) dial(t *testing.T, user string) *client.Client {
	t.Helper()
	cli, err := client.Dial(context.Background(), h.addr, user)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func (h *harness) waitFor(t *testing.T, what string, cond func(connmgr.Status) bool) connmgr.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := h.mgr.Status(context.Background())
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last status %+v", what, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) waitSession(t *testing.T, user string) {
	t.Helper()
	h.waitFor(t, "session "+user, func(st connmgr.Status) bool {
		_, ok := st.Sessions[user]
		return ok
	})
}

func next(t *testing.T, cli *client.Client) client.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := cli.Next(ctx)
	if err != nil {
		t.Fatalf("%s: next: %v", cli.Username(), err)
	}
	return resp
}

func expectClosed(t *testing.T, cli *client.Client) {
	t.Helper()
	select {
	case <-cli.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: expected server to close the connection", cli.Username())
	}
}

func expectSilence(t *testing.T, cli *client.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if resp, err := cli.Next(ctx); err == nil {
		t.Fatalf("%s: unexpected response %+v", cli.Username(), resp)
	}
}

func TestAcquireGrantsSlot(t *testing.T) {
	h := startManager(t, connmgr.Config{})
	alice := h.dial(t, "alice")
	resp, err := alice.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if resp.Resource != 1 || resp.Status != client.StatusGranted {
		t.Fatalf("unexpected response %+v", resp)
	}
	st := h.waitFor(t, "slot 1 owned", func(st connmgr.Status) bool { return st.Slots[0].Owner == "alice" })
	if st.Connections != 1 || len(st.Sessions) != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestTimedOutLeaseIsPreempted(t *testing.T) {
	h := startManager(t, connmgr.Config{LeaseTimeout: time.Hour})
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	mask := wire.MaskFor(1)

	if err := alice.RequestAt(mask, 0); err != nil {
		t.Fatalf("alice request: %v", err)
	}
	if resp := next(t, alice); resp.Status != client.StatusGranted || resp.Resource != 1 {
		t.Fatalf("alice: %+v", resp)
	}

	if err := bob.RequestAt(mask, 100); err != nil {
		t.Fatalf("bob request: %v", err)
	}
	if resp := next(t, bob); resp.Status != client.StatusDenied || resp.Resource != 1 {
		t.Fatalf("bob early: %+v", resp)
	}

	if err := bob.RequestAt(mask, 3700); err != nil {
		t.Fatalf("bob request: %v", err)
	}
	if resp := next(t, bob); resp.Status != client.StatusGranted || resp.Resource != 1 {
		t.Fatalf("bob late: %+v", resp)
	}
	if resp := next(t, alice); resp.Status != client.StatusDenied || resp.Resource != 1 || resp.Username != "alice" {
		t.Fatalf("alice displacement: %+v", resp)
	}
}

func TestUnknownIdentityBansAddress(t *testing.T) {
	h := startManager(t, connmgr.Config{})
	alice := h.dial(t, "alice")
	h.waitSession(t, "alice")

	eve, err := client.Dial(context.Background(), h.addr, "eve")
	if err != nil {
		t.Fatalf("dial eve: %v", err)
	}
	defer eve.Close()
	expectClosed(t, eve)

	st := h.waitFor(t, "ban", func(st connmgr.Status) bool { return len(st.Banned) == 1 })
	host, _, _ := net.SplitHostPort(h.addr)
	if st.Banned[0] != host {
		t.Fatalf("banned = %v, want %s", st.Banned, host)
	}

	// alice shares the banned host, so her next frame is rejected outright.
	if err := alice.Request(wire.MaskFor(1)); err != nil {
		t.Fatalf("alice request: %v", err)
	}
	expectClosed(t, alice)

	st = h.waitFor(t, "alice cleanup", func(st connmgr.Status) bool { return st.Connections == 0 && len(st.Sessions) == 0 })
	if st.Slots[0].Owner != "" {
		t.Fatalf("banned peer must not be granted a slot")
	}

	late, err := client.Dial(context.Background(), h.addr, "bob")
	if err == nil {
		defer late.Close()
		expectClosed(t, late)
	}
}

func TestDuplicateAuthenticationKeepsFirstConnection(t *testing.T) {
	h := startManager(t, connmgr.Config{})
	first := h.dial(t, "alice")
	h.waitSession(t, "alice")
	st, _ := h.mgr.Status(context.Background())
	bound := st.Sessions["alice"]

	second := h.dial(t, "alice")
	h.waitFor(t, "second connection", func(st connmgr.Status) bool { return st.Connections == 2 })

	if err := second.Request(wire.MaskFor(2)); err != nil {
		t.Fatalf("second request: %v", err)
	}
	expectSilence(t, second)

	st, _ = h.mgr.Status(context.Background())
	if st.Sessions["alice"] != bound {
		t.Fatalf("registration moved to %s, want %s", st.Sessions["alice"], bound)
	}
	if resp, err := first.Acquire(context.Background(), 2); err != nil || resp.Resource != 2 {
		t.Fatalf("first acquire: %+v %v", resp, err)
	}
}

func TestConnectionCapAbortsExtraConnections(t *testing.T) {
	h := startManager(t, connmgr.Config{MaxConnections: 2})
	a := h.dial(t, "alice")
	h.dial(t, "bob")
	h.waitFor(t, "two connections", func(st connmgr.Status) bool { return st.Connections == 2 })

	extra, err := client.Dial(context.Background(), h.addr, "carol")
	if err == nil {
		defer extra.Close()
		expectClosed(t, extra)
	}

	_ = a.Close()
	h.waitFor(t, "one connection", func(st connmgr.Status) bool { return st.Connections == 1 })

	carol := h.dial(t, "carol")
	if _, err := carol.Acquire(context.Background(), 3); err != nil {
		t.Fatalf("carol acquire after slot freed: %v", err)
	}
}

func TestDisconnectReleasesLeasesAndSession(t *testing.T) {
	h := startManager(t, connmgr.Config{})
	alice := h.dial(t, "alice")
	if _, err := alice.Acquire(context.Background(), 2); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_ = alice.Close()
	h.waitFor(t, "cleanup", func(st connmgr.Status) bool {
		return st.Connections == 0 && len(st.Sessions) == 0 && st.Slots[1].Owner == ""
	})
	want := []string{"added:alice", "owner:2:alice", "owner:2:", "removed:alice"}
	if got := h.obs.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("observer events = %v, want %v", got, want)
	}
}

func TestFreeAllNotifiesOwners(t *testing.T) {
	h := startManager(t, connmgr.Config{})
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	if _, err := alice.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if _, err := bob.Acquire(context.Background(), 2); err != nil {
		t.Fatalf("bob: %v", err)
	}
	n, err := h.mgr.FreeAll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("FreeAll = %d, %v", n, err)
	}
	if resp := next(t, alice); resp.Status != client.StatusDenied || resp.Resource != 1 {
		t.Fatalf("alice: %+v", resp)
	}
	if resp := next(t, bob); resp.Status != client.StatusDenied || resp.Resource != 2 {
		t.Fatalf("bob: %+v", resp)
	}
}

func TestDrainStopsGrantingAfterRelease(t *testing.T) {
	h := startManager(t, connmgr.Config{})
	alice := h.dial(t, "alice")
	if _, err := alice.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("alice: %v", err)
	}
	n, err := h.mgr.Drain(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if resp := next(t, alice); resp.Status != client.StatusDenied || resp.Resource != 1 {
		t.Fatalf("alice: %+v", resp)
	}
	if err := alice.Request(wire.MaskFor(1)); err != nil {
		t.Fatalf("re-request: %v", err)
	}
	expectSilence(t, alice)
	st, err := h.mgr.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, slot := range st.Slots {
		if slot.Owner != "" {
			t.Fatalf("slot %d granted to %q while draining", slot.Slot, slot.Owner)
		}
	}
	want := []string{"added:alice", "owner:1:alice", "owner:1:"}
	if got := h.obs.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("observer events %v, want %v", got, want)
	}
}

func TestDeclineNewResources(t *testing.T) {
	h := startManager(t, connmgr.Config{})
	if err := h.mgr.SetDeclineNewResources(context.Background(), true); err != nil {
		t.Fatalf("decline: %v", err)
	}
	alice := h.dial(t, "alice")
	resp, err := alice.Acquire(context.Background(), 3)
	if !errors.Is(err, client.ErrDenied) || resp.Resource != 3 {
		t.Fatalf("expected denial, got %+v %v", resp, err)
	}
	if err := h.mgr.SetDeclineNewResources(context.Background(), false); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := alice.Acquire(context.Background(), 3); err != nil {
		t.Fatalf("acquire after admission restored: %v", err)
	}
}

func TestPausedManagerDoesNotServeNewConnections(t *testing.T) {
	h := startManager(t, connmgr.Config{})
	h.mgr.SetAccepting(false)
	if h.mgr.Accepting() {
		t.Fatalf("expected accepting to be false")
	}
	paused, err := client.Dial(context.Background(), h.addr, "alice")
	if err == nil {
		defer paused.Close()
		if err := paused.Request(wire.MaskFor(1)); err == nil {
			expectSilence(t, paused)
		}
	}
	st, _ := h.mgr.Status(context.Background())
	if st.Connections != 0 {
		t.Fatalf("paused manager served a connection: %+v", st)
	}

	h.mgr.SetAccepting(true)
	bob := h.dial(t, "bob")
	if _, err := bob.Acquire(context.Background(), 2); err != nil {
		t.Fatalf("acquire after resume: %v", err)
	}
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	h := startManager(t, connmgr.Config{MaxFrame: 128})
	nc, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	send := func(payload []byte) {
		t.Helper()
		if err := wire.WriteFrame(nc, payload); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send([]byte("not json"))
	send(make([]byte, 512))
	send([]byte(`{"user":"alice"}`))
	send([]byte(`{"username":"alice","request":1}`))
	auth, _ := wire.EncodeAuth("alice")
	send(auth)
	req, _ := wire.EncodeResourceRequest("alice", wire.MaskFor(4), 1)
	send(req)

	_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := wire.NewReader(nc, 0).Next()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := wire.DecodeResponse(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Username != "alice" || resp.Resource != 4 || resp.Status != wire.StatusGranted {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestLeaseTimeoutValidation(t *testing.T) {
	h := startManager(t, connmgr.Config{})
	if err := h.mgr.SetLeaseTimeout(context.Background(), 0); err == nil {
		t.Fatalf("expected error for zero timeout")
	}
	if err := h.mgr.SetLeaseTimeout(context.Background(), 90*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := h.mgr.LeaseTimeout(context.Background())
	if err != nil || got != 90*time.Minute {
		t.Fatalf("LeaseTimeout = %v, %v", got, err)
	}
}
