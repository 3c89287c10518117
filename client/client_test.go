package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/slotd"
	"pkt.systems/slotd/client"
	"pkt.systems/slotd/internal/clock"
	"pkt.systems/slotd/internal/wire"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dial(t *testing.T, ts *slotd.TestServer, username string) *client.Client {
	t.Helper()
	cl, err := client.Dial(testContext(t), ts.Addr().String(), username)
	if err != nil {
		t.Fatalf("dial %s: %v", username, err)
	}
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func TestDialRequiresUsername(t *testing.T) {
	if _, err := client.Dial(context.Background(), "127.0.0.1:1", ""); err == nil {
		t.Fatal("expected empty username to fail")
	}
}

func TestAcquireGrantsLastRequestedFreeSlot(t *testing.T) {
	ts := slotd.StartTestServer(t)
	alice := dial(t, ts, "alice")
	if alice.Username() != "alice" {
		t.Fatalf("username = %q", alice.Username())
	}
	resp, err := alice.Acquire(testContext(t), 1, 2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if resp.Resource != 2 || resp.Status != client.StatusGranted {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAcquireReportsDenial(t *testing.T) {
	ts := slotd.StartTestServer(t)
	ctx := testContext(t)
	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	if _, err := alice.Acquire(ctx, 1); err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	resp, err := bob.Acquire(ctx, 1)
	if !errors.Is(err, client.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if resp.Resource != 1 || resp.Status != client.StatusDenied || resp.Username != "bob" {
		t.Fatalf("unexpected denial %+v", resp)
	}
}

func TestAcquireSkipsReleaseOfPreviousSlot(t *testing.T) {
	ts := slotd.StartTestServer(t)
	ctx := testContext(t)
	carol := dial(t, ts, "carol")
	if _, err := carol.Acquire(ctx, 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	resp, err := carol.Acquire(ctx, 4)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if resp.Resource != 4 || resp.Status != client.StatusGranted {
		t.Fatalf("unexpected response %+v", resp)
	}
	if owner, _ := ts.Server.ResourceOwner(ctx, 1); owner != "" {
		t.Fatalf("slot 1 still owned by %q", owner)
	}
}

func TestRequestAtCarriesTimestamp(t *testing.T) {
	ts := slotd.StartTestServer(t, slotd.WithTestConfigFunc(func(cfg *slotd.Config) {
		cfg.LeaseTimeout = time.Minute
	}))
	ctx := testContext(t)
	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	if err := alice.RequestAt(wire.MaskFor(3), 1000); err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp, err := alice.Next(ctx); err != nil || resp.Status != client.StatusGranted {
		t.Fatalf("alice = %+v, %v", resp, err)
	}
	if err := bob.RequestAt(wire.MaskFor(3), 1061); err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp, err := bob.Next(ctx); err != nil || resp.Status != client.StatusGranted || resp.Resource != 3 {
		t.Fatalf("bob = %+v, %v", resp, err)
	}
	select {
	case resp := <-alice.Responses():
		if resp.Resource != 3 || resp.Status != client.StatusDenied {
			t.Fatalf("unexpected displacement %+v", resp)
		}
	case <-ctx.Done():
		t.Fatal("alice was not told about the preemption")
	}
}

func TestAcquireDiscardsNoticesBufferedBeforeRequest(t *testing.T) {
	ts := slotd.StartTestServer(t, slotd.WithTestConfigFunc(func(cfg *slotd.Config) {
		cfg.LeaseTimeout = time.Hour
	}))
	ctx := testContext(t)
	// 02:30:00 is 9000 seconds into the day.
	clk := clock.NewManual(time.Date(2025, 1, 1, 2, 30, 0, 0, time.Local))
	alice, err := client.Dial(ctx, ts.Addr().String(), "alice", client.WithClock(clk))
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	t.Cleanup(func() { _ = alice.Close() })
	bob := dial(t, ts, "bob")

	if err := alice.RequestAt(wire.MaskFor(1), 1000); err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp, err := alice.Next(ctx); err != nil || resp.Status != client.StatusGranted {
		t.Fatalf("alice = %+v, %v", resp, err)
	}
	if err := bob.RequestAt(wire.MaskFor(1), 4601); err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp, err := bob.Next(ctx); err != nil || resp.Status != client.StatusGranted {
		t.Fatalf("bob = %+v, %v", resp, err)
	}
	for len(alice.Responses()) == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("alice was not told about the preemption")
		case <-time.After(5 * time.Millisecond):
		}
	}

	resp, err := alice.Acquire(ctx, 1)
	if err != nil {
		t.Fatalf("expected alice to win slot 1 back, got %+v, %v", resp, err)
	}
	if resp.Resource != 1 || resp.Status != client.StatusGranted {
		t.Fatalf("unexpected verdict %+v", resp)
	}
	if resp, err := bob.Next(ctx); err != nil || resp.Resource != 1 || resp.Status != client.StatusDenied {
		t.Fatalf("bob displacement = %+v, %v", resp, err)
	}
}

func TestAcquireWithoutSlotsFails(t *testing.T) {
	ts := slotd.StartTestServer(t)
	alice := dial(t, ts, "alice")
	if _, err := alice.Acquire(testContext(t)); err == nil {
		t.Fatal("expected error without slots")
	}
}

func TestCloseEndsStream(t *testing.T) {
	ts := slotd.StartTestServer(t)
	ctx := testContext(t)
	alice := dial(t, ts, "alice")
	if err := alice.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-alice.Done():
	case <-ctx.Done():
		t.Fatal("done not closed")
	}
	if _, err := alice.Next(ctx); !errors.Is(err, client.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := alice.Request(wire.MaskFor(1)); err == nil {
		t.Fatal("expected request after close to fail")
	}
}

func TestUnknownIdentityIsDisconnected(t *testing.T) {
	ts := slotd.StartTestServer(t)
	ctx := testContext(t)
	mallory := dial(t, ts, "mallory")
	select {
	case <-mallory.Done():
	case <-ctx.Done():
		t.Fatal("server kept the connection open")
	}
	if _, err := mallory.Next(ctx); !errors.Is(err, client.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAdminSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/lease-timeout" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_lease_timeout","detail":"value must be at least 1s"}`))
	}))
	defer srv.Close()

	admin, err := client.NewAdmin(srv.URL, client.WithAdminTimeout(time.Second))
	if err != nil {
		t.Fatalf("new admin: %v", err)
	}
	err = admin.SetLeaseTimeout(testContext(t), time.Millisecond)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Response.ErrorCode != "invalid_lease_timeout" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if _, err := admin.Status(testContext(t)); !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestNewAdminValidatesBaseURL(t *testing.T) {
	if _, err := client.NewAdmin("  "); err == nil {
		t.Fatal("expected empty base url to fail")
	}
	if _, err := client.NewAdmin("127.0.0.1:1235"); err != nil {
		t.Fatalf("bare host:port: %v", err)
	}
}
