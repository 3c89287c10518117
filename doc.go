// Package slotd exposes the Go APIs behind a small network service that
// arbitrates exclusive leases on a fixed pool of four slots. Clients connect
// over TCP, authenticate with an identity from the server's allow-list and
// request slots with a bitmask; the server answers with grants, denials and
// release notices using 4-byte length-prefixed JSON frames.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a server
//
//	cfg := slotd.Config{
//	    Listen:       ":1234",
//	    Users:        []string{"alice", "bob"},
//	    LeaseTimeout: 2 * time.Hour,
//	}
//	srv, err := slotd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("slotd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("slotd shutdown: %v", err)
//	    }
//	}()
//
// A slot held longer than the lease timeout may be taken by another identity;
// the previous owner receives a status 0 notice for that slot. Each identity
// holds at most one slot at a time, so a granted request releases the slot
// the identity held before.
//
// Presenting an identity that is not on the allow-list bans the peer's host
// for the lifetime of the process.
//
// # Shutdown
//
// Shutdown stops accepting connections, releases every lease (owners are
// notified), writes the current lease timeout back to Config.SettingsPath and
// then closes all connections after their queued responses are flushed.
//
// # Admin and telemetry
//
// Config.AdminListen exposes a small JSON API (see package api and
// client.Admin) for status, pausing accepts, toggling admission, changing the
// lease timeout and freeing all leases. Config.MetricsListen serves
// Prometheus metrics and Config.OTLPEndpoint exports one span per dispatched
// request.
package slotd
