// Package client talks to a slotd server over its framed JSON protocol.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Quick start
//
// A client dials the server, authenticates once with an identity from the
// server's allow-list and then requests slots with a bitmask. Responses are
// pushed asynchronously: a grant for the requested slot, a denial, or a
// release notice when another identity preempts a timed-out lease.
//
//	ctx := context.Background()
//	cli, err := client.Dial(ctx, "127.0.0.1:1234", "alice")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	resp, err := cli.Acquire(ctx, 1)
//	if errors.Is(err, client.ErrDenied) {
//	    log.Printf("slot %d is busy", resp.Resource)
//	}
//
// Presenting an identity the server does not know gets the client's address
// banned; every later connection from that host is dropped.
package client
