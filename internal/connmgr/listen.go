package connmgr

import (
	"context"
	"fmt"
	"net"
)

// Listen opens a TCP listener on addr with address reuse enabled where the
// platform supports it.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connmgr: listen %s: %w", addr, err)
	}
	return ln, nil
}
