//go:build unix

package connmgr

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func controlReuseAddr(network, address string, rc syscall.RawConn) error {
	var sockErr error
	if err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
