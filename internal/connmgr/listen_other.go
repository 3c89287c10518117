//go:build !unix

package connmgr

import "syscall"

func controlReuseAddr(string, string, syscall.RawConn) error { return nil }
