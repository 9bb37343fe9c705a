// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build linux || darwin || freebsd

package binding

import (
	"net"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketControl returns a control function that lets several sockets share
// the protocol port and, on Linux, binds the socket to ifi.
func socketControl(ifi *net.Interface) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
				return
			}
			if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); serr != nil {
				return
			}
			if ifi != nil && runtime.GOOS == "linux" {
				serr = bindToDevice(int(fd), ifi.Name)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
