// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build !(linux || darwin || freebsd)

package binding

import (
	"net"
	"syscall"
)

// On other platforms only one interface at a time can use the port.
func socketControl(*net.Interface) func(string, string, syscall.RawConn) error { return nil }
