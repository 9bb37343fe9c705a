// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build darwin || freebsd

package binding

// Sockets cannot be bound to a device; the reader filters by interface
// index instead.
func bindToDevice(int, string) error { return nil }
