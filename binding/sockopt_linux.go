// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package binding

import "golang.org/x/sys/unix"

func bindToDevice(fd int, name string) error { return unix.BindToDevice(fd, name) }
