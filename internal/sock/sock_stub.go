// internal/sock/sock_stub.go
//go:build !linux
// +build !linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub implementation for unsupported platforms.

package sock

import "errors"

var errUnsupported = errors.New("sock: this platform is not supported")

func StartConnect(addr Addr) (int, bool, error) { return -1, false, errUnsupported }

func ConnErr(fd int) error { return errUnsupported }

func Read(fd int, p []byte) (int, bool, error) { return 0, false, errUnsupported }

func Write(fd int, p []byte) (int, bool, error) { return 0, false, errUnsupported }

func Shutdown(fd int) error { return errUnsupported }

func Close(fd int) error { return errUnsupported }
