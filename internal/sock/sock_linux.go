// internal/sock/sock_linux.go
//go:build linux
// +build linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking socket primitives for Linux. Every descriptor produced here
// is SOCK_NONBLOCK|SOCK_CLOEXEC; would-block conditions are reported as a
// flag, never as an error, so poll-driven callers can branch without
// errno inspection.

package sock

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// StartConnect creates a non-blocking socket for addr and begins the
// connect. inProgress reports that the attempt continues asynchronously:
// the caller must wait for writability and then check ConnErr. The fd is
// valid in every non-error return and must be closed by the caller.
func StartConnect(addr Addr) (fd int, inProgress bool, err error) {
	fd, sa, err := socketFor(addr)
	if err != nil {
		return -1, false, err
	}
	switch err := unix.Connect(fd, sa); err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS:
		return fd, true, nil
	case unix.EINTR:
		// Connect proceeds in the background after EINTR.
		return fd, true, nil
	default:
		_ = unix.Close(fd)
		return -1, false, fmt.Errorf("connect %s: %w", addr, err)
	}
}

func socketFor(addr Addr) (int, unix.Sockaddr, error) {
	if addr.Unix() {
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, nil, fmt.Errorf("socket create: %w", err)
		}
		return fd, &unix.SockaddrUnix{Name: addr.Path}, nil
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
		if err != nil {
			return -1, nil, fmt.Errorf("socket create: %w", err)
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return fd, sa, nil
	}
	if ip16 := addr.IP.To16(); ip16 != nil {
		fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
		if err != nil {
			return -1, nil, fmt.Errorf("socket create: %w", err)
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip16)
		return fd, sa, nil
	}
	return -1, nil, fmt.Errorf("unusable IP address %v", addr.IP)
}

// ConnErr fetches the outcome of an asynchronous connect via SO_ERROR.
func ConnErr(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if v != 0 {
		return fmt.Errorf("connect: %w", unix.Errno(v))
	}
	return nil
}

// Read reads once into p. wouldBlock means no data was available; a
// closed peer surfaces io.EOF.
func Read(fd int, p []byte) (n int, wouldBlock bool, err error) {
	for {
		n, err := unix.Read(fd, p)
		if err == nil {
			if n == 0 {
				return 0, false, io.EOF
			}
			return n, false, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, true, nil
		default:
			return 0, false, fmt.Errorf("read: %w", err)
		}
	}
}

// Write writes once from p. wouldBlock means the kernel buffer is full.
func Write(fd int, p []byte) (n int, wouldBlock bool, err error) {
	for {
		n, err := unix.Write(fd, p)
		if err == nil {
			return n, false, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, true, nil
		default:
			return 0, false, fmt.Errorf("write: %w", err)
		}
	}
}

// Shutdown disables reads and writes on the descriptor without releasing
// it. A descriptor registered with a level-triggered poller reports
// readable immediately afterwards, which unparks any readiness wait.
func Shutdown(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_RDWR)
}

// Close closes the descriptor.
func Close(fd int) error {
	return unix.Close(fd)
}
