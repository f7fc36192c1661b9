//go:build unix

/*
 * Copyright (c) 2021, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package kite

import (
	"net/netip"
	"time"

	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common/errors"
	"golang.org/x/sys/unix"
)

// The lower-level syscall APIs are used, instead of net.Dialer and
// net.Listener, since the connection core hands raw descriptors to an
// external readiness poller and switches their blocking mode on and off.
// The sequence of syscalls follows
// https://code.google.com/p/go/issues/detail?id=6966

// newStreamSocket creates an unconnected stream socket matching the address
// family of addrPort, returning the descriptor and the sockaddr to connect
// or bind to.
func newStreamSocket(addrPort netip.AddrPort) (int, unix.Sockaddr, error) {

	addr := addrPort.Addr()

	family := unix.AF_INET
	if addr.Is6() && !addr.Is4In6() {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, nil, errors.Trace(err)
	}

	var sockAddr unix.Sockaddr
	if family == unix.AF_INET {
		sa := &unix.SockaddrInet4{Port: int(addrPort.Port())}
		sa.Addr = addr.Unmap().As4()
		sockAddr = sa
	} else {
		sa := &unix.SockaddrInet6{Port: int(addrPort.Port())}
		sa.Addr = addr.As16()
		sockAddr = sa
	}

	return fd, sockAddr, nil
}

// setSocketTimeouts applies OS-level receive and send timeouts to the
// socket. These bound blocking reads, writes, and connects.
func setSocketTimeouts(fd int, timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	if err != nil {
		return errors.Trace(err)
	}
	err = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// setSocketBlocking switches the socket between blocking and non-blocking
// I/O mode.
func setSocketBlocking(fd int, blocking bool) error {
	err := unix.SetNonblock(fd, !blocking)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// socketLocalPort returns the locally bound port number of the socket,
// resolving ephemeral port assignments made by the OS.
func socketLocalPort(fd int) (int, error) {
	sockAddr, err := unix.Getsockname(fd)
	if err != nil {
		return 0, errors.Trace(err)
	}
	switch sa := sockAddr.(type) {
	case *unix.SockaddrInet4:
		return sa.Port, nil
	case *unix.SockaddrInet6:
		return sa.Port, nil
	}
	return 0, errors.TraceNew("unexpected sockaddr type")
}

// pollSocket polls the socket for readability or error conditions, up to
// timeout. Returns a positive value when the socket is ready, 0 on timeout.
// EINTR is retried by the caller.
func pollSocket(fd int, timeout time.Duration) (int, error) {
	pollFds := []unix.PollFd{{
		Fd:     int32(fd),
		Events: unix.POLLIN | unix.POLLERR | unix.POLLHUP,
	}}
	n, err := unix.Poll(pollFds, int(timeout.Milliseconds()))
	if err != nil {
		return n, errors.Trace(err)
	}
	return n, nil
}

// isTransientSocketError indicates whether a syscall error is a retryable
// condition rather than a terminal failure.
func isTransientSocketError(err error) bool {
	// EWOULDBLOCK is EAGAIN on Linux but not on all platforms.
	return err == nil ||
		err == unix.EINTR ||
		err == unix.EAGAIN ||
		err == unix.EWOULDBLOCK
}
