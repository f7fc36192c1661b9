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

/*

Package kite implements the connection core of a kite tunnel client: a
single Conn type that wraps one stream socket, plaintext or TLS, owns its
read/write buffers, and exposes a uniform read/write/flush surface to an
external, non-blocking readiness loop.

Conn performs no internal scheduling. Read, Write, and Flush (non-blocking
mode) never sleep; they classify each outcome as progress, transient, peer
close, or terminal failure, and record the classification in the Conn's
status bits for the host's poll loop to consult. The one deliberate
exception is the blocking flush mode used for shutdown and forced
synchronous writes.

Conns are pooled and reused; Reset is a first-class operation that returns
a Conn to its initial state, closing any socket and TLS session it owns.

All Conn operations must be invoked from a single goroutine. There is no
internal locking because there is no internal concurrency.

*/
package kite

import (
	std_errors "errors"
	"net/netip"
	"time"

	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common"
	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrConnectFailed indicates a transport establishment failure. The
	// Conn is left inert, with no socket.
	ErrConnectFailed = std_errors.New("connect failed")

	// ErrListenFailed indicates a failure to create a listening socket.
	ErrListenFailed = std_errors.New("listen failed")

	// ErrTLSSetupFailed indicates a TLS session could not be constructed or
	// configured. The Conn remains usable as plaintext.
	ErrTLSSetupFailed = std_errors.New("TLS setup failed")

	// ErrBadState indicates a caller protocol violation, such as flushing a
	// torn-down connection. It signals a bug in the surrounding code, not a
	// network condition.
	ErrBadState = std_errors.New("connection in bad state")

	// ErrRetryExhausted indicates an internal retry loop hit its iteration
	// cap without resolving. Not expected in correct operation.
	ErrRetryExhausted = std_errors.New("retry limit exceeded")
)

// Status is a set of independent connection state flags. Multiple flags
// hold simultaneously.
type Status uint32

const (
	// StatusAllocated marks a Conn that is in use.
	StatusAllocated Status = 1 << iota

	// StatusChanging guards a multi-step transition. Connect, Listen, and
	// AdoptSocket hold it for their duration and clear it on return; Reset
	// warns when invoked mid-transition without this flag in the new
	// status.
	StatusChanging

	// StatusListening marks a passive socket.
	StatusListening

	// StatusWantRead and StatusWantWrite are transport-level readiness
	// hints, set chiefly by the TLS layer: the last operation cannot make
	// progress until the socket is readable or writable, respectively.
	StatusWantRead
	StatusWantWrite

	// StatusBroken marks an unrecoverable failure. No further I/O is
	// attempted until the Conn is Reset.
	StatusBroken

	// StatusCloseRead and StatusCloseWrite record observed half-closes.
	// Unlike StatusBroken, the opposite direction may remain viable.
	StatusCloseRead
	StatusCloseWrite
)

// resettableStatusMask selects the flags replaced wholesale by Reset.
const resettableStatusMask = StatusAllocated |
	StatusChanging |
	StatusListening |
	StatusWantRead |
	StatusWantWrite |
	StatusBroken |
	StatusCloseRead |
	StatusCloseWrite

// Has indicates whether all flags in status are set.
func (s Status) Has(status Status) bool {
	return s&status == status
}

// Phase identifies the Conn's security state.
type Phase int

const (
	PhaseClearData Phase = iota
	PhaseTLSHandshake
	PhaseTLSData
)

// connState is the tagged union over the Conn's security phases. A TLS
// session exists if and only if the state is tlsHandshake or tlsData.
type connState interface {
	phase() Phase
}

type clearData struct{}

func (clearData) phase() Phase { return PhaseClearData }

type tlsHandshake struct {
	session tlsSession
}

func (tlsHandshake) phase() Phase { return PhaseTLSHandshake }

type tlsData struct {
	session tlsSession
}

func (tlsData) phase() Phase { return PhaseTLSData }

// Conn is one pooled tunnel connection: an owned socket descriptor, its
// buffers, counters, and optional TLS session.
type Conn struct {
	config *Config
	logger common.Logger

	socketFd int
	status   Status
	state    connState

	inBuffer  *ioBuffer
	outBuffer *ioBuffer

	activity time.Time

	sendWindowKB int64
	readBytes    int64
	readKB       int64
	sentKB       int64
	wroteBytes   int64
	reportedKB   int64

	// tlsWantWrite is the pending partial-write length demanded by the TLS
	// layer: after a want-write signal, the next write attempt must be
	// resubmitted with the identical length.
	tlsWantWrite int
}

// NewConn creates an unconnected Conn in its initial state. A nil logger
// disables logging.
func NewConn(config *Config, logger common.Logger) *Conn {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Conn{
		config:       config,
		logger:       logger,
		socketFd:     -1,
		state:        clearData{},
		inBuffer:     newIOBuffer(config.InBufferSize),
		outBuffer:    newIOBuffer(config.OutBufferSize),
		activity:     time.Now(),
		sendWindowKB: config.InitialSendWindowKB,
	}
}

// Reset returns the Conn to its initial state and applies status as the new
// status flags, closing any open socket and freeing any TLS session. Reset
// is idempotent and is called before every reuse of a pooled Conn.
func (c *Conn) Reset(status Status) {

	if c.status.Has(StatusChanging) && !status.Has(StatusChanging) {
		// Unless the new status explicitly declares an ongoing change,
		// resetting mid-transition indicates a caller bug. Warn and
		// proceed.
		c.logger.WithTraceFields(common.LogFields{
			"socket_fd": c.socketFd,
		}).Error("BUG: conn reset mid-change")
	}

	c.status &^= resettableStatusMask
	c.status |= status

	c.activity = time.Now()
	c.inBuffer.Reset()
	c.outBuffer.Reset()
	c.sendWindowKB = c.config.InitialSendWindowKB
	c.readBytes = 0
	c.readKB = 0
	c.sentKB = 0
	c.wroteBytes = 0
	c.reportedKB = 0

	if c.socketFd >= 0 {
		unix.Close(c.socketFd)
	}
	c.socketFd = -1

	if session := c.session(); session != nil {
		session.close()
	}
	c.state = clearData{}
	c.tlsWantWrite = 0
}

// Connect establishes an active connection to addr, an already-resolved
// "ip:port" address. The new socket has OS-level read/write timeouts
// applied from the configured socket timeout. On success the socket
// descriptor is returned for registration with the host's poller; the
// socket is left in blocking mode. Any failure is reported as
// ErrConnectFailed and leaves the Conn with no socket.
func (c *Conn) Connect(addr string) (int, error) {

	c.Reset(StatusChanging | StatusAllocated)
	defer c.clearStatus(StatusChanging)

	addrPort, err := netip.ParseAddrPort(addr)
	if err != nil {
		return -1, errors.Tracef("%w: %v", ErrConnectFailed, err)
	}

	fd, sockAddr, err := newStreamSocket(addrPort)
	if err == nil {
		err = setSocketTimeouts(fd, c.config.socketTimeout())
	}
	if err == nil {
		err = unix.Connect(fd, sockAddr)
	}
	if err != nil {
		if fd >= 0 {
			unix.Close(fd)
		}
		return -1, errors.Tracef("%w: %v", ErrConnectFailed, err)
	}

	// TODO: support chaining through SOCKS or HTTP proxies.

	c.socketFd = fd
	return fd, nil
}

// Listen creates a socket bound to addr, an "ip:port" address, listening
// with the specified backlog. Binding port 0 requests an ephemeral port.
// Returns the bound port number, or 1 when the port cannot be determined.
// Any failure is reported as ErrListenFailed and leaves the Conn with no
// socket.
func (c *Conn) Listen(addr string, backlog int) (int, error) {

	c.Reset(StatusChanging | StatusAllocated | StatusListening)
	defer c.clearStatus(StatusChanging)

	addrPort, err := netip.ParseAddrPort(addr)
	if err != nil {
		return 0, errors.Tracef("%w: %v", ErrListenFailed, err)
	}

	fd, sockAddr, err := newStreamSocket(addrPort)
	if err == nil {
		err = unix.Bind(fd, sockAddr)
	}
	if err == nil {
		err = unix.Listen(fd, backlog)
	}
	if err != nil {
		if fd >= 0 {
			unix.Close(fd)
		}
		return 0, errors.Tracef("%w: %v", ErrListenFailed, err)
	}
	c.socketFd = fd

	port, err := socketLocalPort(fd)
	if err != nil {
		return 1, nil
	}
	return port, nil
}

// AdoptSocket attaches an already-connected socket descriptor, typically
// accepted from a listening Conn, to this Conn. The Conn takes ownership of
// the descriptor.
func (c *Conn) AdoptSocket(fd int) {
	c.Reset(StatusChanging | StatusAllocated)
	c.socketFd = fd
	c.clearStatus(StatusChanging)
}

// SetNonblocking switches the owned socket's I/O mode. The host's poll
// loop sets connections non-blocking after Connect or AdoptSocket.
func (c *Conn) SetNonblocking(nonblocking bool) error {
	if c.socketFd < 0 {
		return errors.Trace(ErrBadState)
	}
	return errors.Trace(setSocketBlocking(c.socketFd, !nonblocking))
}

// Wait polls the socket for readiness, up to timeout, for code paths that
// need a synchronous pause outside the main readiness loop. The socket is
// temporarily forced non-blocking during the poll; blocking mode is
// restored regardless of outcome. Returns a positive value when the socket
// is ready, 0 on timeout.
func (c *Conn) Wait(timeout time.Duration) (int, error) {
	if c.socketFd < 0 {
		return 0, errors.Trace(ErrBadState)
	}

	setSocketBlocking(c.socketFd, false)
	defer func() {
		err := setSocketBlocking(c.socketFd, true)
		if err != nil {
			c.logger.WithTraceFields(common.LogFields{
				"socket_fd": c.socketFd,
			}).Error("failed to restore blocking mode")
		}
	}()

	for {
		n, err := pollSocket(c.socketFd, timeout)
		if err != nil && std_errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return n, errors.Trace(err)
		}
		return n, nil
	}
}

// SocketFd returns the owned socket descriptor, or -1 when the Conn has no
// socket.
func (c *Conn) SocketFd() int {
	return c.socketFd
}

// Status returns the current status flags.
func (c *Conn) Status() Status {
	return c.status
}

// IsBroken indicates whether the Conn has observed an unrecoverable
// failure. Once set, no read or write succeeds until Reset.
func (c *Conn) IsBroken() bool {
	return c.status.Has(StatusBroken)
}

// Phase returns the Conn's security phase.
func (c *Conn) Phase() Phase {
	return c.state.phase()
}

// LastActivity returns the time of the last successful I/O.
func (c *Conn) LastActivity() time.Time {
	return c.activity
}

// SendWindowKB returns the remaining flow-control allowance in kilobytes.
func (c *Conn) SendWindowKB() int64 {
	return c.sendWindowKB
}

// AdjustSendWindow applies a delta, in kilobytes, to the flow-control
// allowance. The tunnel layer consumes the window as it forwards data and
// replenishes it on acknowledgement.
func (c *Conn) AdjustSendWindow(deltaKB int64) {
	c.sendWindowKB += deltaKB
}

// ReadKB returns the whole kilobytes read so far; the sub-kilobyte
// remainder accumulates separately and is never lost.
func (c *Conn) ReadKB() int64 {
	return c.readKB
}

// SentKB returns the whole kilobytes counted against the send window.
func (c *Conn) SentKB() int64 {
	return c.sentKB
}

// AddSentKB advances the sent-kilobyte counter. The tunnel layer calls
// this as it charges forwarded chunks against the send window.
func (c *Conn) AddSentKB(deltaKB int64) {
	c.sentKB += deltaKB
}

// ReportedKB returns the cumulative kilobyte count included in progress
// reports so far.
func (c *Conn) ReportedKB() int64 {
	return c.reportedKB
}

// InBuffered returns the valid bytes in the input buffer. The tunnel layer
// drains them with ConsumeIn.
func (c *Conn) InBuffered() []byte {
	return c.inBuffer.Bytes()
}

// ConsumeIn discards n processed bytes from the front of the input buffer.
func (c *Conn) ConsumeIn(n int) {
	c.inBuffer.Consume(n)
}

// OutBufferedLen returns the number of accepted-but-unsent bytes.
func (c *Conn) OutBufferedLen() int {
	return c.outBuffer.Len()
}

func (c *Conn) session() tlsSession {
	switch state := c.state.(type) {
	case tlsHandshake:
		return state.session
	case tlsData:
		return state.session
	}
	return nil
}

// transportBacklog returns the encrypted record bytes the TLS session has
// spooled behind the socket, or 0 without a session.
func (c *Conn) transportBacklog() int {
	if session := c.session(); session != nil {
		return session.buffered()
	}
	return 0
}

func (c *Conn) setStatus(status Status) {
	c.status |= status
}

func (c *Conn) clearStatus(status Status) {
	c.status &^= status
}

type noopLogger struct{}

func (noopLogger) WithTrace() common.LogTrace                       { return noopLogTrace{} }
func (noopLogger) WithTraceFields(common.LogFields) common.LogTrace { return noopLogTrace{} }
func (noopLogger) LogMetric(string, common.LogFields)               {}

type noopLogTrace struct{}

func (noopLogTrace) Debug(args ...interface{})   {}
func (noopLogTrace) Info(args ...interface{})    {}
func (noopLogTrace) Warning(args ...interface{}) {}
func (noopLogTrace) Error(args ...interface{})   {}
