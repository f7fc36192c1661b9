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
	std_errors "errors"
	"io"
	"time"

	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common"
	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common/errors"
	"golang.org/x/sys/unix"
)

// flushIterationLimit caps the flush retry loop. Hitting the cap means the
// transport made no lasting progress across many attempts; treating that as
// a failure beats looping forever on a wedged socket.
const flushIterationLimit = 1000

// Read pulls available data from the socket into the input buffer,
// decrypting when a TLS session is established, and returns the number of
// buffered bytes added. A zero return with no error is a transient
// condition: no data right now, or the read opportunity was consumed
// driving an in-progress TLS handshake one step forward.
//
// Peer close is recorded as StatusCloseRead, not an error; terminal
// failures set StatusBroken.
func (c *Conn) Read() (int, error) {

	if c.socketFd < 0 || c.IsBroken() {
		return 0, errors.Trace(ErrBadState)
	}

	switch state := c.state.(type) {
	case tlsHandshake:
		c.doHandshake()
		if c.IsBroken() {
			return 0, errors.TraceNew("TLS handshake failed")
		}
		return 0, nil
	case tlsData:
		return c.readTLS(state.session)
	}
	return c.readClear()
}

func (c *Conn) readClear() (int, error) {

	target := c.inBuffer.FreeBytes()
	if len(target) == 0 {
		return 0, nil
	}

	n, err := unix.Read(c.socketFd, target)
	if n > 0 {
		c.inBuffer.Extend(n)
		c.accountRead(n)
		c.logData("read", n)
		return n, nil
	}
	if err == nil {
		c.setStatus(StatusCloseRead)
		return 0, nil
	}
	if isTransientSocketError(err) {
		return 0, nil
	}
	c.setStatus(StatusBroken)
	return 0, errors.Trace(err)
}

func (c *Conn) readTLS(session tlsSession) (int, error) {

	c.clearStatus(StatusWantRead | StatusWantWrite)

	read := 0
	for {
		target := c.inBuffer.FreeBytes()
		if len(target) == 0 {
			break
		}

		n, err := session.read(target)
		if n > 0 {
			c.inBuffer.Extend(n)
			c.accountRead(n)
			read += n
			continue
		}
		if err == nil {
			break
		}
		if err == io.EOF {
			c.setStatus(StatusCloseRead)
			break
		}
		if std_errors.Is(err, errTLSWantRead) {
			c.setStatus(StatusWantRead)
			break
		}
		if std_errors.Is(err, errTLSWantWrite) {
			c.setStatus(StatusWantWrite)
			break
		}
		c.setStatus(StatusBroken)
		return read, errors.Trace(err)
	}

	if read > 0 {
		c.logData("read", read)
	}
	return read, nil
}

// Pending returns the number of bytes the TLS layer has already decrypted
// but not yet delivered into the input buffer. A positive value means
// another Read will make progress without waiting on the socket.
func (c *Conn) Pending() int {
	if _, ok := c.state.(tlsData); ok {
		return c.session().pending()
	}
	return 0
}

// RawWrite submits p directly to the transport without buffering, and
// returns the number of bytes accepted. A short count is not an error: the
// remainder would have blocked, and the caller buffers it. A zero-length
// RawWrite is a pure write opportunity, used by the poll loop to advance an
// in-progress handshake or drain TLS record backlog when the socket turns
// writable.
func (c *Conn) RawWrite(p []byte) (int, error) {

	if c.socketFd < 0 || c.IsBroken() {
		return 0, errors.Trace(ErrBadState)
	}

	switch state := c.state.(type) {
	case tlsHandshake:
		c.doHandshake()
		if c.IsBroken() {
			return 0, errors.TraceNew("TLS handshake failed")
		}
		return 0, nil
	case tlsData:
		return c.rawWriteTLS(state.session, p)
	}
	return c.rawWriteClear(p)
}

func (c *Conn) rawWriteClear(p []byte) (int, error) {

	written := 0
	for written < len(p) {
		n, err := unix.Write(c.socketFd, p[written:])
		if n > 0 {
			written += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if written > 0 {
			c.accountWrite(written)
		}
		c.setStatus(StatusCloseWrite)
		return written, errors.Trace(err)
	}

	if written > 0 {
		c.accountWrite(written)
		c.logData("write", written)
	}
	return written, nil
}

func (c *Conn) rawWriteTLS(session tlsSession, p []byte) (int, error) {

	c.clearStatus(StatusWantRead | StatusWantWrite)

	if len(p) == 0 {
		err := session.flushTransport()
		if std_errors.Is(err, errTLSWantWrite) {
			c.setStatus(StatusWantWrite)
			return 0, nil
		}
		if err != nil {
			c.setStatus(StatusBroken)
			return 0, errors.Trace(err)
		}
		return 0, nil
	}

	// One record's plaintext at most per submission: the whole-record
	// transport accepts everything it is handed, so an uncapped submission
	// would spool arbitrarily many encrypted records behind a full socket.
	attempt := p
	if len(attempt) > maxTLSPlaintextLen {
		attempt = attempt[:maxTLSPlaintextLen]
	}
	if c.tlsWantWrite > 0 {
		// The TLS layer demands the rejected submission be retried with
		// the identical length.
		if len(p) < c.tlsWantWrite {
			return 0, errors.Tracef(
				"%w: short resubmission after want-write", ErrBadState)
		}
		attempt = p[:c.tlsWantWrite]
	}

	n, err := session.write(attempt)
	switch {
	case err == nil:
		c.tlsWantWrite = 0
		c.accountWrite(n)
		c.logData("write", n)
		// Encrypted records the socket would not take remain spooled in
		// the session; surface that as a want-write hint so the poll loop
		// retries with a zero-length RawWrite on writability.
		if std_errors.Is(session.flushTransport(), errTLSWantWrite) {
			c.setStatus(StatusWantWrite)
		}
		return n, nil
	case std_errors.Is(err, errTLSWantWrite):
		c.tlsWantWrite = len(attempt)
		c.setStatus(StatusWantWrite)
		return 0, nil
	case std_errors.Is(err, errTLSWantRead):
		c.setStatus(StatusWantRead)
		return 0, nil
	default:
		c.setStatus(StatusBroken)
		return 0, errors.Trace(err)
	}
}

// Write accepts all of p: it drains previously buffered output first, then
// attempts a zero-copy direct write, buffers whatever the transport would
// not take, and falls back to synchronous blocking flushes when the input
// exceeds the remaining buffer space. On success the returned count is
// always len(p).
func (c *Conn) Write(p []byte) (int, error) {

	if c.socketFd < 0 || c.IsBroken() {
		return 0, errors.Trace(ErrBadState)
	}
	if len(p) == 0 {
		return 0, nil
	}

	// Earlier buffered bytes go first to preserve ordering.
	if c.outBuffer.Len() > 0 {
		_, err := c.Flush(nil, false)
		if err != nil {
			return 0, errors.Trace(err)
		}
	}

	wrote := 0
	if c.outBuffer.Len() == 0 {
		n, err := c.RawWrite(p)
		if err != nil {
			return n, errors.Trace(err)
		}
		wrote = n
	}

	rest := p[wrote:]
	for len(rest) > 0 {
		n := c.outBuffer.Append(rest)
		rest = rest[n:]
		if len(rest) == 0 {
			break
		}
		// The buffer is full. Make room synchronously; full acceptance of
		// the input takes priority over staying non-blocking here.
		_, err := c.Flush(nil, true)
		if err != nil {
			return len(p) - len(rest), errors.Trace(err)
		}
	}

	if c.outBuffer.Len() > 0 {
		c.setStatus(StatusWantWrite)
	}
	return len(p), nil
}

// Flush pushes buffered output to the transport, returning the number of
// bytes written. Buffered output covers both the output buffer and, in the
// TLS data phase, encrypted record bytes the session has spooled behind a
// full socket; neither survives a completed blocking flush. In blocking
// mode data, which may be nil, is appended and the socket is temporarily
// switched to blocking I/O while the flush repeats until everything
// drains, up to flushIterationLimit attempts; the socket is returned to
// non-blocking mode regardless of outcome. In non-blocking mode data must
// be nil, and a single pass writes what the transport will take, leaving
// any remainder buffered with StatusWantWrite set.
//
// Terminal transport failures set StatusCloseWrite.
func (c *Conn) Flush(data []byte, blocking bool) (int, error) {

	if c.socketFd < 0 || c.IsBroken() {
		return 0, errors.Trace(ErrBadState)
	}

	if !blocking && len(data) > 0 {
		return 0, errors.Tracef(
			"%w: flush data requires blocking mode", ErrBadState)
	}

	if blocking {
		err := setSocketBlocking(c.socketFd, true)
		if err != nil {
			return 0, errors.Trace(err)
		}
		defer func() {
			err := setSocketBlocking(c.socketFd, false)
			if err != nil {
				c.logger.WithTraceFields(common.LogFields{
					"socket_fd": c.socketFd,
				}).Error("failed to restore non-blocking mode")
			}
		}()
	}

	flushed := 0
	remaining := data

	for iterations := 0; ; iterations++ {
		if iterations >= flushIterationLimit {
			return flushed, errors.Trace(ErrRetryExhausted)
		}

		if len(remaining) > 0 {
			n := c.outBuffer.Append(remaining)
			remaining = remaining[n:]
		}
		if c.outBuffer.Len() == 0 && len(remaining) == 0 &&
			c.transportBacklog() == 0 {
			break
		}

		// With an empty output buffer this is a zero-length RawWrite, a
		// pure write opportunity that drains the session's record backlog.
		n, err := c.RawWrite(c.outBuffer.Bytes())
		if n > 0 {
			c.outBuffer.Consume(n)
			flushed += n
		}
		if err != nil {
			c.setStatus(StatusCloseWrite)
			return flushed, errors.Trace(err)
		}
		if !blocking && n == 0 {
			break
		}
	}

	if c.outBuffer.Len() > 0 {
		c.setStatus(StatusWantWrite)
	}
	return flushed, nil
}

func (c *Conn) accountRead(n int) {
	c.activity = time.Now()
	c.readBytes += int64(n)
	c.readKB += c.readBytes >> 10
	c.readBytes &= 0x3FF
}

// accountWrite accumulates raw written bytes; ReportProgress rolls them
// into the cumulative reported kilobytes. The sent-KB counter is the
// tunnel layer's, advanced against the send window as chunks go out.
func (c *Conn) accountWrite(n int) {
	c.activity = time.Now()
	c.wroteBytes += int64(n)
}

func (c *Conn) logData(direction string, n int) {
	if !c.config.LogMask.Has(LogMaskTrace) {
		return
	}
	c.logger.WithTraceFields(common.LogFields{
		"socket_fd": c.socketFd,
		"direction": direction,
		"bytes":     n,
	}).Debug("conn data")
}
