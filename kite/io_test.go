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
	"bytes"
	std_errors "errors"
	"testing"

	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

func TestWritePathSuite(t *testing.T) {
	suite.Run(t, new(writePathSuite))
}

// writePathSuite exercises the three-layer write path against a
// non-blocking socket with a deliberately small kernel send buffer, so
// backpressure appears after a few kilobytes.
type writePathSuite struct {
	suite.Suite
	conn       *Conn
	peerFd     int
	nextByte   byte
	totalBytes int
}

func (s *writePathSuite) SetupTest() {

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	s.Require().NoError(err)

	err = unix.SetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)
	s.Require().NoError(err)

	config := &Config{InBufferSize: 4096, OutBufferSize: 4096}
	config.applyDefaults()

	s.conn = NewConn(config, nil)
	s.conn.AdoptSocket(fds[0])
	s.Require().NoError(s.conn.SetNonblocking(true))
	s.peerFd = fds[1]
	s.nextByte = 0
	s.totalBytes = 0
}

func (s *writePathSuite) TearDownTest() {
	s.conn.Reset(0)
	unix.Close(s.peerFd)
}

// nextChunk generates the next n bytes of a deterministic stream, so
// received data can be checked for both completeness and ordering.
func (s *writePathSuite) nextChunk(n int) []byte {
	chunk := make([]byte, n)
	for i := range chunk {
		chunk[i] = s.nextByte
		s.nextByte++
	}
	s.totalBytes += n
	return chunk
}

func (s *writePathSuite) expectedStream() []byte {
	expected := make([]byte, s.totalBytes)
	b := byte(0)
	for i := range expected {
		expected[i] = b
		b++
	}
	return expected
}

// fillSocket raw-writes until the kernel send buffer stops accepting.
func (s *writePathSuite) fillSocket() {
	for i := 0; i < 10000; i++ {
		chunk := s.nextChunk(2048)
		n, err := s.conn.RawWrite(chunk)
		s.Require().NoError(err)
		if n < len(chunk) {
			// Regenerate the unaccepted tail on the next chunk.
			s.nextByte -= byte(len(chunk) - n)
			s.totalBytes -= len(chunk) - n
			return
		}
	}
	s.Require().Fail("socket never backpressured")
}

// drainPeerAvailable reads whatever the peer socket currently holds.
func (s *writePathSuite) drainPeerAvailable() []byte {
	s.Require().NoError(unix.SetNonblock(s.peerFd, true))
	var received []byte
	buffer := make([]byte, 4096)
	for {
		n, err := unix.Read(s.peerFd, buffer)
		if n > 0 {
			received = append(received, buffer[:n]...)
			continue
		}
		if err == unix.EINTR {
			continue
		}
		s.Require().True(err == unix.EAGAIN || err == unix.EWOULDBLOCK)
		return received
	}
}

func (s *writePathSuite) TestRawWritePartialAcceptance() {

	s.fillSocket()

	// A full socket is a transient condition: zero accepted, no error, and
	// no broken or closed status.
	n, err := s.conn.RawWrite(make([]byte, 2048))
	s.NoError(err)
	s.Equal(0, n)
	s.False(s.conn.IsBroken())
	s.False(s.conn.Status().Has(StatusCloseWrite))
}

func (s *writePathSuite) TestBufferedFlush() {

	s.fillSocket()

	// With the socket full, written data lands in the output buffer and
	// the conn flags that it wants writability.
	chunk := s.nextChunk(1024)
	n, err := s.conn.Write(chunk)
	s.Require().NoError(err)
	s.Equal(1024, n)
	s.Equal(1024, s.conn.OutBufferedLen())
	s.True(s.conn.Status().Has(StatusWantWrite))

	// Drain the peer, then non-blocking flushes push the buffer through.
	var received []byte
	for i := 0; i < 10000 && s.totalBytes > len(received); i++ {
		received = append(received, s.drainPeerAvailable()...)
		_, err := s.conn.Flush(nil, false)
		s.Require().NoError(err)
	}
	s.Equal(0, s.conn.OutBufferedLen())
	s.Equal(s.expectedStream(), received)
}

func (s *writePathSuite) TestWriteFullAcceptance() {

	// The input far exceeds the kernel and output buffers combined, so the
	// write path must fall back to synchronous flushes. A concurrent
	// drainer keeps those flushes progressing; all conn operations stay on
	// this goroutine.
	data := s.nextChunk(256 * 1024)

	done := make(chan []byte)
	go func() {
		var received []byte
		buffer := make([]byte, 16384)
		for len(received) < len(data) {
			n, err := unix.Read(s.peerFd, buffer)
			if err == unix.EINTR {
				continue
			}
			if err != nil || n == 0 {
				break
			}
			received = append(received, buffer[:n]...)
		}
		done <- received
	}()

	n, err := s.conn.Write(data)
	s.Require().NoError(err)
	s.Equal(len(data), n)

	// Whatever remains buffered is pushed with a final blocking flush.
	_, err = s.conn.Flush(nil, true)
	s.Require().NoError(err)
	s.Equal(0, s.conn.OutBufferedLen())

	received := <-done
	s.Require().Equal(len(data), len(received))
	s.True(bytes.Equal(data, received))

	s.Equal(int64(256*1024), s.conn.wroteBytes)
}

func (s *writePathSuite) TestFlushDataRequiresBlockingMode() {

	// New data rides a flush only in blocking mode; a non-blocking flush
	// pushes existing buffered output and nothing else.
	_, err := s.conn.Flush([]byte("x"), false)
	s.True(std_errors.Is(err, ErrBadState))

	chunk := s.nextChunk(2048)
	flushed, err := s.conn.Flush(chunk, true)
	s.Require().NoError(err)
	s.Equal(len(chunk), flushed)
	s.Equal(0, s.conn.OutBufferedLen())
	s.Equal(chunk, s.drainPeerAvailable())
}

func (s *writePathSuite) TestReadNoData() {

	n, err := s.conn.Read()
	s.NoError(err)
	s.Equal(0, n)
	s.False(s.conn.Status().Has(StatusCloseRead))
	s.False(s.conn.IsBroken())
}

// spoolSession passes application data through a whole-record transport
// without encryption, preserving the contract the write path must honor:
// submissions are fully accepted, unflushed record bytes spool, and new
// submissions are refused until the spool drains.
type spoolSession struct {
	transport *tlsTransport
}

func (s *spoolSession) handshakeStep() (handshakeResult, error) {
	return handshakeComplete, nil
}

func (s *spoolSession) read(p []byte) (int, error) {
	n, err := s.transport.Read(p)
	if isWouldBlock(err) {
		return n, errTLSWantRead
	}
	return n, err
}

func (s *spoolSession) write(p []byte) (int, error) {
	if err := s.flushTransport(); err != nil {
		return 0, err
	}
	n, err := s.transport.Write(p)
	if err != nil {
		return n, err
	}
	ferr := s.transport.flush()
	if ferr != nil && !isWouldBlock(ferr) {
		return n, ferr
	}
	return n, nil
}

func (s *spoolSession) flushTransport() error {
	err := s.transport.flush()
	if isWouldBlock(err) {
		return errTLSWantWrite
	}
	return err
}

func (s *spoolSession) buffered() int { return s.transport.buffered() }

func (s *spoolSession) pending() int { return 0 }

func (s *spoolSession) negotiated() common.LogFields { return common.LogFields{} }

func (s *spoolSession) close() {}

// startTLSPassthrough swaps the conn into the TLS data phase over a
// passthrough session on the same socket.
func (s *writePathSuite) startTLSPassthrough() *spoolSession {
	session := &spoolSession{transport: &tlsTransport{fd: s.conn.SocketFd()}}
	s.conn.state = tlsData{session: session}
	return session
}

// fillSocketDirect writes raw bytes straight to the socket until the
// kernel send buffer stops accepting, returning the byte count.
func (s *writePathSuite) fillSocketDirect() int {
	filler := 0
	chunk := make([]byte, 2048)
	for i := 0; i < 10000; i++ {
		n, err := unix.Write(s.conn.SocketFd(), chunk)
		if n > 0 {
			filler += n
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return filler
		}
		if err == unix.EINTR {
			continue
		}
		s.Require().NoError(err)
	}
	s.Require().Fail("socket never backpressured")
	return filler
}

func (s *writePathSuite) TestTLSSpoolBoundedAcceptance() {

	session := s.startTLSPassthrough()
	s.fillSocketDirect()

	// A large submission is capped at one record's plaintext; with the
	// socket full the record spools, and further submissions are refused
	// until it drains.
	data := bytes.Repeat([]byte("d"), 64*1024)
	n, err := s.conn.RawWrite(data)
	s.Require().NoError(err)
	s.Equal(maxTLSPlaintextLen, n)
	s.Equal(maxTLSPlaintextLen, session.buffered())
	s.True(s.conn.Status().Has(StatusWantWrite))

	n, err = s.conn.RawWrite(data)
	s.Require().NoError(err)
	s.Equal(0, n)
	s.Equal(maxTLSPlaintextLen, session.buffered())
}

func (s *writePathSuite) TestTLSBlockingFlushDrainsRecordBacklog() {

	session := s.startTLSPassthrough()
	filler := s.fillSocketDirect()

	message := bytes.Repeat([]byte("m"), maxTLSPlaintextLen)
	n, err := s.conn.RawWrite(message)
	s.Require().NoError(err)
	s.Equal(len(message), n)
	s.Equal(len(message), session.buffered())
	s.Equal(0, s.conn.OutBufferedLen())

	// The spooled record counts as undelivered output: a blocking flush
	// with an empty output buffer must still push it to the wire.
	total := filler + len(message)
	done := make(chan []byte)
	go func() {
		var received []byte
		buffer := make([]byte, 16384)
		for len(received) < total {
			rn, rerr := unix.Read(s.peerFd, buffer)
			if rerr == unix.EINTR {
				continue
			}
			if rerr != nil || rn == 0 {
				break
			}
			received = append(received, buffer[:rn]...)
		}
		done <- received
	}()

	_, err = s.conn.Flush(nil, true)
	s.Require().NoError(err)
	s.Equal(0, session.buffered())

	received := <-done
	s.Require().Equal(total, len(received))
	s.Equal(message, received[filler:])
}

func (s *writePathSuite) TestTLSNonBlockingFlushPushesRecordBacklog() {

	session := s.startTLSPassthrough()
	filler := s.fillSocketDirect()

	message := bytes.Repeat([]byte("n"), maxTLSPlaintextLen)
	n, err := s.conn.RawWrite(message)
	s.Require().NoError(err)
	s.Equal(len(message), n)

	// Draining the peer and re-flushing non-blocking eventually delivers
	// the spooled record and clears the want-write hint.
	var received []byte
	total := filler + len(message)
	for i := 0; i < 10000 && len(received) < total; i++ {
		received = append(received, s.drainPeerAvailable()...)
		_, err := s.conn.Flush(nil, false)
		s.Require().NoError(err)
	}
	s.Equal(0, session.buffered())
	s.False(s.conn.Status().Has(StatusWantWrite))
	s.Require().Equal(total, len(received))
	s.Equal(message, received[filler:])
}

func (s *writePathSuite) TestTLSWriteFullAcceptance() {

	session := s.startTLSPassthrough()
	data := s.nextChunk(256 * 1024)

	done := make(chan []byte)
	go func() {
		var received []byte
		buffer := make([]byte, 16384)
		for len(received) < len(data) {
			rn, rerr := unix.Read(s.peerFd, buffer)
			if rerr == unix.EINTR {
				continue
			}
			if rerr != nil || rn == 0 {
				break
			}
			received = append(received, buffer[:rn]...)
		}
		done <- received
	}()

	n, err := s.conn.Write(data)
	s.Require().NoError(err)
	s.Equal(len(data), n)

	_, err = s.conn.Flush(nil, true)
	s.Require().NoError(err)
	s.Equal(0, s.conn.OutBufferedLen())
	s.Equal(0, session.buffered())

	received := <-done
	s.Require().Equal(len(data), len(received))
	s.True(bytes.Equal(data, received))
}
