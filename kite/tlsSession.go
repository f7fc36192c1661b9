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
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common"
	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common/errors"
	"github.com/bifurcation/mint"
	"golang.org/x/sys/unix"
)

// The TLS layer is mint, a pure-Go TLS 1.3 implementation with a
// non-blocking mode: each Handshake call advances the state machine as far
// as buffered input allows and returns AlertWouldBlock when it needs more
// I/O. This composes with the external readiness loop without dedicating a
// goroutine or a blocking call to the handshake.

var (
	// errTLSWantRead and errTLSWantWrite report that a TLS operation cannot
	// complete until the socket becomes readable or writable. Both are
	// transient conditions, never terminal failures.
	errTLSWantRead  = std_errors.New("tls: want read")
	errTLSWantWrite = std_errors.New("tls: want write")
)

// handshakeResult is the outcome of a single handshake step.
type handshakeResult int

const (
	handshakeComplete handshakeResult = iota
	handshakeWantRead
	handshakeWantWrite
)

// tlsSession is one TLS session bound to a Conn's socket. The concrete
// implementation is mint-backed; tests substitute scripted sessions.
type tlsSession interface {

	// handshakeStep advances the handshake by at most one step. A non-nil
	// error is terminal.
	handshakeStep() (handshakeResult, error)

	// read decrypts application data into p. Transient conditions are
	// reported as errTLSWantRead/errTLSWantWrite; an orderly peer close as
	// io.EOF; anything else is terminal.
	read(p []byte) (int, error)

	// write encrypts and submits application data. A errTLSWantWrite
	// result means nothing was accepted; the caller must resubmit the
	// identical length after the socket becomes writable.
	write(p []byte) (int, error)

	// flushTransport pushes any buffered, already-encrypted record bytes
	// toward the socket. errTLSWantWrite when the socket backs up.
	flushTransport() error

	// buffered returns the number of already-encrypted record bytes not
	// yet on the socket. They count as undelivered output: a flush is not
	// complete until this reaches zero.
	buffered() int

	// pending returns the number of already-decrypted bytes buffered
	// beyond what read has drained.
	pending() int

	// negotiated describes the established session, for logging.
	negotiated() common.LogFields

	close()
}

// TLSConfig is the shared, read-only context from which per-connection TLS
// sessions are built.
type TLSConfig struct {
	cipherSuites     []mint.CipherSuite
	certificateNames []string
	skipVerify       bool
	sessionCache     mint.PreSharedKeyCache
}

// NewTLSConfig builds a TLS context from the process config: cipher suite
// preferences, preferred certificate names, and a shared session ticket
// cache enabling resumption across reconnects.
func NewTLSConfig(config *Config) (*TLSConfig, error) {
	cipherSuites, err := parseCipherSuites(config.TLSCipherSuites)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &TLSConfig{
		cipherSuites:     cipherSuites,
		certificateNames: config.TLSCertificateNames,
		skipVerify:       config.SkipVerify,
		sessionCache:     NewSessionCache(),
	}, nil
}

var cipherSuiteNames = map[string]mint.CipherSuite{
	"TLS_AES_128_GCM_SHA256":       mint.TLS_AES_128_GCM_SHA256,
	"TLS_AES_256_GCM_SHA384":       mint.TLS_AES_256_GCM_SHA384,
	"TLS_CHACHA20_POLY1305_SHA256": mint.TLS_CHACHA20_POLY1305_SHA256,
}

// parseCipherSuites parses a colon-separated TLS 1.3 cipher suite
// preference list. An empty list selects the TLS layer's defaults.
func parseCipherSuites(list string) ([]mint.CipherSuite, error) {
	if list == "" {
		return nil, nil
	}
	var suites []mint.CipherSuite
	for _, name := range strings.Split(list, ":") {
		suite, ok := cipherSuiteNames[name]
		if !ok {
			return nil, errors.Tracef("unknown cipher suite: %s", name)
		}
		suites = append(suites, suite)
	}
	return suites, nil
}

// selectServerName applies the handshake identity policy: with exactly one
// globally preferred certificate name, that name is requested instead of
// the connection's own host name, which may be something completely
// different; with multiple preferred names the target is ambiguous and SNI
// is omitted entirely; otherwise the caller's host name is used.
func (tlsConfig *TLSConfig) selectServerName(hostname string) string {
	if len(tlsConfig.certificateNames) == 1 {
		return tlsConfig.certificateNames[0]
	}
	if len(tlsConfig.certificateNames) > 1 {
		return ""
	}
	return hostname
}

// StartTLS layers a TLS session over the Conn's connected socket and
// begins the client handshake, advancing it one step. The handshake then
// proceeds one resumable step at a time, driven by Read and RawWrite as the
// host's poll loop reports readiness.
//
// A session construction failure is reported as ErrTLSSetupFailed and
// leaves the Conn without TLS; whether to proceed as plaintext is the
// caller's policy decision.
func (c *Conn) StartTLS(tlsConfig *TLSConfig, hostname string) error {

	if c.socketFd < 0 || c.session() != nil {
		return errors.Tracef("%w: %v", ErrTLSSetupFailed, ErrBadState)
	}

	serverName := tlsConfig.selectServerName(hostname)

	mintConfig := &mint.Config{
		ServerName:   serverName,
		CipherSuites: tlsConfig.cipherSuites,
		PSKs:         tlsConfig.sessionCache,
		NonBlocking:  true,
	}
	if tlsConfig.skipVerify || serverName == "" {
		// Without SNI there is no name to verify against. Certificate
		// trust policy beyond handshake name selection is the caller's
		// concern.
		mintConfig.InsecureSkipVerify = true
	}

	transport := &tlsTransport{fd: c.socketFd}
	mintConn := mint.NewConn(transport, mintConfig, true)
	if mintConn == nil {
		return errors.Tracef("%w: client session construction failed", ErrTLSSetupFailed)
	}

	if c.config.LogMask.Has(LogMaskData) {
		logHostname := serverName
		if logHostname == "" {
			logHostname = "(no SNI)"
		}
		c.logger.WithTraceFields(common.LogFields{
			"socket_fd": c.socketFd,
			"hostname":  logHostname,
		}).Debug("starting TLS connection")
	}

	// The first step is treated as wanting to write: the ClientHello must
	// go out before any input can arrive.
	c.state = tlsHandshake{session: &mintSession{
		conn:      mintConn,
		transport: transport,
	}}
	c.setStatus(StatusWantWrite)
	c.doHandshake()

	if c.IsBroken() {
		return errors.TraceNew("TLS handshake failed")
	}
	return nil
}

// doHandshake advances an in-progress handshake by one step and records
// the outcome in the status bits. Terminal failures mark the Conn broken;
// completion transitions to the TLS data phase.
func (c *Conn) doHandshake() {

	state, ok := c.state.(tlsHandshake)
	if !ok {
		return
	}

	c.clearStatus(StatusWantRead | StatusWantWrite)

	result, err := state.session.handshakeStep()
	if err != nil {
		c.logger.WithTraceFields(common.LogFields{
			"socket_fd": c.socketFd,
			"error":     err,
		}).Warning("TLS handshake failed")
		c.setStatus(StatusBroken)
		return
	}

	switch result {
	case handshakeComplete:
		c.state = tlsData{session: state.session}
		if c.config.LogMask.Has(LogMaskConns) {
			fields := state.session.negotiated()
			fields["socket_fd"] = c.socketFd
			c.logger.WithTraceFields(fields).Info("TLS connection established")
		}
	case handshakeWantRead:
		c.setStatus(StatusWantRead)
	case handshakeWantWrite:
		c.setStatus(StatusWantWrite)
	}
}

// isTLSTransient indicates whether a TLS layer error is a retryable
// want-read/want-write condition rather than a terminal failure.
func isTLSTransient(err error) bool {
	return std_errors.Is(err, errTLSWantRead) || std_errors.Is(err, errTLSWantWrite)
}

// maxTLSPlaintextLen is the largest plaintext fragment in one TLS record.
// Write submissions are capped to this length so the transport spools at
// most one encrypted record when the socket stops accepting.
const maxTLSPlaintextLen = 16384

// maxTLSRecordLen is the largest TLS record plaintext plus expansion; used
// to size the decrypt scratch buffer so no decrypted bytes hide inside the
// TLS layer where pending could not see them.
const maxTLSRecordLen = maxTLSPlaintextLen + 256

// mintSession adapts a mint connection to the tlsSession interface.
type mintSession struct {
	conn      *mint.Conn
	transport *tlsTransport
	scratch   []byte
	overflow  []byte
}

func (s *mintSession) handshakeStep() (handshakeResult, error) {

	// Push any spooled record bytes first so the peer can make progress.
	err := s.transport.flush()
	if err != nil && !isWouldBlock(err) {
		return 0, errors.Trace(err)
	}

	alert := s.conn.Handshake()

	switch alert {
	case mint.AlertNoAlert:
		if s.conn.Writable() {
			// Established. Any tail of the final flight still spooled in
			// the transport is drained by the write path.
			return handshakeComplete, nil
		}
		// Setup-only step: the first flight is queued but no input has
		// been processed yet.
	case mint.AlertWouldBlock:
		// Needs more I/O.
	default:
		return 0, errors.Tracef("handshake alert: %v", alert)
	}

	if s.transport.buffered() > 0 {
		return handshakeWantWrite, nil
	}
	return handshakeWantRead, nil
}

func (s *mintSession) read(p []byte) (int, error) {

	if len(s.overflow) > 0 {
		n := copy(p, s.overflow)
		s.overflow = s.overflow[n:]
		return n, nil
	}

	if len(p) >= maxTLSRecordLen {
		n, err := s.conn.Read(p)
		return n, s.classifyReadError(err)
	}

	// p is smaller than a full record: decrypt into scratch and spill the
	// excess into overflow, so pending reflects every decrypted byte.
	if s.scratch == nil {
		s.scratch = make([]byte, maxTLSRecordLen)
	}
	n, err := s.conn.Read(s.scratch)
	if n > 0 {
		copied := copy(p, s.scratch[:n])
		if copied < n {
			s.overflow = append(s.overflow, s.scratch[copied:n]...)
		}
		return copied, nil
	}
	return 0, s.classifyReadError(err)
}

func (s *mintSession) classifyReadError(err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF || err == mint.AlertCloseNotify {
		return io.EOF
	}
	if isWouldBlock(err) {
		// A want-write here means the TLS layer has queued protocol bytes
		// of its own, such as a post-handshake key update response.
		if s.transport.buffered() > 0 {
			return errTLSWantWrite
		}
		return errTLSWantRead
	}
	return errors.Trace(err)
}

func (s *mintSession) write(p []byte) (int, error) {

	// Refuse new application data while encrypted records are spooled;
	// accepting more would grow the spool without bound and reorder
	// nothing, since records flush strictly in order.
	err := s.transport.flush()
	if err != nil {
		if isWouldBlock(err) {
			return 0, errTLSWantWrite
		}
		return 0, errors.Trace(err)
	}
	if s.transport.buffered() > 0 {
		return 0, errTLSWantWrite
	}

	n, err := s.conn.Write(p)
	if err != nil {
		if isWouldBlock(err) {
			return 0, errTLSWantWrite
		}
		return n, errors.Trace(err)
	}

	// Push the fresh records toward the socket; any remainder stays
	// spooled and is reported as want-write on the next attempt.
	err = s.transport.flush()
	if err != nil && !isWouldBlock(err) {
		return n, errors.Trace(err)
	}
	return n, nil
}

func (s *mintSession) flushTransport() error {
	err := s.transport.flush()
	if err != nil {
		if isWouldBlock(err) {
			return errTLSWantWrite
		}
		return errors.Trace(err)
	}
	return nil
}

func (s *mintSession) buffered() int {
	return s.transport.buffered()
}

func (s *mintSession) pending() int {
	return len(s.overflow)
}

func (s *mintSession) negotiated() common.LogFields {
	state := s.conn.ConnectionState()
	return common.LogFields{
		"tls_version":  "TLS 1.3",
		"cipher_suite": fmt.Sprintf("%v", state.CipherSuite),
		"next_proto":   state.NextProto,
	}
}

func (s *mintSession) close() {
	// The socket is owned and closed by the Conn; dropping the references
	// is sufficient. No close_notify is sent: close accompanies reset,
	// where the transport is going away regardless.
	s.conn = nil
	s.overflow = nil
}

// wouldBlockError is returned by tlsTransport reads when the non-blocking
// socket has no data. It implements net.Error so the TLS layer's
// non-blocking mode recognizes it as a retryable condition.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "operation would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

var errWouldBlock net.Error = wouldBlockError{}

// isWouldBlock matches the retryable condition whether it surfaces as the
// transport's own marker, as the TLS layer's would-block alert, or wrapped
// in either.
func isWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	if std_errors.Is(err, errWouldBlock) || std_errors.Is(err, mint.AlertWouldBlock) {
		return true
	}
	var netErr net.Error
	if std_errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// kiteAddr is a placeholder net.Addr for the fd-backed transport.
type kiteAddr struct{}

func (kiteAddr) Network() string { return "kite" }
func (kiteAddr) String() string  { return "kite" }

// tlsTransport is the record transport between a TLS session and the
// Conn's non-blocking socket. Reads surface would-block conditions to the
// TLS layer; writes always accept whole records, spooling whatever the
// socket will not take. The TLS record layer must never see a partial or
// failed record write, since a resubmitted record would be re-encrypted
// under a new sequence number and break the stream.
type tlsTransport struct {
	fd       int
	outSpool []byte
}

func (t *tlsTransport) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(t.fd, p)
		if n > 0 {
			return n, nil
		}
		if err == nil {
			return 0, io.EOF
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, errors.Trace(err)
	}
}

func (t *tlsTransport) Write(p []byte) (int, error) {

	if len(t.outSpool) > 0 {
		err := t.flush()
		if err != nil && !isWouldBlock(err) {
			return 0, errors.Trace(err)
		}
	}

	written := 0
	if len(t.outSpool) == 0 {
		for written < len(p) {
			n, err := unix.Write(t.fd, p[written:])
			if n > 0 {
				written += n
			}
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err != nil {
				return written, errors.Trace(err)
			}
		}
	}

	if written < len(p) {
		t.outSpool = append(t.outSpool, p[written:]...)
	}
	return len(p), nil
}

// flush drains the spooled record bytes. errWouldBlock when the socket
// backs up before the spool empties.
func (t *tlsTransport) flush() error {
	for len(t.outSpool) > 0 {
		n, err := unix.Write(t.fd, t.outSpool)
		if n > 0 {
			t.outSpool = t.outSpool[n:]
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return errWouldBlock
		}
		if err != nil {
			return errors.Trace(err)
		}
	}
	if len(t.outSpool) == 0 {
		t.outSpool = nil
	}
	return nil
}

// buffered returns the number of spooled, unflushed record bytes.
func (t *tlsTransport) buffered() int {
	return len(t.outSpool)
}

func (t *tlsTransport) Close() error {
	// The Conn owns the socket descriptor.
	return nil
}

func (t *tlsTransport) LocalAddr() net.Addr                { return kiteAddr{} }
func (t *tlsTransport) RemoteAddr() net.Addr               { return kiteAddr{} }
func (t *tlsTransport) SetDeadline(_ time.Time) error      { return nil }
func (t *tlsTransport) SetReadDeadline(_ time.Time) error  { return nil }
func (t *tlsTransport) SetWriteDeadline(_ time.Time) error { return nil }
