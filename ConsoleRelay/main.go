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

// ConsoleRelay is a small exerciser for the kite connection core. It
// connects to a front end, optionally negotiating TLS, and either relays
// bytes between the connection and stdin/stdout, or listens locally and
// forwards each accepted connection to the front end, reporting stream
// read progress upstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/kite-tunnel-core/kite"
	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common"
	"github.com/Psiphon-Labs/kite-tunnel-core/kite/logging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func main() {

	// Define command-line parameters

	var configFilename string
	flag.StringVar(&configFilename, "config", "", "configuration input file")

	var frontEndAddr string
	flag.StringVar(&frontEndAddr, "frontend", "", "front end address (ip:port)")

	var frontEndDomain string
	flag.StringVar(&frontEndDomain, "domain", "", "front end domain, resolved via -dns")

	var dnsServerAddr string
	flag.StringVar(&dnsServerAddr, "dns", "8.8.8.8:53", "DNS server for front end lookup")

	var frontEndPort int
	flag.IntVar(&frontEndPort, "port", 443, "front end port when using -domain")

	var useTLS bool
	flag.BoolVar(&useTLS, "tls", true, "negotiate TLS after connecting")

	var hostname string
	flag.StringVar(&hostname, "hostname", "", "TLS handshake host name (defaults to -domain)")

	var listenAddr string
	flag.StringVar(&listenAddr, "listen", "", "forward accepted local connections (ip:port) instead of stdin/stdout")

	var sid string
	flag.StringVar(&sid, "sid", "", "stream id for upstream progress reports in -listen mode")

	var logLevel string
	flag.StringVar(&logLevel, "logLevel", "info", "logging level")

	flag.Parse()

	relay := &relay{
		configFilename: configFilename,
		frontEndAddr:   frontEndAddr,
		frontEndDomain: frontEndDomain,
		dnsServerAddr:  dnsServerAddr,
		frontEndPort:   frontEndPort,
		useTLS:         useTLS,
		hostname:       hostname,
		listenAddr:     listenAddr,
		sid:            sid,
		logLevel:       logLevel,
	}

	if err := relay.run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay failed: %s\n", err)
		os.Exit(1)
	}
}

type relay struct {
	configFilename string
	frontEndAddr   string
	frontEndDomain string
	dnsServerAddr  string
	frontEndPort   int
	useTLS         bool
	hostname       string
	listenAddr     string
	sid            string
	logLevel       string

	config *kite.Config
	logger *logging.ContextLogger
}

func (r *relay) run() error {

	logger, err := logging.NewContextLogger(r.logLevel, os.Stderr)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	r.logger = logger

	r.config = kite.DefaultConfig()
	if r.configFilename != "" {
		configJSON, err := os.ReadFile(r.configFilename)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		r.config, err = kite.LoadConfig(configJSON)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Resolve the front end when given a domain instead of an address.

	if r.frontEndAddr == "" {
		if r.frontEndDomain == "" {
			return fmt.Errorf("one of -frontend or -domain is required")
		}
		addrs, err := kite.LookupFrontEnds(ctx, r.dnsServerAddr, r.frontEndDomain)
		if err != nil {
			return fmt.Errorf("lookup front ends: %w", err)
		}
		r.frontEndAddr = fmt.Sprintf("%s:%d", addrs[0], r.frontEndPort)
		if r.hostname == "" {
			r.hostname = r.frontEndDomain
		}
	}

	if r.listenAddr != "" {
		return r.runForwarder(ctx)
	}
	return r.runConsole(ctx)
}

// wait polls the connection for readability, then returns it to
// non-blocking mode, which Wait does not preserve.
func (r *relay) wait(conn *kite.Conn, timeout time.Duration) (int, error) {
	n, err := conn.Wait(timeout)
	if err == nil {
		err = conn.SetNonblocking(true)
	}
	return n, err
}

// dialFrontEnd connects a fresh Conn to the front end, negotiates TLS when
// enabled, and leaves the connection in non-blocking mode for the relay
// loop.
func (r *relay) dialFrontEnd() (*kite.Conn, error) {

	conn := kite.NewConn(r.config, r.logger)

	_, err := conn.Connect(r.frontEndAddr)
	if err != nil {
		return nil, err
	}
	r.logger.WithTrace().Info("connected to ", r.frontEndAddr)

	err = conn.SetNonblocking(true)

	if err == nil && r.useTLS {
		var tlsConfig *kite.TLSConfig
		tlsConfig, err = kite.NewTLSConfig(r.config)
		if err == nil {
			err = conn.StartTLS(tlsConfig, r.hostname)
		}
		for err == nil && conn.Phase() == kite.PhaseTLSHandshake {
			if _, err = r.wait(conn, 100*time.Millisecond); err != nil {
				break
			}
			_, err = conn.Read()
			if err == nil && conn.Status().Has(kite.StatusWantWrite) {
				_, err = conn.RawWrite(nil)
			}
		}
	}
	if err != nil {
		conn.Reset(0)
		return nil, err
	}
	return conn, nil
}

// runConsole relays between the front end connection and stdin/stdout.
func (r *relay) runConsole(ctx context.Context) error {

	conn, err := r.dialFrontEnd()
	if err != nil {
		return err
	}
	defer conn.Reset(0)

	group, ctx := errgroup.WithContext(ctx)

	// One goroutine reads stdin; all connection operations stay on the
	// relay goroutine, as Conn requires.

	stdinChunks := make(chan []byte)
	group.Go(func() error {
		defer close(stdinChunks)
		for {
			buffer := make([]byte, 4096)
			n, err := os.Stdin.Read(buffer)
			if n > 0 {
				select {
				case stdinChunks <- buffer[:n]:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err != nil {
				return nil
			}
		}
	})

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case chunk, ok := <-stdinChunks:
				if !ok {
					stdinChunks = nil
					break
				}
				if _, err := conn.Write(chunk); err != nil {
					return err
				}
			default:
			}

			if _, err := r.wait(conn, 100*time.Millisecond); err != nil {
				return err
			}
			closed, err := r.pump(conn, func(data []byte) error {
				_, err := os.Stdout.Write(data)
				return err
			})
			if err != nil {
				return err
			}
			if closed {
				r.logger.WithTrace().Info("peer closed connection")
				return nil
			}
		}
	})

	err = group.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// runForwarder listens locally and forwards each accepted connection, one
// at a time, to a fresh front end connection. With a stream id configured,
// read progress on the local side is reported to the front end.
func (r *relay) runForwarder(ctx context.Context) error {

	listenConn := kite.NewConn(r.config, r.logger)
	defer listenConn.Reset(0)

	port, err := listenConn.Listen(r.listenAddr, 5)
	if err != nil {
		return err
	}
	r.logger.WithTraceFields(common.LogFields{
		"port": port,
	}).Info("listening")

	for ctx.Err() == nil {

		ready, err := listenConn.Wait(250 * time.Millisecond)
		if err != nil {
			return err
		}
		if ready == 0 {
			continue
		}

		acceptedFd, _, err := unix.Accept(listenConn.SocketFd())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		localConn := kite.NewConn(r.config, r.logger)
		localConn.AdoptSocket(acceptedFd)
		if err := localConn.SetNonblocking(true); err != nil {
			localConn.Reset(0)
			return err
		}

		err = r.forward(ctx, localConn)
		localConn.Reset(0)
		if err != nil {
			return err
		}
	}
	return nil
}

// forward shuttles bytes between one accepted local connection and the
// front end until either side closes. Both conns are driven from this
// goroutine.
func (r *relay) forward(ctx context.Context, localConn *kite.Conn) error {

	frontEndConn, err := r.dialFrontEnd()
	if err != nil {
		return err
	}
	defer frontEndConn.Reset(0)

	for ctx.Err() == nil {

		if _, err := r.wait(localConn, 50*time.Millisecond); err != nil {
			return err
		}
		localClosed, err := r.pump(localConn, func(data []byte) error {
			_, err := frontEndConn.Write(data)
			return err
		})
		if err != nil {
			return err
		}
		if r.sid != "" {
			if err := localConn.ReportProgress(r.sid, frontEndConn); err != nil {
				return err
			}
		}

		if _, err := r.wait(frontEndConn, 50*time.Millisecond); err != nil {
			return err
		}
		frontEndClosed, err := r.pump(frontEndConn, func(data []byte) error {
			_, err := localConn.Write(data)
			return err
		})
		if err != nil {
			return err
		}

		if localClosed || frontEndClosed {
			r.logger.WithTrace().Info("connection closed")
			return nil
		}
	}
	return nil
}

// pump flushes pending output, drains readable input through deliver, and
// reports whether the peer has closed its side.
func (r *relay) pump(conn *kite.Conn, deliver func([]byte) error) (bool, error) {

	if _, err := conn.Flush(nil, false); err != nil {
		return false, err
	}

	for {
		n, err := conn.Read()
		if err != nil {
			return false, err
		}
		if buffered := conn.InBuffered(); len(buffered) > 0 {
			if err := deliver(buffered); err != nil {
				return false, err
			}
			conn.ConsumeIn(len(buffered))
		}
		if n == 0 && conn.Pending() == 0 {
			break
		}
	}

	return conn.Status().Has(kite.StatusCloseRead), nil
}
