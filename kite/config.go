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
	"encoding/json"
	"time"

	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common/errors"
)

const (
	defaultSocketTimeoutSeconds = 15
	defaultIOBufferSize         = 16384
	defaultSendWindowKB         = 1280
)

// LogMask selects which categories of connection logging are emitted.
// Categories are independent bits and may be combined.
type LogMask uint32

const (
	LogMaskConns LogMask = 1 << iota
	LogMaskData

	// LogMaskTrace gates raw data tracing: when set, reads and writes log
	// hex snippets of the transferred bytes. Very verbose.
	LogMaskTrace
)

// Has indicates whether all categories in mask are enabled.
func (m LogMask) Has(mask LogMask) bool {
	return m&mask == mask
}

// Config specifies process-wide connection parameters. A single Config is
// shared, read-only, by all Conns; there is no ambient global state.
type Config struct {

	// SocketTimeoutSeconds is applied as the OS-level receive/send timeout
	// on newly connected sockets, and bounds blocking connect calls. When 0,
	// defaultSocketTimeoutSeconds is used.
	SocketTimeoutSeconds int

	// InBufferSize and OutBufferSize are the fixed capacities of each
	// Conn's input and output buffers. When 0, defaultIOBufferSize is used.
	InBufferSize  int
	OutBufferSize int

	// InitialSendWindowKB is the flow-control allowance restored on every
	// Reset. When 0, defaultSendWindowKB is used.
	InitialSendWindowKB int64

	// TLSCipherSuites is a colon-separated TLS 1.3 cipher suite preference
	// list, e.g. "TLS_AES_128_GCM_SHA256:TLS_CHACHA20_POLY1305_SHA256".
	// When empty, the TLS layer's defaults are used.
	TLSCipherSuites string

	// TLSCertificateNames optionally overrides the host name used for TLS
	// handshake identity selection. With exactly one name configured, that
	// name is requested via SNI in place of the connection's own host name.
	// With multiple names configured the target is ambiguous and SNI is
	// omitted entirely.
	TLSCertificateNames []string

	// SkipVerify disables server certificate verification. Used for
	// testing.
	SkipVerify bool

	// LogMask gates connection logging categories.
	LogMask LogMask
}

// LoadConfig parses a JSON encoded config and applies defaults. An empty
// input yields a default config.
func LoadConfig(configJSON []byte) (*Config, error) {
	var config Config
	if len(configJSON) > 0 {
		err := json.Unmarshal(configJSON, &config)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	if config.SocketTimeoutSeconds < 0 ||
		config.InBufferSize < 0 ||
		config.OutBufferSize < 0 ||
		config.InitialSendWindowKB < 0 {
		return nil, errors.TraceNew("invalid negative config value")
	}
	config.applyDefaults()
	return &config, nil
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

func (config *Config) applyDefaults() {
	if config.SocketTimeoutSeconds == 0 {
		config.SocketTimeoutSeconds = defaultSocketTimeoutSeconds
	}
	if config.InBufferSize == 0 {
		config.InBufferSize = defaultIOBufferSize
	}
	if config.OutBufferSize == 0 {
		config.OutBufferSize = defaultIOBufferSize
	}
	if config.InitialSendWindowKB == 0 {
		config.InitialSendWindowKB = defaultSendWindowKB
	}
}

func (config *Config) socketTimeout() time.Duration {
	return time.Duration(config.SocketTimeoutSeconds) * time.Second
}
