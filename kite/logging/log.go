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

// Package logging provides the host process logger for the kite connection
// core: structured JSON logs with a "trace" field identifying the calling
// function.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common"
	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds calling-context fields to the underlying logging
// package. It implements common.Logger, the interface injected into Conns.
type ContextLogger struct {
	*logrus.Logger
}

// NewContextLogger creates a logger writing JSON lines to output at the
// given severity level ("debug", "info", "warning", "error").
func NewContextLogger(level string, output io.Writer) (*ContextLogger, error) {

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetOutput(output)
	logger.SetFormatter(&CustomJSONFormatter{})

	return &ContextLogger{Logger: logger}, nil
}

// WithTrace adds a "trace" field containing the caller's function name.
// Use this function when the log has no fields.
func (logger *ContextLogger) WithTrace() common.LogTrace {
	return logger.Logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function
// name. Use this function when the log has fields. Note that any existing
// "trace" field will be renamed to "fields.trace".
func (logger *ContextLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return logger.Logger.WithFields(logrus.Fields(fields))
}

// LogMetric logs a metric event with the supplied fields.
func (logger *ContextLogger) LogMetric(metric string, fields common.LogFields) {
	logger.Logger.WithFields(logrus.Fields(fields)).Info(metric)
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter. The
// changes are:
// - "time" is renamed to "timestamp"
// - error field values are rendered with Error(), since encoding/json
//   otherwise drops them
type CustomJSONFormatter struct {
}

// Format implements logrus.Formatter.
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}
	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if m, ok := data["msg"]; ok {
		data["fields.msg"] = m
	}
	data["msg"] = entry.Message

	if l, ok := data["level"]; ok {
		data["fields.level"] = l
	}
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON: %w", err)
	}
	return append(serialized, '\n'), nil
}
