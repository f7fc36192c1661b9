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
	"fmt"

	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common"
	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common/errors"
)

// progressReportIntervalKB is the minimum number of newly written
// kilobytes before another progress report is sent. Reports let the
// front end replenish the remote sender's flow-control window, so the
// interval trades chattiness against how long a fast sender can stall.
const progressReportIntervalKB = 32

// formatProgressReport frames a stream progress report for the front-end
// channel: a hex payload length and CRLF, then SID and SKB headers
// terminated by a blank line.
func formatProgressReport(sid string, kb int64) []byte {
	payload := fmt.Sprintf("SID: %s\r\nSKB: %d\r\n\r\n", sid, kb)
	return []byte(fmt.Sprintf("%x\r\n%s", len(payload), payload))
}

// ReportProgress sends a progress report for the stream sid over the
// front-end connection, but only once at least progressReportIntervalKB
// kilobytes have been written since the last report. Accumulated written
// bytes roll into the cumulative reported-kilobyte counter, keeping the
// sub-kilobyte remainder for the next report.
func (c *Conn) ReportProgress(sid string, frontend *Conn) error {

	if c.wroteBytes < progressReportIntervalKB*1024 {
		return nil
	}

	c.reportedKB += c.wroteBytes >> 10
	c.wroteBytes &= 0x3FF

	_, err := frontend.Write(formatProgressReport(sid, c.reportedKB))
	if err != nil {
		return errors.Trace(err)
	}

	if c.config.LogMask.Has(LogMaskData) {
		c.logger.WithTraceFields(common.LogFields{
			"sid":         sid,
			"reported_kb": c.reportedKB,
		}).Debug("sent progress report")
	}
	return nil
}
