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

// ioBuffer is a fixed-capacity byte buffer with a single write cursor. The
// first Len() bytes, from offset 0, are valid; consumers drain from the
// front and the buffer compacts with a move. There is no read cursor.
type ioBuffer struct {
	data []byte
	pos  int
}

func newIOBuffer(capacity int) *ioBuffer {
	return &ioBuffer{
		data: make([]byte, capacity),
	}
}

// Len returns the number of valid buffered bytes.
func (b *ioBuffer) Len() int {
	return b.pos
}

// Free returns the remaining capacity.
func (b *ioBuffer) Free() int {
	return len(b.data) - b.pos
}

// Bytes returns the valid buffered bytes. The returned slice aliases the
// buffer and is invalidated by Append, Extend, and Consume.
func (b *ioBuffer) Bytes() []byte {
	return b.data[:b.pos]
}

// FreeBytes returns the writable tail of the buffer. After filling some
// prefix of the returned slice, the caller must commit it with Extend.
func (b *ioBuffer) FreeBytes() []byte {
	return b.data[b.pos:]
}

// Extend commits n bytes previously written into FreeBytes.
func (b *ioBuffer) Extend(n int) {
	b.pos += n
}

// Append copies as much of p as fits and returns the number of bytes
// copied.
func (b *ioBuffer) Append(p []byte) int {
	n := copy(b.data[b.pos:], p)
	b.pos += n
	return n
}

// Consume discards the first n valid bytes, moving any remainder to the
// front of the buffer.
func (b *ioBuffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= b.pos {
		b.pos = 0
		return
	}
	copy(b.data, b.data[n:b.pos])
	b.pos -= n
}

// Reset discards all valid bytes.
func (b *ioBuffer) Reset() {
	b.pos = 0
}
