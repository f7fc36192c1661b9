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

package errors

import (
	std_errors "errors"
	"strings"
	"testing"
)

func TestTrace(t *testing.T) {

	sentinel := std_errors.New("sentinel")

	err := Trace(sentinel)
	if !std_errors.Is(err, sentinel) {
		t.Fatal("expected wrapped sentinel")
	}
	if !strings.Contains(err.Error(), "TestTrace") {
		t.Fatalf("expected caller name in message: %s", err.Error())
	}

	if Trace(nil) != nil {
		t.Fatal("expected nil passthrough")
	}

	err = Tracef("%w: %s", sentinel, "detail")
	if !std_errors.Is(err, sentinel) {
		t.Fatal("expected wrapped sentinel")
	}
	if !strings.Contains(err.Error(), "detail") {
		t.Fatalf("expected detail in message: %s", err.Error())
	}

	err = TraceMsg(sentinel, "context")
	if !std_errors.Is(err, sentinel) ||
		!strings.Contains(err.Error(), "context") {
		t.Fatalf("unexpected message: %s", err.Error())
	}

	err = TraceNew("fresh")
	if !strings.Contains(err.Error(), "fresh") ||
		!strings.Contains(err.Error(), "TestTrace") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
