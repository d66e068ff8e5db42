//----------------------------------------------------------------------
// This file is part of apsrv.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// apsrv is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// apsrv is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package apsrv

import (
	"errors"
	"fmt"
)

// Error messages
var (
	errNoIPv4       = errors.New("not an IPv4 address")
	errNoSSID       = errors.New("missing SSID")
	errPasswd       = errors.New("WPA2 passphrase must have 8 to 63 characters")
	errPort         = errors.New("invalid port")
	errSockets      = errors.New("socket pool too small")
	errNoSocket     = errors.New("socket pool exhausted")
	errNotServing   = errors.New("lease pool not serving")
	errPoolFull     = errors.New("no free address in lease pool")
	errNotRunning   = errors.New("access point not running")
	errRunning      = errors.New("access point already running")
	errUnconfigured = errors.New("access point not configured")
)

// Error is a failure with a severity class. Fatal errors end the
// startup (or the device networking); recoverable errors are logged
// and the enclosing loop continues.
type Error struct {
	Op    string // failed operation
	Code  int    // status code (see status.go)
	Fatal bool   // no degraded mode possible
	Err   error  // cause
}

// Fatal error for operation
func Fatal(op string, code int, err error) error {
	return &Error{Op: op, Code: code, Fatal: true, Err: err}
}

// Recoverable error for operation
func Recoverable(op string, code int, err error) error {
	return &Error{Op: op, Code: code, Err: err}
}

func (e *Error) Error() string {
	kind := "recoverable"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal returns true if err is classified as fatal.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal
}

// Code returns the status code attached to an error.
func Code(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return StatUNK
}
