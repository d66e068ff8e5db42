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
	"context"
	"io"
	"time"
)

// Device is a hardware abstraction
type Device interface {
	// LED on or off (if applicable)
	LED(on bool)

	// Radio initializes the wireless chip and returns its controller.
	// The AP supervisor is the only user of the controller.
	Radio() (Radio, error)

	// NewStack creates the IP stack on the access point interface.
	NewStack(cfg StackConfig) (Stack, error)
}

// Radio controls the wireless chip in access point mode.
type Radio interface {
	// Running reports if the access point is advertised.
	Running() (bool, error)

	// Configure applies the settings used by the next start.
	Configure(cfg APConfig) error

	// Start the access point; returns once it is up (or failed).
	Start(ctx context.Context) error

	// WaitStopped blocks until the access point stopped.
	WaitStopped(ctx context.Context) error
}

// StackConfig holds the parameters for the IP stack.
type StackConfig struct {
	IPv4    IPv4Config // static interface configuration
	Sockets int        // size of the socket pool
	Leases  int        // stations served by a stack-hosted lease service
	Seed    uint64     // seed for stack internal randomization
}

// Stack is the IP stack handle shared by all tasks. Implementations
// are safe for concurrent use. A stack that hosts the lease service of
// the access point itself also implements LeaseService.
type Stack interface {
	// Run moves frames between the network device and the stack.
	// It only returns on failure or cancellation.
	Run(ctx context.Context) error

	// LinkUp returns true if the interface is configured.
	LinkUp() bool

	// Listen allocates a socket from the pool that accepts
	// connections on the given port.
	Listen(port uint16, cfg SocketConfig) (Listener, error)
}

// SocketConfig for a pre-allocated TCP socket.
type SocketConfig struct {
	TxBufSize   int
	RxBufSize   int
	IdleTimeout time.Duration
}

// Listener accepts connections on a single socket. The next connection
// can only be accepted after the previous one was aborted.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
}

// Conn is an accepted TCP connection.
type Conn interface {
	io.ReadWriter

	// Flush pending output.
	Flush() error

	// Close the connection gracefully (FIN).
	Close() error

	// Abort the connection (RST) and release the socket.
	Abort()
}

// NIC is the frame interface of a network device. Received frames are
// passed to the stack by a handler registered with the device.
type NIC interface {
	PollOne() (bool, error)
	SendEth(frame []byte) error
}

// FrameStack writes outgoing frames.
type FrameStack interface {
	HandleEth(dst []byte) (int, error)
}
