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
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/seqs"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/stacks"
)

// handshake polling interval of a listening socket
const acceptPoll = 5 * time.Millisecond

// portStack is a Stack on a seqs port stack. The runner moves frames
// between the NIC and the port stack; the DHCP server of the access
// point runs on its UDP port.
type portStack struct {
	stack   *stacks.PortStack
	nic     NIC
	mtu     int
	up      func() bool // radio state (nil: always up)
	logger  *slog.Logger
	sockets int
	used    atomic.Int32

	mu  sync.Mutex
	rng *rand.Rand
}

// newPortStack assigns the static address to the port stack.
func newPortStack(ps *stacks.PortStack, nic NIC, mtu int, up func() bool, cfg StackConfig, logger *slog.Logger) (*portStack, error) {
	addr := cfg.IPv4.Addr.Addr()
	if !addr.Is4() {
		return nil, errNoIPv4
	}
	if cfg.Sockets < 1 {
		return nil, errSockets
	}
	if logger == nil {
		logger = discardLogger()
	}
	ps.SetAddr(addr)
	return &portStack{
		stack:   ps,
		nic:     nic,
		mtu:     mtu,
		up:      up,
		logger:  logger,
		sockets: cfg.Sockets,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>32|cfg.Seed<<32)),
	}, nil
}

func (s *portStack) Run(ctx context.Context) error {
	return NewRunner(s.nic, s.stack, s.mtu, s.logger).Run(ctx)
}

func (s *portStack) LinkUp() bool {
	return !s.stack.Addr().IsUnspecified() && (s.up == nil || s.up())
}

// Listen pre-allocates a TCP socket with fixed buffers.
func (s *portStack) Listen(port uint16, cfg SocketConfig) (Listener, error) {
	if int(s.used.Add(1)) > s.sockets {
		s.used.Add(-1)
		return nil, errNoSocket
	}
	conn, err := stacks.NewTCPConn(s.stack, stacks.TCPConnConfig{
		TxBufSize: SocketBufSize,
		RxBufSize: SocketBufSize,
	})
	if err != nil {
		s.used.Add(-1)
		return nil, err
	}
	return &portListener{
		conn:  conn,
		port:  port,
		idle:  cfg.IdleTimeout,
		stack: s,
	}, nil
}

// Serve runs the DHCP server of the access point until the context is
// cancelled.
func (s *portStack) Serve(ctx context.Context, gateway string) error {
	stop, err := s.startDHCP(gateway)
	if err != nil {
		return err
	}
	defer stop()
	<-ctx.Done()
	return ctx.Err()
}

// startDHCP opens the DHCP server port; stop closes it again.
func (s *portStack) startDHCP(gateway string) (stop func(), err error) {
	gw, err := netip.ParseAddr(gateway)
	if err != nil {
		return nil, Fatal("leases", StatLEASE, err)
	}
	if !gw.Is4() {
		return nil, Fatal("leases", StatLEASE, errNoIPv4)
	}
	srv := stacks.NewDHCPServer(s.stack, gw, dhcp.DefaultServerPort)
	if err = srv.Start(); err != nil {
		return nil, Fatal("leases", StatLEASE, err)
	}
	s.logger.Info("DHCP server started",
		slog.String("addr", gw.String()),
		slog.Int("port", dhcp.DefaultServerPort))
	return func() {
		s.stack.CloseUDP(dhcp.DefaultServerPort)
	}, nil
}

// initial sequence number of a connection
func (s *portStack) iss() seqs.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seqs.Value(s.rng.Uint32())
}

// release the port: resets the connection and frees the socket.
func (s *portStack) release(port uint16) {
	if err := s.stack.CloseTCP(port); err != nil {
		// the stack closes the port itself on a finished connection
		s.logger.Debug("release", slog.Int("port", int(port)), slog.String("err", err.Error()))
	}
}

//----------------------------------------------------------------------

// portListener accepts connections on a single TCP socket.
type portListener struct {
	conn  *stacks.TCPConn
	port  uint16
	idle  time.Duration
	stack *portStack
}

// Accept opens the socket for listening and waits for the handshake.
func (l *portListener) Accept(ctx context.Context) (Conn, error) {
	if err := l.conn.OpenListenTCP(l.port, l.stack.iss()); err != nil {
		l.stack.release(l.port)
		return nil, Recoverable("listen", StatLISTEN, err)
	}
	for {
		st := l.conn.State()
		if st != seqs.StateListen && st != seqs.StateSynRcvd {
			if st != seqs.StateEstablished {
				l.stack.release(l.port)
				return nil, Recoverable("accept", StatSRV, errors.New("handshake failed: "+st.String()))
			}
			break
		}
		if err := sleep(ctx, acceptPoll); err != nil {
			l.stack.release(l.port)
			return nil, err
		}
	}
	return &portConn{conn: l.conn, port: l.port, idle: l.idle, stack: l.stack}, nil
}

// portConn is the established single socket.
type portConn struct {
	conn  *stacks.TCPConn
	port  uint16
	idle  time.Duration
	stack *portStack
}

func (c *portConn) Read(p []byte) (int, error) {
	c.conn.SetDeadline(time.Now().Add(c.idle))
	return c.conn.Read(p)
}

func (c *portConn) Write(p []byte) (int, error) {
	c.conn.SetDeadline(time.Now().Add(c.idle))
	return c.conn.Write(p)
}

// Flush waits until the send buffer is drained.
func (c *portConn) Flush() error {
	return c.conn.FlushOutputBuffer()
}

// Close sends a FIN once the send buffer is drained.
func (c *portConn) Close() error {
	return c.conn.Close()
}

// Abort closes the port, which resets the connection.
func (c *portConn) Abort() {
	c.stack.release(c.port)
}
