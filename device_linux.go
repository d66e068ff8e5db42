//go:build !rp2350

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
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// LinuxDevice (for testing purposes): a simulated radio and the TCP
// sockets of the host.
type LinuxDevice struct {
	host   string    // listen address ("" = all interfaces)
	radio  *SimRadio // simulated radio
	logger *slog.Logger
}

// LED on or off (not applicable)
func (dev *LinuxDevice) LED(on bool) {}

// Initialize device
func InitDevice() Device {
	return NewLinuxDevice("", NewSimRadio(0), nil)
}

// NewLinuxDevice listening on host with the given radio.
func NewLinuxDevice(host string, radio *SimRadio, logger *slog.Logger) *LinuxDevice {
	if logger == nil {
		logger = discardLogger()
	}
	return &LinuxDevice{
		host:   host,
		radio:  radio,
		logger: logger,
	}
}

// Radio returns the simulated radio.
func (dev *LinuxDevice) Radio() (Radio, error) {
	if dev.radio == nil {
		return nil, errors.New("no radio")
	}
	return dev.radio, nil
}

// NewStack returns a stack using the host TCP sockets.
func (dev *LinuxDevice) NewStack(cfg StackConfig) (Stack, error) {
	if cfg.Sockets < 1 {
		return nil, errSockets
	}
	dev.logger.Debug("host stack",
		slog.String("addr", cfg.IPv4.Addr.String()),
		slog.Uint64("seed", cfg.Seed))
	return &hostStack{
		host:    dev.host,
		sockets: cfg.Sockets,
		leases:  NewLeasePool(cfg.Leases, dev.logger.With(slog.String("task", "leases"))),
		logger:  dev.logger,
	}, nil
}

//----------------------------------------------------------------------

// SimRadio simulates an access point radio.
type SimRadio struct {
	delay time.Duration // start duration

	mu         sync.Mutex
	cfg        APConfig
	configured bool
	running    bool
	stopped    chan struct{} // closed when the AP stops
	starts     int
	failNext   error
}

// NewSimRadio creates a stopped radio that needs delay to start.
func NewSimRadio(delay time.Duration) *SimRadio {
	return &SimRadio{
		delay: delay,
	}
}

// Running reports if the access point is advertised.
func (r *SimRadio) Running() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running, nil
}

// Configure the access point.
func (r *SimRadio) Configure(cfg APConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.configured = true
	r.mu.Unlock()
	return nil
}

// Start the access point.
func (r *SimRadio) Start(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case r.running:
		r.mu.Unlock()
		return errRunning
	case !r.configured:
		r.mu.Unlock()
		return errUnconfigured
	case r.failNext != nil:
		err := r.failNext
		r.failNext = nil
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	if err := sleep(ctx, r.delay); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	r.stopped = make(chan struct{})
	r.starts++
	return nil
}

// WaitStopped blocks until the access point stops. It returns at once
// if the last started access point is already down.
func (r *SimRadio) WaitStopped(ctx context.Context) error {
	r.mu.Lock()
	ch := r.stopped
	r.mu.Unlock()
	if ch == nil {
		return errNotRunning
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop the access point (simulated drop).
func (r *SimRadio) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.running = false
		close(r.stopped)
	}
}

// FailNext lets the next start attempt fail with err.
func (r *SimRadio) FailNext(err error) {
	r.mu.Lock()
	r.failNext = err
	r.mu.Unlock()
}

// Starts returns the number of successful starts.
func (r *SimRadio) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Config returns the applied access point settings.
func (r *SimRadio) Config() APConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

//----------------------------------------------------------------------

// hostStack hands out host TCP sockets; frames are moved by the kernel.
// Connecting peers are the stations of the simulated access point and
// get a lease from the pool.
type hostStack struct {
	host    string
	sockets int
	used    atomic.Int32
	up      atomic.Bool
	leases  *LeasePool
	logger  *slog.Logger
}

// Run marks the link as up until the context is cancelled.
func (s *hostStack) Run(ctx context.Context) error {
	s.up.Store(true)
	defer s.up.Store(false)
	<-ctx.Done()
	return ctx.Err()
}

func (s *hostStack) LinkUp() bool {
	return s.up.Load()
}

// Serve the lease pool of the simulated access point.
func (s *hostStack) Serve(ctx context.Context, gateway string) error {
	return s.leases.Serve(ctx, gateway)
}

// Leases of the simulated stations
func (s *hostStack) Leases() []Lease {
	return s.leases.Leases()
}

// Listen on a host TCP socket.
func (s *hostStack) Listen(port uint16, cfg SocketConfig) (Listener, error) {
	if int(s.used.Add(1)) > s.sockets {
		s.used.Add(-1)
		return nil, errNoSocket
	}
	lcfg := new(net.ListenConfig)
	lis, err := lcfg.Listen(context.Background(), "tcp", net.JoinHostPort(s.host, strconv.Itoa(int(port))))
	if err != nil {
		s.used.Add(-1)
		return nil, err
	}
	return &hostListener{
		lis:   lis.(*net.TCPListener),
		cfg:   cfg,
		stack: s,
	}, nil
}

// join leases an address to the station behind a peer. Stations are
// identified by a locally administered hardware address built from the
// peer's IPv4 address.
func (s *hostStack) join(peer net.Addr) {
	ta, ok := peer.(*net.TCPAddr)
	if !ok {
		return
	}
	ip := ta.IP.To4()
	if ip == nil {
		return
	}
	hw := [6]byte{0x02, 0x00, ip[0], ip[1], ip[2], ip[3]}
	if _, err := s.leases.Acquire(hw); err != nil {
		s.logger.Debug("no lease", slog.String("peer", ta.String()), slog.String("err", err.Error()))
	}
}

// hostListener accepts connections one at a time.
type hostListener struct {
	lis   *net.TCPListener
	cfg   SocketConfig
	stack *hostStack
}

// Addr of the listening socket
func (l *hostListener) Addr() net.Addr {
	return l.lis.Addr()
}

// Accept the next connection.
func (l *hostListener) Accept(ctx context.Context) (Conn, error) {
	if err := l.lis.SetDeadline(time.Time{}); err != nil {
		return nil, Fatal("accept", StatLISTEN, err)
	}
	stop := context.AfterFunc(ctx, func() {
		l.lis.SetDeadline(time.Now())
	})
	defer stop()
	c, err := l.lis.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, Fatal("accept", StatLISTEN, err)
		}
		return nil, Recoverable("accept", StatSRV, err)
	}
	c.SetReadBuffer(l.cfg.RxBufSize)
	c.SetWriteBuffer(l.cfg.TxBufSize)
	l.stack.join(c.RemoteAddr())
	return &hostConn{c: c, idle: l.cfg.IdleTimeout}, nil
}

// Close the listening socket.
func (l *hostListener) Close() error {
	return l.lis.Close()
}

// hostConn is an accepted host TCP connection with idle timeout.
type hostConn struct {
	c    *net.TCPConn
	idle time.Duration
}

func (c *hostConn) Read(p []byte) (int, error) {
	if c.idle > 0 {
		c.c.SetReadDeadline(time.Now().Add(c.idle))
	}
	return c.c.Read(p)
}

func (c *hostConn) Write(p []byte) (int, error) {
	if c.idle > 0 {
		c.c.SetWriteDeadline(time.Now().Add(c.idle))
	}
	return c.c.Write(p)
}

// Flush is a no-op: the kernel sends without user-space buffering.
func (c *hostConn) Flush() error {
	return nil
}

// Close sends a FIN; reading stays possible until the abort.
func (c *hostConn) Close() error {
	if err := c.c.CloseWrite(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// Abort resets the connection and releases the socket.
func (c *hostConn) Abort() {
	c.c.SetLinger(0)
	c.c.Close()
}
