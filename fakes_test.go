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
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// wait until cond holds or fail after timeout
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// test timing: everything short
func testTiming() Timing {
	return Timing{
		Cooldown:    20 * time.Millisecond,
		LinkPoll:    5 * time.Millisecond,
		CloseDelay:  30 * time.Millisecond,
		AbortDelay:  30 * time.Millisecond,
		IdleTimeout: 200 * time.Millisecond,
		AcceptRetry: 5 * time.Millisecond,
	}
}

//----------------------------------------------------------------------

// fakeRadio records start attempts and double starts.
type fakeRadio struct {
	mu          sync.Mutex
	running     bool
	stopped     chan struct{}
	stopAt      time.Time
	starts      []time.Time
	configs     []APConfig
	doubleStart int
	failStarts  int
	failConfigs int
	waits       int
}

func (r *fakeRadio) Running() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running, nil
}

func (r *fakeRadio) Configure(cfg APConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failConfigs > 0 {
		r.failConfigs--
		return errors.New("config rejected")
	}
	r.configs = append(r.configs, cfg)
	return nil
}

func (r *fakeRadio) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.doubleStart++
		return errRunning
	}
	if r.failStarts > 0 {
		r.failStarts--
		return errors.New("radio failure")
	}
	r.running = true
	r.stopped = make(chan struct{})
	r.starts = append(r.starts, time.Now())
	return nil
}

func (r *fakeRadio) WaitStopped(ctx context.Context) error {
	r.mu.Lock()
	ch := r.stopped
	r.waits++
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

// stop simulates an AP drop.
func (r *fakeRadio) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.running = false
		r.stopAt = time.Now()
		close(r.stopped)
	}
}

func (r *fakeRadio) startTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.starts...)
}

//----------------------------------------------------------------------

// connEvent is an operation on a fake connection.
type connEvent struct {
	op string
	at time.Time
}

// fakeConn replays a request and records all operations.
type fakeConn struct {
	r        io.Reader
	writeErr error
	flushErr error

	mu     sync.Mutex
	events []connEvent
	out    bytes.Buffer
}

func newFakeConn(req string) *fakeConn {
	return &fakeConn{r: bytes.NewBufferString(req)}
}

func (c *fakeConn) record(op string) {
	c.mu.Lock()
	c.events = append(c.events, connEvent{op: op, at: time.Now()})
	c.mu.Unlock()
}

func (c *fakeConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.record("write")
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *fakeConn) Flush() error {
	c.record("flush")
	return c.flushErr
}

func (c *fakeConn) Close() error {
	c.record("close")
	return nil
}

func (c *fakeConn) Abort() {
	c.record("abort")
}

func (c *fakeConn) ops() (list []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		list = append(list, e.op)
	}
	return
}

func (c *fakeConn) at(op string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.op == op {
			return e.at
		}
	}
	return time.Time{}
}

func (c *fakeConn) written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

// acceptResult is handed out by a fake listener.
type acceptResult struct {
	conn Conn
	err  error
}

// fakeListener hands out queued connections.
type fakeListener struct {
	queue    chan acceptResult
	accepts  atomic.Int32
	firstMu  sync.Mutex
	firstAcc time.Time
}

func newFakeListener() *fakeListener {
	return &fakeListener{queue: make(chan acceptResult, 8)}
}

func (l *fakeListener) Accept(ctx context.Context) (Conn, error) {
	l.firstMu.Lock()
	if l.firstAcc.IsZero() {
		l.firstAcc = time.Now()
	}
	l.firstMu.Unlock()
	l.accepts.Add(1)
	select {
	case res := <-l.queue:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeListener) firstAccept() time.Time {
	l.firstMu.Lock()
	defer l.firstMu.Unlock()
	return l.firstAcc
}

//----------------------------------------------------------------------

// fakeStack with controllable link state.
type fakeStack struct {
	cfg    StackConfig
	up     atomic.Bool
	runErr chan error

	mu        sync.Mutex
	listeners map[uint16]*fakeListener
	sockets   map[uint16]SocketConfig
}

func newFakeStack() *fakeStack {
	return &fakeStack{
		runErr:    make(chan error, 1),
		listeners: make(map[uint16]*fakeListener),
		sockets:   make(map[uint16]SocketConfig),
	}
}

func (s *fakeStack) Run(ctx context.Context) error {
	select {
	case err := <-s.runErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeStack) LinkUp() bool {
	return s.up.Load()
}

func (s *fakeStack) Listen(port uint16, cfg SocketConfig) (Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) >= s.cfg.Sockets {
		return nil, errNoSocket
	}
	l := newFakeListener()
	s.listeners[port] = l
	s.sockets[port] = cfg
	return l, nil
}

func (s *fakeStack) listener(port uint16) *fakeListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[port]
}

// fakeDevice hands out a fake radio and stack.
type fakeDevice struct {
	radio    Radio
	radioErr error
	stack    *fakeStack
	radios   atomic.Int32
}

func (d *fakeDevice) LED(on bool) {}

func (d *fakeDevice) Radio() (Radio, error) {
	d.radios.Add(1)
	if d.radioErr != nil {
		return nil, d.radioErr
	}
	return d.radio, nil
}

func (d *fakeDevice) NewStack(cfg StackConfig) (Stack, error) {
	d.stack.cfg = cfg
	return d.stack, nil
}

// fakeLeases records the gateway it was started with.
type fakeLeases struct {
	calls   atomic.Int32
	gateway atomic.Value
}

func (l *fakeLeases) Serve(ctx context.Context, gateway string) error {
	l.calls.Add(1)
	l.gateway.Store(gateway)
	<-ctx.Done()
	return ctx.Err()
}
