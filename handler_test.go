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
	"io"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// chunkReader returns one chunk per read, then err.
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestReadRequest(t *testing.T) {
	errReset := errors.New("connection reset")
	long := strings.Repeat("x", RequestBufSize)
	tests := []struct {
		name   string
		chunks []string
		err    error
		n      int
		end    ReadEnd
	}{
		{"single read", []string{"GET / HTTP/1.1\r\nHost: x\r\n\r\n"}, io.EOF, 27, EndTerminator},
		{"split request", []string{"GET / HTTP/1.1\r\n", "Host: x\r\n", "\r\n"}, io.EOF, 27, EndTerminator},
		{"split terminator", []string{"GET / HTTP/1.1\r\n\r", "\n"}, io.EOF, 18, EndTerminator},
		{"terminator mid buffer", []string{"A\r\n\r\nB"}, io.EOF, 6, EndTerminator},
		{"eof without terminator", []string{"GET /", " HTTP/1.1\r\n"}, io.EOF, 16, EndEOF},
		{"empty", nil, io.EOF, 0, EndEOF},
		{"zero read", []string{"partial"}, nil, 7, EndEOF},
		{"read error", []string{"GET"}, errReset, 3, EndError},
		{"buffer full", []string{long[:600], long[600:], "\r\n\r\n"}, io.EOF, RequestBufSize, EndFull},
		{"terminator at end of buffer", []string{long[:RequestBufSize-4], "\r\n\r\n"}, io.EOF, RequestBufSize, EndTerminator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, RequestBufSize)
			r := &chunkReader{chunks: slices.Clone(tt.chunks), err: tt.err}
			n, end, err := ReadRequest(r, buf)
			if n != tt.n || end != tt.end {
				t.Fatalf("got (%d, %s), want (%d, %s)", n, end, tt.n, tt.end)
			}
			if (end == EndError) != (err != nil) {
				t.Fatalf("error %v for %s", err, end)
			}
			want := strings.Join(tt.chunks, "")
			if len(want) > n {
				want = want[:n]
			}
			if string(buf[:n]) != want {
				t.Fatalf("buffer %q, want %q", buf[:n], want)
			}
		})
	}
}

func newTestHandler(lst Listener, st *Status) *Handler {
	return NewHandler(lst, HandlerConfig{
		Timing: testTiming(),
		Status: st,
	})
}

func TestHandlerTeardownOrder(t *testing.T) {
	lst := newFakeListener()
	conn := newFakeConn("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	lst.queue <- acceptResult{conn: conn}
	h := newTestHandler(lst, nil)

	if err := h.serveOne(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ops := conn.ops(); !slices.Equal(ops, []string{"write", "flush", "close", "abort"}) {
		t.Fatalf("operations %v", ops)
	}
	if conn.written() != Response {
		t.Fatalf("response %q", conn.written())
	}
	timing := testTiming()
	if d := conn.at("close").Sub(conn.at("flush")); d < timing.CloseDelay {
		t.Fatalf("closed %v after flush", d)
	}
	if d := conn.at("abort").Sub(conn.at("close")); d < timing.AbortDelay {
		t.Fatalf("aborted %v after close", d)
	}
	if h.State() != ConnAborted || h.Served() != 1 || h.Failed() != 0 {
		t.Fatalf("state %s, served %d, failed %d", h.State(), h.Served(), h.Failed())
	}
}

func TestHandlerRespondsOnEOF(t *testing.T) {
	lst := newFakeListener()
	conn := newFakeConn("no terminator here")
	lst.queue <- acceptResult{conn: conn}
	h := newTestHandler(lst, nil)
	if err := h.serveOne(context.Background()); err != nil {
		t.Fatal(err)
	}
	if conn.written() != Response {
		t.Fatalf("response %q", conn.written())
	}
}

func TestHandlerWriteFailure(t *testing.T) {
	lst := newFakeListener()
	conn := newFakeConn("GET / HTTP/1.0\r\n\r\n")
	conn.writeErr = errors.New("broken pipe")
	conn.flushErr = errors.New("broken pipe")
	lst.queue <- acceptResult{conn: conn}
	st := new(Status)
	h := newTestHandler(lst, st)
	if err := h.serveOne(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ops := conn.ops(); !slices.Equal(ops, []string{"write", "flush", "close", "abort"}) {
		t.Fatalf("operations %v", ops)
	}
	if h.Failed() != 2 {
		t.Fatalf("failed %d", h.Failed())
	}
	if code, _ := st.Get(); code != StatSRV {
		t.Fatalf("status %d", code)
	}
}

func TestHandlerAcceptErrors(t *testing.T) {
	lst := newFakeListener()
	conn := newFakeConn("GET / HTTP/1.0\r\n\r\n")
	lst.queue <- acceptResult{err: Recoverable("accept", StatSRV, errors.New("timeout"))}
	lst.queue <- acceptResult{conn: conn}
	lst.queue <- acceptResult{err: Fatal("accept", StatLISTEN, errors.New("socket gone"))}
	h := newTestHandler(lst, nil)

	err := h.Serve(context.Background())
	if !IsFatal(err) || Code(err) != StatLISTEN {
		t.Fatalf("expected fatal listen error, got %v", err)
	}
	if h.Served() != 1 || h.Failed() != 2 {
		t.Fatalf("served %d, failed %d", h.Served(), h.Failed())
	}
}

func TestHandlerCancelAbortsConnection(t *testing.T) {
	lst := newFakeListener()
	conn := newFakeConn("GET / HTTP/1.0\r\n\r\n")
	lst.queue <- acceptResult{conn: conn}
	h := NewHandler(lst, HandlerConfig{Timing: Timing{CloseDelay: time.Hour, AbortDelay: time.Hour}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()
	eventually(t, time.Second, func() bool { return h.State() == ConnClosing })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected exit: %v", err)
	}
	if ops := conn.ops(); !slices.Equal(ops, []string{"write", "flush", "abort"}) {
		t.Fatalf("operations %v", ops)
	}
	if h.Served() != 0 {
		t.Fatalf("interrupted connection counted as served")
	}
}

// brokenListener fails every accept without blocking.
type brokenListener struct {
	accepts atomic.Int32
}

func (l *brokenListener) Accept(ctx context.Context) (Conn, error) {
	l.accepts.Add(1)
	return nil, Recoverable("listen", StatLISTEN, errors.New("port in use"))
}

func TestHandlerAcceptRetryPause(t *testing.T) {
	lst := new(brokenListener)
	timing := testTiming()
	timing.AcceptRetry = 20 * time.Millisecond
	h := NewHandler(lst, HandlerConfig{Timing: timing})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := h.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected exit: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("cancellation took %v", d)
	}
	// one accept per retry pause
	if n := lst.accepts.Load(); n < 2 || n > 10 {
		t.Fatalf("%d accepts in 100ms", n)
	}
}
