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
	"log/slog"
	"sync/atomic"
)

// Request handler constants
const (
	RequestBufSize = 1024 // request accumulation buffer
	SocketBufSize  = 1536 // socket send/receive buffer
)

// Response is the canned answer to every request.
const Response = "HTTP/1.0 200 OK\r\n\r\n" +
	"<html><body><h1>Hello from apsrv!</h1></body></html>\r\n"

// end of a header block
var terminator = []byte("\r\n\r\n")

// ReadEnd tells why the read phase of a connection ended.
type ReadEnd int

// read phase results
const (
	EndTerminator ReadEnd = iota // header terminator found
	EndEOF                       // peer closed its side
	EndError                     // read failed (timeout, reset, ...)
	EndFull                      // buffer full without terminator
)

func (e ReadEnd) String() string {
	switch e {
	case EndTerminator:
		return "terminator"
	case EndEOF:
		return "eof"
	case EndError:
		return "error"
	case EndFull:
		return "buffer full"
	}
	return "unknown"
}

// ConnState is the lifecycle state of the request handler.
type ConnState int32

// connection states
const (
	ConnListening ConnState = iota
	ConnAccepted
	ConnReading
	ConnResponding
	ConnClosing
	ConnClosed
	ConnAborted
)

func (s ConnState) String() string {
	switch s {
	case ConnListening:
		return "listening"
	case ConnAccepted:
		return "accepted"
	case ConnReading:
		return "reading"
	case ConnResponding:
		return "responding"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	case ConnAborted:
		return "aborted"
	}
	return "unknown"
}

// ReadRequest reads from r into buf until the header terminator shows
// up in the accumulated bytes, the peer closes, a read fails or buf is
// full. Every read appends at the current cursor.
func ReadRequest(r io.Reader, buf []byte) (n int, end ReadEnd, err error) {
	for n < len(buf) {
		var m int
		m, err = r.Read(buf[n:])
		// the terminator can straddle two reads
		from := max(n-len(terminator)+1, 0)
		n += m
		if bytes.Contains(buf[from:n], terminator) {
			return n, EndTerminator, nil
		}
		switch {
		case errors.Is(err, io.EOF):
			return n, EndEOF, nil
		case err != nil:
			return n, EndError, err
		case m == 0:
			// zero bytes without error: peer is done
			return n, EndEOF, nil
		}
	}
	return n, EndFull, nil
}

// HandlerConfig for the request handler
type HandlerConfig struct {
	Timing   Timing
	Response []byte // nil for the default response
	Logger   *slog.Logger
	Status   *Status
}

// Handler serves one connection at a time on a single socket: it reads
// a request, writes the canned response and tears the connection down
// (flush, delayed close, delayed abort) before accepting the next one.
type Handler struct {
	lst    Listener
	cfg    HandlerConfig
	logger *slog.Logger
	buf    [RequestBufSize]byte

	state  atomic.Int32
	served atomic.Uint32
	failed atomic.Uint32
}

// NewHandler creates a request handler on a listening socket.
func NewHandler(lst Listener, cfg HandlerConfig) *Handler {
	if cfg.Response == nil {
		cfg.Response = []byte(Response)
	}
	h := &Handler{
		lst:    lst,
		cfg:    cfg,
		logger: cfg.Logger,
	}
	if h.logger == nil {
		h.logger = discardLogger()
	}
	return h
}

// State of the current connection
func (h *Handler) State() ConnState {
	return ConnState(h.state.Load())
}

// Served returns the number of completed connections.
func (h *Handler) Served() uint32 {
	return h.served.Load()
}

// Failed returns the number of failed accepts, reads and writes.
func (h *Handler) Failed() uint32 {
	return h.failed.Load()
}

// Serve connections until the context is cancelled or the socket
// becomes unusable (fatal error).
func (h *Handler) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.serveOne(ctx); err != nil && IsFatal(err) {
			return err
		}
	}
}

// serveOne runs a single accept cycle.
func (h *Handler) serveOne(ctx context.Context) error {
	h.setState(ConnListening)
	h.logger.Debug("wait for connection...")
	conn, err := h.lst.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.fail("accept", err)
		if !IsFatal(err) {
			if serr := sleep(ctx, h.cfg.Timing.AcceptRetry); serr != nil {
				return serr
			}
		}
		return err
	}
	h.setState(ConnAccepted)
	h.logger.Debug("connected...")

	h.setState(ConnReading)
	n, end, err := ReadRequest(conn, h.buf[:])
	if err != nil {
		h.fail("read", err)
	}
	h.logger.Info("request", slog.Int("size", n), slog.String("end", end.String()))

	h.setState(ConnResponding)
	if _, err = conn.Write(h.cfg.Response); err != nil {
		h.fail("write", err)
	}
	if err = conn.Flush(); err != nil {
		h.fail("flush", err)
	}

	h.setState(ConnClosing)
	if err = sleep(ctx, h.cfg.Timing.CloseDelay); err == nil {
		if cerr := conn.Close(); cerr != nil {
			h.logger.Debug("close", slog.String("err", cerr.Error()))
		}
		h.setState(ConnClosed)
		err = sleep(ctx, h.cfg.Timing.AbortDelay)
	}
	// the socket is released in any case
	conn.Abort()
	h.setState(ConnAborted)
	if err == nil {
		h.served.Add(1)
	}
	return err
}

func (h *Handler) setState(s ConnState) {
	h.state.Store(int32(s))
}

func (h *Handler) fail(op string, err error) {
	h.failed.Add(1)
	h.logger.Error(op+" error", slog.String("err", err.Error()))
	if Code(err) == StatUNK {
		err = Recoverable(op, StatSRV, err)
	}
	h.cfg.Status.Report(err, 1)
}
