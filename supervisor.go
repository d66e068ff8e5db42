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
	"log/slog"
	"sync/atomic"
	"time"
)

// APState is the access point state as last seen by the supervisor.
type APState int32

// access point states
const (
	APNotRunning APState = iota
	APRunning
)

func (s APState) String() string {
	if s == APRunning {
		return "running"
	}
	return "not running"
}

// StateReader is a read-only view of the access point state.
type StateReader interface {
	State() APState
}

// SupervisorConfig for the access point supervisor
type SupervisorConfig struct {
	AP       APConfig
	Cooldown time.Duration
	Logger   *slog.Logger
	Status   *Status
}

// Supervisor keeps the access point advertised: it starts the AP if the
// radio reports it as not running, waits for it to stop and restarts it
// after a cooldown.
type Supervisor struct {
	radio    Radio
	ap       APConfig
	cooldown time.Duration
	logger   *slog.Logger
	status   *Status

	state    atomic.Int32
	starts   atomic.Uint32
	failures atomic.Uint32
}

// NewSupervisor takes ownership of the radio controller.
func NewSupervisor(radio Radio, cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &Supervisor{
		radio:    radio,
		ap:       cfg.AP,
		cooldown: cfg.Cooldown,
		logger:   logger,
		status:   cfg.Status,
	}
}

// State of the access point. Only the supervisor changes it.
func (s *Supervisor) State() APState {
	return APState(s.state.Load())
}

// Starts returns the number of successful starts.
func (s *Supervisor) Starts() uint32 {
	return s.starts.Load()
}

// Failures returns the number of failed configure/start attempts.
func (s *Supervisor) Failures() uint32 {
	return s.failures.Load()
}

// Run the supervisor until the context is cancelled. Radio failures
// are logged and retried after the cooldown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("AP supervisor started", slog.String("ssid", s.ap.SSID))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		running, err := s.radio.Running()
		if err != nil {
			s.fail(Recoverable("query", StatAP, err))
			if err = sleep(ctx, s.cooldown); err != nil {
				return err
			}
			continue
		}
		if running {
			s.state.Store(int32(APRunning))
			if err = s.radio.WaitStopped(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.fail(Recoverable("wait", StatAP, err))
			} else {
				s.state.Store(int32(APNotRunning))
				s.logger.Warn("access point stopped")
			}
			if err = sleep(ctx, s.cooldown); err != nil {
				return err
			}
			continue
		}
		s.state.Store(int32(APNotRunning))
		if err = s.start(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.fail(err)
			if err = sleep(ctx, s.cooldown); err != nil {
				return err
			}
		}
	}
}

// configure and start the radio
func (s *Supervisor) start(ctx context.Context) error {
	cfg := s.ap
	if err := s.radio.Configure(cfg); err != nil {
		return Recoverable("configure", StatAP, err)
	}
	s.logger.Info("starting access point",
		slog.String("ssid", cfg.SSID),
		slog.String("auth", cfg.Auth.String()),
		slog.Int("channel", int(cfg.Channel)))
	if err := s.radio.Start(ctx); err != nil {
		return Recoverable("start", StatAP, err)
	}
	s.starts.Add(1)
	s.state.Store(int32(APRunning))
	s.logger.Info("access point started")
	return nil
}

func (s *Supervisor) fail(err error) {
	s.failures.Add(1)
	s.logger.Error("access point failure", slog.String("err", err.Error()))
	s.status.Report(err, 3)
}

// sleep for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Make logger that does no logging.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(127),
	}))
}
