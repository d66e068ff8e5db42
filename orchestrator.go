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
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator brings the access point up and serves requests on it:
// it builds the IP stack with a static gateway configuration, spawns
// the frame pump, the AP supervisor and the lease service, waits for
// the link and then runs the request handler.
type Orchestrator struct {
	Config *Config                // nil for DefaultConfig()
	Device Device                 // hardware
	Leases LeaseService           // nil for the stack's own service or a LeasePool
	Random func() (uint32, error) // random source for the stack seed (nil for math/rand)
	Logger *slog.Logger
	Status *Status
}

// Run the startup sequence and serve requests until the context is
// cancelled or a fatal error occurs.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	cfg := o.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := o.Logger
	if logger == nil {
		logger = discardLogger()
	}
	fatal := func(err error) error {
		logger.Error("startup failed", slog.String("err", err.Error()))
		o.Status.Report(err, 0)
		return err
	}
	if err = cfg.Validate(); err != nil {
		return fatal(err)
	}

	// static IPv4 configuration with the device as gateway
	gw, err := ResolveGateway(cfg.Gateway)
	if err != nil {
		return fatal(err)
	}
	ipcfg := StaticIPv4(gw)

	rnd := o.Random
	if rnd == nil {
		rnd = func() (uint32, error) { return rand.Uint32(), nil }
	}
	seed, err := NewSeed(rnd)
	if err != nil {
		return fatal(Fatal("seed", StatDEV, err))
	}

	// radio and IP stack
	radio, err := o.Device.Radio()
	if err != nil {
		return fatal(Fatal("radio", StatWIFI, err))
	}
	stack, err := o.Device.NewStack(StackConfig{
		IPv4:    ipcfg,
		Sockets: cfg.Sockets,
		Leases:  cfg.Leases,
		Seed:    seed,
	})
	if err != nil {
		return fatal(Fatal("stack", StatSTACK, err))
	}
	sockCfg := SocketConfig{
		TxBufSize:   SocketBufSize,
		RxBufSize:   SocketBufSize,
		IdleTimeout: cfg.Timing.IdleTimeout,
	}
	lst, err := stack.Listen(cfg.Port, sockCfg)
	if err != nil {
		return fatal(Fatal("listen", StatLISTEN, err))
	}
	logger.Info("IP stack ready",
		slog.String("addr", ipcfg.Addr.String()),
		slog.String("gateway", ipcfg.Gateway.String()),
		slog.Int("sockets", cfg.Sockets))

	sup := NewSupervisor(radio, SupervisorConfig{
		AP:       cfg.AP(),
		Cooldown: cfg.Timing.Cooldown,
		Logger:   logger.With(slog.String("task", "ap")),
		Status:   o.Status,
	})
	handler := NewHandler(lst, HandlerConfig{
		Timing: cfg.Timing,
		Logger: logger.With(slog.String("task", "http")),
		Status: o.Status,
	})
	leases := o.Leases
	if leases == nil {
		if ls, ok := stack.(LeaseService); ok {
			leases = ls
		} else {
			leases = NewLeasePool(cfg.Leases, logger.With(slog.String("task", "leases")))
		}
	}

	// background tasks
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Tasks > 0 {
		g.SetLimit(cfg.Tasks)
	}
	o.spawn(gctx, g, logger, "runner", stack.Run)
	o.spawn(gctx, g, logger, "supervisor", sup.Run)
	o.spawn(gctx, g, logger, "leases", func(ctx context.Context) error {
		return leases.Serve(ctx, gw.String())
	})
	if cfg.StatusPort != 0 {
		src := StatusSource{
			Config:  cfg,
			Gateway: gw.String(),
			AP:      sup,
			Handler: handler,
		}
		if l, ok := leases.(interface{ Leases() []Lease }); ok {
			src.Leases = l
		}
		if serr := o.status(gctx, g, logger, stack, cfg.StatusPort, sockCfg, src); serr != nil {
			logger.Error("status namespace unavailable", slog.String("err", serr.Error()))
			o.Status.Report(serr, 3)
		}
	}

	// wait for link and serve requests
	linkUp := func() bool {
		return stack.LinkUp() && sup.State() == APRunning
	}
	if err = waitLinkUp(gctx, linkUp, cfg.Timing.LinkPoll); err == nil {
		logger.Info("link up",
			slog.String("ssid", cfg.SSID),
			slog.String("url", "http://"+netip.AddrPortFrom(gw, cfg.Port).String()+"/"))
		err = handler.Serve(gctx)
	}
	cancel()
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		return werr
	}
	return err
}

// spawn a long-running task. A task without a free slot is reported and
// skipped; a failing task cancels all others.
func (o *Orchestrator) spawn(ctx context.Context, g *errgroup.Group, logger *slog.Logger, name string, task func(context.Context) error) {
	ok := g.TryGo(func() (err error) {
		defer o.Status.catch(name, &err)
		if err = task(ctx); err != nil && ctx.Err() == nil {
			logger.Error("task failed", slog.String("task", name), slog.String("err", err.Error()))
			o.Status.Report(err, 0)
		}
		return
	})
	if !ok {
		logger.Error("can't spawn task", slog.String("task", name))
		o.Status.Set(StatSPAWN, 0)
	}
}

// status serves the status namespace on its own socket. Failures of
// the namespace do not affect the other tasks.
func (o *Orchestrator) status(ctx context.Context, g *errgroup.Group, logger *slog.Logger,
	stack Stack, port uint16, sockCfg SocketConfig, src StatusSource) error {
	ns, err := NewStatusNamespace(src)
	if err != nil {
		return Recoverable("namespace", StatSRV, err)
	}
	lst, err := stack.Listen(port, sockCfg)
	if err != nil {
		return Recoverable("listen", StatLISTEN, err)
	}
	nsLogger := logger.With(slog.String("task", "9p"))
	o.spawn(ctx, g, logger, "status", func(ctx context.Context) error {
		if err := ns.Serve(ctx, lst, nsLogger); err != nil && ctx.Err() == nil {
			nsLogger.Error("status namespace stopped", slog.String("err", err.Error()))
		}
		return nil
	})
	return nil
}

// waitLinkUp polls the link state until it is up.
func waitLinkUp(ctx context.Context, up func() bool, every time.Duration) error {
	for !up() {
		if err := sleep(ctx, every); err != nil {
			return err
		}
	}
	return nil
}
