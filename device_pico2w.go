//go:build rp2350

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
	"machine"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/cyw43439"
	"github.com/soypat/seqs/stacks"
)

const mtu = cyw43439.MTU

// Raspberry Pico2 W  [RP2350]
type Pico2WDevice struct {
	ref    *cyw43439.Device // reference to device
	logger *slog.Logger     // serial console
	radio  *picoRadio
}

// LED on or off (if applicable)
func (dev *Pico2WDevice) LED(on bool) {
	dev.ref.GPIOSet(0, on)
}

// Initialize device
func InitDevice() Device {
	// access device
	dev := new(Pico2WDevice)
	dev.ref = cyw43439.NewPicoWDevice()
	dev.logger = slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return dev
}

// Logger returns the serial console logger.
func (dev *Pico2WDevice) Logger() *slog.Logger {
	return dev.logger
}

// Radio initializes the wifi chip and returns its controller.
func (dev *Pico2WDevice) Radio() (Radio, error) {
	if dev.radio != nil {
		return dev.radio, nil
	}
	wificfg := cyw43439.DefaultWifiConfig()
	// wificfg.Logger = dev.logger // Uncomment to see in depth info on wifi device functioning.
	dev.logger.Info("initializing pico W device...")
	devInitTime := time.Now()
	if err := dev.ref.Init(wificfg); err != nil {
		return nil, err
	}
	dev.logger.Info("cyw43439:Init", slog.Duration("duration", time.Since(devInitTime)))
	dev.radio = &picoRadio{ref: dev.ref, logger: dev.logger}
	return dev.radio, nil
}

// NewStack creates a port stack on the access point interface.
func (dev *Pico2WDevice) NewStack(cfg StackConfig) (Stack, error) {
	if dev.radio == nil {
		return nil, errors.New("radio not initialized")
	}
	mac, err := dev.ref.HardwareAddr6()
	if err != nil {
		return nil, err
	}
	ps := stacks.NewPortStack(stacks.PortStackConfig{
		MAC:             mac,
		MaxOpenPortsUDP: 1, // DHCP server
		MaxOpenPortsTCP: cfg.Sockets,
		MTU:             mtu,
		Logger:          dev.logger,
	})
	dev.ref.RecvEthHandle(ps.RecvEth)
	nic := &picoNIC{ref: dev.ref, radio: dev.radio}
	stack, err := newPortStack(ps, nic, mtu, dev.radio.running.Load, cfg, dev.logger)
	if err != nil {
		return nil, err
	}
	dev.logger.Info("AP interface",
		slog.String("mac", net.HardwareAddr(mac[:]).String()),
		slog.String("addr", cfg.IPv4.Addr.String()))
	return stack, nil
}

//----------------------------------------------------------------------

// picoRadio runs the cyw43439 in access point mode. The AP counts as
// stopped once the chip fails to deliver frames.
type picoRadio struct {
	ref    *cyw43439.Device
	logger *slog.Logger

	mu      sync.Mutex
	cfg     APConfig
	stopped chan struct{}
	running atomic.Bool
}

func (r *picoRadio) Running() (bool, error) {
	return r.running.Load(), nil
}

func (r *picoRadio) Configure(cfg APConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return nil
}

func (r *picoRadio) Start(ctx context.Context) error {
	if r.running.Load() {
		return errRunning
	}
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()
	if len(cfg.SSID) == 0 {
		return errUnconfigured
	}
	passwd := cfg.Passwd
	if cfg.Auth == AuthOpen {
		passwd = ""
	}
	if err := r.ref.StartAP(cfg.SSID, passwd, cfg.Channel); err != nil {
		return err
	}
	r.mu.Lock()
	r.stopped = make(chan struct{})
	r.mu.Unlock()
	r.running.Store(true)
	return ctx.Err()
}

func (r *picoRadio) WaitStopped(ctx context.Context) error {
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

// fault marks the access point as stopped.
func (r *picoRadio) fault(err error) {
	if r.running.CompareAndSwap(true, false) {
		r.logger.Warn("access point lost", slog.String("err", err.Error()))
		r.mu.Lock()
		close(r.stopped)
		r.mu.Unlock()
	}
}

// picoNIC reports poll failures to the radio.
type picoNIC struct {
	ref   *cyw43439.Device
	radio *picoRadio
}

func (n *picoNIC) PollOne() (bool, error) {
	got, err := n.ref.PollOne()
	if err != nil {
		n.radio.fault(err)
	}
	return got, err
}

func (n *picoNIC) SendEth(frame []byte) error {
	return n.ref.SendEth(frame)
}
