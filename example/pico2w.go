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

package main

import (
	"context"
	"log/slog"
	"machine"
	"strconv"
	"time"

	"github.com/bfix/apsrv"
)

// Access point settings; set at build time, e.g.
//
//	tinygo build -target=pico2-w -ldflags "-X main.Gateway=$APSRV_GATEWAY" ./example
var (
	SSID    string
	Passwd  string
	Gateway string
	Port    string
)

// run access point and request handler
func main() {
	// access device
	dev := apsrv.InitDevice()
	state := apsrv.NewStatus(dev)
	defer state.Trap(30 * time.Second)
	state.Set(apsrv.StatOK, 0)
	time.Sleep(2 * time.Second)

	var logger *slog.Logger
	if d, ok := dev.(*apsrv.Pico2WDevice); ok {
		logger = d.Logger()
	}

	// assemble configuration
	cfg := apsrv.DefaultConfig()
	if len(SSID) > 0 {
		cfg.SSID = SSID
	}
	if len(Passwd) > 0 {
		cfg.Passwd = Passwd
	}
	if len(Gateway) > 0 {
		cfg.Gateway = Gateway
	}
	if len(Port) > 0 {
		port, err := strconv.ParseUint(Port, 10, 16)
		if err != nil {
			state.Set(apsrv.StatCONF, 0)
			return
		}
		cfg.Port = uint16(port)
	}

	// bring up the access point and serve requests (never returns
	// unless networking failed)
	orc := &apsrv.Orchestrator{
		Config: cfg,
		Device: dev,
		Random: machine.GetRNG,
		Logger: logger,
		Status: state,
	}
	if err := orc.Run(context.Background()); err != nil && logger != nil {
		logger.Error("networking failed", slog.String("err", err.Error()))
	}
}
