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
	"net/netip"
	"time"
)

// Default settings
const (
	DefaultGateway    = "192.168.2.1"
	DefaultSSID       = "apsrv"
	DefaultPasswd     = "password"
	DefaultPort       = 8080
	DefaultStatusPort = 564
	DefaultSockets    = 3
	DefaultLeases     = 8
	DefaultTasks      = 4

	prefixLen = 24
)

// AuthMethod of the access point
type AuthMethod int

// authentication methods
const (
	AuthOpen AuthMethod = iota
	AuthWPA2Personal
)

func (a AuthMethod) String() string {
	switch a {
	case AuthOpen:
		return "open"
	case AuthWPA2Personal:
		return "WPA2-Personal"
	}
	return "unknown"
}

// APConfig is applied to the radio before each start attempt.
type APConfig struct {
	SSID    string
	Passwd  string
	Auth    AuthMethod
	Channel uint8
}

// Validate access point settings
func (ap APConfig) Validate() error {
	if len(ap.SSID) == 0 || len(ap.SSID) > 32 {
		return errNoSSID
	}
	if ap.Auth == AuthWPA2Personal && (len(ap.Passwd) < 8 || len(ap.Passwd) > 63) {
		return errPasswd
	}
	return nil
}

// Timing of the supervisor, orchestrator and request handler.
type Timing struct {
	Cooldown    time.Duration // pause after the AP stopped or failed to start
	LinkPoll    time.Duration // link-up polling interval
	CloseDelay  time.Duration // flush -> graceful close
	AbortDelay  time.Duration // graceful close -> abort
	IdleTimeout time.Duration // socket idle timeout
	AcceptRetry time.Duration // pause after a failed accept
}

// DefaultTiming returns the timing used on the device.
func DefaultTiming() Timing {
	return Timing{
		Cooldown:    5000 * time.Millisecond,
		LinkPoll:    500 * time.Millisecond,
		CloseDelay:  1000 * time.Millisecond,
		AbortDelay:  1000 * time.Millisecond,
		IdleTimeout: 10 * time.Second,
		AcceptRetry: 100 * time.Millisecond,
	}
}

// Config of the access point server
type Config struct {
	Gateway    string // gateway address; empty for DefaultGateway
	SSID       string
	Passwd     string
	Channel    uint8
	Port       uint16 // request port
	StatusPort uint16 // 9p status port (0 = disabled)
	Sockets    int    // socket pool capacity
	Leases     int    // size of the lease pool
	Tasks      int    // number of background task slots
	Timing     Timing
}

// DefaultConfig returns a new configuration with default settings.
func DefaultConfig() *Config {
	return &Config{
		Gateway:    DefaultGateway,
		SSID:       DefaultSSID,
		Passwd:     DefaultPasswd,
		Channel:    1,
		Port:       DefaultPort,
		StatusPort: DefaultStatusPort,
		Sockets:    DefaultSockets,
		Leases:     DefaultLeases,
		Tasks:      DefaultTasks,
		Timing:     DefaultTiming(),
	}
}

// AP returns the access point settings for a start attempt.
func (cfg *Config) AP() APConfig {
	return APConfig{
		SSID:    cfg.SSID,
		Passwd:  cfg.Passwd,
		Auth:    AuthWPA2Personal,
		Channel: cfg.Channel,
	}
}

// Validate configuration. A malformed configuration is fatal.
func (cfg *Config) Validate() error {
	if err := cfg.AP().Validate(); err != nil {
		return Fatal("config", StatCONF, err)
	}
	if cfg.Port == 0 || cfg.Port == cfg.StatusPort {
		return Fatal("config", StatCONF, errPort)
	}
	need := 1
	if cfg.StatusPort != 0 {
		need++
	}
	if cfg.Sockets < need {
		return Fatal("config", StatCONF, errSockets)
	}
	return nil
}

// IPv4Config is the static interface configuration.
type IPv4Config struct {
	Addr    netip.Prefix // interface address and prefix
	Gateway netip.Addr
	DNS     []netip.Addr
}

// ResolveGateway parses the gateway address. An empty string selects
// the default; a malformed address is a fatal error.
func ResolveGateway(s string) (netip.Addr, error) {
	if len(s) == 0 {
		s = DefaultGateway
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, Fatal("gateway", StatIP, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, Fatal("gateway", StatIP, errNoIPv4)
	}
	return addr, nil
}

// StaticIPv4 returns the interface configuration for a gateway:
// the device is the gateway of its own /24 and announces no DNS servers.
func StaticIPv4(gw netip.Addr) IPv4Config {
	return IPv4Config{
		Addr:    netip.PrefixFrom(gw, prefixLen),
		Gateway: gw,
	}
}

// NewSeed concatenates two 32-bit random draws. The seed is only used
// for randomization inside the stack.
func NewSeed(rnd func() (uint32, error)) (uint64, error) {
	hi, err := rnd()
	if err != nil {
		return 0, err
	}
	lo, err := rnd()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}
