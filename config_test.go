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
	"errors"
	"net/netip"
	"testing"
)

func TestResolveGateway(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", DefaultGateway, true},
		{"10.1.2.1", "10.1.2.1", true},
		{"192.168.2", "", false},
		{"192.168.2.256", "", false},
		{"fe80::1", "", false},
		{"gateway", "", false},
	}
	for _, tt := range tests {
		addr, err := ResolveGateway(tt.in)
		if !tt.ok {
			if !IsFatal(err) || Code(err) != StatIP {
				t.Fatalf("%q: expected fatal IP error, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}
		if addr.String() != tt.want {
			t.Fatalf("%q: got %s", tt.in, addr)
		}
	}
}

func TestStaticIPv4(t *testing.T) {
	gw := netip.MustParseAddr("192.168.2.1")
	cfg := StaticIPv4(gw)
	if cfg.Addr.String() != "192.168.2.1/24" || cfg.Gateway != gw || cfg.DNS != nil {
		t.Fatalf("config %+v", cfg)
	}
}

func TestNewSeed(t *testing.T) {
	draws := []uint32{0xdeadbeef, 0x00c0ffee}
	seed, err := NewSeed(func() (uint32, error) {
		v := draws[0]
		draws = draws[1:]
		return v, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if seed != 0xdeadbeef00c0ffee {
		t.Fatalf("seed %x", seed)
	}
	errRNG := errors.New("rng busy")
	if _, err = NewSeed(func() (uint32, error) { return 0, errRNG }); !errors.Is(err, errRNG) {
		t.Fatalf("rng failure: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		err    error
	}{
		{"default", func(*Config) {}, nil},
		{"no ssid", func(c *Config) { c.SSID = "" }, errNoSSID},
		{"long ssid", func(c *Config) { c.SSID = "0123456789abcdef0123456789abcdef!" }, errNoSSID},
		{"short passphrase", func(c *Config) { c.Passwd = "1234567" }, errPasswd},
		{"no port", func(c *Config) { c.Port = 0 }, errPort},
		{"port clash", func(c *Config) { c.StatusPort = c.Port }, errPort},
		{"no sockets", func(c *Config) { c.Sockets = 1 }, errSockets},
		{"one socket without status", func(c *Config) { c.Sockets = 1; c.StatusPort = 0 }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.err == nil {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if !errors.Is(err, tt.err) || !IsFatal(err) || Code(err) != StatCONF {
				t.Fatalf("got %v, want %v", err, tt.err)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Gateway != "192.168.2.1" || cfg.Port != 8080 || cfg.Sockets != 3 {
		t.Fatalf("defaults %+v", cfg)
	}
	tm := cfg.Timing
	if tm.Cooldown.Milliseconds() != 5000 || tm.LinkPoll.Milliseconds() != 500 ||
		tm.CloseDelay.Milliseconds() != 1000 || tm.AbortDelay.Milliseconds() != 1000 ||
		tm.IdleTimeout.Seconds() != 10 || tm.AcceptRetry.Milliseconds() != 100 {
		t.Fatalf("timing %+v", tm)
	}
	if ap := cfg.AP(); ap.Auth != AuthWPA2Personal || ap.Auth.String() != "WPA2-Personal" {
		t.Fatalf("auth %s", ap.Auth)
	}
}
