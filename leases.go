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
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
)

// LeaseService assigns addresses to stations joining the access point.
// It is started once with the gateway address and runs until cancelled.
type LeaseService interface {
	Serve(ctx context.Context, gateway string) error
}

// Lease of an address to a station
type Lease struct {
	HW   net.HardwareAddr
	Addr netip.Addr
}

// LeasePool hands out the addresses following the gateway inside its
// /24. A station keeps its address until it is released. The DHCP wire
// protocol is handled by the caller of Acquire/Release.
type LeasePool struct {
	size   int
	logger *slog.Logger

	mu     sync.Mutex
	addrs  []netip.Addr           // addresses of the pool (nil if not serving)
	leases map[[6]byte]netip.Addr // active leases
}

// NewLeasePool creates a pool for up to size stations.
func NewLeasePool(size int, logger *slog.Logger) *LeasePool {
	if logger == nil {
		logger = discardLogger()
	}
	return &LeasePool{
		size:   size,
		logger: logger,
		leases: make(map[[6]byte]netip.Addr),
	}
}

// Serve initializes the pool for the gateway and runs until the
// context is cancelled.
func (p *LeasePool) Serve(ctx context.Context, gateway string) error {
	gw, err := netip.ParseAddr(gateway)
	if err != nil {
		return Fatal("leases", StatLEASE, err)
	}
	if !gw.Is4() {
		return Fatal("leases", StatLEASE, errNoIPv4)
	}
	p.mu.Lock()
	p.addrs = poolAddrs(gw, p.size)
	p.mu.Unlock()
	p.logger.Info("lease service started",
		slog.String("gateway", gw.String()),
		slog.Int("size", len(p.addrs)))

	<-ctx.Done()

	p.mu.Lock()
	p.addrs = nil
	clear(p.leases)
	p.mu.Unlock()
	return ctx.Err()
}

// Acquire returns the address leased to a station, allocating the
// first free one for new stations.
func (p *LeasePool) Acquire(hw [6]byte) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addrs == nil {
		return netip.Addr{}, Recoverable("lease", StatLEASE, errNotServing)
	}
	if addr, ok := p.leases[hw]; ok {
		return addr, nil
	}
	for _, addr := range p.addrs {
		if !p.inUse(addr) {
			p.leases[hw] = addr
			p.logger.Info("address leased",
				slog.String("hw", net.HardwareAddr(hw[:]).String()),
				slog.String("addr", addr.String()))
			return addr, nil
		}
	}
	return netip.Addr{}, Recoverable("lease", StatLEASE, errPoolFull)
}

// Release the lease of a station.
func (p *LeasePool) Release(hw [6]byte) {
	p.mu.Lock()
	delete(p.leases, hw)
	p.mu.Unlock()
}

// Leases returns the active leases ordered by address.
func (p *LeasePool) Leases() []Lease {
	p.mu.Lock()
	list := make([]Lease, 0, len(p.leases))
	for hw, addr := range p.leases {
		list = append(list, Lease{HW: net.HardwareAddr(slices.Clone(hw[:])), Addr: addr})
	}
	p.mu.Unlock()
	slices.SortFunc(list, func(a, b Lease) int {
		return a.Addr.Compare(b.Addr)
	})
	return list
}

func (p *LeasePool) inUse(addr netip.Addr) bool {
	for _, a := range p.leases {
		if a == addr {
			return true
		}
	}
	return false
}

// poolAddrs lists up to size host addresses after the gateway, wrapping
// around inside the /24 and skipping network, broadcast and gateway.
func poolAddrs(gw netip.Addr, size int) (addrs []netip.Addr) {
	pfx := netip.PrefixFrom(gw, prefixLen).Masked()
	addr := gw
	for i := 0; len(addrs) < size && i < 256; i++ {
		addr = addr.Next()
		if !pfx.Contains(addr) || addr.As4()[3] == 255 {
			addr = pfx.Addr()
			continue
		}
		if addr == gw {
			break
		}
		addrs = append(addrs, addr)
	}
	return
}
