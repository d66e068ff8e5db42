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
	"fmt"
)

// StatusSource provides the values shown in the status namespace.
type StatusSource struct {
	Config  *Config
	Gateway string
	AP      *Supervisor
	Handler *Handler
	Leases  interface{ Leases() []Lease } // optional
}

// NewStatusNamespace builds the read-only status filesystem:
//
//	/ap/state /ap/starts /ap/failures
//	/http/state /http/served /http/failed
//	/config/gateway /config/ssid /config/port
//	/leases
func NewStatusNamespace(src StatusSource) (*Namespace, error) {
	ns := NewNamespace("sys", "sys")
	files := []struct {
		name string
		impl File
	}{
		{"/ap/state", NewValueFile(src.AP.State)},
		{"/ap/starts", NewValueFile(src.AP.Starts)},
		{"/ap/failures", NewValueFile(src.AP.Failures)},
		{"/http/state", NewValueFile(src.Handler.State)},
		{"/http/served", NewValueFile(src.Handler.Served)},
		{"/http/failed", NewValueFile(src.Handler.Failed)},
		{"/config/gateway", NewTextFile(src.Gateway + "\n")},
		{"/config/ssid", NewTextFile(src.Config.SSID + "\n")},
		{"/config/port", NewTextFile(fmt.Sprintf("%d\n", src.Config.Port))},
	}
	for _, dir := range []string{"/ap", "/http", "/config"} {
		if err := ns.NewDir(dir, 0555); err != nil {
			return nil, err
		}
	}
	for _, f := range files {
		if err := ns.NewFile(f.name, 0444, f.impl); err != nil {
			return nil, err
		}
	}
	if src.Leases != nil {
		leases := NewFuncFile(func() ([]byte, error) {
			buf := new(bytes.Buffer)
			for _, l := range src.Leases.Leases() {
				fmt.Fprintf(buf, "%s %s\n", l.HW, l.Addr)
			}
			return buf.Bytes(), nil
		})
		if err := ns.NewFile("/leases", 0444, leases); err != nil {
			return nil, err
		}
	}
	return ns, nil
}
