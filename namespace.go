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
	"log/slog"
	"path"
	"strings"

	"git.sr.ht/~moody/ninep"
)

// Error messages
var (
	errNoRoot = errors.New("no root directory")
	errNoFile = errors.New("no such file or directory")
	errNoDir  = errors.New("not a directory")
	errNoAbs  = errors.New("no absolute path")
	errExists = errors.New("file exists")
)

//----------------------------------------------------------------------

// Entry in the filesystem
type Entry struct {
	ref      *ninep.Dir        // 9p reference
	children map[string]*Entry // list of children (for folders) or nil
	file     File              // file implementation or nil (for folders)
}

// IsDir returns true if entry is a directory
func (e *Entry) IsDir() bool {
	return e.children != nil
}

// Name of the entry
func (e *Entry) Name() string {
	return e.ref.Name
}

// File implementation of the entry (nil for directories)
func (e *Entry) File() File {
	return e.file
}

//----------------------------------------------------------------------

// Namespace is a synthetic file system.
type Namespace struct {
	ninep.NopFS                   // use default handlers where needed
	user, group string            // owner of all entries
	dict        map[uint64]*Entry // map Qid.Path to filesystem entry
	nextId      uint64            // next identifier (Qid.Path) of an entry
}

// NewNamespace creates a new filesystem with a root directory owned by
// the given user/group.
func NewNamespace(user, group string) *Namespace {
	ns := &Namespace{
		user:  user,
		group: group,
		dict:  make(map[uint64]*Entry),
	}
	ns.add(ns.newEntry("/", 0555, nil))
	return ns
}

// Root returns the entry of the root directory
func (ns *Namespace) Root() *Entry {
	return ns.dict[0]
}

// NewDir creates a directory at the given absolute path.
func (ns *Namespace) NewDir(name string, perm uint32) error {
	return ns.create(name, perm, nil)
}

// NewFile creates a file at the given absolute path.
func (ns *Namespace) NewFile(name string, perm uint32, impl File) error {
	if impl == nil {
		impl = new(NopFile)
	}
	return ns.create(name, perm, impl)
}

// create entry in the parent directory of the path.
// If impl is nil, the entry represents a directory; otherwise a file.
func (ns *Namespace) create(name string, perm uint32, impl File) error {
	if !strings.HasPrefix(name, "/") {
		return errNoAbs
	}
	dir, base := path.Split(path.Clean(name))
	if len(base) == 0 {
		return errExists
	}
	parent, err := ns.Get(dir)
	if err != nil {
		return err
	}
	if !parent.IsDir() {
		return errNoDir
	}
	if _, ok := parent.children[base]; ok {
		return errExists
	}
	e := ns.newEntry(base, perm, impl)
	parent.children[base] = e
	ns.add(e)
	return nil
}

// Create a new entry.
func (ns *Namespace) newEntry(name string, perm uint32, impl File) *Entry {
	e := new(Entry)
	kind := ninep.QTFile
	if impl == nil {
		kind = ninep.QTDir
		e.children = make(map[string]*Entry)
		perm |= ninep.DMDir
	} else {
		e.file = impl
	}
	e.ref = &ninep.Dir{
		Qid: ninep.Qid{
			Path: ns.nextId,
			Vers: 0,
			Type: byte(kind),
		},
		Name: name,
		Mode: perm,
		Uid:  ns.user,
		Gid:  ns.group,
		Muid: ns.user,
	}
	ns.nextId++
	return e
}

func (ns *Namespace) add(e *Entry) {
	ns.dict[e.ref.Path] = e
}

// Get entry with given path
func (ns *Namespace) Get(name string) (*Entry, error) {
	if !strings.HasPrefix(name, "/") {
		return nil, errNoAbs
	}
	curr := ns.Root()
	for _, label := range strings.Split(name[1:], "/") {
		if len(label) == 0 {
			continue
		}
		if !curr.IsDir() {
			return nil, errNoDir
		}
		e, ok := curr.children[label]
		if !ok {
			return nil, errNoFile
		}
		curr = e
	}
	return curr, nil
}

// ServeConn runs a 9p session on a connection.
func (ns *Namespace) ServeConn(rw io.ReadWriter) {
	srv := ninep.NewSrv(func() ninep.FS { return ns })
	srv.ServeIO(rw, rw)
}

// Serve 9p sessions one at a time on a single socket until the
// context is cancelled or the socket fails.
func (ns *Namespace) Serve(ctx context.Context, lst Listener, logger *slog.Logger) error {
	if logger == nil {
		logger = discardLogger()
	}
	for {
		conn, err := lst.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("9p accept error", slog.String("err", err.Error()))
			if IsFatal(err) {
				return err
			}
			continue
		}
		logger.Debug("9p session started")
		ns.ServeConn(conn)
		conn.Close()
		conn.Abort()
		logger.Debug("9p session ended")
	}
}

// ninep FS implementation

// Attach to 9p session
func (ns *Namespace) Attach(t *ninep.Tattach) {
	if e, ok := ns.dict[0]; ok {
		t.Respond(&e.ref.Qid)
	} else {
		t.Err(errNoRoot)
	}
}

// Walk to child entry with name "next".
func (ns *Namespace) Walk(cur *ninep.Qid, next string) *ninep.Qid {
	e, ok := ns.dict[cur.Path]
	if !ok || !e.IsDir() {
		return nil
	}
	if c, ok := e.children[next]; ok {
		return &c.ref.Qid
	}
	return nil
}

// Open entry for file operation
func (ns *Namespace) Open(t *ninep.Topen, q *ninep.Qid) {
	t.Respond(q, 8192)
}

// Read from entry. Either return the content of a file
// or the listing from a directory.
func (ns *Namespace) Read(t *ninep.Tread, q *ninep.Qid) {
	e, ok := ns.dict[q.Path]
	if !ok {
		t.Err(errNoFile)
		return
	}
	if e.IsDir() {
		var kids []ninep.Dir
		for _, c := range e.children {
			kids = append(kids, *c.ref)
		}
		ninep.ReadDir(t, kids)
		return
	}
	data, err := e.file.Read()
	if err != nil {
		t.Err(err)
	} else {
		ninep.ReadBuf(t, data)
	}
}

// Stat returns information for a filesytem entry.
func (ns *Namespace) Stat(t *ninep.Tstat, q *ninep.Qid) {
	e, ok := ns.dict[q.Path]
	if !ok {
		t.Err(errNoFile)
	} else {
		t.Respond(e.ref)
	}
}
