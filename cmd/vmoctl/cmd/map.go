// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"gvisor.dev/inodevm/pkg/config"
	"gvisor.dev/inodevm/pkg/inode"
	"gvisor.dev/inodevm/pkg/pgalloc"
	"gvisor.dev/inodevm/pkg/vmobject"
	"gvisor.dev/inodevm/pkg/writeback"
)

// Map implements subcommands.Command for the "map" command.
type Map struct {
	shared bool
	fork   bool
	sweep  bool
	writes pageWrites
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "map a host file into a memory object and fault pages in"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return `map [-shared] [-fork] [-sweep] [-write <page>=<text>]... <path> - map a host file.

Every page of the file is faulted in, then each -write is applied. With -fork
the object is cloned first and the writes go to the clone. With -sweep dirty
pages are written back to the file before the report; any pages still dirty
are written back when the objects are destroyed at exit. With -write the file
is opened read-write and held under an advisory lock, otherwise it is opened
read-only.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Map) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.shared, "shared", false, "create a shared object instead of a private one")
	f.BoolVar(&m.fork, "fork", false, "clone the object and write to the clone")
	f.BoolVar(&m.sweep, "sweep", false, "write dirty pages back to the file")
	f.Var(&m.writes, "write", "write <text> at the start of page <page>; may be repeated")
}

// Execute implements subcommands.Command.Execute.
func (m *Map) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := m.execute(ctx, os.Stdout, configFrom(args), f.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "map: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (m *Map) execute(ctx context.Context, w io.Writer, conf *config.Config, path string) error {
	if len(m.writes) > 0 {
		unlock, err := lockFile(path)
		if err != nil {
			return err
		}
		defer unlock()
	}
	ino, err := inode.OpenHostFile(path, len(m.writes) > 0)
	if err != nil {
		return err
	}
	defer ino.DecRef(ctx)
	fmt.Fprintf(w, "%s: inode %d, %s\n", path, ino.Ino(), humanize.IBytes(ino.Size()))

	r := pgalloc.NewRegistry(conf.RegistryOpts())
	opts := vmobject.Opts{Registry: r, Backend: inode.HostBackend{}}
	var obj vmobject.InodeObject
	if m.shared {
		obj, err = vmobject.TryCreateShared(ctx, ino, opts)
	} else {
		obj, err = vmobject.TryCreatePrivate(ctx, ino, opts)
	}
	if err != nil {
		return err
	}
	table := vmobject.NewTable()
	defer table.Clear(ctx)
	table.Insert(obj)
	obj.DecRef(ctx)

	for i := uint32(0); i < obj.PageCount(); i++ {
		if _, err := obj.ResolvePage(ctx, i, false); err != nil {
			return fmt.Errorf("faulting in page %d: %w", i, err)
		}
	}

	target := obj
	if m.fork {
		c, err := obj.TryClone(ctx)
		if err != nil {
			return err
		}
		if c != vmobject.Object(obj) {
			table.Insert(c)
		}
		c.DecRef(ctx)
		target = c.(vmobject.InodeObject)
	}
	for _, pw := range m.writes {
		if err := target.Store(ctx, pw.index, 0, []byte(pw.text)); err != nil {
			return fmt.Errorf("writing page %d: %w", pw.index, err)
		}
	}

	printObject(w, "object", obj, r)
	if target != obj {
		printObject(w, "clone", target, r)
	}
	printRegistry(w, r)

	if m.sweep {
		st, err := writeback.New(table, conf.SweeperOpts()).SweepOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "write-back sweep: %v\n", st)
	}
	return nil
}

// lockFile takes an advisory lock on path so that concurrent writers of the
// same file do not interleave write-backs.
func lockFile(path string) (func() error, error) {
	l := flock.NewFlock(path)
	if err := l.Lock(); err != nil {
		return nil, fmt.Errorf("error acquiring lock on %q: %v", path, err)
	}
	return l.Unlock, nil
}
