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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/inodevm/pkg/config"
	"gvisor.dev/inodevm/pkg/hostarch"
	"gvisor.dev/inodevm/pkg/inode"
	"gvisor.dev/inodevm/pkg/pgalloc"
	"gvisor.dev/inodevm/pkg/vmobject"
	"gvisor.dev/inodevm/pkg/writeback"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	pages int
	page  int
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run a fork and copy-on-write scenario on an in-memory file"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [-pages N] [-page I] - run a fork and copy-on-write scenario.

A private object O is created for an in-memory file of N pages and every page
is faulted in. O is cloned into C, then page I is written first in C and then
in O. The frame tables, dirty pages (marked *) and a digest of each page are
printed after every step, followed by a write-back sweep.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.pages, "pages", 4, "number of pages in the file")
	f.IntVar(&s.page, "page", 2, "page written by the child and then the parent")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.pages < 1 || s.page < 0 || s.page >= s.pages {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := RunScenario(ctx, os.Stdout, configFrom(args), s.pages, uint32(s.page)); err != nil {
		fmt.Fprintf(os.Stderr, "scenario: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// RunScenario runs the fork scenario described by Scenario.Usage, writing
// its report to w.
func RunScenario(ctx context.Context, w io.Writer, conf *config.Config, pages int, page uint32) error {
	backend := inode.NewMemBackend()
	var content []byte
	for i := 0; i < pages; i++ {
		content = append(content, bytes.Repeat([]byte{'a' + byte(i%26)}, hostarch.PageSize)...)
	}
	ino := backend.Create(content)
	defer ino.DecRef(ctx)

	r := pgalloc.NewRegistry(conf.RegistryOpts())
	table := vmobject.NewTable()
	defer table.Clear(ctx)

	o, err := vmobject.TryCreatePrivate(ctx, ino, vmobject.Opts{Registry: r, Backend: backend})
	if err != nil {
		return err
	}
	table.Insert(o)
	o.DecRef(ctx)
	for i := uint32(0); i < o.PageCount(); i++ {
		if _, err := o.ResolvePage(ctx, i, false); err != nil {
			return fmt.Errorf("faulting in page %d: %w", i, err)
		}
	}
	fmt.Fprintf(w, "== created and faulted in\n")
	printObject(w, "O", o, r)

	obj, err := o.TryClone(ctx)
	if err != nil {
		return err
	}
	c := obj.(vmobject.InodeObject)
	table.Insert(c)
	c.DecRef(ctx)
	fmt.Fprintf(w, "== cloned\n")
	printObject(w, "O", o, r)
	printObject(w, "C", c, r)

	if err := c.Store(ctx, page, 0, []byte("written by C")); err != nil {
		return fmt.Errorf("writing page %d in C: %w", page, err)
	}
	fmt.Fprintf(w, "== page %d written in C\n", page)
	printObject(w, "O", o, r)
	printObject(w, "C", c, r)

	if err := o.Store(ctx, page, 0, []byte("written by O")); err != nil {
		return fmt.Errorf("writing page %d in O: %w", page, err)
	}
	fmt.Fprintf(w, "== page %d written in O\n", page)
	printObject(w, "O", o, r)
	printObject(w, "C", c, r)
	printRegistry(w, r)

	st, err := writeback.New(table, conf.SweeperOpts()).SweepOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "== write-back sweep: %v\n", st)
	printObject(w, "O", o, r)
	printObject(w, "C", c, r)
	printRegistry(w, r)
	return nil
}
