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

// Package cmd holds implementations of the vmoctl commands.
package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"
	"gvisor.dev/inodevm/pkg/config"
	"gvisor.dev/inodevm/pkg/hostarch"
	"gvisor.dev/inodevm/pkg/pgalloc"
	"gvisor.dev/inodevm/pkg/vmobject"
)

// configFrom returns the configuration passed to subcommands.Execute.
func configFrom(args []any) *config.Config {
	if len(args) > 0 {
		if c, ok := args[0].(*config.Config); ok {
			return c
		}
	}
	return config.Default()
}

// digest returns a short content digest of a page.
func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:6])
}

// printObject writes the frame table and dirty bits of obj to w, one line per
// page, with a digest of each resident page.
func printObject(w io.Writer, label string, obj vmobject.InodeObject, r *pgalloc.Registry) {
	frames := make([]pgalloc.Frame, obj.PageCount())
	for i := range frames {
		frames[i] = pgalloc.NoFrame
	}
	digests := make([]string, obj.PageCount())
	obj.ForEachResident(func(index uint32, f pgalloc.Frame) bool {
		frames[index] = f
		digests[index] = digest(r.Data(f))
		return true
	})
	dirty := make(map[uint32]bool)
	for _, i := range obj.DirtyIndices() {
		dirty[i] = true
	}

	fmt.Fprintf(w, "%s: %v refs=%d\n", label, obj, obj.ReadRefs())
	for i, f := range frames {
		d := digests[i]
		if d == "" {
			d = "-"
		}
		mark := ' '
		if dirty[uint32(i)] {
			mark = '*'
		}
		fmt.Fprintf(w, "  page %3d %c frame %-6v %s\n", i, mark, f, d)
	}
}

// printRegistry writes frame usage of r to w.
func printRegistry(w io.Writer, r *pgalloc.Registry) {
	stats, total := r.Memory().Copy()
	fmt.Fprintf(w, "registry: %d frames (%s), %d refs; page cache %s, private %s, metadata %s, total %s\n",
		r.InUse(), humanize.IBytes(r.InUse()*hostarch.PageSize), r.TotalRefs(),
		humanize.IBytes(stats.PageCache), humanize.IBytes(stats.Private), humanize.IBytes(stats.Metadata),
		humanize.IBytes(total))
}

// pageWrite is a write of text at the start of a page.
type pageWrite struct {
	index uint32
	text  string
}

// pageWrites can be used with flags that appear multiple times, each of the
// form <page>=<text>.
type pageWrites []pageWrite

// String implements flag.Value.
func (p *pageWrites) String() string {
	parts := make([]string, 0, len(*p))
	for _, w := range *p {
		parts = append(parts, fmt.Sprintf("%d=%s", w.index, w.text))
	}
	return strings.Join(parts, ",")
}

// Set implements flag.Value.
func (p *pageWrites) Set(s string) error {
	idx, text, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("invalid write %q, want <page>=<text>", s)
	}
	index, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid page index %q: %v", idx, err)
	}
	if len(text) > hostarch.PageSize {
		return fmt.Errorf("write of %d bytes exceeds page size", len(text))
	}
	*p = append(*p, pageWrite{uint32(index), text})
	return nil
}
