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

package writeback

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/inodevm/pkg/hostarch"
	"gvisor.dev/inodevm/pkg/inode"
	"gvisor.dev/inodevm/pkg/pgalloc"
	"gvisor.dev/inodevm/pkg/vmobject"
)

type fixture struct {
	backend *inode.MemBackend
	table   *vmobject.Table
	objects []vmobject.InodeObject
}

// newFixture creates n private objects of pages pages each, inserted into a
// table, with every page written.
func newFixture(t *testing.T, n, pages int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		backend: inode.NewMemBackend(),
		table:   vmobject.NewTable(),
	}
	r := pgalloc.NewRegistry(pgalloc.Opts{})
	for i := 0; i < n; i++ {
		ino := f.backend.Create(make([]byte, pages*hostarch.PageSize))
		obj, err := vmobject.TryCreatePrivate(ctx, ino, vmobject.Opts{Registry: r, Backend: f.backend})
		ino.DecRef(ctx)
		if err != nil {
			t.Fatalf("TryCreatePrivate: %v", err)
		}
		for p := 0; p < pages; p++ {
			if err := obj.Store(ctx, uint32(p), 0, []byte{byte('A' + i)}); err != nil {
				t.Fatalf("Store: %v", err)
			}
		}
		f.table.Insert(obj)
		obj.DecRef(ctx)
		f.objects = append(f.objects, obj)
	}
	t.Cleanup(func() { f.table.Clear(ctx) })
	return f
}

func (f *fixture) writes(obj vmobject.InodeObject, index uint32) int {
	return f.backend.Writes(obj.Inode().Ino(), index)
}

func TestSweepOnceWritesDirtyPages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, 2)
	s := New(f.table, Opts{Parallelism: 2})

	before := writebacks.Value()
	st, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if diff := cmp.Diff(Stats{Objects: 3, Written: 6}, st); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	if got := writebacks.Value() - before; got != 6 {
		t.Errorf("writebacks delta = %d, want 6", got)
	}
	for i, obj := range f.objects {
		if got := obj.DirtyIndices(); len(got) != 0 {
			t.Errorf("object %d dirty after sweep: %v", i, got)
		}
		content := f.backend.Contents(obj.Inode().Ino())
		if content[0] != byte('A'+i) || content[hostarch.PageSize] != byte('A'+i) {
			t.Errorf("object %d content not written back", i)
		}
	}

	// Nothing is left to write.
	st, err = s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if st.Written != 0 {
		t.Errorf("second sweep wrote %d pages", st.Written)
	}
}

func TestSweepWritesThroughEachObjectsBackend(t *testing.T) {
	ctx := context.Background()
	r := pgalloc.NewRegistry(pgalloc.Opts{})
	table := vmobject.NewTable()
	defer table.Clear(ctx)

	backends := []*inode.MemBackend{inode.NewMemBackend(), inode.NewMemBackend()}
	var objects []vmobject.InodeObject
	for i, b := range backends {
		ino := b.Create(make([]byte, hostarch.PageSize))
		obj, err := vmobject.TryCreateShared(ctx, ino, vmobject.Opts{Registry: r, Backend: b})
		ino.DecRef(ctx)
		if err != nil {
			t.Fatalf("TryCreateShared: %v", err)
		}
		if err := obj.Store(ctx, 0, 0, []byte{byte('x' + i)}); err != nil {
			t.Fatalf("Store: %v", err)
		}
		table.Insert(obj)
		obj.DecRef(ctx)
		objects = append(objects, obj)
	}

	st, err := New(table, Opts{}).SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if st.Written != 2 {
		t.Errorf("Written = %d, want 2", st.Written)
	}
	for i, b := range backends {
		ino := objects[i].Inode().Ino()
		if got := b.Writes(ino, 0); got != 1 {
			t.Errorf("backend %d: Writes = %d, want 1", i, got)
		}
		if got, want := b.Contents(ino)[0], byte('x'+i); got != want {
			t.Errorf("backend %d: content %q, want %q", i, got, want)
		}
	}
}

func TestSweepRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 1)
	s := New(f.table, Opts{MaxRetryElapsed: 10 * time.Second})

	f.backend.FailWrites(2)
	st, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if st.Written != 1 || st.Failed != 0 {
		t.Errorf("Stats = %v, want one page written", st)
	}
	if got := f.writes(f.objects[0], 0); got != 1 {
		t.Errorf("Writes = %d, want 1", got)
	}
}

func TestSweepFailureKeepsPageDirty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 1)
	s := New(f.table, Opts{})

	f.backend.FailWrites(1)
	before := writebackFailures.Value()
	st, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if st.Failed != 1 || st.Written != 0 {
		t.Errorf("Stats = %v, want one failure", st)
	}
	if got := writebackFailures.Value() - before; got != 1 {
		t.Errorf("writeback_failures delta = %d, want 1", got)
	}
	if !f.objects[0].IsDirty(0) {
		t.Errorf("page clean after failed write-back")
	}

	// The next sweep picks the page up again.
	st, err = s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if st.Written != 1 {
		t.Errorf("Stats = %v, want one page written", st)
	}
	if f.objects[0].IsDirty(0) {
		t.Errorf("page dirty after successful write-back")
	}
}

func TestWriteDuringWritebackKeepsPageDirty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 1)
	obj := f.objects[0]
	s := New(f.table, Opts{})

	f.backend.SetWriteHook(func(uint64, uint32) {
		f.backend.SetWriteHook(nil)
		if err := obj.Store(ctx, 0, 1, []byte("again")); err != nil {
			t.Errorf("Store: %v", err)
		}
	})
	st, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if st.Written != 1 {
		t.Errorf("Stats = %v, want one page written", st)
	}
	if !obj.IsDirty(0) {
		t.Fatalf("page clean although written during write-back")
	}

	if _, err := s.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if obj.IsDirty(0) {
		t.Errorf("page dirty after second sweep")
	}
	content := f.backend.Contents(obj.Inode().Ino())
	if !bytes.Equal(content[:6], []byte("Aagain")) {
		t.Errorf("content = %q, want %q", content[:6], "Aagain")
	}
}

func TestConcurrentSweepsWriteEachPageOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4, 4)
	s := New(f.table, Opts{Parallelism: 4})

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := s.SweepOnce(ctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	for i, obj := range f.objects {
		for p := uint32(0); p < 4; p++ {
			if got := f.writes(obj, p); got != 1 {
				t.Errorf("object %d page %d written %d times, want 1", i, p, got)
			}
		}
	}
}

func TestSweepEvictsCleanPages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 3)
	s := New(f.table, Opts{EvictClean: true})

	st, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if st.Evicted != 6 {
		t.Errorf("Stats = %v, want 6 evicted", st)
	}
	for i, obj := range f.objects {
		resident := 0
		obj.ForEachResident(func(uint32, pgalloc.Frame) bool {
			resident++
			return true
		})
		if resident != 0 {
			t.Errorf("object %d has %d resident pages after eviction", i, resident)
		}
	}
}

func TestSweepOnceCanceled(t *testing.T) {
	f := newFixture(t, 1, 1)
	s := New(f.table, Opts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.SweepOnce(ctx); err == nil {
		t.Errorf("SweepOnce with canceled context succeeded")
	}
	if !f.objects[0].IsDirty(0) {
		t.Errorf("page written back with canceled context")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 1, 1)
	s := New(f.table, Opts{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for f.objects[0].IsDirty(0) {
		if time.Now().After(deadline) {
			t.Fatalf("Run did not write back the dirty page")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}
