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

package vmobject

import (
	"context"
	"fmt"
	"sync"

	"gvisor.dev/inodevm/pkg/bitmap"
	"gvisor.dev/inodevm/pkg/cleanup"
	"gvisor.dev/inodevm/pkg/errors/vmerr"
	"gvisor.dev/inodevm/pkg/hostarch"
	"gvisor.dev/inodevm/pkg/inode"
	"gvisor.dev/inodevm/pkg/log"
	"gvisor.dev/inodevm/pkg/memmap"
	"gvisor.dev/inodevm/pkg/pgalloc"
	"gvisor.dev/inodevm/pkg/refs"
	"gvisor.dev/inodevm/pkg/usage"
)

// frameSlotBytes is the metadata charge of one frame table slot.
const frameSlotBytes = 8

// tableBytes returns the metadata charge of a frame table of pages slots.
func tableBytes(pages uint32) uint64 {
	return uint64(pages) * frameSlotBytes
}

// bitmapBytes returns the metadata charge of the per-page bitmaps of an
// object of pages pages: dirty, writeback and redirty.
func bitmapBytes(pages uint32) uint64 {
	return 3 * bitmap.SizeBytes(pages)
}

// metadataBytes returns the total metadata charge of an object.
func metadataBytes(pages uint32) uint64 {
	return tableBytes(pages) + bitmapBytes(pages)
}

// chargeMetadata charges the metadata of an object of pages pages. Nothing
// remains charged on failure.
func chargeMetadata(r *pgalloc.Registry, pages uint32) error {
	if err := r.ChargeMetadata(tableBytes(pages)); err != nil {
		return fmt.Errorf("frame table for %d pages: %w", pages, err)
	}
	cu := cleanup.Make(func() { r.UnchargeMetadata(tableBytes(pages)) })
	defer cu.Clean()
	if err := r.ChargeMetadata(bitmapBytes(pages)); err != nil {
		return fmt.Errorf("page bitmaps for %d pages: %w", pages, err)
	}
	cu.Release()
	return nil
}

// inodeObject is the state and behavior common to Private and Shared.
type inodeObject struct {
	refs.Refs

	// The following fields are immutable.
	kind      Kind
	registry  *pgalloc.Registry
	backend   inode.Backend
	ino       inode.Inode
	pageCount uint32

	mu sync.Mutex

	// frames is indexed by page. Each slot is pgalloc.NoFrame or holds one
	// reference on its frame.
	//
	// +checklocks:mu
	frames []pgalloc.Frame

	// dirty has a bit set for each page written since its last successful
	// write-back.
	//
	// +checklocks:mu
	dirty bitmap.Bitmap

	// writeback has a bit set for each page with a write-back in flight. It
	// is a subset of dirty.
	//
	// +checklocks:mu
	writeback bitmap.Bitmap

	// redirty has a bit set for each page written while its write-back was
	// in flight. It is a subset of writeback.
	//
	// +checklocks:mu
	redirty bitmap.Bitmap

	// +checklocks:mu
	mappings memmap.MappingSet
}

// init initializes o with an empty frame table for ino. It takes a reference
// on ino.
func (o *inodeObject) init(ino inode.Inode, opts Opts, kind Kind) error {
	opts.check()
	pages, ok := hostarch.PagesFor(ino.Size())
	if !ok {
		return fmt.Errorf("inode %d of %d bytes spans too many pages: %w", ino.Ino(), ino.Size(), vmerr.ErrNoMemory)
	}
	if err := chargeMetadata(opts.Registry, pages); err != nil {
		return fmt.Errorf("creating %v object for inode %d: %w", kind, ino.Ino(), err)
	}
	frames := make([]pgalloc.Frame, pages)
	for i := range frames {
		frames[i] = pgalloc.NoFrame
	}
	o.initWith(ino, opts.Registry, opts.Backend, kind, frames, bitmap.New(pages))
	return nil
}

// initWith initializes o from already charged metadata. It takes a
// reference on ino.
func (o *inodeObject) initWith(ino inode.Inode, r *pgalloc.Registry, b inode.Backend, kind Kind, frames []pgalloc.Frame, dirty bitmap.Bitmap) {
	pages := uint32(len(frames))
	ino.IncRef()
	o.kind = kind
	o.registry = r
	o.backend = b
	o.ino = ino
	o.pageCount = pages
	o.frames = frames
	o.dirty = dirty
	o.writeback = bitmap.New(pages)
	o.redirty = bitmap.New(pages)
	o.InitRefs(fmt.Sprintf("vmobject.%v(ino=%d)", kind, ino.Ino()))
}

// PageCount implements Object.PageCount.
func (o *inodeObject) PageCount() uint32 {
	return o.pageCount
}

// Kind implements Object.Kind.
func (o *inodeObject) Kind() Kind {
	return o.kind
}

// Inode implements InodeObject.Inode.
func (o *inodeObject) Inode() inode.Inode {
	return o.ino
}

// Backend implements InodeObject.Backend.
func (o *inodeObject) Backend() inode.Backend {
	return o.backend
}

// String implements fmt.Stringer.
func (o *inodeObject) String() string {
	name := "PrivateInodeVMObject"
	if o.kind == KindShared {
		name = "SharedInodeVMObject"
	}
	return fmt.Sprintf("%s{ino=%d, pages=%d}", name, o.ino.Ino(), o.pageCount)
}

// ForEachResident implements Object.ForEachResident.
func (o *inodeObject) ForEachResident(fn func(index uint32, f pgalloc.Frame) bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, f := range o.frames {
		if f.Ok() && !fn(uint32(i), f) {
			return
		}
	}
}

func (o *inodeObject) checkIndex(index uint32) error {
	if index >= o.pageCount {
		log.Warningf("%v: page index %d out of range", o, index)
		return fmt.Errorf("page %d of %v: %w", index, o, vmerr.ErrOutOfRange)
	}
	return nil
}

// ResolvePage implements InodeObject.ResolvePage.
func (o *inodeObject) ResolvePage(ctx context.Context, index uint32, forWrite bool) (pgalloc.Frame, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.faultLocked(ctx, index, forWrite)
}

func checkSpan(off, n int) error {
	if off < 0 || n > hostarch.PageSize-off {
		return fmt.Errorf("%d bytes at offset %d of page: %w", n, off, vmerr.ErrOutOfRange)
	}
	return nil
}

// Load implements InodeObject.Load.
func (o *inodeObject) Load(ctx context.Context, index uint32, off int, dst []byte) error {
	if err := checkSpan(off, len(dst)); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := o.faultLocked(ctx, index, false)
	if err != nil {
		return err
	}
	copy(dst, o.registry.Data(f)[off:])
	return nil
}

// Store implements InodeObject.Store.
func (o *inodeObject) Store(ctx context.Context, index uint32, off int, src []byte) error {
	if err := checkSpan(off, len(src)); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := o.faultLocked(ctx, index, true)
	if err != nil {
		return err
	}
	copy(o.registry.Data(f)[off:], src)
	return nil
}

// faultLocked resolves page index, applying the write rule if forWrite.
//
// Preconditions: o.mu must be locked. o.mu may be unlocked and relocked.
func (o *inodeObject) faultLocked(ctx context.Context, index uint32, forWrite bool) (pgalloc.Frame, error) {
	if err := o.checkIndex(index); err != nil {
		return pgalloc.NoFrame, err
	}
	f := o.frames[index]
	if !f.Ok() {
		var err error
		if f, err = o.pageInLocked(ctx, index); err != nil {
			return pgalloc.NoFrame, err
		}
	}
	if !forWrite {
		return f, nil
	}
	if o.kind == KindPrivate {
		var err error
		if f, err = o.breakCopyOnWriteLocked(index, f); err != nil {
			return pgalloc.NoFrame, err
		}
	}
	o.markDirtyLocked(index)
	return f, nil
}

// pageInLocked reads page index from the inode into a new frame and installs
// it, unless another fault installed a frame while o.mu was unlocked, in
// which case the new frame is discarded. It returns the installed frame.
//
// Preconditions: o.mu must be locked. o.frames[index] is empty.
func (o *inodeObject) pageInLocked(ctx context.Context, index uint32) (pgalloc.Frame, error) {
	f, err := o.registry.Allocate(usage.PageCache)
	if err != nil {
		return pgalloc.NoFrame, fmt.Errorf("page-in of page %d of %v: %w", index, o, err)
	}

	// The new frame is referenced only by us, so its content may be written
	// without any lock held.
	o.mu.Unlock()
	err = o.backend.ReadPage(ctx, o.ino, index, o.registry.Data(f))
	o.mu.Lock()

	if winner := o.frames[index]; winner.Ok() {
		o.registry.DecRef(f)
		pageInRaces.Increment()
		return winner, nil
	}
	if err != nil {
		o.registry.DecRef(f)
		return pgalloc.NoFrame, &memmap.BusError{Err: fmt.Errorf("page-in of page %d of %v: %w", index, o, err)}
	}
	o.frames[index] = f
	pageIns.Increment(o.kind.String())
	return f, nil
}

// +checklocks:o.mu
func (o *inodeObject) markDirtyLocked(index uint32) {
	o.dirty.Set(index)
	if o.writeback.Test(index) {
		o.redirty.Set(index)
	}
}

// DirtyIndices implements InodeObject.DirtyIndices.
func (o *inodeObject) DirtyIndices() []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty.ToSlice()
}

// IsDirty implements InodeObject.IsDirty.
func (o *inodeObject) IsDirty(index uint32) bool {
	if o.checkIndex(index) != nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty.Test(index)
}

// ClearDirty implements InodeObject.ClearDirty. It has no effect on a page
// with a write-back in flight; EndWriteback settles such pages.
func (o *inodeObject) ClearDirty(index uint32) {
	if o.checkIndex(index) != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writeback.Test(index) {
		return
	}
	o.dirty.Clear(index)
}

// BeginWriteback implements InodeObject.BeginWriteback.
func (o *inodeObject) BeginWriteback(index uint32) ([]byte, bool) {
	if o.checkIndex(index) != nil {
		return nil, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.frames[index]
	if !o.dirty.Test(index) || !f.Ok() || o.writeback.Test(index) {
		return nil, false
	}
	o.writeback.Set(index)
	return append([]byte(nil), o.registry.Data(f)...), true
}

// EndWriteback implements InodeObject.EndWriteback.
func (o *inodeObject) EndWriteback(index uint32, err error) {
	if o.checkIndex(index) != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.writeback.Clear(index) {
		panic(fmt.Sprintf("%v: EndWriteback of page %d without BeginWriteback", o, index))
	}
	written := o.redirty.Clear(index)
	if err == nil && !written {
		o.dirty.Clear(index)
	}
}

// EvictClean implements InodeObject.EvictClean.
func (o *inodeObject) EvictClean() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	evicted := 0
	for i, f := range o.frames {
		index := uint32(i)
		if !f.Ok() || o.dirty.Test(index) || o.writeback.Test(index) {
			continue
		}
		o.mappings.Invalidate(memmap.PageRangeOf(index), memmap.InvalidateOpts{})
		o.frames[i] = pgalloc.NoFrame
		o.registry.DecRef(f)
		evicted++
	}
	if evicted > 0 {
		evictions.IncrementBy(uint64(evicted), o.kind.String())
		log.Debugf("%v: evicted %d clean pages", o, evicted)
	}
	return evicted
}

// AddMapping implements InodeObject.AddMapping.
func (o *inodeObject) AddMapping(ms memmap.MappingSpace, pr memmap.PageRange) {
	if pr.End > o.pageCount {
		panic(fmt.Sprintf("%v: mapping of %v beyond end of object", o, pr))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mappings.AddMapping(ms, pr)
}

// RemoveMapping implements InodeObject.RemoveMapping.
func (o *inodeObject) RemoveMapping(ms memmap.MappingSpace, pr memmap.PageRange) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mappings.RemoveMapping(ms, pr)
}

// MappingCount implements InodeObject.MappingCount.
func (o *inodeObject) MappingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mappings.Len()
}

// DecRef implements Object.DecRef.
func (o *inodeObject) DecRef(ctx context.Context) {
	o.Refs.DecRef(func() {
		o.destroy(ctx)
	})
}

type pendingWrite struct {
	index uint32
	data  []byte
}

// destroy flushes dirty pages, invalidates remaining mappings and releases
// every frame, the metadata charge and the inode reference.
func (o *inodeObject) destroy(ctx context.Context) {
	o.mu.Lock()
	if o.pageCount > 0 {
		o.mappings.Invalidate(memmap.PageRange{Start: 0, End: o.pageCount}, memmap.InvalidateOpts{InvalidatePrivate: true})
	}
	var pending []pendingWrite
	for i, f := range o.frames {
		if !f.Ok() {
			continue
		}
		if o.dirty.Test(uint32(i)) {
			pending = append(pending, pendingWrite{uint32(i), append([]byte(nil), o.registry.Data(f)...)})
		}
		o.registry.DecRef(f)
		o.frames[i] = pgalloc.NoFrame
	}
	o.dirty.ClearAll()
	o.writeback.ClearAll()
	o.redirty.ClearAll()
	o.mappings = memmap.MappingSet{}
	o.mu.Unlock()

	for _, w := range pending {
		if err := o.backend.WritePage(ctx, o.ino, w.index, w.data); err != nil {
			log.Warningf("%v: lost dirty page %d on destroy: %v", o, w.index, err)
		}
	}
	o.registry.UnchargeMetadata(metadataBytes(o.pageCount))
	log.Debugf("%v: destroyed, flushed %d dirty pages", o, len(pending))
	o.ino.DecRef(ctx)
}
