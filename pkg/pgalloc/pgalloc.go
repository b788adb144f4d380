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

// Package pgalloc contains the frame registry, which supplies fixed-size
// frames of memory to memory objects and reference counts them.
package pgalloc

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/inodevm/pkg/errors/vmerr"
	"gvisor.dev/inodevm/pkg/hostarch"
	"gvisor.dev/inodevm/pkg/usage"
)

// Frame identifies one page-sized frame in a Registry.
type Frame uint64

// NoFrame is used in frame tables to mark a slot that holds no frame.
const NoFrame = Frame(math.MaxUint64)

// Ok returns true if f is not NoFrame.
func (f Frame) Ok() bool {
	return f != NoFrame
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	if !f.Ok() {
		return "-"
	}
	return fmt.Sprintf("#%d", uint64(f))
}

// Opts holds options to NewRegistry.
type Opts struct {
	// MaxFrames is the maximum number of frames that may be allocated at
	// once. Zero means unlimited.
	MaxFrames uint64

	// Memory is charged for every allocated frame and for the metadata of
	// memory objects. If nil, an unlimited Memory is used.
	Memory *usage.Memory

	// AllocHook, if set, is called before every frame allocation. A non-nil
	// return fails the allocation with that error wrapped in
	// vmerr.ErrNoMemory. It is intended for tests.
	AllocHook func() error
}

type frameInfo struct {
	// refs is the number of references on the frame. A frame with zero refs
	// is in Registry.free.
	refs int64

	// kind is the usage kind the frame is charged as.
	kind usage.MemoryKind

	// data is the content of the frame. It is retained while the frame is
	// free and zeroed on reallocation.
	data []byte
}

// Registry allocates frames and tracks their reference counts.
//
// Lock order: memory object locks may be held while calling Registry
// methods; Registry never calls out while holding mu.
type Registry struct {
	opts Opts
	mem  *usage.Memory

	mu sync.Mutex

	// frames is indexed by Frame.
	//
	// +checklocks:mu
	frames []frameInfo

	// free holds unreferenced frames; the lowest is reused first.
	//
	// +checklocks:mu
	free *btree.BTreeG[Frame]

	// +checklocks:mu
	inUse uint64

	// +checklocks:mu
	totalRefs uint64
}

// NewRegistry returns a new Registry.
func NewRegistry(opts Opts) *Registry {
	mem := opts.Memory
	if mem == nil {
		mem = usage.NewMemory(0)
	}
	return &Registry{
		opts: opts,
		mem:  mem,
		free: btree.NewG(8, func(a, b Frame) bool { return a < b }),
	}
}

// Memory returns the accounting object charged by r.
func (r *Registry) Memory() *usage.Memory {
	return r.mem
}

// infoLocked returns the frameInfo for f, which must hold references.
//
// Preconditions: r.mu must be locked.
func (r *Registry) infoLocked(f Frame) *frameInfo {
	if !f.Ok() || uint64(f) >= uint64(len(r.frames)) {
		panic(fmt.Sprintf("invalid frame %v", f))
	}
	fi := &r.frames[f]
	if fi.refs <= 0 {
		panic(fmt.Sprintf("frame %v is not allocated", f))
	}
	return fi
}

func (r *Registry) allocateLocked(kind usage.MemoryKind) (Frame, error) {
	if r.opts.AllocHook != nil {
		if err := r.opts.AllocHook(); err != nil {
			return NoFrame, fmt.Errorf("%v: %w", err, vmerr.ErrNoMemory)
		}
	}
	if r.opts.MaxFrames != 0 && r.inUse >= r.opts.MaxFrames {
		return NoFrame, fmt.Errorf("all %d frames in use: %w", r.opts.MaxFrames, vmerr.ErrNoMemory)
	}
	var f Frame
	if lowest, ok := r.free.DeleteMin(); ok {
		f = lowest
		clear(r.frames[f].data)
	} else {
		f = Frame(len(r.frames))
		r.frames = append(r.frames, frameInfo{data: make([]byte, hostarch.PageSize)})
	}
	fi := &r.frames[f]
	fi.refs = 1
	fi.kind = kind
	r.inUse++
	r.totalRefs++
	r.mem.Inc(hostarch.PageSize, kind)
	return f, nil
}

// Allocate returns a zeroed frame holding one reference, charged as kind.
func (r *Registry) Allocate(kind usage.MemoryKind) (Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocateLocked(kind)
}

// AllocateAndFill returns a frame holding one reference whose content is
// src followed by zeroes.
//
// Preconditions: len(src) <= hostarch.PageSize.
func (r *Registry) AllocateAndFill(kind usage.MemoryKind, src []byte) (Frame, error) {
	if len(src) > hostarch.PageSize {
		panic(fmt.Sprintf("fill of %d bytes exceeds page size", len(src)))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.allocateLocked(kind)
	if err != nil {
		return NoFrame, err
	}
	copy(r.frames[f].data, src)
	return f, nil
}

// IncRef takes an additional reference on f.
func (r *Registry) IncRef(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infoLocked(f).refs++
	r.totalRefs++
}

// DecRef releases a reference on f. The frame is returned to the free set
// when its last reference is released.
func (r *Registry) DecRef(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fi := r.infoLocked(f)
	fi.refs--
	r.totalRefs--
	if fi.refs == 0 {
		r.inUse--
		r.mem.Dec(hostarch.PageSize, fi.kind)
		r.free.ReplaceOrInsert(f)
	}
}

// RefCount returns the number of references held on f. The result is
// inherently racy unless the caller excludes concurrent IncRef/DecRef on f.
func (r *Registry) RefCount(f Frame) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked(f).refs
}

// HasUniqueRef returns true if the caller's reference on f is the only one.
// A return value of false is inherently racy, but if the caller holds a
// reference on f and is preventing other goroutines from copying it, then a
// return value of true is not racy.
func (r *Registry) HasUniqueRef(f Frame) bool {
	return r.RefCount(f) == 1
}

// Data returns the content of f. The slice aliases the frame; it is valid
// while the caller holds a reference, and may only be written by a caller
// that holds the unique reference.
func (r *Registry) Data(f Frame) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked(f).data
}

// Reclassify moves the usage charge of f to kind. It is used when a memory
// object takes private ownership of a frame that was paged in. It returns
// false if f was already charged as kind.
func (r *Registry) Reclassify(f Frame, kind usage.MemoryKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	fi := r.infoLocked(f)
	if fi.kind == kind {
		return false
	}
	r.mem.Move(hostarch.PageSize, kind, fi.kind)
	fi.kind = kind
	return true
}

// InUse returns the number of allocated frames.
func (r *Registry) InUse() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inUse
}

// TotalRefs returns the sum of reference counts over all allocated frames.
func (r *Registry) TotalRefs() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalRefs
}

// ChargeMetadata charges bytes of memory object metadata, failing with
// vmerr.ErrNoMemory if the metadata limit would be exceeded.
func (r *Registry) ChargeMetadata(bytes uint64) error {
	return r.mem.TryInc(bytes, usage.Metadata)
}

// UnchargeMetadata releases a previous ChargeMetadata.
func (r *Registry) UnchargeMetadata(bytes uint64) {
	r.mem.Dec(bytes, usage.Metadata)
}

// String implements fmt.Stringer.
func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("Registry{inUse=%d, refs=%d, free=%d}", r.inUse, r.totalRefs, r.free.Len())
}
