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

	"gvisor.dev/inodevm/pkg/cleanup"
	"gvisor.dev/inodevm/pkg/inode"
	"gvisor.dev/inodevm/pkg/log"
	"gvisor.dev/inodevm/pkg/pgalloc"
	"gvisor.dev/inodevm/pkg/usage"
)

// Private is a PrivateInodeVMObject: a copy-on-write view of an inode.
//
// Clones share resident frames with their parent. A write fault on a frame
// that is referenced elsewhere copies it into a new frame owned by the
// faulting object; a write fault on a frame held only by the faulting object
// takes ownership of it in place.
type Private struct {
	inodeObject
}

var _ InodeObject = (*Private)(nil)

// TryCreatePrivate returns a new Private object for ino with no resident
// pages, holding one reference. The object takes its own reference on ino.
func TryCreatePrivate(ctx context.Context, ino inode.Inode, opts Opts) (*Private, error) {
	p := &Private{}
	if err := p.init(ino, opts, KindPrivate); err != nil {
		return nil, err
	}
	return p, nil
}

// TryClone implements Object.TryClone.
//
// The clone references the same frames as p and has a copy of p's dirty
// bits. Neither object's frames are copied until one of them writes.
func (p *Private) TryClone(ctx context.Context) (Object, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pages := p.pageCount
	if err := p.registry.ChargeMetadata(tableBytes(pages)); err != nil {
		return nil, fmt.Errorf("cloning %v: frame table: %w", p, err)
	}
	cu := cleanup.Make(func() { p.registry.UnchargeMetadata(tableBytes(pages)) })
	defer cu.Clean()

	frames := make([]pgalloc.Frame, pages)
	copy(frames, p.frames)
	for _, f := range frames {
		if f.Ok() {
			p.registry.IncRef(f)
		}
	}
	cu.Add(func() {
		for _, f := range frames {
			if f.Ok() {
				p.registry.DecRef(f)
			}
		}
	})

	if err := p.registry.ChargeMetadata(bitmapBytes(pages)); err != nil {
		return nil, fmt.Errorf("cloning %v: page bitmaps: %w", p, err)
	}
	cu.Release()

	c := &Private{}
	c.initWith(p.ino, p.registry, p.backend, KindPrivate, frames, p.dirty.Clone())
	clones.Increment(KindPrivate.String())
	return c, nil
}

// breakCopyOnWriteLocked ensures that the frame at index of a private object
// is owned only by o, copying it if necessary, and returns it.
//
// Preconditions: o.mu must be locked. o.frames[index] == f is resident.
func (o *inodeObject) breakCopyOnWriteLocked(index uint32, f pgalloc.Frame) (pgalloc.Frame, error) {
	// Additional references on f can only be taken by TryClone of this
	// object, which is excluded by o.mu, so a unique reference stays unique.
	if o.registry.HasUniqueRef(f) {
		if o.registry.Reclassify(f, usage.Private) {
			cowClaims.Increment()
		}
		return f, nil
	}
	nf, err := o.registry.AllocateAndFill(usage.Private, o.registry.Data(f))
	if err != nil {
		return pgalloc.NoFrame, fmt.Errorf("copy-on-write of page %d of %v: %w", index, o, err)
	}
	o.frames[index] = nf
	o.registry.DecRef(f)
	cowCopies.Increment()
	log.Debugf("%v: copied page %d from frame %v to %v", o, index, f, nf)
	return nf, nil
}
