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

// Package vmobject implements inode-backed virtual memory objects.
//
// A memory object represents the content of a file as seen by the address
// spaces that map it. Each object owns a frame table with one slot per page
// of the file; a resident slot holds one counted reference on a frame in a
// pgalloc.Registry. Private objects share frames with their clones until a
// write fault breaks copy-on-write; shared objects are mapped by a whole
// mapping group and are written in place.
//
// Lock order:
//
//	Table.mu
//	  inodeObject.mu
//	    pgalloc.Registry.mu
//
// Table.mu is never held while calling into an object except to take a
// reference. No object lock is held across a call into an inode.Backend.
package vmobject

import (
	"context"
	"fmt"

	"gvisor.dev/inodevm/pkg/inode"
	"gvisor.dev/inodevm/pkg/memmap"
	"gvisor.dev/inodevm/pkg/pgalloc"
)

// Kind identifies the variant of a memory object. It is informational.
type Kind int

const (
	// KindPrivate is a PrivateInodeVMObject.
	KindPrivate Kind = iota

	// KindShared is a SharedInodeVMObject.
	KindShared
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindShared:
		return "shared"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Object is a virtual memory object.
type Object interface {
	// PageCount returns the number of pages spanned by the object. It is
	// fixed at creation.
	PageCount() uint32

	// TryClone returns an object suitable for the child of a fork. On
	// failure it returns an error wrapping vmerr.ErrNoMemory and the object
	// is unchanged.
	TryClone(ctx context.Context) (Object, error)

	// ForEachResident calls fn for every resident page, in ascending index
	// order, until fn returns false. fn is called with the object's lock
	// held; it must not block or call into the object.
	ForEachResident(fn func(index uint32, f pgalloc.Frame) bool)

	// Kind returns the object's variant.
	Kind() Kind

	// IncRef takes a reference on the object.
	IncRef()

	// TryIncRef takes a reference on the object if it has not been
	// destroyed.
	TryIncRef() bool

	// DecRef releases a reference. Releasing the last reference destroys
	// the object.
	DecRef(ctx context.Context)

	// ReadRefs returns the current reference count.
	ReadRefs() int64

	fmt.Stringer
}

// InodeObject is an Object whose content comes from an inode.
type InodeObject interface {
	Object

	// Inode returns the backing inode. The caller does not receive a
	// reference.
	Inode() inode.Inode

	// Backend returns the storage the object pages in from and writes back
	// to.
	Backend() inode.Backend

	// ResolvePage returns the frame that page index resolves to, paging it
	// in from the inode if necessary. If forWrite is true, the variant's
	// write rule is applied and the page is marked dirty.
	//
	// The returned frame is valid until the object's frame table changes;
	// callers that need to access frame content should use Load or Store.
	//
	// ResolvePage returns an error wrapping vmerr.ErrOutOfRange if index is
	// not less than PageCount, a *memmap.BusError if the page could not be
	// read, or an error wrapping vmerr.ErrNoMemory if a frame could not be
	// allocated.
	ResolvePage(ctx context.Context, index uint32, forWrite bool) (pgalloc.Frame, error)

	// Load resolves page index for reading and copies its content, starting
	// at off, into dst.
	Load(ctx context.Context, index uint32, off int, dst []byte) error

	// Store resolves page index for writing and copies src into it at off.
	Store(ctx context.Context, index uint32, off int, src []byte) error

	// DirtyIndices returns the dirty page indices in ascending order.
	DirtyIndices() []uint32

	// IsDirty returns true if page index is dirty.
	IsDirty(index uint32) bool

	// ClearDirty clears the dirty bit of page index. It must only be called
	// after the page's content has been written back.
	ClearDirty(index uint32)

	// BeginWriteback marks page index as being written back and returns a
	// copy of its content. It returns ok == false if the page is not dirty,
	// not resident, or already being written back.
	BeginWriteback(index uint32) (data []byte, ok bool)

	// EndWriteback completes a write-back started by BeginWriteback. If err
	// is nil and the page was not written again in the meantime, its dirty
	// bit is cleared.
	EndWriteback(index uint32, err error)

	// EvictClean drops clean resident pages that are not being written back,
	// invalidating them in every mapping space first. It returns the number
	// of pages evicted.
	EvictClean() int

	// AddMapping records that ms maps pages pr of the object.
	AddMapping(ms memmap.MappingSpace, pr memmap.PageRange)

	// RemoveMapping removes a mapping recorded by AddMapping and reports
	// whether it existed.
	RemoveMapping(ms memmap.MappingSpace, pr memmap.PageRange) bool

	// MappingCount returns the number of recorded mappings.
	MappingCount() int
}

// Opts holds the collaborators of a memory object.
type Opts struct {
	// Registry allocates frames and is charged for object metadata.
	Registry *pgalloc.Registry

	// Backend performs page I/O on the inode.
	Backend inode.Backend
}

func (o *Opts) check() {
	if o.Registry == nil || o.Backend == nil {
		panic(fmt.Sprintf("incomplete vmobject.Opts: %+v", *o))
	}
}
