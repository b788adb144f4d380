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

package inode

import (
	"context"
	"fmt"
	"sync"

	"gvisor.dev/inodevm/pkg/errors/vmerr"
	"gvisor.dev/inodevm/pkg/hostarch"
	"gvisor.dev/inodevm/pkg/log"
	"gvisor.dev/inodevm/pkg/refs"
)

// MemInode is an inode whose content lives in a MemBackend.
type MemInode struct {
	refs.Refs

	backend *MemBackend
	ino     uint64
	size    uint64
}

var _ Inode = (*MemInode)(nil)

// Ino implements Inode.Ino.
func (i *MemInode) Ino() uint64 { return i.ino }

// Size implements Inode.Size.
func (i *MemInode) Size() uint64 { return i.size }

// DecRef implements Inode.DecRef.
func (i *MemInode) DecRef(ctx context.Context) {
	i.Refs.DecRef(func() {
		log.Debugf("inode %d released", i.ino)
	})
}

type pageKey struct {
	ino   uint64
	index uint32
}

// MemBackend is a Backend holding file contents in memory. It supports fault
// injection and records I/O so that tests can observe the storage traffic
// generated by memory objects.
type MemBackend struct {
	mu sync.Mutex

	// +checklocks:mu
	nextIno uint64

	// +checklocks:mu
	files map[uint64][]byte

	// failReads and failWrites are the number of upcoming reads or writes
	// that fail with vmerr.ErrIO.
	//
	// +checklocks:mu
	failReads int
	// +checklocks:mu
	failWrites int

	// readHook is called before each read, without mu held.
	//
	// +checklocks:mu
	readHook func(ino uint64, index uint32)

	// writeHook is called before each write, without mu held.
	//
	// +checklocks:mu
	writeHook func(ino uint64, index uint32)

	// +checklocks:mu
	reads map[pageKey]int
	// +checklocks:mu
	writes map[pageKey]int
}

var _ Backend = (*MemBackend)(nil)

// NewMemBackend returns an empty MemBackend.
func NewMemBackend() *MemBackend {
	return &MemBackend{
		nextIno: 1,
		files:   make(map[uint64][]byte),
		reads:   make(map[pageKey]int),
		writes:  make(map[pageKey]int),
	}
}

// Create returns a new inode with the given content, holding one reference.
func (b *MemBackend) Create(content []byte) *MemInode {
	b.mu.Lock()
	defer b.mu.Unlock()
	ino := b.nextIno
	b.nextIno++
	b.files[ino] = append([]byte(nil), content...)
	i := &MemInode{backend: b, ino: ino, size: uint64(len(content))}
	i.InitRefs(fmt.Sprintf("inode.MemInode(%d)", ino))
	return i
}

// Contents returns a copy of the current content of ino.
func (b *MemBackend) Contents(ino uint64) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.files[ino]...)
}

// FailReads causes the next n reads to fail.
func (b *MemBackend) FailReads(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failReads = n
}

// FailWrites causes the next n writes to fail.
func (b *MemBackend) FailWrites(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWrites = n
}

// SetReadHook installs fn to be called at the start of every read, before any
// data is copied. fn may block.
func (b *MemBackend) SetReadHook(fn func(ino uint64, index uint32)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readHook = fn
}

// SetWriteHook installs fn to be called at the start of every write, before
// any data is copied. fn may block.
func (b *MemBackend) SetWriteHook(fn func(ino uint64, index uint32)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeHook = fn
}

// Reads returns the number of reads issued for page index of ino.
func (b *MemBackend) Reads(ino uint64, index uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads[pageKey{ino, index}]
}

// Writes returns the number of successful writes of page index of ino.
func (b *MemBackend) Writes(ino uint64, index uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes[pageKey{ino, index}]
}

func (b *MemBackend) content(ino Inode) ([]byte, error) {
	data, ok := b.files[ino.Ino()]
	if !ok {
		return nil, fmt.Errorf("inode %d does not belong to this backend: %w", ino.Ino(), vmerr.ErrIO)
	}
	return data, nil
}

// ReadPage implements Backend.ReadPage.
func (b *MemBackend) ReadPage(ctx context.Context, ino Inode, index uint32, dst []byte) error {
	if len(dst) != hostarch.PageSize {
		panic(fmt.Sprintf("ReadPage into %d bytes", len(dst)))
	}
	b.mu.Lock()
	hook := b.readHook
	b.reads[pageKey{ino.Ino(), index}]++
	b.mu.Unlock()
	if hook != nil {
		hook(ino.Ino(), index)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failReads > 0 {
		b.failReads--
		return fmt.Errorf("reading page %d of inode %d: %w", index, ino.Ino(), vmerr.ErrIO)
	}
	data, err := b.content(ino)
	if err != nil {
		return err
	}
	n := pageExtent(uint64(len(data)), index)
	if n > 0 {
		off := hostarch.PageOffset(index)
		copy(dst, data[off:off+int64(n)])
	}
	clear(dst[n:])
	return nil
}

// WritePage implements Backend.WritePage.
func (b *MemBackend) WritePage(ctx context.Context, ino Inode, index uint32, src []byte) error {
	if len(src) != hostarch.PageSize {
		panic(fmt.Sprintf("WritePage from %d bytes", len(src)))
	}
	b.mu.Lock()
	hook := b.writeHook
	b.mu.Unlock()
	if hook != nil {
		hook(ino.Ino(), index)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWrites > 0 {
		b.failWrites--
		return fmt.Errorf("writing page %d of inode %d: %w", index, ino.Ino(), vmerr.ErrIO)
	}
	data, err := b.content(ino)
	if err != nil {
		return err
	}
	b.writes[pageKey{ino.Ino(), index}]++
	// Bytes beyond the end of the file are dropped.
	if n := pageExtent(uint64(len(data)), index); n > 0 {
		off := hostarch.PageOffset(index)
		copy(data[off:off+int64(n)], src[:n])
	}
	return nil
}
