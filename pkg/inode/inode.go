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

// Package inode defines the storage layer consumed by inode-backed memory
// objects, and provides in-memory and host-file implementations of it.
package inode

import (
	"context"

	"gvisor.dev/inodevm/pkg/hostarch"
)

// Inode is a handle on a file's content, independent of its name.
//
// Inodes are reference counted; each memory object holds one reference for
// its lifetime.
type Inode interface {
	// Ino returns the inode number.
	Ino() uint64

	// Size returns the length of the file in bytes.
	Size() uint64

	// IncRef takes a reference on the inode.
	IncRef()

	// DecRef releases a reference on the inode.
	DecRef(ctx context.Context)
}

// Backend performs page-granular I/O on inodes. Implementations may block.
type Backend interface {
	// ReadPage fills dst with the content of page index of ino. Bytes beyond
	// the end of the file are zeroed.
	//
	// Preconditions: len(dst) == hostarch.PageSize.
	ReadPage(ctx context.Context, ino Inode, index uint32, dst []byte) error

	// WritePage writes src as the content of page index of ino. Bytes of src
	// beyond the end of the file are not written.
	//
	// Preconditions: len(src) == hostarch.PageSize.
	WritePage(ctx context.Context, ino Inode, index uint32, src []byte) error
}

// pageExtent returns the number of bytes of page index that lie within a
// file of the given size.
func pageExtent(size uint64, index uint32) int {
	off := uint64(hostarch.PageOffset(index))
	if off >= size {
		return 0
	}
	if n := size - off; n < hostarch.PageSize {
		return int(n)
	}
	return hostarch.PageSize
}
