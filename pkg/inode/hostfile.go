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
	"io"

	"golang.org/x/sys/unix"
	"gvisor.dev/inodevm/pkg/errors/vmerr"
	"gvisor.dev/inodevm/pkg/hostarch"
	"gvisor.dev/inodevm/pkg/log"
	"gvisor.dev/inodevm/pkg/refs"
)

// HostInode is an inode backed by an open host file descriptor. The
// descriptor is closed when the last reference is released.
type HostInode struct {
	refs.Refs

	fd   int
	ino  uint64
	size uint64
}

var _ Inode = (*HostInode)(nil)

// OpenHostFile opens the host file at path. If writable is false, writes
// through HostBackend fail with EBADF.
func OpenHostFile(path string, writable bool) (*HostInode, error) {
	flags := unix.O_RDONLY
	if writable {
		flags = unix.O_RDWR
	}
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat %q: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		unix.Close(fd)
		return nil, fmt.Errorf("%q is not a regular file: %w", path, unix.EINVAL)
	}
	i := &HostInode{fd: fd, ino: st.Ino, size: uint64(st.Size)}
	i.InitRefs(fmt.Sprintf("inode.HostInode(%d)", st.Ino))
	return i, nil
}

// Ino implements Inode.Ino.
func (i *HostInode) Ino() uint64 { return i.ino }

// Size implements Inode.Size.
func (i *HostInode) Size() uint64 { return i.size }

// FD returns the host file descriptor.
func (i *HostInode) FD() int { return i.fd }

// DecRef implements Inode.DecRef.
func (i *HostInode) DecRef(ctx context.Context) {
	i.Refs.DecRef(func() {
		if err := unix.Close(i.fd); err != nil {
			log.Warningf("closing host inode %d: %v", i.ino, err)
		}
		i.fd = -1
	})
}

// HostBackend is a Backend for HostInodes.
type HostBackend struct{}

var _ Backend = HostBackend{}

func hostInode(ino Inode) (*HostInode, error) {
	h, ok := ino.(*HostInode)
	if !ok {
		return nil, fmt.Errorf("inode %d is not a host inode: %w", ino.Ino(), vmerr.ErrIO)
	}
	return h, nil
}

// preadFull reads into dst at offset until dst is full or EOF is reached,
// returning the number of bytes read.
func preadFull(fd int, dst []byte, offset int64) (int, error) {
	done := 0
	for done < len(dst) {
		n, err := unix.Pread(fd, dst[done:], offset+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return done, err
		}
		if n == 0 {
			return done, io.EOF
		}
		done += n
	}
	return done, nil
}

func pwriteFull(fd int, src []byte, offset int64) error {
	done := 0
	for done < len(src) {
		n, err := unix.Pwrite(fd, src[done:], offset+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}

// ReadPage implements Backend.ReadPage.
func (HostBackend) ReadPage(ctx context.Context, ino Inode, index uint32, dst []byte) error {
	h, err := hostInode(ino)
	if err != nil {
		return err
	}
	want := pageExtent(h.size, index)
	n, err := preadFull(h.fd, dst[:want], hostarch.PageOffset(index))
	if err != nil && err != io.EOF {
		return fmt.Errorf("pread page %d of inode %d: %v: %w", index, h.ino, err, vmerr.ErrIO)
	}
	// The file may have been truncated underneath us; treat the hole as zeroes.
	clear(dst[n:])
	return nil
}

// WritePage implements Backend.WritePage.
func (HostBackend) WritePage(ctx context.Context, ino Inode, index uint32, src []byte) error {
	h, err := hostInode(ino)
	if err != nil {
		return err
	}
	n := pageExtent(h.size, index)
	if n == 0 {
		return nil
	}
	if err := pwriteFull(h.fd, src[:n], hostarch.PageOffset(index)); err != nil {
		return fmt.Errorf("pwrite page %d of inode %d: %v: %w", index, h.ino, err, vmerr.ErrIO)
	}
	return nil
}
