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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/inodevm/pkg/errors/vmerr"
	"gvisor.dev/inodevm/pkg/hostarch"
)

func page(b byte) []byte {
	return bytes.Repeat([]byte{b}, hostarch.PageSize)
}

func TestMemBackendReadPage(t *testing.T) {
	ctx := context.Background()
	b := NewMemBackend()
	content := append(page('a'), []byte("tail")...)
	ino := b.Create(content)
	defer ino.DecRef(ctx)

	for _, tc := range []struct {
		name  string
		index uint32
		want  []byte
	}{
		{name: "full page", index: 0, want: page('a')},
		{name: "partial page", index: 1, want: append([]byte("tail"), make([]byte, hostarch.PageSize-4)...)},
		{name: "beyond EOF", index: 2, want: make([]byte, hostarch.PageSize)},
		{name: "far beyond EOF", index: 100, want: make([]byte, hostarch.PageSize)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dst := page(0xff)
			if err := b.ReadPage(ctx, ino, tc.index, dst); err != nil {
				t.Fatalf("ReadPage: %v", err)
			}
			if !bytes.Equal(dst, tc.want) {
				t.Errorf("ReadPage(%d) returned unexpected content", tc.index)
			}
		})
	}
	if got := b.Reads(ino.Ino(), 1); got != 1 {
		t.Errorf("Reads(1) = %d, want 1", got)
	}
}

func TestMemBackendWritePageTruncatesToSize(t *testing.T) {
	ctx := context.Background()
	b := NewMemBackend()
	ino := b.Create([]byte("hello"))
	defer ino.DecRef(ctx)

	if err := b.WritePage(ctx, ino, 0, page('z')); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if diff := cmp.Diff([]byte("zzzzz"), b.Contents(ino.Ino())); diff != "" {
		t.Errorf("Contents mismatch (-want +got):\n%s", diff)
	}
	if got := b.Writes(ino.Ino(), 0); got != 1 {
		t.Errorf("Writes = %d, want 1", got)
	}
}

func TestMemBackendWritePageBeyondEOF(t *testing.T) {
	ctx := context.Background()
	b := NewMemBackend()
	ino := b.Create([]byte("hello"))
	defer ino.DecRef(ctx)

	for _, index := range []uint32{1, 100} {
		if err := b.WritePage(ctx, ino, index, page('z')); err != nil {
			t.Fatalf("WritePage(%d): %v", index, err)
		}
	}
	if diff := cmp.Diff([]byte("hello"), b.Contents(ino.Ino())); diff != "" {
		t.Errorf("Contents mismatch (-want +got):\n%s", diff)
	}
}

func TestMemBackendFaultInjection(t *testing.T) {
	ctx := context.Background()
	b := NewMemBackend()
	ino := b.Create(page('a'))
	defer ino.DecRef(ctx)

	b.FailReads(1)
	if err := b.ReadPage(ctx, ino, 0, page(0)); !errors.Is(err, vmerr.ErrIO) {
		t.Errorf("ReadPage error = %v, want ErrIO", err)
	}
	if err := b.ReadPage(ctx, ino, 0, page(0)); err != nil {
		t.Errorf("second ReadPage: %v", err)
	}

	b.FailWrites(2)
	for i := 0; i < 2; i++ {
		if err := b.WritePage(ctx, ino, 0, page('b')); !errors.Is(err, vmerr.ErrIO) {
			t.Errorf("WritePage #%d error = %v, want ErrIO", i, err)
		}
	}
	if err := b.WritePage(ctx, ino, 0, page('b')); err != nil {
		t.Errorf("WritePage: %v", err)
	}
	if got := b.Writes(ino.Ino(), 0); got != 1 {
		t.Errorf("Writes = %d, want 1", got)
	}
}

func TestMemBackendReadHook(t *testing.T) {
	ctx := context.Background()
	b := NewMemBackend()
	ino := b.Create(page('a'))
	defer ino.DecRef(ctx)

	var calls []uint32
	b.SetReadHook(func(_ uint64, index uint32) { calls = append(calls, index) })
	if err := b.ReadPage(ctx, ino, 0, page(0)); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if diff := cmp.Diff([]uint32{0}, calls); diff != "" {
		t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
	}
}

func TestMemInodeRefs(t *testing.T) {
	ctx := context.Background()
	ino := NewMemBackend().Create(nil)
	ino.IncRef()
	if got := ino.ReadRefs(); got != 2 {
		t.Errorf("ReadRefs = %d, want 2", got)
	}
	ino.DecRef(ctx)
	ino.DecRef(ctx)
	if ino.TryIncRef() {
		t.Errorf("TryIncRef succeeded on released inode")
	}
}

func TestHostBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "file")
	content := append(page('x'), []byte("end")...)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ino, err := OpenHostFile(path, true)
	if err != nil {
		t.Fatalf("OpenHostFile: %v", err)
	}
	defer ino.DecRef(ctx)
	if got, want := ino.Size(), uint64(len(content)); got != want {
		t.Errorf("Size = %d, want %d", got, want)
	}

	var be HostBackend
	dst := page(0xff)
	if err := be.ReadPage(ctx, ino, 1, dst); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if want := append([]byte("end"), make([]byte, hostarch.PageSize-3)...); !bytes.Equal(dst, want) {
		t.Errorf("ReadPage(1) returned unexpected content")
	}

	if err := be.WritePage(ctx, ino, 1, page('y')); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := append(page('x'), []byte("yyy")...)
	if !bytes.Equal(got, want) {
		t.Errorf("file content after WritePage: got %d bytes, want %d bytes matching", len(got), len(want))
	}
}

func TestHostBackendRejectsForeignInode(t *testing.T) {
	ctx := context.Background()
	ino := NewMemBackend().Create(page('a'))
	defer ino.DecRef(ctx)
	if err := (HostBackend{}).ReadPage(ctx, ino, 0, page(0)); !errors.Is(err, vmerr.ErrIO) {
		t.Errorf("ReadPage error = %v, want ErrIO", err)
	}
}

func TestOpenHostFileRejectsDirectory(t *testing.T) {
	if _, err := OpenHostFile(t.TempDir(), false); err == nil {
		t.Errorf("OpenHostFile(dir) succeeded")
	}
}
