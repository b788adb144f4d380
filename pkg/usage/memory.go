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

// Package usage provides memory accounting for frames and the metadata of
// memory objects.
package usage

import (
	"fmt"
	"sync"

	"gvisor.dev/inodevm/pkg/errors/vmerr"
)

// MemoryKind represents a type of memory being accounted.
type MemoryKind int

const (
	// PageCache represents frames holding content paged in from an inode.
	PageCache MemoryKind = iota

	// Private represents frames created by breaking copy-on-write.
	Private

	// Metadata represents memory object bookkeeping: frame tables and
	// per-page bitmaps. It is the only kind subject to a limit.
	Metadata
)

// String implements fmt.Stringer.
func (k MemoryKind) String() string {
	switch k {
	case PageCache:
		return "PageCache"
	case Private:
		return "Private"
	case Metadata:
		return "Metadata"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// MemoryStats tracks memory usage in bytes. All fields correspond to the
// memory kind with the same name.
type MemoryStats struct {
	PageCache uint64
	Private   uint64
	Metadata  uint64
}

// Memory is MemoryStats with access methods and an optional metadata limit.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu sync.Mutex
	// +checklocks:mu
	stats MemoryStats
	// metadataLimit is the maximum number of Metadata bytes. Zero means
	// unlimited. Immutable.
	metadataLimit uint64
}

// NewMemory returns a Memory that refuses Metadata charges beyond
// metadataLimit bytes. A zero limit disables the check.
func NewMemory(metadataLimit uint64) *Memory {
	return &Memory{metadataLimit: metadataLimit}
}

func (m *Memory) fieldLocked(kind MemoryKind) *uint64 {
	switch kind {
	case PageCache:
		return &m.stats.PageCache
	case Private:
		return &m.stats.Private
	case Metadata:
		return &m.stats.Metadata
	default:
		panic(fmt.Sprintf("invalid memory kind: %v", kind))
	}
}

// TryInc adds val bytes of usage to kind, failing with vmerr.ErrNoMemory if
// that would exceed the limit for kind.
func (m *Memory) TryInc(val uint64, kind MemoryKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.fieldLocked(kind)
	if kind == Metadata && m.metadataLimit != 0 && *f+val > m.metadataLimit {
		return fmt.Errorf("charging %d bytes of %v with %d of %d in use: %w", val, kind, *f, m.metadataLimit, vmerr.ErrNoMemory)
	}
	*f += val
	return nil
}

// Inc adds val bytes of usage to kind unconditionally.
func (m *Memory) Inc(val uint64, kind MemoryKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.fieldLocked(kind) += val
}

// Dec removes val bytes of usage from kind.
func (m *Memory) Dec(val uint64, kind MemoryKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.fieldLocked(kind)
	if val > *f {
		panic(fmt.Sprintf("releasing %d bytes of %v with only %d charged", val, kind, *f))
	}
	*f -= val
}

// Move moves val bytes of usage from one kind to another.
func (m *Memory) Move(val uint64, to, from MemoryKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.fieldLocked(from)
	if val > *f {
		panic(fmt.Sprintf("moving %d bytes of %v with only %d charged", val, from, *f))
	}
	*f -= val
	*m.fieldLocked(to) += val
}

// Copy returns a copy of the stats with a total.
func (m *Memory) Copy() (MemoryStats, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := m.stats
	return ms, ms.PageCache + ms.Private + ms.Metadata
}
