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

// Package hostarch describes the page geometry used by memory objects.
package hostarch

import (
	"math"

	"golang.org/x/sys/unix"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift

	// PageMask is the mask of the offset within a page.
	PageMask = PageSize - 1

	// MaxPages is the largest page count a memory object may span.
	MaxPages = math.MaxInt32
)

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ PageMask
}

// PageRoundUp returns x rounded up to the nearest page boundary. ok is true
// iff rounding up did not wrap around.
func PageRoundUp(x uint64) (addr uint64, ok bool) {
	addr = PageRoundDown(x + PageMask)
	ok = addr >= x
	return
}

// IsPageAligned returns true if x is a multiple of PageSize.
func IsPageAligned(x uint64) bool {
	return x&PageMask == 0
}

// PagesFor returns the number of pages needed to hold size bytes. ok is false
// if that number is not representable as a page count.
func PagesFor(size uint64) (pages uint32, ok bool) {
	end, ok := PageRoundUp(size)
	if !ok {
		return 0, false
	}
	n := end >> PageShift
	if n > MaxPages {
		return 0, false
	}
	return uint32(n), true
}

// PageOffset returns the byte offset of page index i.
func PageOffset(i uint32) int64 {
	return int64(i) << PageShift
}

// HostPageSize returns the page size of the host. It need not equal
// PageSize; memory objects never map host memory directly.
func HostPageSize() int {
	return unix.Getpagesize()
}
