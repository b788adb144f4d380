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

// Package bitmap provides a fixed-length bit-vector used to track per-page
// state of memory objects.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// NoBit is returned by searches that find no matching bit.
const NoBit uint32 = math.MaxUint32

// Bitmap is a bit-vector of a length fixed at construction.
//
// Bitmap is not synchronized; callers provide their own locking.
type Bitmap struct {
	// length is the number of addressable bits.
	length uint32

	// numOnes is the number of set bits.
	numOnes uint32

	// blocks holds the bits, 64 per element. Bits at positions >= length are
	// always zero.
	blocks []uint64
}

// New returns a Bitmap of length bits, all clear.
func New(length uint32) Bitmap {
	return Bitmap{
		length: length,
		blocks: make([]uint64, blockCount(length)),
	}
}

// SizeBytes returns the number of bytes of backing storage a Bitmap of the
// given length occupies.
func SizeBytes(length uint32) uint64 {
	return uint64(blockCount(length)) * 8
}

func blockCount(length uint32) int {
	return int((uint64(length) + 63) / 64)
}

func (b *Bitmap) checkIndex(i uint32) {
	if i >= b.length {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.length))
	}
}

// Len returns the number of addressable bits.
func (b *Bitmap) Len() uint32 {
	return b.length
}

// IsEmpty returns true if no bits are set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.numOnes
}

// Test returns the value of bit i.
//
// Preconditions: i < b.Len().
func (b *Bitmap) Test(i uint32) bool {
	b.checkIndex(i)
	return b.blocks[i/64]&(uint64(1)<<(i%64)) != 0
}

// Set sets bit i and reports whether it was previously clear.
//
// Preconditions: i < b.Len().
func (b *Bitmap) Set(i uint32) bool {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	old := b.blocks[blockNum]
	if old&mask != 0 {
		return false
	}
	b.blocks[blockNum] = old | mask
	b.numOnes++
	return true
}

// Clear clears bit i and reports whether it was previously set.
//
// Preconditions: i < b.Len().
func (b *Bitmap) Clear(i uint32) bool {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	old := b.blocks[blockNum]
	if old&mask == 0 {
		return false
	}
	b.blocks[blockNum] = old &^ mask
	b.numOnes--
	return true
}

// ClearAll clears every bit.
func (b *Bitmap) ClearAll() {
	clear(b.blocks)
	b.numOnes = 0
}

// FirstOne returns the first set bit in [start, Len()), or NoBit.
func (b *Bitmap) FirstOne(start uint32) uint32 {
	if start >= b.length {
		return NoBit
	}
	i, nbit := int(start/64), start%64
	w := b.blocks[i] & (math.MaxUint64 << nbit)
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64)
		}
		i++
		if i == len(b.blocks) {
			return NoBit
		}
		w = b.blocks[i]
	}
}

// ToSlice returns the positions of all set bits in ascending order. For
// example, a bitmap of [0, 1, 0, 1] returns [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.numOnes)
	for i, block := range b.blocks {
		base := uint32(i * 64)
		for block != 0 {
			// Extract the lowest set bit.
			j := block & -block
			out = append(out, base+uint32(bits.OnesCount64(j-1)))
			block ^= j
		}
	}
	return out
}

// Clone returns an independent copy of b.
func (b *Bitmap) Clone() Bitmap {
	c := Bitmap{
		length:  b.length,
		numOnes: b.numOnes,
		blocks:  make([]uint64, len(b.blocks)),
	}
	copy(c.blocks, b.blocks)
	return c
}

// Equal returns true if b and o have the same length and bits.
func (b *Bitmap) Equal(o *Bitmap) bool {
	if b.length != o.length || b.numOnes != o.numOnes {
		return false
	}
	for i := range b.blocks {
		if b.blocks[i] != o.blocks[i] {
			return false
		}
	}
	return true
}

// String renders the bitmap with bit 0 first, e.g. "0010".
func (b *Bitmap) String() string {
	buf := make([]byte, b.length)
	for i := uint32(0); i < b.length; i++ {
		if b.blocks[i/64]&(uint64(1)<<(i%64)) != 0 {
			buf[i] = '1'
		} else {
			buf[i] = '0'
		}
	}
	return string(buf)
}
