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

// Package memmap defines the contract between memory objects and the address
// spaces that map them.
package memmap

import (
	"fmt"
)

// PageRange represents a range of page indices [Start, End) in a memory
// object.
type PageRange struct {
	Start uint32
	End   uint32
}

// PageRangeOf returns the PageRange holding the single page i.
func PageRangeOf(i uint32) PageRange {
	return PageRange{i, i + 1}
}

// WellFormed returns true if pr.Start <= pr.End.
func (pr PageRange) WellFormed() bool {
	return pr.Start <= pr.End
}

// Length returns the number of pages in pr.
func (pr PageRange) Length() uint32 {
	return pr.End - pr.Start
}

// Contains returns true if pr contains i.
func (pr PageRange) Contains(i uint32) bool {
	return pr.Start <= i && i < pr.End
}

// Intersect returns the intersection of pr and o, which has zero length if
// they do not overlap.
func (pr PageRange) Intersect(o PageRange) PageRange {
	if pr.Start < o.Start {
		pr.Start = o.Start
	}
	if pr.End > o.End {
		pr.End = o.End
	}
	if pr.End < pr.Start {
		pr.End = pr.Start
	}
	return pr
}

// String implements fmt.Stringer.String.
func (pr PageRange) String() string {
	return fmt.Sprintf("[%d, %d)", pr.Start, pr.End)
}

// MappingSpace represents an address space that maps pages of memory
// objects.
type MappingSpace interface {
	// Invalidate is called to notify the MappingSpace that frames previously
	// resolved for pages in pr are no longer valid and must be unmapped.
	//
	// Invalidate is called with the memory object's lock held, and must not
	// call back into the memory object.
	//
	// Preconditions: pr.Length() != 0.
	Invalidate(pr PageRange, opts InvalidateOpts)
}

// InvalidateOpts holds options to MappingSpace.Invalidate.
type InvalidateOpts struct {
	// InvalidatePrivate is true if private pages in the invalidated region
	// should also be discarded, causing their data to be lost.
	InvalidatePrivate bool
}

// BusError may be returned when resolving a page for errors that should
// result in SIGBUS delivery to the faulting task, such as a failed page-in.
type BusError struct {
	// Err is the original error.
	Err error
}

// Error implements error.Error.
func (b *BusError) Error() string {
	return fmt.Sprintf("BusError: %v", b.Err.Error())
}

// Unwrap returns the original error.
func (b *BusError) Unwrap() error {
	return b.Err
}
