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

package memmap

import (
	"fmt"
	"strings"
)

type mapping struct {
	ms MappingSpace
	pr PageRange
}

// MappingSet records the mappings of a memory object. It holds no references
// on the MappingSpaces it records.
//
// MappingSet is not synchronized; it is protected by the owning memory
// object's lock.
type MappingSet struct {
	mappings []mapping
}

// AddMapping records that ms maps the pages in pr.
//
// Preconditions: pr.Length() != 0.
func (s *MappingSet) AddMapping(ms MappingSpace, pr PageRange) {
	if !pr.WellFormed() || pr.Length() == 0 {
		panic(fmt.Sprintf("invalid page range %v", pr))
	}
	s.mappings = append(s.mappings, mapping{ms, pr})
}

// RemoveMapping removes one mapping previously recorded by AddMapping with
// the same arguments. It returns false if no such mapping exists.
func (s *MappingSet) RemoveMapping(ms MappingSpace, pr PageRange) bool {
	for i, m := range s.mappings {
		if m.ms == ms && m.pr == pr {
			s.mappings = append(s.mappings[:i], s.mappings[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of recorded mappings.
func (s *MappingSet) Len() int {
	return len(s.mappings)
}

// Invalidate calls MappingSpace.Invalidate for every mapping overlapping pr,
// restricted to the overlap.
func (s *MappingSet) Invalidate(pr PageRange, opts InvalidateOpts) {
	for _, m := range s.mappings {
		if ipr := m.pr.Intersect(pr); ipr.Length() != 0 {
			m.ms.Invalidate(ipr, opts)
		}
	}
}

// String implements fmt.Stringer.
func (s *MappingSet) String() string {
	var b strings.Builder
	for i, m := range s.mappings {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%p%v", m.ms, m.pr)
	}
	return b.String()
}
