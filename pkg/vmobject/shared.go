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

package vmobject

import (
	"context"

	"gvisor.dev/inodevm/pkg/inode"
)

// Shared is a SharedInodeVMObject: a view of an inode shared by every
// address space of a mapping group. Writes modify frames in place.
type Shared struct {
	inodeObject
}

var _ InodeObject = (*Shared)(nil)

// TryCreateShared returns a new Shared object for ino with no resident pages,
// holding one reference. The object takes its own reference on ino.
func TryCreateShared(ctx context.Context, ino inode.Inode, opts Opts) (*Shared, error) {
	s := &Shared{}
	if err := s.init(ino, opts, KindShared); err != nil {
		return nil, err
	}
	return s, nil
}

// TryClone implements Object.TryClone. Forked address spaces continue to
// share s, so TryClone returns s with an additional reference.
func (s *Shared) TryClone(ctx context.Context) (Object, error) {
	s.IncRef()
	clones.Increment(KindShared.String())
	return s, nil
}
