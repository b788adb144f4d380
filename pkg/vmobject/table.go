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
	"fmt"
	"sort"
	"sync"
)

// Handle is a stable name for an object in a Table. Handles are never
// reused by a Table.
type Handle uint64

// InvalidHandle is never returned by Table.Insert.
const InvalidHandle Handle = 0

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("vmo:%d", uint64(h))
}

// Table holds references on objects under stable handles. Address space
// regions record handles rather than object pointers.
//
// Table is safe for concurrent use.
type Table struct {
	mu sync.Mutex

	// +checklocks:mu
	next Handle

	// +checklocks:mu
	objects map[Handle]Object
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		next:    InvalidHandle + 1,
		objects: make(map[Handle]Object),
	}
}

// Insert takes a reference on obj and returns a new handle for it.
func (t *Table) Insert(obj Object) Handle {
	obj.IncRef()
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.objects[h] = obj
	return h
}

// Lookup returns the object named by h with a new reference, which the
// caller must release.
func (t *Table) Lookup(h Handle) (Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[h]
	if !ok || !obj.TryIncRef() {
		return nil, false
	}
	return obj, true
}

// Remove drops the table's reference on the object named by h. It returns
// false if h does not name an object.
func (t *Table) Remove(ctx context.Context, h Handle) bool {
	t.mu.Lock()
	obj, ok := t.objects[h]
	delete(t.objects, h)
	t.mu.Unlock()
	if !ok {
		return false
	}
	obj.DecRef(ctx)
	return true
}

// Entry is an element of a Table snapshot.
type Entry struct {
	Handle Handle
	Object Object
}

// Snapshot returns every object in the table, ordered by handle, each with
// a new reference. Release the references with ReleaseEntries.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]Entry, 0, len(t.objects))
	for h, obj := range t.objects {
		if obj.TryIncRef() {
			entries = append(entries, Entry{h, obj})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Handle < entries[j].Handle })
	return entries
}

// ReleaseEntries releases the references returned by Snapshot.
func ReleaseEntries(ctx context.Context, entries []Entry) {
	for _, e := range entries {
		e.Object.DecRef(ctx)
	}
}

// Len returns the number of objects in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

// Clear drops the table's references on every object.
func (t *Table) Clear(ctx context.Context) {
	t.mu.Lock()
	objects := t.objects
	t.objects = make(map[Handle]Object)
	t.mu.Unlock()
	for _, obj := range objects {
		obj.DecRef(ctx)
	}
}
