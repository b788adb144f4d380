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

package pgalloc

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"gvisor.dev/inodevm/pkg/errors/vmerr"
	"gvisor.dev/inodevm/pkg/hostarch"
	"gvisor.dev/inodevm/pkg/usage"
)

func TestAllocateReusesLowestFreeFrame(t *testing.T) {
	r := NewRegistry(Opts{})
	var fs []Frame
	for i := 0; i < 4; i++ {
		f, err := r.Allocate(usage.PageCache)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		fs = append(fs, f)
	}
	r.DecRef(fs[3])
	r.DecRef(fs[1])
	f, err := r.Allocate(usage.PageCache)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if f != fs[1] {
		t.Errorf("Allocate() = %v, want lowest free frame %v", f, fs[1])
	}
	if got := r.InUse(); got != 3 {
		t.Errorf("InUse() = %d, want 3", got)
	}
}

func TestAllocateZeroesReusedFrame(t *testing.T) {
	r := NewRegistry(Opts{})
	f, err := r.AllocateAndFill(usage.Private, []byte("dirty content"))
	if err != nil {
		t.Fatalf("AllocateAndFill: %v", err)
	}
	r.DecRef(f)
	g, err := r.Allocate(usage.PageCache)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if g != f {
		t.Fatalf("frame not reused: got %v, want %v", g, f)
	}
	if !bytes.Equal(r.Data(g), make([]byte, hostarch.PageSize)) {
		t.Errorf("reused frame not zeroed")
	}
}

func TestRefCounting(t *testing.T) {
	r := NewRegistry(Opts{})
	f, err := r.Allocate(usage.PageCache)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !r.HasUniqueRef(f) {
		t.Errorf("fresh frame does not have a unique ref")
	}
	r.IncRef(f)
	if got := r.RefCount(f); got != 2 {
		t.Errorf("RefCount = %d, want 2", got)
	}
	if r.HasUniqueRef(f) {
		t.Errorf("shared frame reported unique")
	}
	if got := r.TotalRefs(); got != 2 {
		t.Errorf("TotalRefs = %d, want 2", got)
	}
	r.DecRef(f)
	r.DecRef(f)
	if got := r.InUse(); got != 0 {
		t.Errorf("InUse after release = %d, want 0", got)
	}
	stats, _ := r.Memory().Copy()
	if stats.PageCache != 0 {
		t.Errorf("PageCache still charged %d bytes", stats.PageCache)
	}
}

func TestAllocationFailure(t *testing.T) {
	for _, test := range []struct {
		name string
		opts Opts
	}{
		{
			name: "frame limit",
			opts: Opts{MaxFrames: 1},
		},
		{
			name: "hook",
			opts: Opts{AllocHook: func() func() error {
				n := 0
				return func() error {
					if n++; n > 1 {
						return fmt.Errorf("injected")
					}
					return nil
				}
			}()},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := NewRegistry(test.opts)
			if _, err := r.Allocate(usage.PageCache); err != nil {
				t.Fatalf("first Allocate: %v", err)
			}
			f, err := r.Allocate(usage.PageCache)
			if !errors.Is(err, vmerr.ErrNoMemory) {
				t.Fatalf("second Allocate = (%v, %v), want ErrNoMemory", f, err)
			}
			if f.Ok() {
				t.Errorf("failed Allocate returned frame %v", f)
			}
			if got := r.InUse(); got != 1 {
				t.Errorf("InUse = %d, want 1", got)
			}
		})
	}
}

func TestReclassify(t *testing.T) {
	r := NewRegistry(Opts{})
	f, err := r.Allocate(usage.PageCache)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	r.Reclassify(f, usage.Private)
	stats, _ := r.Memory().Copy()
	if stats.PageCache != 0 || stats.Private != hostarch.PageSize {
		t.Errorf("stats after Reclassify = %+v", stats)
	}
	r.DecRef(f)
	stats, _ = r.Memory().Copy()
	if stats.Private != 0 {
		t.Errorf("Private still charged after release: %+v", stats)
	}
}

func TestInvalidFramePanics(t *testing.T) {
	for _, test := range []struct {
		name string
		op   func(r *Registry, f Frame)
	}{
		{name: "DecRef freed", op: func(r *Registry, f Frame) { r.DecRef(f) }},
		{name: "IncRef freed", op: func(r *Registry, f Frame) { r.IncRef(f) }},
		{name: "NoFrame", op: func(r *Registry, _ Frame) { r.RefCount(NoFrame) }},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := NewRegistry(Opts{})
			f, err := r.Allocate(usage.PageCache)
			if err != nil {
				t.Fatalf("Allocate: %v", err)
			}
			r.DecRef(f)
			defer func() {
				if recover() == nil {
					t.Errorf("%s did not panic", test.name)
				}
			}()
			test.op(r, f)
		})
	}
}

func TestMetadataCharges(t *testing.T) {
	r := NewRegistry(Opts{Memory: usage.NewMemory(64)})
	if err := r.ChargeMetadata(64); err != nil {
		t.Fatalf("ChargeMetadata(64): %v", err)
	}
	if err := r.ChargeMetadata(1); !errors.Is(err, vmerr.ErrNoMemory) {
		t.Errorf("ChargeMetadata over limit = %v, want ErrNoMemory", err)
	}
	r.UnchargeMetadata(64)
	if err := r.ChargeMetadata(1); err != nil {
		t.Errorf("ChargeMetadata after uncharge: %v", err)
	}
}
