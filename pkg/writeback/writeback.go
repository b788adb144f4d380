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

// Package writeback flushes dirty pages of memory objects to their inodes.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/inodevm/pkg/errors/vmerr"
	"gvisor.dev/inodevm/pkg/inode"
	"gvisor.dev/inodevm/pkg/log"
	"gvisor.dev/inodevm/pkg/metric"
	"gvisor.dev/inodevm/pkg/vmobject"
)

var (
	writebacks        = metric.MustCreateNewUint64Metric("writebacks", "Number of dirty pages written back to inodes.")
	writebackFailures = metric.MustCreateNewUint64Metric("writeback_failures", "Number of page write-backs that failed after retries.")
)

// Opts configures a Sweeper.
type Opts struct {
	// Interval is the time between sweeps in Run.
	Interval time.Duration

	// Parallelism is the maximum number of objects flushed concurrently.
	// Values below 1 mean 1.
	Parallelism int

	// MaxRetryElapsed bounds the time spent retrying a failed page write.
	// Zero disables retries.
	MaxRetryElapsed time.Duration

	// InitialRetryInterval is the first retry delay. Zero means one
	// millisecond.
	InitialRetryInterval time.Duration

	// EvictClean causes each sweep to evict clean pages after flushing.
	EvictClean bool
}

// DefaultOpts returns the default sweeper options.
func DefaultOpts() Opts {
	return Opts{
		Interval:        5 * time.Second,
		Parallelism:     4,
		MaxRetryElapsed: time.Second,
	}
}

// Stats summarizes one sweep.
type Stats struct {
	// Objects is the number of memory objects visited.
	Objects int

	// Written is the number of pages written back.
	Written int

	// Failed is the number of pages whose write-back failed. They remain
	// dirty.
	Failed int

	// Skipped is the number of dirty pages not written because another
	// write-back of the page was in flight.
	Skipped int

	// Evicted is the number of clean pages evicted.
	Evicted int
}

func (s *Stats) add(o Stats) {
	s.Objects += o.Objects
	s.Written += o.Written
	s.Failed += o.Failed
	s.Skipped += o.Skipped
	s.Evicted += o.Evicted
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("objects=%d written=%d failed=%d skipped=%d evicted=%d", s.Objects, s.Written, s.Failed, s.Skipped, s.Evicted)
}

// Sweeper periodically writes back the dirty pages of every inode object in
// a table. Concurrent sweeps never write the same page twice.
type Sweeper struct {
	table *vmobject.Table
	opts  Opts

	// failures logs write-back failures.
	failures log.Logger
}

// New returns a Sweeper that writes the pages of objects in table, each
// through the backend the object pages in from.
func New(table *vmobject.Table, opts Opts) *Sweeper {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.InitialRetryInterval == 0 {
		opts.InitialRetryInterval = time.Millisecond
	}
	return &Sweeper{
		table:    table,
		opts:     opts,
		failures: log.BasicRateLimitedLogger(time.Second),
	}
}

// SweepOnce flushes every dirty page once. Pages that could not be written
// stay dirty for the next sweep; SweepOnce returns an error only if ctx is
// done.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	entries := s.table.Snapshot()
	defer vmobject.ReleaseEntries(ctx, entries)

	var (
		mu    sync.Mutex
		total Stats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for _, e := range entries {
		obj, ok := e.Object.(vmobject.InodeObject)
		if !ok {
			continue
		}
		g.Go(func() error {
			st := s.flush(gctx, obj)
			mu.Lock()
			total.add(st)
			mu.Unlock()
			return gctx.Err()
		})
	}
	err := g.Wait()
	return total, err
}

// flush writes back the dirty pages of obj.
func (s *Sweeper) flush(ctx context.Context, obj vmobject.InodeObject) Stats {
	st := Stats{Objects: 1}
	for _, index := range obj.DirtyIndices() {
		if ctx.Err() != nil {
			break
		}
		data, ok := obj.BeginWriteback(index)
		if !ok {
			st.Skipped++
			continue
		}
		err := s.writePage(ctx, obj.Backend(), obj.Inode(), index, data)
		obj.EndWriteback(index, err)
		if err != nil {
			st.Failed++
			writebackFailures.Increment()
			s.failures.Warningf("writeback of page %d of %v failed: %v", index, obj, err)
			continue
		}
		st.Written++
		writebacks.Increment()
	}
	if s.opts.EvictClean && ctx.Err() == nil {
		st.Evicted = obj.EvictClean()
	}
	return st
}

// writePage writes one page, retrying I/O errors with exponential backoff.
func (s *Sweeper) writePage(ctx context.Context, backend inode.Backend, ino inode.Inode, index uint32, data []byte) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if s.opts.MaxRetryElapsed > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = s.opts.InitialRetryInterval
		eb.MaxInterval = s.opts.MaxRetryElapsed
		eb.MaxElapsedTime = s.opts.MaxRetryElapsed
		b = eb
	}
	op := func() error {
		err := backend.WritePage(ctx, ino, index, data)
		if err != nil && !errors.Is(err, vmerr.ErrIO) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Run sweeps every Opts.Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.opts.Interval
	if interval <= 0 {
		interval = DefaultOpts().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st, err := s.SweepOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warningf("writeback sweep: %v", err)
			continue
		}
		if st.Written > 0 || st.Failed > 0 {
			log.Debugf("writeback sweep: %v", st)
		}
	}
}
