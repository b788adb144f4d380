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

import "gvisor.dev/inodevm/pkg/metric"

var kindField = metric.NewField("kind", KindPrivate.String(), KindShared.String())

var (
	pageIns     = metric.MustCreateNewUint64Metric("page_ins", "Number of pages read from inodes into memory objects.", kindField)
	pageInRaces = metric.MustCreateNewUint64Metric("page_in_races", "Number of page-ins discarded because another fault populated the page first.")
	cowCopies   = metric.MustCreateNewUint64Metric("cow_copies", "Number of write faults that copied a shared frame.")
	cowClaims   = metric.MustCreateNewUint64Metric("cow_claims", "Number of write faults that took ownership of an unshared frame in place.")
	clones      = metric.MustCreateNewUint64Metric("clones", "Number of successful memory object clones.", kindField)
	evictions   = metric.MustCreateNewUint64Metric("evictions", "Number of clean pages evicted from memory objects.", kindField)
)
