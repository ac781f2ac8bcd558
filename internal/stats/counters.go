// Copyright (c) 2016 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package stats tracks allocation/free accounting for skiplist nodes and
// hazard-pointer records. It replaces the teacher's cgo/jemalloc binding
// (mm.Malloc/mm.Free) with plain atomic counters: Go heap objects are
// reclaimed by the garbage collector once the hazard-pointer registry drops
// the last reference, so there is no allocator to bind to here, only the
// bookkeeping the rest of the system wants to observe.
package stats

import (
	"encoding/json"
	"sync/atomic"
)

// Counters is a set of allocation/free/retire counters for one subsystem
// (a skiplist instance, or its hazard-pointer registry).
type Counters struct {
	allocs  uint64
	frees   uint64
	retires uint64
}

// Alloc records one node or record allocation.
func (c *Counters) Alloc() {
	atomic.AddUint64(&c.allocs, 1)
}

// Free records one node or record reclaimed by scan/help_scan.
func (c *Counters) Free() {
	atomic.AddUint64(&c.frees, 1)
}

// Retire records one node entering a retired list awaiting reclamation.
func (c *Counters) Retire() {
	atomic.AddUint64(&c.retires, 1)
}

// Snapshot is the point-in-time value of a Counters, safe to marshal.
type Snapshot struct {
	Allocs  uint64 `json:"allocs"`
	Frees   uint64 `json:"frees"`
	Retires uint64 `json:"retires"`
	Live    uint64 `json:"live"`
}

// Get returns a consistent-enough snapshot of the counters. Like the
// teacher's Stats(), this trades perfect atomicity across fields for a
// cheap, lock-free read.
func (c *Counters) Get() Snapshot {
	allocs := atomic.LoadUint64(&c.allocs)
	frees := atomic.LoadUint64(&c.frees)
	retires := atomic.LoadUint64(&c.retires)
	var live uint64
	if allocs > frees {
		live = allocs - frees
	}
	return Snapshot{Allocs: allocs, Frees: frees, Retires: retires, Live: live}
}

// JSON renders the snapshot as the teacher's StatsJson() did, minus the
// jemalloc bin-fragmentation fields that have no analogue on the Go heap.
func (c *Counters) JSON() string {
	data, err := json.Marshal(c.Get())
	if err != nil {
		return "{}"
	}
	return string(data)
}
