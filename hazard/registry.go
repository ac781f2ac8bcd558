// Copyright (c) 2016 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

/*
 * Algorithm: Michael, Maged M. "Hazard pointers: Safe memory reclamation for
 * lock-free objects." IEEE Transactions on Parallel and Distributed Systems
 * 15, no. 6 (2004): 491-504.
 *
 * The registry is an append-only lock-free list of per-goroutine records.
 * Each record carries a small fixed array of protected-pointer slots and a
 * retired-node set. A goroutine publishes the addresses it is about to
 * dereference into its record's slots (Protect); a reclaimer (scan) may
 * only free a retired node once no record's slots reference it. Records are
 * never removed from the list, only deactivated and reused (Acquire walks
 * the list looking for an inactive record before allocating a new one).
 *
 * active doubles as a mutual-exclusion token over a record's own fields:
 * only the goroutine that CAS'd active from false to true may write that
 * record's slots or retired set, until it CAS's active back to false.
 */
package hazard

import (
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/bruisedsamurai/NoSQL/internal/stats"
)

// Record is a single goroutine's hazard-pointer bundle: a fixed array of
// protected-pointer slots plus the set of nodes this goroutine has retired
// but not yet proven safe to reclaim.
type Record struct {
	slots  []unsafe.Pointer
	next   *Record
	active int32 // 0 or 1, CAS'd

	rList map[unsafe.Pointer]struct{}
}

func newRecord(slotCount int) *Record {
	return &Record{
		slots:  make([]unsafe.Pointer, slotCount),
		active: 1,
		rList:  make(map[unsafe.Pointer]struct{}),
	}
}

// rCount is the retired-set cardinality. Kept as len(rList) rather than a
// separately maintained counter so it can never drift from "set
// cardinality", per the spec's resolution of the original source's
// ambiguous r_count bookkeeping.
func (rec *Record) rCount() int {
	return len(rec.rList)
}

// Protect publishes ptr into slot i with sequentially consistent ordering.
// Callers must re-verify the pointer is still reachable after publishing
// (the standard hazard-pointer protect-then-verify protocol); Protect
// itself only performs the publish.
func (rec *Record) Protect(slot int, ptr unsafe.Pointer) {
	atomic.StorePointer(&rec.slots[slot], ptr)
}

// Get reads back whatever is currently published in slot i.
func (rec *Record) Get(slot int) unsafe.Pointer {
	return atomic.LoadPointer(&rec.slots[slot])
}

// Clear un-publishes slot i. Traversals call this once a protected pointer
// is no longer needed, so scans don't hold it live past its use.
func (rec *Record) Clear(slot int) {
	atomic.StorePointer(&rec.slots[slot], nil)
}

// Registry is the process-wide (or, per spec, per-skiplist) hazard-pointer
// registry: the lock-free list of Records plus the shared slot-count and
// retire-threshold configuration.
type Registry struct {
	head           unsafe.Pointer // *Record
	totalSlots     int32
	slotsPerRecord int
	threshold      int32

	log      *zap.Logger
	counters *stats.Counters
}

// DefaultThreshold returns a retire threshold that strictly exceeds the
// maximum number of simultaneously protected pointers: slotsPerRecord
// multiplied by the number of records expected to be concurrently active,
// plus one. The original source used a flat threshold of 1, which the spec
// calls out as aggressive; this is the corrected default (spec.md §9).
func DefaultThreshold(slotsPerRecord, expectedRecords int) int {
	if expectedRecords < 1 {
		expectedRecords = 1
	}
	return slotsPerRecord*expectedRecords + 1
}

// NewRegistry creates an empty registry. log may be nil, in which case a
// no-op logger is used (matching the storj hashstore convention of
// defaulting to zap.NewNop()).
func NewRegistry(slotsPerRecord, threshold int, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if threshold < slotsPerRecord+1 {
		log.Warn("hazard: retire threshold below total_slots+1, reclamation may race ahead of live protections",
			zap.Int("threshold", threshold), zap.Int("slotsPerRecord", slotsPerRecord))
	}
	return &Registry{
		slotsPerRecord: slotsPerRecord,
		threshold:      int32(threshold),
		log:            log,
		counters:       &stats.Counters{},
	}
}

// SetThreshold overrides the retire threshold at runtime.
func (r *Registry) SetThreshold(n int) {
	atomic.StoreInt32(&r.threshold, int32(n))
}

// Stats exposes this registry's allocation/retire counters.
func (r *Registry) Stats() stats.Snapshot {
	return r.counters.Get()
}

func (r *Registry) head0() *Record {
	return (*Record)(atomic.LoadPointer(&r.head))
}

// Acquire returns a Record with active=true: either a reused record found
// inactive while walking head -> next*, or a freshly allocated one pushed
// onto the head with a Treiber-stack CAS loop.
func (r *Registry) Acquire() *Record {
	for rec := r.head0(); rec != nil; rec = rec.next {
		if atomic.LoadInt32(&rec.active) == 1 {
			continue
		}
		if atomic.CompareAndSwapInt32(&rec.active, 0, 1) {
			return rec
		}
	}

	for {
		old := atomic.LoadInt32(&r.totalSlots)
		if atomic.CompareAndSwapInt32(&r.totalSlots, old, old+int32(r.slotsPerRecord)) {
			break
		}
	}

	rec := newRecord(r.slotsPerRecord)
	r.counters.Alloc()

retry:
	oldHead := atomic.LoadPointer(&r.head)
	rec.next = (*Record)(oldHead)
	if !atomic.CompareAndSwapPointer(&r.head, oldHead, unsafe.Pointer(rec)) {
		goto retry
	}

	return rec
}

// Release zeroes every protected slot, then marks the record inactive with
// release ordering. The retired set is intentionally left untouched:
// help_scan drains it on behalf of whichever goroutine next walks past this
// record while it sits idle.
func (r *Registry) Release(rec *Record) {
	for i := range rec.slots {
		atomic.StorePointer(&rec.slots[i], nil)
	}
	atomic.StoreInt32(&rec.active, 0)
}

// RetireNode inserts node into rec's retired set (set semantics: duplicate
// retires of the same address are no-ops) and, once the retired count
// reaches the configured threshold, reclaims what it safely can via scan
// and recruits help_scan to drain other idle records' retired sets too.
func (r *Registry) RetireNode(rec *Record, node unsafe.Pointer) {
	if node == nil {
		return
	}
	if _, dup := rec.rList[node]; dup {
		return
	}
	rec.rList[node] = struct{}{}
	r.counters.Retire()

	if rec.rCount() >= int(atomic.LoadInt32(&r.threshold)) {
		r.scan(rec)
		r.helpScan(rec)
	}
}

// scan walks the registry once, unions every active record's non-nil
// protected slots into a local set, then partitions rec's retired set:
// anything still protected stays retired, everything else is dropped
// (letting the garbage collector reclaim it — see internal/stats doc).
func (r *Registry) scan(rec *Record) {
	protected := make(map[unsafe.Pointer]struct{})
	for hp := r.head0(); hp != nil; hp = hp.next {
		for i := range hp.slots {
			if p := atomic.LoadPointer(&hp.slots[i]); p != nil {
				protected[p] = struct{}{}
			}
		}
	}

	survivors := rec.rList
	rec.rList = make(map[unsafe.Pointer]struct{}, len(survivors))

	freed := 0
	for node := range survivors {
		if _, stillHazarded := protected[node]; stillHazarded {
			rec.rList[node] = struct{}{}
		} else {
			r.counters.Free()
			freed++
		}
	}
	r.log.Debug("hazard: scan reclaimed nodes",
		zap.Int("freed", freed), zap.Int("retained", len(rec.rList)))
}

// helpScan walks the registry; for every record it can CAS inactive->active
// (i.e. a record whose owner has released it, or never one at all), it
// drains that record's retired set into rec's own, scanning again whenever
// rec's count crosses the threshold, then releases the helped record back
// to inactive.
func (r *Registry) helpScan(rec *Record) {
	for hp := r.head0(); hp != nil; hp = hp.next {
		if hp == rec {
			continue
		}
		if atomic.LoadInt32(&hp.active) == 1 {
			continue
		}
		if !atomic.CompareAndSwapInt32(&hp.active, 0, 1) {
			continue
		}

		for node := range hp.rList {
			delete(hp.rList, node)
			rec.rList[node] = struct{}{}
			if rec.rCount() >= int(atomic.LoadInt32(&r.threshold)) {
				r.scan(rec)
			}
		}

		atomic.StoreInt32(&hp.active, 0)
	}
}
