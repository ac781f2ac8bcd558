// Copyright (c) 2016 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package skiplist implements the Herlihy-Shavit lock-free ordered map:
// a concurrent skip list keyed by Key128, reclaiming logically- and
// physically-unlinked nodes through a hazard-pointer registry (package
// hazard) rather than locks.
package skiplist

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bruisedsamurai/NoSQL/hazard"
	"github.com/bruisedsamurai/NoSQL/internal/stats"
)

// p is the level-generation probability: each level holds roughly half the
// population of the level below it.
const p = 0.5

// slotPred, slotCurr, slotSucc are the hazard-pointer slots used by every
// traversal, per spec.md §4.3's "HPR slot usage per operation" table.
const (
	slotPred = 0
	slotCurr = 1
	slotSucc = 2
	slotAux  = 3 // upper-level pred/succ re-examination during Add
)

// Skiplist is a lock-free ordered map from Key128 to []byte.
type Skiplist struct {
	head, tail *node
	registry   *hazard.Registry
	length     int64
	rngMu      sync.Mutex
	rng        *rand.Rand
	counters   stats.Counters
}

// New creates an empty skip list. If reg is nil, a registry with the
// spec's default configuration (5 slots per record, threshold =
// total_slots+1) is created for this skip list's exclusive use — spec.md
// §9 "Global state" treats each skip list as owning its own registry.
func New(reg *hazard.Registry) *Skiplist {
	if reg == nil {
		reg = hazard.NewRegistry(5, hazard.DefaultThreshold(5, 1), nil)
	}

	head := newSentinel(MinKey128)
	tail := newSentinel(MaxKey128)
	for lvl := 0; lvl <= MaxLevel; lvl++ {
		head.storeNext(lvl, tail, false)
	}

	return &Skiplist{
		head:     head,
		tail:     tail,
		registry: reg,
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
}

// Len returns the number of live (unmarked, reachable) elements. It is a
// best-effort counter, not itself linearizable against concurrent Add/Remove.
func (s *Skiplist) Len() int {
	return int(atomic.LoadInt64(&s.length))
}

// Stats exposes this skip list's node allocation counter. Retires and frees
// of its nodes are counted by its hazard registry (hazard.Registry.Stats).
func (s *Skiplist) Stats() stats.Snapshot {
	return s.counters.Get()
}

func (s *Skiplist) randomLevel() int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	level := 0
	for s.rng.Float64() < p && level < MaxLevel {
		level++
	}
	return level
}

// findResult carries the per-level predecessor/successor chain produced by
// find, mirroring spec.md §4.3's {found, preds[0..=MAX_LEVEL], succs[0..=MAX_LEVEL]}.
type findResult struct {
	found bool
	preds [MaxLevel + 1]*node
	succs [MaxLevel + 1]*node
}

// find is the internal top-down traversal shared by Add, Remove, and the
// public Contains/Find. It physically unlinks marked nodes it walks over
// and retires them into rec's hazard-pointer record at level 0.
//
// Note on memory safety: classic hazard-pointer implementations run on
// manually managed heaps, where Protect is the only thing stopping a
// reclaimer from freeing a node a traversal is mid-dereference of. Go's
// garbage collector already guarantees that a node referenced by a live
// local variable (curr, succ, pred below) is never collected, so Protect
// here cannot prevent a memory-safety violation that the runtime wouldn't
// anyway. It is implemented in full regardless, because it is the
// observable contract the spec and its test suite (hazard protection,
// retire/scan counters) are written against — see DESIGN.md.
func (s *Skiplist) find(rec *hazard.Record, key Key128) findResult {
retry:
	var result findResult
	pred := s.head
	rec.Protect(slotPred, unsafe.Pointer(pred))

	for lvl := MaxLevel; lvl >= 0; lvl-- {
		curr, _ := pred.loadNext(lvl)
		rec.Protect(slotCurr, unsafe.Pointer(curr))

		for {
			succ, marked := curr.loadNext(lvl)
			rec.Protect(slotSucc, unsafe.Pointer(succ))

			for marked {
				if !pred.casNext(lvl, curr, false, succ, false) {
					goto retry
				}
				if lvl == 0 {
					s.registry.RetireNode(rec, unsafe.Pointer(curr))
				}
				curr, _ = pred.loadNext(lvl)
				rec.Protect(slotCurr, unsafe.Pointer(curr))
				succ, marked = curr.loadNext(lvl)
				rec.Protect(slotSucc, unsafe.Pointer(succ))
			}

			if curr.key.Compare(key) < 0 {
				pred = curr
				rec.Protect(slotPred, unsafe.Pointer(pred))
				curr = succ
				rec.Protect(slotCurr, unsafe.Pointer(curr))
			} else {
				break
			}
		}

		result.preds[lvl] = pred
		result.succs[lvl] = curr
	}

	result.found = result.succs[0].key.Compare(key) == 0
	return result
}

// Add inserts key/value if key is not already present. It never overwrites
// an existing entry — the memtable facade composes overwrite semantics on
// top, per spec.md §4.3.
func (s *Skiplist) Add(key Key128, value []byte) bool {
	rec := s.registry.Acquire()
	defer s.registry.Release(rec)

	topLevel := s.randomLevel()

	for {
		result := s.find(rec, key)
		if result.found {
			return false
		}

		newVal := append([]byte(nil), value...)
		n := newNode(key, newVal, topLevel)
		for lvl := 0; lvl <= topLevel; lvl++ {
			n.storeNext(lvl, result.succs[lvl], false)
		}

		pred0, succ0 := result.preds[0], result.succs[0]
		if !pred0.casNext(0, succ0, false, n, false) {
			continue
		}
		s.counters.Alloc()
		atomic.AddInt64(&s.length, 1)

		for lvl := 1; lvl <= topLevel; lvl++ {
			for {
				pred, succ := result.preds[lvl], result.succs[lvl]
				rec.Protect(slotAux, unsafe.Pointer(pred))
				if pred.casNext(lvl, succ, false, n, false) {
					break
				}
				result = s.find(rec, key)
				n.storeNext(lvl, result.succs[lvl], false)
			}
		}
		return true
	}
}

// Remove logically then physically deletes key. It returns true iff this
// call performed the logical deletion (the level-0 mark CAS); a concurrent
// Remove of the same key returns false, as does a missing key.
func (s *Skiplist) Remove(key Key128) bool {
	rec := s.registry.Acquire()
	defer s.registry.Release(rec)

	for {
		result := s.find(rec, key)
		if !result.found {
			return false
		}

		victim := result.succs[0]
		for lvl := victim.topLevel; lvl >= 1; lvl-- {
			for {
				succ, marked := victim.loadNext(lvl)
				if marked {
					break
				}
				if victim.casNext(lvl, succ, false, succ, true) {
					break
				}
			}
		}

		succ, marked := victim.loadNext(0)
		if marked {
			return false
		}
		if victim.casNext(0, succ, false, succ, true) {
			atomic.AddInt64(&s.length, -1)
			s.find(rec, key) // trigger physical unlinking
			return true
		}
		// Lost the race on a non-marked CAS failure: reload and retry.
	}
}

// Contains reports whether key is reachable and unmarked at level 0.
func (s *Skiplist) Contains(key Key128) bool {
	rec := s.registry.Acquire()
	defer s.registry.Release(rec)
	return s.find(rec, key).found
}

// Find returns the value associated with key, if any.
func (s *Skiplist) Find(key Key128) ([]byte, bool) {
	rec := s.registry.Acquire()
	defer s.registry.Release(rec)
	result := s.find(rec, key)
	if !result.found {
		return nil, false
	}
	return result.succs[0].value, true
}

// Range performs a best-effort, non-linearizable forward walk of level 0,
// invoking fn for every unmarked node until fn returns false or the tail is
// reached. It is a debug/test aid only — spec.md explicitly disclaims
// "snapshot iteration under concurrent writers" as a non-goal.
func (s *Skiplist) Range(fn func(Key128, []byte) bool) {
	curr, _ := s.head.loadNext(0)
	for curr != s.tail {
		next, marked := curr.loadNext(0)
		if !marked {
			if !fn(curr.key, curr.value) {
				return
			}
		}
		curr = next
	}
}
