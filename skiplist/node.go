// Copyright (c) 2016 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package skiplist

import (
	"sync/atomic"
	"unsafe"
)

// MaxLevel is the highest level index a node may carry (spec.md §6: a hard
// constant; changing it changes the node ABI).
const MaxLevel = 31

// node is the fixed-width skiplist node of spec.md §3: every node, sentinel
// or not, carries MaxLevel+1 next slots regardless of its own topLevel —
// levels above topLevel are simply never linked to by any predecessor.
type node struct {
	key      Key128
	value    []byte // nil for sentinels and for logically-absent values
	topLevel int
	next     [MaxLevel + 1]unsafe.Pointer // *nodeRef, tagged with a mark bit
}

// nodeRef is the boxed (pointer, mark) pair a next slot atomically holds.
// spec.md §4.2 and §9 describe this as the low-bit-tagged-pointer
// alternative: "an auxiliary marker node" substituting for real pointer
// tagging, since Go pointers cannot carry stolen low bits without breaking
// the garbage collector's pointer scanning.
type nodeRef struct {
	n    *node
	mark bool
}

func newNode(key Key128, value []byte, topLevel int) *node {
	return &node{key: key, value: value, topLevel: topLevel}
}

func newSentinel(key Key128) *node {
	return &node{key: key, topLevel: MaxLevel}
}

// pack allocates the boxed (ptr, mark) pair. Named after spec.md §4.2's
// pack/unpack contract.
func pack(n *node, mark bool) unsafe.Pointer {
	return unsafe.Pointer(&nodeRef{n: n, mark: mark})
}

// unpack reads a next-slot's tagged pointer back into (ptr, mark). A nil
// slot unpacks to (nil, false) — used only before a node is ever linked.
func unpack(tagged unsafe.Pointer) (*node, bool) {
	ref := (*nodeRef)(tagged)
	if ref == nil {
		return nil, false
	}
	return ref.n, ref.mark
}

// loadNext reads next[level] with sequentially consistent ordering.
func (n *node) loadNext(level int) (*node, bool) {
	return unpack(atomic.LoadPointer(&n.next[level]))
}

// storeNext unconditionally installs (succ, mark) into next[level]. Used
// only when constructing a brand-new node before it is published into the
// list (no concurrent readers yet).
func (n *node) storeNext(level int, succ *node, mark bool) {
	atomic.StorePointer(&n.next[level], pack(succ, mark))
}

// casNext swings next[level] from (oldNode, oldMark) to (newNode, newMark),
// retrying the caller's responsibility on failure. Returns false both when
// the slot no longer matches (oldNode, oldMark) and lets the caller decide
// whether that means "lost the race" or "already marked".
func (n *node) casNext(level int, oldNode *node, oldMark bool, newNode *node, newMark bool) bool {
	addr := &n.next[level]
	old := atomic.LoadPointer(addr)
	curNode, curMark := unpack(old)
	if curNode != oldNode || curMark != oldMark {
		return false
	}
	return atomic.CompareAndSwapPointer(addr, old, pack(newNode, newMark))
}
