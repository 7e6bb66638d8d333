// Package lockfree implements the two primitives every cross-process
// hand-off in this module is built from: a lock-free Stack of offsets
// (128-bit CAS with an ABA counter) and a FixedBlockAllocator that carves
// fixed-size blocks from a single shelf, using the Stack as its free list.
// Grounded on original_source/src/shelf_usage/stack.h (exact field layout)
// and src/shelf_usage/fixed_block_allocator.h (header fields), with the
// "retry loop with stats" shape of executeTransaction in
// internal/hyperdrive/transactional_memory.go informing Push/Pop's retry
// style.
package lockfree

import (
	"encoding/binary"

	"github.com/fenilsonani/nvmm/internal/fabric"
)

// Stack is a very simple lock-free stack of offsets into a shelf. Must be
// allocated in shared memory (embedded in a persisted header); the two
// fields are accessed together via a 128-bit CAS. Offset 0 means empty,
// mirroring GlobalPtr's null convention.
//
// Blocks pushed on the stack must be cache-line aligned, at least one
// cache line long, and not accessed by anyone else while on the stack. All
// pushed/popped offsets are relative to the same shelf's base, which
// callers pass in explicitly as base.
type Stack struct {
	word fabric.Guarded128 // Lo = head offset, Hi = aba_counter, plus the cross-process guard lock
}

// Push writes base's current head into block's first 8 bytes, then
// CAS-installs block as the new head, incrementing the ABA counter.
// Persistence is the caller's responsibility if the hand-off must survive
// a crash: push the block's payload durable before calling Push if
// durability matters for that use.
func (s *Stack) Push(base []byte, block uint64) {
	for {
		cur := fabric.Load128(&s.word)
		binary.LittleEndian.PutUint64(base[block:block+8], cur.Lo)
		next := fabric.Word128{Lo: block, Hi: cur.Hi + 1}
		if fabric.CAS128(&s.word, cur, next) {
			return
		}
	}
}

// Pop removes and returns the current head offset, or (0, false) if the
// stack is empty.
func (s *Stack) Pop(base []byte) (uint64, bool) {
	for {
		cur := fabric.Load128(&s.word)
		if cur.Lo == 0 {
			return 0, false
		}
		next := binary.LittleEndian.Uint64(base[cur.Lo : cur.Lo+8])
		newWord := fabric.Word128{Lo: next, Hi: cur.Hi + 1}
		if fabric.CAS128(&s.word, cur, newWord) {
			return cur.Lo, true
		}
	}
}

// Empty reports whether the stack currently has no elements. Racy by
// nature (another process can push/pop concurrently); useful only for
// diagnostics.
func (s *Stack) Empty() bool {
	return fabric.Load128(&s.word).Lo == 0
}
