package fabric

import (
	"sync/atomic"
)

// AtomicLoad32/AtomicStore32/AtomicCAS32/AtomicAdd32 and their 64-bit
// counterparts wrap sync/atomic directly; they exist so every allocator
// package imports fabric instead of sync/atomic, keeping the "which
// operations assume fabric-atomic visibility" seam in one place.

func AtomicLoad32(addr *uint32) uint32 { return atomic.LoadUint32(addr) }
func AtomicStore32(addr *uint32, val uint32) { atomic.StoreUint32(addr, val) }
func AtomicCAS32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}
func AtomicAdd32(addr *uint32, delta uint32) uint32 { return atomic.AddUint32(addr, delta) }

func AtomicLoad64(addr *uint64) uint64 { return atomic.LoadUint64(addr) }
func AtomicStore64(addr *uint64, val uint64) { atomic.StoreUint64(addr, val) }
func AtomicCAS64(addr *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, old, new)
}
func AtomicAdd64(addr *uint64, delta uint64) uint64 { return atomic.AddUint64(addr, delta) }

// Word128 is a 16-byte, 8-byte-aligned pair of uint64s used for the
// lock-free Stack's {head, aba_counter} and Ownership's {pid, boot_time}
// slots. Both fields must be read/written together through
// CAS128/Load128/Store128 below.
type Word128 struct {
	Lo uint64
	Hi uint64
}

// Guarded128 pairs a Word128 with the spinlock that serializes every
// process's access to it. Go has no CMPXCHG16B intrinsic without
// hand-written assembly, so CAS128 falls back to a spinlock guard instead
// — but that guard must live in the same shared memory as the Word128
// itself: Guarded128 is meant to be embedded directly in a persisted
// layout (the Stack header, an Ownership slot, ...) the same way
// internal/pool/rootshelf.go embeds its per-pool-id Locks [16]SpinLock in
// the mmap'd rootLayout, so two processes contending for the same
// physical word block on the same lock rather than two independent
// process-local ones.
type Guarded128 struct {
	Lock SpinLock
	Word Word128
}

// Load128 atomically reads g's Word128.
func Load128(g *Guarded128) Word128 {
	g.Lock.Lock()
	defer g.Lock.Unlock()
	return Word128{Lo: atomic.LoadUint64(&g.Word.Lo), Hi: atomic.LoadUint64(&g.Word.Hi)}
}

// Store128 atomically writes g's Word128.
func Store128(g *Guarded128, val Word128) {
	g.Lock.Lock()
	defer g.Lock.Unlock()
	atomic.StoreUint64(&g.Word.Lo, val.Lo)
	atomic.StoreUint64(&g.Word.Hi, val.Hi)
}

// CAS128 atomically compares-and-swaps g's 128-bit word: if g.Word == old,
// stores new and returns true; otherwise leaves g.Word unchanged and
// returns false. This is the primitive the lock-free Stack (head +
// aba_counter) and Ownership (pid + boot_time) build their CAS-based
// protocols on.
func CAS128(g *Guarded128, old, new Word128) bool {
	g.Lock.Lock()
	defer g.Lock.Unlock()
	cur := Word128{Lo: atomic.LoadUint64(&g.Word.Lo), Hi: atomic.LoadUint64(&g.Word.Hi)}
	if cur != old {
		return false
	}
	atomic.StoreUint64(&g.Word.Lo, new.Lo)
	atomic.StoreUint64(&g.Word.Hi, new.Hi)
	return true
}
