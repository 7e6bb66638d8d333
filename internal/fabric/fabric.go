// Package fabric abstracts the platform capabilities every persistent
// allocator state machine assumes: cache-line-granular persistence, atomic
// reads/writes/fetch-adds/compare-and-stores on shared memory (32, 64, and
// 128 bit), and a cache-line-aligned spinlock. Everything above this
// package (shelf, nvheap, lockfree, ownership, epoch) is written purely in
// terms of this capability set: platform specifics and non-cache-coherent
// fabric support live here, behind one seam.
//
// The portable logic lives in fabric.go, atomic.go and spinlock.go; the
// build-tag-gated msync.go / msync_other.go pair mirrors internal/hyperdrive's
// own asm_x64.go/asm_noasm.go pattern of one file per platform class, with
// msync_other.go's Persist flush being a no-op.
package fabric

import "unsafe"

// CacheLineSize is the assumed CPU cache line size used to align
// persistent headers and lock-free stack nodes.
const CacheLineSize = 64

// Persist flushes size bytes starting at ptr so they are durable on the
// backing store. On a real fabric this would be a non-temporal store drain
// plus a platform flush instruction (CLWB/CLFLUSHOPT, or DC CVAP on arm64).
func Persist(ptr unsafe.Pointer, size uintptr) {
	msync(ptr, size)
}

// NonCacheCoherent is a flag for fabrics that don't guarantee cache
// coherence, off by default. No code in this module reads it: setting it
// does not change how any package reads persistent memory, which uses the
// same load path either way.
var NonCacheCoherent = false
