package fabric

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a cache-line-aligned spinlock used by Pool's root-shelf slot
// table to serialize create/destroy races across processes. Padding rounds
// the struct up to one cache line so concurrently-locked neighbors don't
// false-share.
type SpinLock struct {
	state uint32
	_     [CacheLineSize - 4]byte
}

// Lock spins until the lock is acquired, yielding the scheduler between
// attempts (runtime.Gosched, same backoff internal/hyperdrive/
// transactional_memory.go uses between HTM retries).
func (l *SpinLock) Lock() {
	spins := 0
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		spins++
		if spins > 64 {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock attempts to acquire the lock without blocking.
func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}
