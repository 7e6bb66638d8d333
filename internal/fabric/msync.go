//go:build linux || darwin

package fabric

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// msync flushes a byte range to the backing store. Real fabric hardware
// would use a per-cache-line CLWB/CLFLUSHOPT; over a regular mmap'd file we
// use msync(MS_SYNC) rounded to the enclosing page range, matching
// internal/hyperdrive/persistent_memory.go's flush() (a no-op stub there;
// here it is load-bearing because ShelfFile is a real mmap).
func msync(ptr unsafe.Pointer, size uintptr) {
	if ptr == nil || size == 0 {
		return
	}
	pageSize := uintptr(unix.Getpagesize())
	addr := uintptr(ptr)
	start := addr &^ (pageSize - 1)
	end := (addr + size + pageSize - 1) &^ (pageSize - 1)
	length := end - start

	slice := unsafe.Slice((*byte)(unsafe.Pointer(start)), length)
	_ = unix.Msync(slice, unix.MS_SYNC)
}
