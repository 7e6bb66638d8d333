//go:build !linux && !darwin

package fabric

import "unsafe"

// msync is a no-op on platforms without a mapped-memory sync syscall,
// mirroring internal/hyperdrive/persistent_memory.go's flush() stub.
func msync(ptr unsafe.Pointer, size uintptr) {}
