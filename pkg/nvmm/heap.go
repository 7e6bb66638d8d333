package nvmm

import (
	"github.com/fenilsonani/nvmm/internal/distheap"
	"github.com/fenilsonani/nvmm/internal/nvmmconfig"
	"github.com/fenilsonani/nvmm/internal/shelfid"
	"github.com/fenilsonani/nvmm/internal/shelfmgr"
)

// Heap is a pool-wide allocator: Alloc/Free deal in GlobalPtrs, location-
// independent across every process that opens the same pool id. Backed by
// internal/distheap.DistHeap.
type Heap struct {
	cfg    nvmmconfig.Config
	mgr    *shelfmgr.Manager
	poolID uint8

	d      *distheap.DistHeap
	opened bool
}

// Open acquires this process's payload shelf within the heap's pool,
// recovering any dead peer's slot along the way (see
// internal/distheap.Open).
func (h *Heap) Open() error {
	if h.opened {
		return nil
	}
	d, err := distheap.Open(h.cfg, h.mgr, h.poolID)
	if err != nil {
		return err
	}
	h.d = d
	h.opened = true
	return nil
}

// Close releases every payload shelf this process acquired from the heap.
func (h *Heap) Close() error {
	if !h.opened {
		return nil
	}
	err := h.d.Close()
	h.opened = false
	h.d = nil
	return err
}

// IsOpen reports whether Open has been called without a matching Close.
func (h *Heap) IsOpen() bool { return h.opened }

// Alloc allocates size bytes, returning a GlobalPtr valid from any process
// that opens this heap's pool id.
func (h *Heap) Alloc(size uint64) (shelfid.GlobalPtr, error) {
	return h.d.Alloc(size)
}

// Free releases ptr, which must have come from this heap's pool id.
func (h *Heap) Free(ptr shelfid.GlobalPtr) error {
	return h.d.Free(ptr)
}
