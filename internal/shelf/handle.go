package shelf

import (
	"os"

	"github.com/fenilsonani/nvmm/internal/nvmmerr"
)

// Handle is a scoped, already-open-and-mapped File: constructing one opens
// and bulk-maps the file in a single step, and Close releases both in the
// right order. It exists so a multi-step construction path (open, then
// map, then install a header, then register with a shelf manager) can
// defer Close unconditionally after the first successful step, the way
// the original's SmartShelf_ released a shelf on every return path out of
// a constructor, instead of each caller hand-rolling its own Unmap-then-
// Close-on-error sequence.
//
// The zero Handle and a nil *Handle both behave like an already-closed
// handle: Close is a no-op, Bytes and File return nil.
type Handle struct {
	f    *File
	data []byte
}

// OpenHandle creates (if create is true and the file does not yet exist),
// opens, and bulk-maps path, returning a Handle wrapping both. Any failure
// partway through unwinds what already succeeded before returning.
func OpenHandle(path string, mode os.FileMode, create bool, size int64, flags OpenFlags, prot Prot, mapFlags MapFlags) (*Handle, error) {
	f := New(path, mode)
	if create {
		if err := f.Create(size); err != nil && err != nvmmerr.ErrShelfFileFound {
			return nil, err
		}
	}
	if err := f.Open(flags); err != nil {
		return nil, err
	}
	data, err := f.Map(prot, mapFlags)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Handle{f: f, data: data}, nil
}

// WrapHandle builds a Handle around a File that has already been opened
// and mapped, so a caller that went through the step-by-step File API can
// still get Handle's single Close for the common unwind path. No package
// in this module calls it; Pool opens its directory shelf with OpenHandle.
func WrapHandle(f *File, data []byte) *Handle {
	return &Handle{f: f, data: data}
}

// Bytes returns the handle's mapped bytes, or nil if the handle is nil or
// already closed.
func (h *Handle) Bytes() []byte {
	if h == nil {
		return nil
	}
	return h.data
}

// File returns the underlying File, or nil if the handle is nil or already
// closed.
func (h *Handle) File() *File {
	if h == nil {
		return nil
	}
	return h.f
}

// Close unmaps and closes the wrapped file. Safe to call on a nil Handle
// and safe to call more than once.
func (h *Handle) Close() error {
	if h == nil || h.f == nil {
		return nil
	}
	err := h.f.Unmap()
	if cerr := h.f.Close(); err == nil {
		err = cerr
	}
	h.data = nil
	h.f = nil
	return err
}
