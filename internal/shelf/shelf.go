// Package shelf implements ShelfFile: a named file on the backing store
// that can be created, truncated, opened, mapped, and destroyed. It is the
// only package that talks to the filesystem and mmap directly; everything
// above it (shelfmgr, pool, nvheap, ...) goes through a ShelfFile or a
// shelfmgr-registered base address.
package shelf

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"

	"github.com/fenilsonani/nvmm/internal/nvmmerr"
)

// Prot and MapFlags mirror mmap(2)'s prot/flags arguments, kept as
// distinct types so callers can't accidentally swap them.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
)

type MapFlags int

const (
	MapShared MapFlags = iota
	MapPrivate
)

// OpenFlags mirror open(2)'s O_RDONLY/O_WRONLY/O_RDWR.
type OpenFlags int

const (
	OpenReadOnly OpenFlags = iota
	OpenWriteOnly
	OpenReadWrite
)

// File is a named file on the backing store representing one shelf.
// Body starts with a cache-line-aligned magic number defined by whichever
// allocator layout (NvHeapLayout, ZoneLayout, FreeLists, Ownership) formats
// the shelf; File itself knows nothing about that payload.
type File struct {
	path string
	mode os.FileMode

	mu      sync.Mutex
	f       *os.File
	opened  bool
	size    int64
	mapping mmap.MMap // set when Map (bulk, whole-file) is active

	invalid atomic.Bool // process-local poison flag, set by MarkInvalid
}

// New returns a handle for the shelf file at path. It performs no I/O.
func New(path string, mode os.FileMode) *File {
	return &File{path: path, mode: mode}
}

// Path returns the shelf's path on the backing store.
func (s *File) Path() string { return s.path }

// Create creates the file with the given mode; if size > 0 it also
// truncates to size. Fails with ErrShelfFileFound if the file already
// exists.
func (s *File) Create(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, s.mode)
	if err != nil {
		if os.IsExist(err) {
			return nvmmerr.ErrShelfFileFound
		}
		return fmt.Errorf("%w: %v", nvmmerr.ErrShelfFileCreateFailed, err)
	}
	defer f.Close()

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			os.Remove(s.path)
			return fmt.Errorf("%w: %v", nvmmerr.ErrShelfFileCreateFailed, err)
		}
		s.size = size
	}
	return nil
}

// Destroy unlinks the file. Fails with ErrShelfFileOpened if this handle
// still has the file open; tolerates the file already being gone (a race
// with another process's Destroy).
func (s *File) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nvmmerr.ErrShelfFileOpened
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", nvmmerr.ErrShelfFileCreateFailed, err)
	}
	return nil
}

// Truncate rounds len up to pageSize and resizes the file. May be called
// whether the file is open or closed.
func (s *File) Truncate(length int64, pageSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rounded := (length + pageSize - 1) &^ (pageSize - 1)

	if s.opened {
		if err := s.f.Truncate(rounded); err != nil {
			return fmt.Errorf("%w: %v", nvmmerr.ErrShelfFileTruncateFailed, err)
		}
	} else {
		f, err := os.OpenFile(s.path, os.O_RDWR, s.mode)
		if err != nil {
			return fmt.Errorf("%w: %v", nvmmerr.ErrShelfFileTruncateFailed, err)
		}
		defer f.Close()
		if err := f.Truncate(rounded); err != nil {
			return fmt.Errorf("%w: %v", nvmmerr.ErrShelfFileTruncateFailed, err)
		}
	}
	s.size = rounded
	return nil
}

// Open opens the file handle. Idempotent within one process.
func (s *File) Open(flags OpenFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil
	}

	osFlags := os.O_RDWR
	switch flags {
	case OpenReadOnly:
		osFlags = os.O_RDONLY
	case OpenWriteOnly:
		osFlags = os.O_WRONLY
	}

	f, err := os.OpenFile(s.path, osFlags, s.mode)
	if err != nil {
		if os.IsNotExist(err) {
			return nvmmerr.ErrShelfFileNotFound
		}
		return fmt.Errorf("%w: %v", nvmmerr.ErrShelfFileOpenFailed, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", nvmmerr.ErrShelfFileOpenFailed, err)
	}

	s.f = f
	s.size = info.Size()
	s.opened = true
	return nil
}

// IsOpen reports whether this handle currently has the file open.
func (s *File) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Size returns the file's current size, as observed at the last Open,
// Create, or Truncate.
func (s *File) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close closes the file handle. Idempotent within one process. Unmaps any
// bulk mapping still outstanding.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil
	}
	if s.mapping != nil {
		_ = s.mapping.Unmap()
		s.mapping = nil
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("%w: %v", nvmmerr.ErrShelfFileCloseFailed, err)
	}
	s.f = nil
	s.opened = false
	return nil
}

// Map maps the whole file and returns the mapped bytes. No atomic-range
// registration is involved: fabric.CAS128 guards each 128-bit word with a
// spinlock stored beside it in the mapped memory.
func (s *File) Map(prot Prot, flags MapFlags) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil, nvmmerr.ErrShelfFileClosed
	}
	if s.mapping != nil {
		return s.mapping, nil
	}

	mmapProtFlag := mmap.RDWR
	if flags == MapPrivate {
		mmapProtFlag = mmap.COPY
	}
	if prot&ProtWrite == 0 {
		mmapProtFlag = mmap.RDONLY
	}

	m, err := mmap.Map(s.f, mmapProtFlag, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nvmmerr.ErrShelfFileMapFailed, err)
	}
	s.mapping = m
	return m, nil
}

// Unmap releases the bulk mapping established by Map. Symmetric: safe to
// call even if Map was never called.
func (s *File) Unmap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mapping == nil {
		return nil
	}
	if err := s.mapping.Unmap(); err != nil {
		return fmt.Errorf("%w: %v", nvmmerr.ErrShelfFileUnmapFailed, err)
	}
	s.mapping = nil
	return nil
}

// MarkInvalid sets a process-local flag poisoning further references to
// this shelf after a detected failure (e.g. the owning process observed a
// corrupt header). IsInvalid reads it back. Neither persists: the poison
// is process-local.
func (s *File) MarkInvalid() { s.invalid.Store(true) }

// IsInvalid reports whether MarkInvalid was called on this handle.
func (s *File) IsInvalid() bool { return s.invalid.Load() }
