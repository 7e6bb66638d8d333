// Package ownership implements the Ownership table: fixed-size array of
// slots, each holding the identity of the process that currently owns that
// item. An item with no owner is free to Acquire; an item
// whose owner process has died can be revoked after the caller runs a
// recovery routine over whatever state that process left behind.
//
// Grounded on original_source/src/shelf_usage/ownership.h/.cc (Item layout,
// Acquire/Release/Check/CheckAndRevoke names) and
// src/common/process_id.cc (deriving a process's boot time so a reused pid
// can be told apart from its previous owner).
package ownership

import (
	"unsafe"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fenilsonani/nvmm/internal/fabric"
	"github.com/fenilsonani/nvmm/internal/metrics"
	"github.com/fenilsonani/nvmm/internal/nvmmerr"
	"github.com/fenilsonani/nvmm/internal/nvmmlog"
)

// ProcessID identifies one incarnation of a process: its OS pid plus that
// pid's boot time, so a slot left behind by a crashed process is never
// confused with a different, later process that happens to reuse the same
// pid.
type ProcessID struct {
	Pid      uint64
	BootTime uint64
}

func (p ProcessID) isNone() bool { return p.Pid == 0 }

func (p ProcessID) toWord() fabric.Word128 {
	return fabric.Word128{Lo: p.Pid, Hi: p.BootTime}
}

func fromWord(w fabric.Word128) ProcessID {
	return ProcessID{Pid: w.Lo, BootTime: w.Hi}
}

// none is the sentinel "no owner" ProcessID.
var none = ProcessID{}

// incarnation is a process-local random tag logged alongside revocations,
// so operators can tell two log lines about "pid 4112" apart even though
// pids recycle across process lifetimes. It plays no role in the
// acquire/release protocol itself, which relies only on Pid+BootTime.
var incarnation = uuid.New()

// Header is the persisted Ownership table header.
type Header struct {
	Magic     uint64
	ItemCount uint64
}

// Magic identifies a formatted Ownership region.
const Magic = uint64(0x4f574e45525348) // "OWNERSH" truncated to 7 bytes

// HeaderSize is the header's on-disk footprint.
const HeaderSize = unsafe.Sizeof(Header{})

// Table is the Ownership table: ItemCount slots, each a fabric.Guarded128
// holding a ProcessID (or the none sentinel) plus the spinlock that
// guards it, so AcquireItem/ReleaseItem/CheckAndRevokeItem serialize
// across every process mapping the same backing shelf, not just goroutines
// inside one of them.
type Table struct {
	base      []byte
	headerOff uint64
	itemCount uint64
	poolLabel string
}

// SetPoolLabel tags this table's CheckAndRevokeItem metric samples with a
// pool id, so nvmm_ownership_revocations_total can be broken down per pool.
func (t *Table) SetPoolLabel(label string) { t.poolLabel = label }

func headerAt(base []byte, off uint64) *Header {
	return (*Header)(unsafe.Pointer(&base[off]))
}

func slotsOffset(headerOff uint64) uint64 {
	return headerOff + uint64(HeaderSize)
}

func (t *Table) slot(idx uint64) *fabric.Guarded128 {
	off := slotsOffset(t.headerOff) + idx*uint64(unsafe.Sizeof(fabric.Guarded128{}))
	return (*fabric.Guarded128)(unsafe.Pointer(&t.base[off]))
}

// Format lays out a fresh Ownership table with itemCount slots, all
// initially unowned.
func Format(base []byte, headerOff, itemCount uint64) *Table {
	h := headerAt(base, headerOff)
	h.Magic = Magic
	h.ItemCount = itemCount

	t := &Table{base: base, headerOff: headerOff, itemCount: itemCount}
	for i := uint64(0); i < itemCount; i++ {
		fabric.Store128(t.slot(i), none.toWord())
	}
	return t
}

// Open attaches to a previously formatted Ownership table.
func Open(base []byte, headerOff uint64) (*Table, error) {
	h := headerAt(base, headerOff)
	if h.Magic != Magic {
		return nil, nvmmerr.ErrShelfFileInvalidFormat
	}
	return &Table{base: base, headerOff: headerOff, itemCount: h.ItemCount}, nil
}

// ItemCount reports how many slots this table manages.
func (t *Table) ItemCount() uint64 { return t.itemCount }

// RegionSize returns how many bytes an Ownership table with itemCount slots
// occupies, header included, so a caller laying out more than one
// structure in a shared region knows where the next one may start.
func RegionSize(itemCount uint64) uint64 {
	return uint64(HeaderSize) + itemCount*uint64(unsafe.Sizeof(fabric.Guarded128{}))
}

// AcquireItem attempts to claim slot idx for self, returning ok=false
// (with a nil error) if something else already owns it. An error is only
// returned for an out-of-range idx.
func (t *Table) AcquireItem(idx uint64, self ProcessID) (bool, error) {
	if idx >= t.itemCount {
		return false, nvmmerr.ErrInvalidPtr
	}
	return fabric.CAS128(t.slot(idx), none.toWord(), self.toWord()), nil
}

// ReleaseItem releases slot idx, but only if self currently owns it.
// Returns false if some other ProcessID holds the slot.
func (t *Table) ReleaseItem(idx uint64, self ProcessID) (bool, error) {
	if idx >= t.itemCount {
		return false, nvmmerr.ErrInvalidPtr
	}
	return fabric.CAS128(t.slot(idx), self.toWord(), none.toWord()), nil
}

// CheckItem returns the current owner of slot idx, and whether it is
// owned at all.
func (t *Table) CheckItem(idx uint64) (ProcessID, bool, error) {
	if idx >= t.itemCount {
		return none, false, nvmmerr.ErrInvalidPtr
	}
	owner := fromWord(fabric.Load128(t.slot(idx)))
	return owner, !owner.isNone(), nil
}

// LivenessProbe reports whether a ProcessID's process is still alive and
// still the same incarnation that acquired the slot. Swappable for tests.
type LivenessProbe func(ProcessID) bool

// CheckAndRevokeItem inspects slot idx's current owner. If it is unowned,
// returns (false, nil): nothing to revoke. If owned by a live process (per
// isAlive), returns (false, nil): still owned, not stealable. If owned by a
// dead process, it runs recover (to clean up whatever that process left
// behind) and then CASes the slot to self, returning (true, nil) on
// success. Concurrent revokers racing the same dead slot: at most one wins
// the CAS, so recover may run more than once across losers, matching the
// teacher's optimistic-retry shape (internal/hyperdrive's
// OptimisticLock.OptimisticWrite: version bump, recompute, CAS, retry on
// loss) rather than guaranteeing recover runs exactly once.
func (t *Table) CheckAndRevokeItem(idx uint64, self ProcessID, isAlive LivenessProbe, recover func(dead ProcessID) error) (bool, error) {
	if idx >= t.itemCount {
		return false, nvmmerr.ErrInvalidPtr
	}
	cur := fromWord(fabric.Load128(t.slot(idx)))
	if cur.isNone() {
		return false, nil
	}
	if isAlive(cur) {
		return false, nil
	}

	nvmmlog.L().Warn("ownership: revoking slot held by dead process",
		zap.Uint64("slot", idx),
		zap.Uint64("dead_pid", cur.Pid),
		zap.Uint64("dead_boot_time", cur.BootTime),
		zap.String("revoking_incarnation", incarnation.String()))

	if recover != nil {
		if err := recover(cur); err != nil {
			return false, err
		}
	}
	won := fabric.CAS128(t.slot(idx), cur.toWord(), self.toWord())
	if won {
		metrics.OwnershipRevocations.WithLabelValues(t.poolLabel).Inc()
	}
	return won, nil
}
