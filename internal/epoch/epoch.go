// Package epoch implements the EpochVector and EpochManager: the
// liveness/reclamation protocol used to tell "this memory can be reclaimed
// because every participant has moved past the epoch it was freed in" from
// "some participant might still be reading it".
//
// Grounded directly on
// original_source/src/shelf_usage/epoch_vector.h (frontier epoch,
// per-participant reported epoch + last_modified_ timestamp, Iterator) and
// src/shelf_usage/epoch_manager_impl.cc (the S/X lock around
// active_epoch_count_, advance_frontier's laggard-timeout scan, and the
// separate heartbeat/monitor thread pair).
package epoch

import (
	"time"
	"unsafe"

	"github.com/fenilsonani/nvmm/internal/fabric"
	"github.com/fenilsonani/nvmm/internal/nvmmerr"
)

// Magic identifies a formatted EpochVector region.
const Magic = uint64(0x45504f43485645) // "EPOCHVE" in ASCII, 7 bytes

// noParticipant marks a vector slot as unused.
const noParticipant = uint64(0)

// Header is the persisted EpochVector header.
type Header struct {
	Magic         uint64
	SlotCount     uint64
	FrontierEpoch uint64
}

// HeaderSize is the header's on-disk footprint.
const HeaderSize = unsafe.Sizeof(Header{})

// slot is one participant's persisted record: id, reported epoch, and the
// wall-clock time it was last updated (used to detect a stalled
// participant).
type slot struct {
	ParticipantID     uint64
	Reported          uint64
	LastModifiedNanos int64
}

const slotSize = unsafe.Sizeof(slot{})

func headerAt(base []byte, off uint64) *Header {
	return (*Header)(unsafe.Pointer(&base[off]))
}

func slotsOffset(headerOff uint64) uint64 {
	return headerOff + uint64(HeaderSize)
}

// Vector is the persisted participant/frontier table plus the addressing
// needed to reach its slots; it has no in-process cache (the original
// EpochVector caches reads, but a plain shared-memory read is cheap enough
// here that the extra cache layer would only be complexity without
// payoff).
type Vector struct {
	base      []byte
	headerOff uint64
	slotCount uint64
}

func (v *Vector) header() *Header { return headerAt(v.base, v.headerOff) }

func (v *Vector) slot(i uint64) *slot {
	off := slotsOffset(v.headerOff) + i*uint64(slotSize)
	return (*slot)(unsafe.Pointer(&v.base[off]))
}

// Format lays out a fresh EpochVector with room for slotCount participants,
// frontier starting at epoch 1.
func Format(base []byte, headerOff, slotCount uint64) *Vector {
	h := headerAt(base, headerOff)
	h.Magic = Magic
	h.SlotCount = slotCount
	h.FrontierEpoch = 1

	v := &Vector{base: base, headerOff: headerOff, slotCount: slotCount}
	for i := uint64(0); i < slotCount; i++ {
		s := v.slot(i)
		s.ParticipantID = noParticipant
		s.Reported = 0
		s.LastModifiedNanos = 0
	}
	return v
}

// Open attaches to a previously formatted EpochVector.
func Open(base []byte, headerOff uint64) (*Vector, error) {
	h := headerAt(base, headerOff)
	if h.Magic != Magic {
		return nil, nvmmerr.ErrEpochVectorCorrupt
	}
	return &Vector{base: base, headerOff: headerOff, slotCount: h.SlotCount}, nil
}

// Frontier returns the current frontier epoch.
func (v *Vector) Frontier() uint64 {
	return fabric.AtomicLoad64(&v.header().FrontierEpoch)
}

// CASFrontier attempts to advance the frontier from old to new, returning
// whether it won the race.
func (v *Vector) CASFrontier(old, new uint64) bool {
	return fabric.AtomicCAS64(&v.header().FrontierEpoch, old, new)
}

// RegisterParticipant claims the first free slot for participantID, and
// returns its slot index. Returns ErrEpochParticipantsFull if every slot is
// taken.
func (v *Vector) RegisterParticipant(participantID uint64) (uint64, error) {
	for i := uint64(0); i < v.slotCount; i++ {
		s := v.slot(i)
		if fabric.AtomicCAS64(&s.ParticipantID, noParticipant, participantID) {
			fabric.AtomicStore64((*uint64)(unsafe.Pointer(&s.LastModifiedNanos)), uint64(time.Now().UnixNano()))
			return i, nil
		}
	}
	return 0, nvmmerr.ErrEpochParticipantsFull
}

// UnregisterParticipant frees slot i.
func (v *Vector) UnregisterParticipant(i uint64) {
	s := v.slot(i)
	fabric.AtomicStore64(&s.Reported, 0)
	fabric.AtomicStore64(&s.ParticipantID, noParticipant)
}

// UpdateReported sets slot i's reported epoch and refreshes its modified
// time, signaling forward progress.
func (v *Vector) UpdateReported(i, newEpoch uint64) {
	s := v.slot(i)
	fabric.AtomicStore64(&s.Reported, newEpoch)
	fabric.AtomicStore64((*uint64)(unsafe.Pointer(&s.LastModifiedNanos)), uint64(time.Now().UnixNano()))
}

// RefreshModifiedTime stamps every occupied slot's modified time to now, so
// a monitor scan that ran very late doesn't mistake a stale observation
// window for participant inactivity (mirrors epoch_vector_.refresh_modified_time()).
func (v *Vector) RefreshModifiedTime() {
	now := uint64(time.Now().UnixNano())
	for i := uint64(0); i < v.slotCount; i++ {
		s := v.slot(i)
		if fabric.AtomicLoad64(&s.ParticipantID) != noParticipant {
			fabric.AtomicStore64((*uint64)(unsafe.Pointer(&s.LastModifiedNanos)), now)
		}
	}
}

// Participant is a point-in-time snapshot of one occupied slot, returned by
// Participants in place of the original's Iterator.
type Participant struct {
	Slot         uint64
	ID           uint64
	Reported     uint64
	LastModified time.Time
}

// Participants returns a snapshot of every currently-registered
// participant. Racy by nature: a participant may register or unregister
// between the scan and the caller acting on the result, which is why
// advance_frontier only ever treats this as advisory.
func (v *Vector) Participants() []Participant {
	out := make([]Participant, 0, v.slotCount)
	for i := uint64(0); i < v.slotCount; i++ {
		s := v.slot(i)
		id := fabric.AtomicLoad64(&s.ParticipantID)
		if id == noParticipant {
			continue
		}
		out = append(out, Participant{
			Slot:         i,
			ID:           id,
			Reported:     fabric.AtomicLoad64(&s.Reported),
			LastModified: time.Unix(0, int64(fabric.AtomicLoad64((*uint64)(unsafe.Pointer(&s.LastModifiedNanos))))),
		})
	}
	return out
}

// SlotCount reports the vector's fixed participant capacity.
func (v *Vector) SlotCount() uint64 { return v.slotCount }
