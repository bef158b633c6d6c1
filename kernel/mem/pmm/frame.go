// Package pmm contains code that manages physical memory frame allocations.
package pmm

import "math"

// Frame is the kernel-wide handle for a physical memory page. It encodes the
// id of the arena that owns the page together with the page index inside that
// arena, so the owning arena can be located without searching.
type Frame uint64

const (
	// InvalidFrame is returned by the allocator when it fails to reserve
	// the requested frame.
	InvalidFrame = Frame(math.MaxUint64)

	frameArenaShift = 48
	frameIndexMask  = Frame(1<<frameArenaShift - 1)

	// maxArenas is the number of arena ids that can be encoded in a Frame.
	// The all-ones id is reserved so InvalidFrame never decodes to a
	// registered arena.
	maxArenas = 1<<(64-frameArenaShift) - 1
)

func newFrame(arenaID uint16, index uint32) Frame {
	return Frame(arenaID)<<frameArenaShift | Frame(index)
}

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// ArenaID returns the id of the arena that owns this frame.
func (f Frame) ArenaID() uint16 {
	return uint16(f >> frameArenaShift)
}

// Index returns the index of this frame inside its arena.
func (f Frame) Index() uint64 {
	return uint64(f & frameIndexMask)
}
