// Package pmm tracks the ownership of physical memory frames. It maintains a
// flat metadata slot array with one atomic reference count per managed frame;
// the count decides when a frame (page-table pages included) can be handed
// back to the frame provider.
package pmm

import (
	"sync/atomic"

	"nexos/kernel"
	"nexos/kernel/kfmt"
	"nexos/kernel/mm"
)

const (
	// refUnused marks a metadata slot whose frame is not currently owned
	// by anyone. Frames come out of the provider in this state.
	refUnused = ^uint32(0)

	// refMax is the largest representable live reference count. An
	// increment past refMax indicates a reference leak somewhere in the
	// kernel and is treated as a fatal invariant violation.
	refMax = refUnused - 1
)

var (
	// slots holds one reference count per managed frame. A slot is
	// refUnused while the frame is free, transiently 0 while a frame is
	// being constructed or torn down, and 1..refMax while live.
	slots []uint32

	errRefOverflow   = &kernel.Error{Module: "pmm", Message: "frame reference count overflow"}
	errRefUnderflow  = &kernel.Error{Module: "pmm", Message: "reference dropped on an unowned frame"}
	errFrameNotOwned = &kernel.Error{Module: "pmm", Message: "frame is outside the managed metadata range or not live"}

	// panicFn is mocked by tests exercising the fatal paths.
	panicFn = kfmt.Panic
)

// Init sets up metadata slots for frames [0, nrFrames). All slots start out
// as unused. Init must be called before the vmm code constructs any page
// table and may be called again only to model a fresh machine in tests.
func Init(nrFrames uint) {
	slots = make([]uint32, nrFrames)
	for i := range slots {
		slots[i] = refUnused
	}
}

func slotFor(frame mm.Frame) *uint32 {
	if uint(frame) >= uint(len(slots)) {
		panicFn(errFrameNotOwned)
	}
	return &slots[frame]
}

// Adopt transitions a freshly allocated frame into the owned state with a
// reference count of one. Adopting a frame that is already live is fatal.
func Adopt(frame mm.Frame) {
	slot := slotFor(frame)
	if !atomic.CompareAndSwapUint32(slot, refUnused, 1) {
		panicFn(errFrameNotOwned)
	}
}

// Retain increments the reference count of a live frame.
func Retain(frame mm.Frame) {
	slot := slotFor(frame)
	for {
		cur := atomic.LoadUint32(slot)
		if cur == refUnused || cur == 0 {
			panicFn(errFrameNotOwned)
		}
		if cur == refMax {
			panicFn(errRefOverflow)
		}
		if atomic.CompareAndSwapUint32(slot, cur, cur+1) {
			return
		}
	}
}

// Release decrements the reference count of a live frame and reports whether
// the count reached zero. When it does the frame enters the transient
// tear-down state; the caller must dispose of the frame's contents and then
// either hand the frame back via Abandon or re-adopt it.
func Release(frame mm.Frame) bool {
	slot := slotFor(frame)
	for {
		cur := atomic.LoadUint32(slot)
		if cur == refUnused || cur == 0 {
			panicFn(errRefUnderflow)
		}
		if atomic.CompareAndSwapUint32(slot, cur, cur-1) {
			return cur == 1
		}
	}
}

// Abandon completes the tear-down of a frame whose count previously reached
// zero, marking its slot unused so the frame can go back to the provider.
func Abandon(frame mm.Frame) {
	slot := slotFor(frame)
	if !atomic.CompareAndSwapUint32(slot, 0, refUnused) {
		panicFn(errFrameNotOwned)
	}
}

// RefCount returns the current reference count of a frame, or 0 if the frame
// is unused. It exists for diagnostics and tests; the value may be stale the
// moment it is returned.
func RefCount(frame mm.Frame) uint32 {
	if uint(frame) >= uint(len(slots)) {
		return 0
	}
	cur := atomic.LoadUint32(&slots[frame])
	if cur == refUnused {
		return 0
	}
	return cur
}
