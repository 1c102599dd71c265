package vmm

import (
	"sync/atomic"
	"unsafe"

	"nexos/kernel"
	"nexos/kernel/mm"
	"nexos/kernel/mm/pmm"
	"nexos/kernel/sync"
)

// TrackingStatus classifies what the leaves beneath a node (if any)
// represent.
type TrackingStatus uint8

const (
	// TrackingNotApplicable marks a node that may only contain pointers
	// to child tables, never leaves.
	TrackingNotApplicable TrackingStatus = iota

	// TrackingUntracked marks a node whose leaves map raw physical
	// addresses the table does not own (e.g. device memory); such leaves
	// must never be freed by table teardown.
	TrackingUntracked

	// TrackingTracked marks a node whose leaves own a frame reference;
	// the mapped pages' lifetime is governed by the page table.
	TrackingTracked
)

// nodeMeta is the software-side metadata of one page-table node. It lives in
// a flat arena indexed by the node's physical frame, because nodes are
// identified by physical address rather than by language-level references.
// The level and tracking classification are immutable for the node's
// lifetime; nrChildren is protected by the node lock.
type nodeMeta struct {
	lock       sync.Spinlock
	level      uint8
	tracking   TrackingStatus
	nrChildren uint16
}

// nodeArena holds one metadata record per managed frame, set up by Init.
var nodeArena []nodeMeta

var errNodeAllocFailed = &kernel.Error{Module: "vmm", Message: "failed to allocate a page-table node frame"}

// ptNode is an owned, counted handle to one physical page interpreted as an
// array of page-table entries. The count is shared with the frame's pmm
// metadata slot.
type ptNode struct {
	frame mm.Frame
}

// allocEmptyNode produces a node full of absent entries whose lock is not
// held; acquiring it is an explicit, separate step, because acquire/release
// is unconditional and the allocator already has exclusive access to the
// fresh node. The returned handle carries the initial reference.
func allocEmptyNode(level uint8, tracking TrackingStatus) (ptNode, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return ptNode{mm.InvalidFrame}, errNodeAllocFailed
	}

	pmm.Adopt(frame)

	node := ptNode{frame}
	meta := node.meta()
	meta.level = level
	meta.tracking = tracking
	meta.nrChildren = 0

	// The provider hands out zeroed frames and the codec encodes absent
	// as zero, so every entry is already absent. Spot-check the frame
	// really came back clean.
	if node.loadRaw(0) != codec.newAbsent() || node.loadRaw(tableEntryCount-1) != codec.newAbsent() {
		panicFn(errAbsentNotZero)
	}

	return node, nil
}

func (n ptNode) meta() *nodeMeta {
	if uint(n.frame) >= uint(len(nodeArena)) {
		panicFn(errNoNodeArena)
	}
	return &nodeArena[n.frame]
}

// level returns the paging level of this node; immutable for its lifetime.
func (n ptNode) level() uint8 { return n.meta().level }

// tracking returns the node's tracking classification.
func (n ptNode) tracking() TrackingStatus { return n.meta().tracking }

// nrChildren returns the number of non-absent entries in this node.
func (n ptNode) nrChildren() uint16 { return n.meta().nrChildren }

func (n ptNode) lock()   { n.meta().lock.Acquire() }
func (n ptNode) unlock() { n.meta().lock.Release() }

// rawSlotPtr returns a pointer to the raw entry storage for idx inside a
// frame interpreted as a page-table node, through the direct-mapped window.
func rawSlotPtr(frame mm.Frame, idx uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(mm.PhysToVirt(frame.Address()) + idx*pteSize))
}

// rawLoad reads the raw entry at idx. Entries are loaded and stored
// atomically so the hardware table walker, which is never blocked by the
// node locks, observes either the old or the new pattern but never a torn
// one.
func rawLoad(frame mm.Frame, idx uintptr) pte {
	return pte(atomic.LoadUint64(rawSlotPtr(frame, idx)))
}

func rawStore(frame mm.Frame, idx uintptr, e pte) {
	atomic.StoreUint64(rawSlotPtr(frame, idx), uint64(e))
}

func (n ptNode) loadRaw(idx uintptr) pte { return rawLoad(n.frame, idx) }

func (n ptNode) storeRaw(idx uintptr, e pte) { rawStore(n.frame, idx, e) }

// entry returns the entry view bound to this node and slot. Out-of-range
// indices are a programmer-contract violation.
func (n ptNode) entry(idx uintptr) entryView {
	if idx >= tableEntryCount {
		panicFn(errEntryIndexOutOfRange)
	}
	return entryView{node: n, idx: idx}
}

// retain shares the node handle by bumping the frame's reference count.
func (n ptNode) retain() { pmm.Retain(n.frame) }

// release drops one reference to the node. When the last reference goes
// away the node's still-present children are disposed of recursively and the
// frame returns to the provider exactly once.
func (n ptNode) release() {
	if pmm.Release(n.frame) {
		n.destroy()
	}
}

// destroy disposes of every present entry and hands the node's frame back.
// Each pointer entry is rewritten to the absent pattern before the child is
// released, so a concurrent hardware walker never follows a pointer into a
// child that is being torn down.
func (n ptNode) destroy() {
	var (
		level    = n.level()
		tracking = n.tracking()
	)

	for idx := uintptr(0); idx < tableEntryCount; idx++ {
		raw := n.loadRaw(idx)
		if !codec.isPresent(raw) {
			continue
		}

		n.storeRaw(idx, codec.newAbsent())

		switch {
		case !codec.isLast(raw, level):
			ptNode{mm.FrameFromAddress(codec.physAddr(raw))}.release()
		case tracking == TrackingTracked:
			dropFrameRef(mm.FrameFromAddress(codec.physAddr(raw)), level)
		default:
			// Untracked leaves carry no frame ownership.
		}
	}

	pmm.Abandon(n.frame)
	mm.DeallocFrames(n.frame, 1)
}

// dropFrameRef drops one reference to a tracked frame mapped as a leaf at
// the given level. When the last reference goes away the whole frame run
// backing the leaf returns to the provider.
func dropFrameRef(frame mm.Frame, level uint8) {
	if pmm.Release(frame) {
		pmm.Abandon(frame)
		mm.DeallocFrames(frame, uint(pageSize(level)>>mm.PageShift))
	}
}

// trackingForLevel narrows the wanted tracking classification for a node
// allocated at the given level: nodes above the highest leaf-eligible level
// can only ever hold child-table pointers.
func trackingForLevel(level uint8, want TrackingStatus) TrackingStatus {
	if level > paging.highestLeafLevel {
		return TrackingNotApplicable
	}
	return want
}
