package vmm

import (
	"nexos/kernel"
	"nexos/kernel/mm"
	"nexos/kernel/mm/pmm"
)

// childKind discriminates what a single page-table slot currently holds.
type childKind uint8

const (
	// childNone marks an absent slot.
	childNone childKind = iota

	// childTable marks a pointer to a deeper node (a counted reference).
	childTable

	// childFrame marks a tracked leaf whose mapped frame is owned by the
	// slot (exclusive ownership transferred in and out with the slot).
	childFrame

	// childUntracked marks a raw-physical leaf that carries no frame
	// ownership.
	childUntracked
)

// child is the decoded view of one page-table slot. Whether a child value
// carries ownership of its reference depends on how it was obtained: values
// returned by replace own their reference, values returned by peek do not.
type child struct {
	kind childKind

	// node is valid for childTable.
	node ptNode

	// frame is valid for childFrame.
	frame mm.Frame

	// physAddr is valid for childUntracked.
	physAddr uintptr

	// level and prop are valid for both leaf kinds.
	level uint8
	prop  PageProperty
}

func noChild() child { return child{kind: childNone} }

func tableChild(node ptNode) child { return child{kind: childTable, node: node} }

func frameChild(frame mm.Frame, level uint8, prop PageProperty) child {
	return child{kind: childFrame, frame: frame, level: level, prop: prop}
}

func untrackedChild(physAddr uintptr, level uint8, prop PageProperty) child {
	return child{kind: childUntracked, physAddr: physAddr, level: level, prop: prop}
}

// entryView is a view of a single slot, bound to a node and index. All
// mutating operations require the node lock to be held by the caller.
type entryView struct {
	node ptNode
	idx  uintptr
}

// peek decodes the slot without transferring any ownership; used for
// inspection before deciding how to descend.
func (e entryView) peek() child {
	var (
		raw   = e.node.loadRaw(e.idx)
		level = e.node.level()
	)

	if !codec.isPresent(raw) {
		return noChild()
	}

	if !codec.isLast(raw, level) {
		return tableChild(ptNode{mm.FrameFromAddress(codec.physAddr(raw))})
	}

	if e.node.tracking() == TrackingTracked {
		return frameChild(mm.FrameFromAddress(codec.physAddr(raw)), level, codec.prop(raw))
	}

	return untrackedChild(codec.physAddr(raw), level, codec.prop(raw))
}

// toOwned copies out the slot's child together with a reference of its own,
// leaving the slot untouched.
func (e entryView) toOwned() child {
	ch := e.peek()

	switch ch.kind {
	case childTable:
		ch.node.retain()
	case childFrame:
		pmm.Retain(ch.frame)
	}

	return ch
}

// encode translates a child back into the raw entry pattern for a node at
// the given level, enforcing the node's tracking constraints.
func (e entryView) encode(ch child) pte {
	tracking := e.node.tracking()

	switch ch.kind {
	case childNone:
		return codec.newAbsent()
	case childTable:
		return codec.newTable(ch.node.frame.Address())
	case childFrame:
		if tracking != TrackingTracked {
			panicFn(errTrackingMismatch)
		}
		return codec.newPage(ch.frame.Address(), ch.level, ch.prop)
	default: // childUntracked
		if tracking != TrackingUntracked {
			panicFn(errTrackingMismatch)
		}
		return codec.newPage(ch.physAddr, ch.level, ch.prop)
	}
}

// replace swaps what the slot holds, returning the previous child with its
// reference transferred to the caller for disposal, and updates the node's
// occupancy count. The absent pattern is stored first when a present entry
// is replaced by another present entry of a different shape, so the hardware
// walker never observes a half-updated translation.
func (e entryView) replace(newChild child) child {
	old := e.peek()

	if old.kind != childNone && newChild.kind != childNone {
		e.node.storeRaw(e.idx, codec.newAbsent())
	}

	e.node.storeRaw(e.idx, e.encode(newChild))

	meta := e.node.meta()
	if old.kind == childNone && newChild.kind != childNone {
		meta.nrChildren++
	} else if old.kind != childNone && newChild.kind == childNone {
		meta.nrChildren--
	}

	return old
}

// protect applies a property-mutating closure to a present leaf in place. It
// is a no-op for absent slots and child-table pointers, mirroring the codec
// contract for setProp.
func (e entryView) protect(op func(*PageProperty)) {
	var (
		raw   = e.node.loadRaw(e.idx)
		level = e.node.level()
	)

	if !codec.isPresent(raw) || !codec.isLast(raw, level) {
		return
	}

	prop := codec.prop(raw)
	op(&prop)
	e.node.storeRaw(e.idx, codec.setProp(raw, level, prop))
}

// splitIfUntrackedHuge converts a single untracked huge-page entry into a
// freshly allocated child node populated with equivalent-granularity entries
// covering the same physical range with the same property, then replaces the
// slot with a pointer to that child. Slots that do not hold an untracked
// huge leaf are left alone.
func (e entryView) splitIfUntrackedHuge() *kernel.Error {
	ch := e.peek()
	if ch.kind != childUntracked || ch.level < 2 {
		return nil
	}

	node, err := allocEmptyNode(ch.level-1, TrackingUntracked)
	if err != nil {
		return err
	}

	// The fresh node is exclusively owned here, so its lock does not need
	// to be taken while populating it.
	subSize := pageSize(ch.level - 1)
	for idx := uintptr(0); idx < tableEntryCount; idx++ {
		node.storeRaw(idx, codec.newPage(ch.physAddr+idx*subSize, ch.level-1, ch.prop))
	}
	node.meta().nrChildren = uint16(tableEntryCount)

	// The previous child was an unowned untracked leaf; nothing to
	// dispose of.
	e.replace(tableChild(node))

	return nil
}
