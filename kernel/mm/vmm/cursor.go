package vmm

import (
	"nexos/kernel"
	"nexos/kernel/mm"
)

// QueryKind discriminates what a cursor query found at its position.
type QueryKind uint8

const (
	// QueryNotMapped reports an absent range.
	QueryNotMapped QueryKind = iota

	// QueryMapped reports a tracked leaf.
	QueryMapped

	// QueryMappedUntracked reports an untracked leaf.
	QueryMappedUntracked
)

// QueryResult describes one translation unit found by Query or removed by
// TakeNext: the virtual range it covers and, for present leaves, the frame
// or raw physical address behind it together with its properties.
type QueryResult struct {
	Kind QueryKind

	// VirtAddr and Len cover the whole entry the result describes.
	VirtAddr uintptr
	Len      uintptr

	// Frame is valid for QueryMapped. When the result was produced by
	// TakeNext the frame reference is owned by the caller.
	Frame mm.Frame

	// PhysAddr is the physical base of the leaf; valid for both mapped
	// kinds.
	PhysAddr uintptr

	// Level is the paging level of the leaf or gap.
	Level uint8

	Prop PageProperty
}

// Cursor walks a sub-range of a page table, implementing the node locking
// protocol: locks are acquired strictly top-down while descending and
// released strictly bottom-up, and an ancestor lock is dropped the instant
// the remaining declared range is fully covered by a deeper node.
//
// Concurrent cursors over overlapping ranges are not mutually exclusive at
// the declared-range granularity: a wider cursor can observe or mutate nodes
// a narrower, currently-unlocked cursor also intends to touch. Callers that
// need stronger isolation must add their own coordination.
type Cursor struct {
	pt *PageTable

	// guards holds one locked-node handle per level, indexed by level-1.
	// At any time exactly the levels guardLevel down to level hold a
	// live lock.
	guards [maxPageLevels]ptNode

	// level is the paging level the cursor is currently positioned at.
	level uint8

	// guardLevel is the highest level whose lock the cursor still holds.
	guardLevel uint8

	// va is the current virtual address.
	va uintptr

	// barrier is the range the cursor was declared over; the cursor can
	// never move or operate outside it.
	barrier VirtRange

	released bool
}

// CursorMut extends the read-only cursor with map, unmap, protect and
// range-copy operations.
type CursorMut struct {
	Cursor
}

// newCursor validates the requested range and descends from the root,
// stopping either when a single node's span cannot further shrink to fit the
// whole range, or when it meets an absent or leaf entry.
func newCursor(pt *PageTable, r VirtRange) (Cursor, *kernel.Error) {
	if r.Start%mm.PageSize != 0 || r.End%mm.PageSize != 0 {
		return Cursor{}, ErrUnalignedVaddr
	}
	if r.Start >= r.End || !pt.mode.Covers(r) {
		return Cursor{}, ErrInvalidVaddrRange
	}

	c := Cursor{
		pt:         pt,
		level:      paging.nrLevels,
		guardLevel: paging.nrLevels,
		va:         r.Start,
		barrier:    r,
	}

	pt.root.lock()
	c.guards[c.level-1] = pt.root

	// Keep descending while a single child entry covers the whole range,
	// handing the guard role down and releasing the ancestor.
	for c.level > 1 {
		entrySize := pageSize(c.level)
		entryBase := alignDown(c.va, entrySize)
		if r.End > entryBase+entrySize {
			break
		}

		ch := c.guards[c.level-1].entry(ptIndex(c.va, c.level)).peek()
		if ch.kind != childTable {
			break
		}

		ch.node.lock()
		c.guards[c.level-2] = ch.node
		c.guards[c.level-1].unlock()
		c.guards[c.level-1] = ptNode{}
		c.level--
		c.guardLevel--
	}

	return c, nil
}

// Release unlocks every node the cursor still holds, bottom-up. The cursor
// must not be used afterwards.
func (c *Cursor) Release() {
	if c.released {
		return
	}
	c.released = true

	for level := c.level; level <= c.guardLevel; level++ {
		c.guards[level-1].unlock()
		c.guards[level-1] = ptNode{}
	}
}

// VirtAddr returns the cursor's current position.
func (c *Cursor) VirtAddr() uintptr { return c.va }

// pushLevel descends into child, locking it before anything else touches it.
// Ancestors stay locked until moveForward pops back above them.
func (c *Cursor) pushLevel(child ptNode) {
	child.lock()
	c.level--
	c.guards[c.level-1] = child
}

// popLevel unlocks and abandons the current node, moving one level up.
func (c *Cursor) popLevel() {
	c.guards[c.level-1].unlock()
	c.guards[c.level-1] = ptNode{}
	c.level++
}

// current returns the entry view the cursor is positioned on.
func (c *Cursor) current() entryView {
	return c.guards[c.level-1].entry(ptIndex(c.va, c.level))
}

// Query inspects the translation at the cursor's position, descending into
// child tables as needed. It does not advance the cursor; pair it with
// MoveForward to iterate.
func (c *Cursor) Query() (QueryResult, *kernel.Error) {
	if c.va >= c.barrier.End {
		return QueryResult{}, ErrInvalidVaddr
	}

	for {
		ch := c.current().peek()

		switch ch.kind {
		case childTable:
			c.pushLevel(ch.node)
			continue
		case childNone:
			size := pageSize(c.level)
			return QueryResult{
				Kind:     QueryNotMapped,
				VirtAddr: alignDown(c.va, size),
				Len:      size,
				Level:    c.level,
			}, nil
		case childFrame:
			size := pageSize(c.level)
			return QueryResult{
				Kind:     QueryMapped,
				VirtAddr: alignDown(c.va, size),
				Len:      size,
				Frame:    ch.frame,
				PhysAddr: ch.frame.Address(),
				Level:    c.level,
				Prop:     ch.prop,
			}, nil
		default: // childUntracked
			size := pageSize(c.level)
			return QueryResult{
				Kind:     QueryMappedUntracked,
				VirtAddr: alignDown(c.va, size),
				Len:      size,
				PhysAddr: ch.physAddr,
				Level:    c.level,
				Prop:     ch.prop,
			}, nil
		}
	}
}

// MoveForward advances to the next slot at the current level, popping
// (unlocking) up to parent levels whenever the current node's index wraps
// around to zero.
func (c *Cursor) MoveForward() {
	next := alignDown(c.va, pageSize(c.level)) + pageSize(c.level)

	for c.level < c.guardLevel && ptIndex(next, c.level) == 0 {
		c.popLevel()
	}

	c.va = next
}

// Jump relocates the cursor to virtAddr without re-walking from the root
// when the target still falls inside a held node, popping ancestor locks
// otherwise. The target must lie within the cursor's declared range.
func (c *Cursor) Jump(virtAddr uintptr) *kernel.Error {
	if virtAddr%mm.PageSize != 0 {
		return ErrUnalignedVaddr
	}
	if !c.barrier.Contains(virtAddr) {
		return ErrInvalidVaddr
	}

	// The guard node covers the whole barrier, so this loop always
	// terminates at or before guardLevel.
	for c.level < c.guardLevel {
		nodeSpan := pageSize(c.level + 1)
		nodeBase := alignDown(c.va, nodeSpan)
		if virtAddr >= nodeBase && virtAddr < nodeBase+nodeSpan {
			break
		}
		c.popLevel()
	}

	c.va = virtAddr
	return nil
}

// Map installs one already-level-matched owned page at the cursor's current
// position, descending and allocating intermediate nodes as needed, and
// advances past it. The caller's frame reference transfers into the slot. A
// previously mapped frame, if any, is returned with its reference
// transferred back to the caller for disposal; InvalidFrame otherwise.
//
// Positions inside an existing huge leaf of a different size are a
// programmer-contract violation.
func (c *CursorMut) Map(frame mm.Frame, level uint8, prop PageProperty) (mm.Frame, *kernel.Error) {
	if c.va >= c.barrier.End {
		return mm.InvalidFrame, ErrInvalidVaddr
	}
	if level < 1 || level > paging.highestLeafLevel || level > c.level {
		panicFn(errHugeLeafConflict)
	}
	if alignDown(c.va, pageSize(level)) != c.va || c.va+pageSize(level) > c.barrier.End {
		panicFn(errUnalignedLeaf)
	}

	if err := c.descendTo(level, TrackingTracked); err != nil {
		return mm.InvalidFrame, err
	}

	old := c.current().replace(frameChild(frame, level, prop))
	flushTLBEntryFn(c.va)
	c.MoveForward()

	switch old.kind {
	case childNone:
		return mm.InvalidFrame, nil
	case childFrame:
		return old.frame, nil
	default:
		// A live child table or an untracked leaf cannot sit in a
		// tracked node; replace has already rejected those shapes.
		panicFn(errMappingOverTable)
		return mm.InvalidFrame, nil
	}
}

// descendTo walks down to the target level at the current address,
// allocating missing intermediate nodes with the wanted tracking
// classification and splitting untracked huge leaves in the way. Meeting a
// leaf that cannot be split is a programmer-contract violation.
func (c *CursorMut) descendTo(target uint8, want TrackingStatus) *kernel.Error {
	for c.level > target {
		ev := c.current()
		ch := ev.peek()

		switch ch.kind {
		case childTable:
			c.pushLevel(ch.node)
		case childNone:
			node, err := allocEmptyNode(c.level-1, trackingForLevel(c.level-1, want))
			if err != nil {
				return err
			}
			ev.replace(tableChild(node))
			c.pushLevel(node)
		case childUntracked:
			if err := ev.splitIfUntrackedHuge(); err != nil {
				return err
			}
		default: // childFrame
			panicFn(errHugeLeafConflict)
		}
	}
	return nil
}

// MapPa maps the contiguous physical range [physStart, physEnd) at the
// cursor's position using the largest page size the remaining range and
// alignment allow at each step. It is used for raw, untracked mappings only;
// the table takes no ownership of the target memory.
func (c *CursorMut) MapPa(physStart, physEnd uintptr, prop PageProperty) *kernel.Error {
	if physStart%mm.PageSize != 0 || physEnd%mm.PageSize != 0 {
		panicFn(errUnalignedPaddr)
	}
	size := physEnd - physStart
	if size == 0 || c.va+size > c.barrier.End {
		return ErrInvalidVaddrRange
	}

	physAddr := physStart
	for physAddr < physEnd {
		// Pick the largest leaf level that the position, the physical
		// address and the remaining length all allow.
		target := paging.highestLeafLevel
		if target > c.level {
			target = c.level
		}
		for target > 1 {
			leafSize := pageSize(target)
			if c.va%leafSize == 0 && physAddr%leafSize == 0 && physEnd-physAddr >= leafSize {
				break
			}
			target--
		}

		if err := c.descendTo(target, TrackingUntracked); err != nil {
			return err
		}

		old := c.current().replace(untrackedChild(physAddr, target, prop))
		if old.kind == childTable {
			panicFn(errMappingOverTable)
		}
		flushTLBEntryFn(c.va)

		physAddr += pageSize(target)
		c.MoveForward()
	}

	return nil
}

// TakeNext removes and returns the first mapped page or untracked run found
// within [va, va+maxLen), advancing the cursor past it. Child tables are
// descended into opportunistically: empty subtrees are skipped without
// recursing. Huge untracked leaves that only partially overlap the span are
// split first; partial removal of a tracked huge leaf is a
// programmer-contract violation.
//
// A QueryNotMapped result covering the whole span is returned when nothing
// was mapped in it. For QueryMapped results the frame reference transfers to
// the caller.
func (c *CursorMut) TakeNext(maxLen uintptr) (QueryResult, *kernel.Error) {
	if maxLen%mm.PageSize != 0 || maxLen == 0 {
		return QueryResult{}, ErrUnalignedVaddr
	}
	start := c.va
	end := start + maxLen
	if end > c.barrier.End {
		return QueryResult{}, ErrInvalidVaddrRange
	}

	for c.va < end {
		ev := c.current()
		ch := ev.peek()

		size := pageSize(c.level)
		base := alignDown(c.va, size)

		switch ch.kind {
		case childNone:
			c.MoveForward()
		case childTable:
			if ch.node.nrChildren() == 0 {
				c.MoveForward()
			} else {
				c.pushLevel(ch.node)
			}
		case childFrame:
			if base != c.va || base+size > end {
				panicFn(errPartialTrackedLeaf)
			}
			ev.replace(noChild())
			c.flushLeaf(base, c.level)
			res := QueryResult{
				Kind:     QueryMapped,
				VirtAddr: base,
				Len:      size,
				Frame:    ch.frame,
				PhysAddr: ch.frame.Address(),
				Level:    c.level,
				Prop:     ch.prop,
			}
			c.MoveForward()
			return res, nil
		default: // childUntracked
			if base != c.va || base+size > end {
				if err := ev.splitIfUntrackedHuge(); err != nil {
					return QueryResult{}, err
				}
				continue
			}
			ev.replace(noChild())
			c.flushLeaf(base, c.level)
			res := QueryResult{
				Kind:     QueryMappedUntracked,
				VirtAddr: base,
				Len:      size,
				PhysAddr: ch.physAddr,
				Level:    c.level,
				Prop:     ch.prop,
			}
			c.MoveForward()
			return res, nil
		}
	}

	return QueryResult{Kind: QueryNotMapped, VirtAddr: start, Len: maxLen}, nil
}

// flushLeaf invalidates the translation of a removed or rewritten leaf. A
// full flush is cheaper than hundreds of single-address invalidations for
// huge leaves.
func (c *CursorMut) flushLeaf(base uintptr, level uint8) {
	if level == 1 {
		flushTLBEntryFn(base)
		return
	}
	flushTLBFullFn()
}

// ProtectNext applies op to the property of the next present leaf within
// [va, va+maxLen), splitting huge untracked leaves that straddle the span
// boundary, and returns the exact sub-range affected so the caller can drive
// precise TLB invalidation. The bool result is false once the whole span is
// exhausted without finding a leaf.
func (c *CursorMut) ProtectNext(maxLen uintptr, op func(*PageProperty)) (VirtRange, bool, *kernel.Error) {
	if maxLen%mm.PageSize != 0 || maxLen == 0 {
		return VirtRange{}, false, ErrUnalignedVaddr
	}
	end := c.va + maxLen
	if end > c.barrier.End {
		return VirtRange{}, false, ErrInvalidVaddrRange
	}

	for c.va < end {
		ev := c.current()
		ch := ev.peek()

		size := pageSize(c.level)
		base := alignDown(c.va, size)

		switch ch.kind {
		case childNone:
			c.MoveForward()
		case childTable:
			if ch.node.nrChildren() == 0 {
				c.MoveForward()
			} else {
				c.pushLevel(ch.node)
			}
		case childFrame:
			if base != c.va || base+size > end {
				panicFn(errPartialTrackedLeaf)
			}
			ev.protect(op)
			affected := VirtRange{Start: base, End: base + size}
			c.MoveForward()
			return affected, true, nil
		default: // childUntracked
			if base != c.va || base+size > end {
				if err := ev.splitIfUntrackedHuge(); err != nil {
					return VirtRange{}, false, err
				}
				continue
			}
			ev.protect(op)
			affected := VirtRange{Start: base, End: base + size}
			c.MoveForward()
			return affected, true, nil
		}
	}

	return VirtRange{}, false, nil
}

// CopyFrom copies the tracked mappings found in the next length bytes of the
// source cursor's range into this cursor's range at matching offsets,
// applying op to the property on each copied entry before installing it.
// Both cursors advance in lock-step by the size of each page actually
// copied. Untracked mappings in the source are a programmer-contract
// violation: raw physical ranges have exactly one owner table.
func (c *CursorMut) CopyFrom(src *CursorMut, length uintptr, op func(*PageProperty)) *kernel.Error {
	if length%mm.PageSize != 0 || length == 0 {
		return ErrUnalignedVaddr
	}

	var (
		srcStart = src.va
		dstStart = c.va
		end      = srcStart + length
	)
	if end > src.barrier.End || dstStart+length > c.barrier.End {
		return ErrInvalidVaddrRange
	}

	for src.va < end {
		ev := src.current()
		ch := ev.peek()

		switch ch.kind {
		case childNone:
			src.MoveForward()
		case childTable:
			if ch.node.nrChildren() == 0 {
				src.MoveForward()
			} else {
				src.pushLevel(ch.node)
			}
		case childUntracked:
			panicFn(errCopyUntracked)
		default: // childFrame
			size := pageSize(src.level)
			base := alignDown(src.va, size)
			if base != src.va || base+size > end {
				panicFn(errPartialTrackedLeaf)
			}

			if err := c.Jump(dstStart + (base - srcStart)); err != nil {
				return err
			}

			prop := ch.prop
			op(&prop)

			// The destination slot gets a reference of its own.
			ch = ev.toOwned()
			old, err := c.Map(ch.frame, src.level, prop)
			if err != nil {
				dropFrameRef(ch.frame, src.level)
				return err
			}
			if old.Valid() {
				dropFrameRef(old, src.level)
			}

			src.MoveForward()
		}
	}

	return nil
}
