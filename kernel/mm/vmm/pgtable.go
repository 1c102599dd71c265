package vmm

import (
	"nexos/kernel"
	"nexos/kernel/mm"
)

// Mode restricts a PageTable to either the kernel or the user address
// window. Every cursor's declared range is validated against it.
type Mode interface {
	// VaddrRange returns the virtual window this mode covers.
	VaddrRange() VirtRange

	// Covers returns true if r lies fully inside the mode's window.
	Covers(r VirtRange) bool
}

// KernelMode covers the high canonical half of the address space.
type KernelMode struct{}

// VaddrRange returns the kernel virtual window.
func (KernelMode) VaddrRange() VirtRange { return kernelVaddrRange() }

// Covers returns true if r lies fully inside the kernel window.
func (KernelMode) Covers(r VirtRange) bool { return kernelVaddrRange().ContainsRange(r) }

// UserMode covers the low canonical half of the address space.
type UserMode struct{}

// VaddrRange returns the user virtual window.
func (UserMode) VaddrRange() VirtRange { return userVaddrRange() }

// Covers returns true if r lies fully inside the user window.
func (UserMode) Covers(r VirtRange) bool { return userVaddrRange().ContainsRange(r) }

// PageTable owns the root node of one address space. The supported virtual
// window is part of the handle's contract, carried by its mode.
type PageTable struct {
	mode Mode
	root ptNode
}

// Empty allocates a page table with no mappings for the given mode.
func Empty(mode Mode) (*PageTable, *kernel.Error) {
	root, err := allocEmptyNode(paging.nrLevels, trackingForLevel(paging.nrLevels, TrackingNotApplicable))
	if err != nil {
		return nil, err
	}
	return &PageTable{mode: mode, root: root}, nil
}

// Mode returns the address-window contract this table was created with.
func (pt *PageTable) Mode() Mode { return pt.mode }

// RootPhysAddr returns the physical address of the table's root node; the
// value the hardware root register is loaded with on activation.
func (pt *PageTable) RootPhysAddr() uintptr { return pt.root.frame.Address() }

// Cursor opens a read-only cursor over r.
func (pt *PageTable) Cursor(r VirtRange) (*Cursor, *kernel.Error) {
	c, err := newCursor(pt, r)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CursorMut opens a mutating cursor over r.
func (pt *PageTable) CursorMut(r VirtRange) (*CursorMut, *kernel.Error) {
	c, err := newCursor(pt, r)
	if err != nil {
		return nil, err
	}
	return &CursorMut{Cursor: c}, nil
}

// Map establishes an untracked mapping of the physical range starting at
// physStart over the whole virtual range r.
func (pt *PageTable) Map(r VirtRange, physStart uintptr, prop PageProperty) *kernel.Error {
	cur, err := pt.CursorMut(r)
	if err != nil {
		return err
	}
	defer cur.Release()

	return cur.MapPa(physStart, physStart+(r.End-r.Start), prop)
}

// Query returns what the table maps at virtAddr. It exists for diagnostics
// and introspection; the result may be stale the moment the locks are
// released.
func (pt *PageTable) Query(virtAddr uintptr) (QueryResult, *kernel.Error) {
	pageBase := alignDown(virtAddr, mm.PageSize)

	cur, err := pt.Cursor(VirtRange{Start: pageBase, End: pageBase + mm.PageSize})
	if err != nil {
		return QueryResult{}, err
	}
	defer cur.Release()

	return cur.Query()
}

// ProtectFlushTLB applies op to every present leaf inside r and invalidates
// the affected translations.
func (pt *PageTable) ProtectFlushTLB(r VirtRange, op func(*PageProperty)) *kernel.Error {
	cur, err := pt.CursorMut(r)
	if err != nil {
		return err
	}
	defer cur.Release()

	for cur.VirtAddr() < r.End {
		affected, found, err := cur.ProtectNext(r.End-cur.VirtAddr(), op)
		if err != nil {
			return err
		}
		if !found {
			break
		}
		flushTLBRange(affected.Start, affected.End)
	}

	return nil
}

// CreateUserPageTable derives a user-space table from this kernel table. The
// kernel half of the root node is shared by reference, not by copy: the
// shared child nodes gain one reference each and both roots point at the
// same subtrees.
func (pt *PageTable) CreateUserPageTable() (*PageTable, *kernel.Error) {
	if _, ok := pt.mode.(KernelMode); !ok {
		panicFn(errBadMode)
	}

	userPT, err := Empty(UserMode{})
	if err != nil {
		return nil, err
	}

	start, end := sharedRootRange()

	pt.root.lock()
	for idx := start; idx < end; idx++ {
		raw := pt.root.loadRaw(idx)
		if !codec.isPresent(raw) {
			continue
		}

		ptNode{mm.FrameFromAddress(codec.physAddr(raw))}.retain()
		userPT.root.storeRaw(idx, raw)
		userPT.root.meta().nrChildren++
	}
	pt.root.unlock()

	return userPT, nil
}

// MakeSharedTables pre-populates the root entries in [startIdx, endIdx) with
// empty child tables, so that sharing the kernel half by reference stays
// stable: a user table derived afterwards observes every kernel mapping ever
// made below those entries.
func (pt *PageTable) MakeSharedTables(startIdx, endIdx uintptr) *kernel.Error {
	if _, ok := pt.mode.(KernelMode); !ok {
		panicFn(errBadMode)
	}
	if startIdx >= endIdx || endIdx > tableEntryCount {
		panicFn(errEntryIndexOutOfRange)
	}

	pt.root.lock()
	defer pt.root.unlock()

	for idx := startIdx; idx < endIdx; idx++ {
		if codec.isPresent(pt.root.loadRaw(idx)) {
			continue
		}

		node, err := allocEmptyNode(paging.nrLevels-1, trackingForLevel(paging.nrLevels-1, TrackingNotApplicable))
		if err != nil {
			return err
		}
		pt.root.entry(idx).replace(tableChild(node))
	}

	return nil
}

// Release drops the handle's reference to the root node, tearing the whole
// table down if this was the last reference (a shared kernel half survives
// through the references user tables hold).
func (pt *PageTable) Release() {
	pt.root.release()
}

// activeRootFrame tracks the root installed in the hardware register, to
// manage the reference handoff between the previously active and the newly
// active table. One slot suffices until SMP bring-up, which is handled
// outside this package.
var activeRootFrame = mm.InvalidFrame

// Activate installs this table's root into the hardware register. The new
// root gains a reference before the switch and the previously active root
// loses its one after, so the outgoing table cannot disappear while the
// hardware may still be walking it.
func (pt *PageTable) Activate() {
	pt.root.retain()
	switchPTFn(pt.root.frame.Address())

	old := activeRootFrame
	activeRootFrame = pt.root.frame
	if old.Valid() {
		ptNode{old}.release()
	}
}

// FirstActivate installs this table's root on a CPU that has no previously
// active table; there is no outgoing reference to drop.
func (pt *PageTable) FirstActivate() {
	if activeRootFrame.Valid() {
		panicFn(errBadMode)
	}

	pt.root.retain()
	switchPTFn(pt.root.frame.Address())
	activeRootFrame = pt.root.frame
}
