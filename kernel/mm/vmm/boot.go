package vmm

import (
	"nexos/kernel"
	"nexos/kernel/mm"
)

var (
	errBootAdoptedTwice = &kernel.Error{Module: "vmm", Message: "boot page table adopted twice"}
	errBootRetired      = &kernel.Error{Module: "vmm", Message: "boot page table used or released after teardown"}
	errAlreadyMapped    = &kernel.Error{Module: "vmm", Message: "base page is already mapped in the boot page table"}
)

var (
	bootPTAdopted bool
	bootPTRetired bool
	bootPTUsers   int32
)

// BootPageTable is a reduced, single-owner variant of the page table used
// before the frame metadata and locking machinery exist. It extends and
// eventually dismantles the firmware-provided root table. It performs no
// locking; exactly one execution context may touch it until every CPU has
// released it through Retire.
type BootPageTable struct {
	root mm.Frame
}

// AdoptBootPageTable adopts the hardware's current root table as the boot
// page table. Every reachable pointer entry has its reserved self-allocated
// property bit cleared, so that pages the firmware or loader owns are never
// freed by this component's teardown, whatever bits upstream code left
// behind.
//
// The boot table is a process-wide singleton: adopting it twice is fatal.
// nrCPUs sets the dismissal quorum; the table is torn down after exactly
// that many Retire calls.
func AdoptBootPageTable(nrCPUs int32) *BootPageTable {
	if bootPTAdopted {
		panicFn(errBootAdoptedTwice)
	}
	bootPTAdopted = true
	bootPTUsers = nrCPUs

	bpt := &BootPageTable{root: mm.FrameFromAddress(activePTFn())}
	clearBootMarks(bpt.root, paging.nrLevels)

	return bpt
}

// clearBootMarks clears the self-allocated bit on every pointer entry
// reachable from frame. Firmware tables may be DAG-shaped; revisiting a
// shared node through a second parent only repeats an idempotent rewrite.
func clearBootMarks(frame mm.Frame, level uint8) {
	for idx := uintptr(0); idx < tableEntryCount; idx++ {
		raw := rawLoad(frame, idx)
		if !codec.isPresent(raw) || codec.isLast(raw, level) {
			continue
		}

		if codec.isBootAlloc(raw) {
			rawStore(frame, idx, codec.setBootAlloc(raw, false))
		}
		clearBootMarks(mm.FrameFromAddress(codec.physAddr(raw)), level-1)
	}
}

// walkToLeafTable walks top-down to the level-1 node covering virtAddr,
// allocating missing intermediate nodes and splitting huge leaves in the
// way. Every node this component allocates is tagged with the reserved
// self-allocated bit on the pointer entry naming it.
func (b *BootPageTable) walkToLeafTable(virtAddr uintptr) (mm.Frame, *kernel.Error) {
	if bootPTRetired {
		panicFn(errBootRetired)
	}

	cur := b.root
	for level := paging.nrLevels; level > 1; level-- {
		var (
			idx = ptIndex(virtAddr, level)
			raw = rawLoad(cur, idx)
		)

		switch {
		case !codec.isPresent(raw):
			frame, err := mm.AllocFrame()
			if err != nil {
				return mm.InvalidFrame, errNodeAllocFailed
			}
			rawStore(cur, idx, codec.setBootAlloc(codec.newTable(frame.Address()), true))
			cur = frame

		case codec.isLast(raw, level):
			// Split the huge leaf into a self-allocated child
			// covering the same physical range with the same
			// property.
			frame, err := mm.AllocFrame()
			if err != nil {
				return mm.InvalidFrame, errNodeAllocFailed
			}

			var (
				leafProp = codec.prop(raw)
				physBase = codec.physAddr(raw)
				subSize  = pageSize(level - 1)
			)
			for sub := uintptr(0); sub < tableEntryCount; sub++ {
				rawStore(frame, sub, codec.newPage(physBase+sub*subSize, level-1, leafProp))
			}

			rawStore(cur, idx, codec.setBootAlloc(codec.newTable(frame.Address()), true))
			cur = frame

		default:
			cur = mm.FrameFromAddress(codec.physAddr(raw))
		}
	}

	return cur, nil
}

// MapBasePage installs a base-page mapping for virtAddr. Mapping an address
// that is already mapped is a programmer-contract violation.
func (b *BootPageTable) MapBasePage(virtAddr uintptr, frame mm.Frame, prop PageProperty) *kernel.Error {
	leafTable, err := b.walkToLeafTable(virtAddr)
	if err != nil {
		return err
	}

	idx := ptIndex(virtAddr, 1)
	if codec.isPresent(rawLoad(leafTable, idx)) {
		panicFn(errAlreadyMapped)
	}

	rawStore(leafTable, idx, codec.newPage(frame.Address(), 1, prop))
	flushTLBEntryFn(virtAddr)

	return nil
}

// ProtectBasePage applies op to the property of the base page mapped at
// virtAddr. Protecting an address with no mapping is a programmer-contract
// violation.
func (b *BootPageTable) ProtectBasePage(virtAddr uintptr, op func(*PageProperty)) *kernel.Error {
	leafTable, err := b.walkToLeafTable(virtAddr)
	if err != nil {
		return err
	}

	var (
		idx = ptIndex(virtAddr, 1)
		raw = rawLoad(leafTable, idx)
	)
	if !codec.isPresent(raw) {
		panicFn(errNotMapped)
	}

	prop := codec.prop(raw)
	op(&prop)
	rawStore(leafTable, idx, codec.setProp(raw, 1, prop))
	flushTLBEntryFn(virtAddr)

	return nil
}

// Retire releases one CPU's claim on the boot page table. The final release
// dismantles it: a depth-first post-order walk frees exactly the nodes
// tagged as self-allocated and rewrites every visited pointer entry to
// absent before recursing, so a node reachable through two parents is
// emptied the first time and yields nothing on the second visit.
func (b *BootPageTable) Retire() {
	if !bootPTAdopted || bootPTRetired {
		panicFn(errBootRetired)
	}

	bootPTUsers--
	if bootPTUsers < 0 {
		panicFn(errBootRetired)
	}
	if bootPTUsers > 0 {
		return
	}

	dismantleBootNode(b.root, paging.nrLevels)
	bootPTRetired = true
	flushTLBFullFn()
}

func dismantleBootNode(frame mm.Frame, level uint8) {
	for idx := uintptr(0); idx < tableEntryCount; idx++ {
		raw := rawLoad(frame, idx)
		if !codec.isPresent(raw) || codec.isLast(raw, level) {
			continue
		}

		child := mm.FrameFromAddress(codec.physAddr(raw))
		rawStore(frame, idx, codec.newAbsent())
		dismantleBootNode(child, level-1)

		if codec.isBootAlloc(raw) {
			mm.DeallocFrames(child, 1)
		}
	}
}
