// Package vmm implements the hierarchical page-table manager. Kernel and
// user address spaces are built out of page-table nodes (physical frames
// interpreted as arrays of entries), traversed and mutated through cursors
// that implement the per-node locking protocol, and torn down through the
// frame reference counts maintained by the pmm package.
package vmm

import (
	"nexos/kernel"
	"nexos/kernel/cpu"
	"nexos/kernel/kfmt"
	"nexos/kernel/mm"
)

var (
	// ErrInvalidVaddrRange is returned when a requested virtual address
	// range is empty or falls outside the window covered by the page
	// table's mode.
	ErrInvalidVaddrRange = &kernel.Error{Module: "vmm", Message: "virtual address range is empty or outside the covered window"}

	// ErrInvalidVaddr is returned when a single virtual address falls
	// outside the window a cursor was declared over.
	ErrInvalidVaddr = &kernel.Error{Module: "vmm", Message: "virtual address outside the valid cursor window"}

	// ErrUnalignedVaddr is returned when a range boundary is not a
	// multiple of the base page size.
	ErrUnalignedVaddr = &kernel.Error{Module: "vmm", Message: "virtual address is not aligned to the base page size"}
)

// Fatal invariant violations. These indicate that a caller bypassed the
// contract the rest of the kernel depends on; they are surfaced through
// kfmt.Panic instead of being returned, because continuing execution after
// one would make the whole address space's consistency unverifiable.
var (
	errEntryIndexOutOfRange = &kernel.Error{Module: "vmm", Message: "page-table entry index out of range"}
	errTrackingMismatch     = &kernel.Error{Module: "vmm", Message: "child variant conflicts with the node's tracking status"}
	errHugeLeafConflict     = &kernel.Error{Module: "vmm", Message: "operation targets the inside of a huge leaf of a different size"}
	errMappingOverTable     = &kernel.Error{Module: "vmm", Message: "mapping would overwrite a live child table"}
	errPartialTrackedLeaf   = &kernel.Error{Module: "vmm", Message: "partial removal or protection of a tracked huge leaf is not supported"}
	errNotMapped            = &kernel.Error{Module: "vmm", Message: "no mapping exists at the requested address"}
	errUnalignedLeaf        = &kernel.Error{Module: "vmm", Message: "leaf address is not aligned to its page size"}
	errAbsentNotZero        = &kernel.Error{Module: "vmm", Message: "absent entry pattern is not the zero pattern"}
	errUnalignedPaddr       = &kernel.Error{Module: "vmm", Message: "physical address is not aligned to the base page size"}
	errCopyUntracked        = &kernel.Error{Module: "vmm", Message: "untracked mappings cannot be copied between page tables"}
	errNoNodeArena          = &kernel.Error{Module: "vmm", Message: "node arena not initialized or frame outside of it"}
	errBadMode              = &kernel.Error{Module: "vmm", Message: "operation not supported for this page table mode"}
)

var (
	// The following are mocked by tests and are automatically inlined by
	// the compiler.
	panicFn         = kfmt.Panic
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushTLBFullFn  = cpu.FlushTLBFull
	switchPTFn      = cpu.SwitchPageTable
	activePTFn      = cpu.ActivePageTable
)

// Init prepares the vmm subsystem to manage page-table nodes built out of
// frames [0, nrFrames). It must be called after the frame provider and the
// pmm metadata slots have been set up and before any PageTable is
// constructed.
func Init(nrFrames uint) {
	// Freshly allocated frames are zeroed, so the codec contract requires
	// the absent entry to be the all-zero pattern.
	if codec.newAbsent() != 0 {
		panicFn(errAbsentNotZero)
	}

	nodeArena = make([]nodeMeta, nrFrames)
}

// flushTLBRange invalidates every base-page translation in [start, end).
func flushTLBRange(start, end uintptr) {
	for virtAddr := start; virtAddr < end; virtAddr += mm.PageSize {
		flushTLBEntryFn(virtAddr)
	}
}
