package vmm

import "nexos/kernel/mm"

const (
	// pteSize is the size of a single page-table entry in bytes.
	pteSize = 8

	// tableEntryCount is the number of entries held by one page-table
	// node. It must be a power of 2.
	tableEntryCount = uintptr(mm.PageSize / pteSize)

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. 9 bits amount to 512 entries for
	// each page level.
	pageLevelBits = 9

	// maxPageLevels bounds the number of page levels any supported
	// architecture may use; fixed-size per-level state (e.g. the cursor
	// guard stack) is dimensioned by it.
	maxPageLevels = 5
)

// pagingConsts describes the paging characteristics every other component of
// this package is generic over. The base page size is mm.PageSize for all
// supported architectures.
type pagingConsts struct {
	// nrLevels is the number of page-table levels. Level 1 is the
	// leaf-granularity table, nrLevels is the root.
	nrLevels uint8

	// highestLeafLevel is the highest level eligible for a direct leaf
	// mapping (a huge page).
	highestLeafLevel uint8

	// vaWidth is the number of translated virtual address bits.
	vaWidth uint8
}

// pageSize returns the size of the virtual range covered by a single entry
// of a node at the given level.
func pageSize(level uint8) uintptr {
	return mm.PageSize << (pageLevelBits * uintptr(level-1))
}

// ptIndex extracts the entry index that corresponds to virtAddr inside a
// node at the given level.
func ptIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> (mm.PageShift + pageLevelBits*uintptr(level-1))) & (tableEntryCount - 1)
}

func alignDown(virtAddr, size uintptr) uintptr {
	return virtAddr & ^(size - 1)
}

// VirtRange describes a half-open virtual address range [Start, End).
type VirtRange struct {
	Start, End uintptr
}

// Contains returns true if virtAddr falls inside this range.
func (r VirtRange) Contains(virtAddr uintptr) bool {
	return virtAddr >= r.Start && virtAddr < r.End
}

// ContainsRange returns true if other lies fully inside this range.
func (r VirtRange) ContainsRange(other VirtRange) bool {
	return other.Start >= r.Start && other.End <= r.End
}

// userVaddrRange returns the virtual window available to user-space page
// tables: the low canonical half of the translated address space.
func userVaddrRange() VirtRange {
	return VirtRange{
		Start: 0,
		End:   uintptr(1) << (paging.vaWidth - 1),
	}
}

// kernelVaddrRange returns the virtual window available to the kernel page
// table: the high canonical half. The topmost base page is deliberately left
// out so the exclusive range end stays representable.
func kernelVaddrRange() VirtRange {
	return VirtRange{
		Start: ^uintptr(0) << (paging.vaWidth - 1),
		End:   ^uintptr(0) & ^(mm.PageSize - 1),
	}
}

// sharedRootRange returns the root-node index range whose entries are shared
// by reference between the kernel table and every user table (the kernel
// half of the root node).
func sharedRootRange() (start, end uintptr) {
	return tableEntryCount / 2, tableEntryCount
}
