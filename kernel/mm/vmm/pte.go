package vmm

// pte holds the raw per-architecture bit pattern of a single page-table
// entry. Entries are always read and written through the arch codec; the
// portable code never interprets individual bits.
type pte uint64

// PageFlags describe the access properties carried by a leaf entry.
type PageFlags uint16

const (
	// FlagRead is set if the page can be read from.
	FlagRead PageFlags = 1 << iota

	// FlagWrite is set if the page can be written to.
	FlagWrite

	// FlagExecute is set if instructions can be fetched from the page.
	FlagExecute

	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is modified.
	FlagDirty

	// FlagUser is set if user-mode code can access the page. If not set
	// only kernel code can access it.
	FlagUser

	// FlagGlobal prevents the TLB from flushing this translation when
	// the page-table root register is rewritten.
	FlagGlobal
)

// CachePolicy selects the caching behavior of a leaf mapping.
type CachePolicy uint8

const (
	// CacheWriteBack is the default policy for ordinary memory.
	CacheWriteBack CachePolicy = iota

	// CacheWriteThrough forces writes to propagate to memory immediately.
	CacheWriteThrough

	// CacheUncacheable disables caching entirely; required for most
	// memory-mapped device registers.
	CacheUncacheable
)

// PageProperty is the semantic view of the properties carried by a leaf
// entry. It is irrelevant for entries pointing at child tables.
type PageProperty struct {
	Flags PageFlags
	Cache CachePolicy
}

// PropRW is a convenience property for plain read-write kernel memory.
func PropRW() PageProperty {
	return PageProperty{Flags: FlagRead | FlagWrite, Cache: CacheWriteBack}
}

// pteCodec converts between the opaque per-architecture bit pattern and the
// semantic entry view. Implementations must encode the absent entry as the
// all-zero pattern: frames are zeroed on allocation, so a freshly allocated
// node is already full of absent entries (asserted by Init).
type pteCodec interface {
	// newAbsent returns the pattern of an absent entry.
	newAbsent() pte

	// newPage constructs a leaf entry mapping physAddr at the given level
	// with the given properties.
	newPage(physAddr uintptr, level uint8, prop PageProperty) pte

	// newTable constructs an entry pointing at a child table at physAddr.
	newTable(physAddr uintptr) pte

	// isPresent returns true if the entry takes part in translation.
	isPresent(e pte) bool

	// physAddr extracts the physical address the entry points at.
	physAddr(e pte) uintptr

	// prop extracts the semantic properties of a leaf entry.
	prop(e pte) PageProperty

	// setProp rewrites the properties of a present leaf entry. It is a
	// documented no-op for absent entries and child-table pointers.
	setProp(e pte, level uint8, prop PageProperty) pte

	// isLast returns true if a present entry at the given level is a
	// leaf rather than a pointer to a child table.
	isLast(e pte, level uint8) bool

	// setBootAlloc sets or clears the reserved software bit the boot
	// page table uses to mark child tables it allocated itself.
	setBootAlloc(e pte, on bool) pte

	// isBootAlloc returns true if the reserved boot-allocation bit is set.
	isBootAlloc(e pte) bool
}
