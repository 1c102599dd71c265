// Package mm provides the page and frame primitives shared by the physical
// and virtual memory managers: page/frame index types and the frame-provider
// indirection through which physical page frames are obtained, returned and
// accessed via the direct-mapped window.
package mm

import (
	"math"

	"nexos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// AllocFramesFn is a function that can allocate a contiguous run of count
// zeroed physical frames and return the first frame of the run.
type AllocFramesFn func(count uint) (Frame, *kernel.Error)

// DeallocFramesFn is a function that accepts back a contiguous run of count
// frames previously obtained through an AllocFramesFn.
type DeallocFramesFn func(first Frame, count uint)

// PhysToVirtFn translates a physical address to a virtual address inside the
// direct-mapped physical memory window.
type PhysToVirtFn func(physAddr uintptr) uintptr

var (
	// The frame provider hooks registered via SetFrameProvider.
	allocFramesFn   AllocFramesFn
	deallocFramesFn DeallocFramesFn
	physToVirtFn    PhysToVirtFn
)

// SetFrameProvider registers the physical frame provider that will be used by
// the vmm code when page-table pages and mapped frames need to be allocated,
// released or accessed. The provider must hand out zeroed, page-aligned frame
// runs.
func SetFrameProvider(alloc AllocFramesFn, dealloc DeallocFramesFn, physToVirt PhysToVirtFn) {
	allocFramesFn = alloc
	deallocFramesFn = dealloc
	physToVirtFn = physToVirt
}

// AllocFrames reserves a run of count contiguous zeroed frames using the
// currently registered frame provider.
func AllocFrames(count uint) (Frame, *kernel.Error) { return allocFramesFn(count) }

// AllocFrame reserves a single zeroed frame using the currently registered
// frame provider.
func AllocFrame() (Frame, *kernel.Error) { return allocFramesFn(1) }

// DeallocFrames returns a run of count contiguous frames back to the
// currently registered frame provider.
func DeallocFrames(first Frame, count uint) { deallocFramesFn(first, count) }

// PhysToVirt returns a virtual address through which the contents of the
// supplied physical address can be directly accessed.
func PhysToVirt(physAddr uintptr) uintptr { return physToVirtFn(physAddr) }
