// Package mm contains the basic types used to describe physical frames,
// virtual pages and memory sizes.
package mm

import "math"

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

// LargePageAligned returns true if the frame is the first frame of a
// naturally aligned large page.
func (f Frame) LargePageAligned() bool {
	return uint64(f)&(PagesPerLargePage-1) == 0
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

// AlignDown rounds addr down to a multiple of align, which must be a power
// of two.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// AlignUp rounds addr up to a multiple of align, which must be a power of
// two.
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// AlignFrameDown rounds a frame down to the first frame of its large page.
func AlignFrameDown(f Frame) Frame {
	return f &^ Frame(PagesPerLargePage-1)
}

// AlignFrameUp rounds a frame up to the next large page boundary.
func AlignFrameUp(f Frame) Frame {
	return (f + Frame(PagesPerLargePage-1)) &^ Frame(PagesPerLargePage-1)
}
