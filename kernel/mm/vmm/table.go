package vmm

import (
	"unsafe"

	"mmboot/kernel"
	"mmboot/kernel/mm"
)

var (
	// memsetFn is used by tests to override calls to kernel.Memset.
	memsetFn = kernel.Memset
)

// Table is a page-table page at any level of the hierarchy.
type Table [EntriesPerTable]PageTableEntry

// PhysMapper provides access to the contents of physical frames that hold
// page tables.
type PhysMapper interface {
	// Table returns the page-table page stored in frame.
	Table(frame mm.Frame) *Table

	// ZeroFrame clears the contents of a physical frame.
	ZeroFrame(frame mm.Frame)
}

// DirectMap is a PhysMapper that reaches physical memory through a virtual
// window that maps physical address P at Base + P.
type DirectMap struct {
	Base uintptr
}

// Table implements PhysMapper.
func (m DirectMap) Table(frame mm.Frame) *Table {
	return (*Table)(unsafe.Pointer(m.Base + frame.Address()))
}

// ZeroFrame implements PhysMapper.
func (m DirectMap) ZeroFrame(frame mm.Frame) {
	memsetFn(m.Base+frame.Address(), 0, mm.PageSize)
}
