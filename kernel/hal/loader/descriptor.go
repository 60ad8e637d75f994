// Package loader describes the parameter block the boot loader hands to the
// memory manager: the physical memory descriptor list, the list of loaded
// boot images and the boot options string.
package loader

import (
	"strings"

	"mmboot/kernel"
	"mmboot/kernel/mm"
)

var (
	// ErrUnsortedDescriptors is returned by Validate when the descriptor
	// list is not sorted by ascending base page.
	ErrUnsortedDescriptors = &kernel.Error{Module: "loader", Message: "memory descriptors are not sorted by base page"}

	// ErrOverlappingDescriptors is returned by Validate when two
	// descriptors describe the same physical page.
	ErrOverlappingDescriptors = &kernel.Error{Module: "loader", Message: "memory descriptors overlap"}
)

// MemoryType classifies the contents of a memory descriptor.
type MemoryType uint8

const (
	// Free memory is unused RAM.
	Free MemoryType = iota

	// LoadedProgram memory holds loaded boot images.
	LoadedProgram

	// FirmwareTemporary memory is used by the firmware during boot and may
	// be reclaimed afterwards.
	FirmwareTemporary

	// FirmwarePermanent memory belongs to the firmware for the lifetime of
	// the system.
	FirmwarePermanent

	// OsLoaderStack is the stack used by the boot loader.
	OsLoaderStack

	// Bad memory failed testing and must never be used.
	Bad

	// SpecialMemory is memory the loader excludes from general use.
	SpecialMemory

	// BbtMemory is reserved for the boot-time tracing buffer.
	BbtMemory

	// HalCachedMemory holds data cached on behalf of the HAL.
	HalCachedMemory

	// XipRom is execute-in-place ROM.
	XipRom

	// SystemCode holds kernel and HAL code.
	SystemCode

	// BootDriver holds boot driver images.
	BootDriver

	// RegistryData holds the boot configuration hive.
	RegistryData

	// NlsData holds national language support tables.
	NlsData
)

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case Free:
		return "free"
	case LoadedProgram:
		return "loaded program"
	case FirmwareTemporary:
		return "firmware temporary"
	case FirmwarePermanent:
		return "firmware permanent"
	case OsLoaderStack:
		return "loader stack"
	case Bad:
		return "bad"
	case SpecialMemory:
		return "special"
	case BbtMemory:
		return "bbt"
	case HalCachedMemory:
		return "hal cached"
	case XipRom:
		return "xip rom"
	case SystemCode:
		return "system code"
	case BootDriver:
		return "boot driver"
	case RegistryData:
		return "registry data"
	case NlsData:
		return "nls data"
	default:
		return "unknown"
	}
}

// ParseMemoryType returns the memory type whose String representation is
// name.
func ParseMemoryType(name string) (MemoryType, bool) {
	for t := Free; t <= NlsData; t++ {
		if t.String() == name {
			return t, true
		}
	}
	return 0, false
}

// Reclaimable returns true for types whose pages are released to the free
// lists once the memory manager takes over.
func (t MemoryType) Reclaimable() bool {
	switch t {
	case Free, LoadedProgram, FirmwareTemporary, OsLoaderStack:
		return true
	}
	return false
}

// Tracked returns false for types whose pages never receive PFN database
// entries.
func (t MemoryType) Tracked() bool {
	switch t {
	case FirmwarePermanent, SpecialMemory, BbtMemory:
		return false
	}
	return true
}

// MemoryDescriptor describes a run of physical pages that share a type.
type MemoryDescriptor struct {
	BasePage  mm.Frame
	PageCount uint64
	Type      MemoryType
}

// EndPage returns the first page past the descriptor.
func (d *MemoryDescriptor) EndPage() mm.Frame {
	return d.BasePage + mm.Frame(d.PageCount)
}

// Contains returns true if frame belongs to the descriptor.
func (d *MemoryDescriptor) Contains(frame mm.Frame) bool {
	return frame >= d.BasePage && frame < d.EndPage()
}

// BootImage describes an image loaded by the boot loader.
type BootImage struct {
	Name        string
	VirtualBase uintptr
	Size        uintptr
}

// DescriptorVisitor is invoked for each memory descriptor. Returning false
// aborts the visit.
type DescriptorVisitor func(*MemoryDescriptor) bool

// Block is the loader parameter block.
type Block struct {
	// Descriptors is sorted by ascending base page. Descriptors never
	// overlap.
	Descriptors []*MemoryDescriptor

	// LoadOrder lists the loaded boot images. The first entry is the
	// kernel and the second, when present, is the HAL.
	LoadOrder []BootImage

	// Options is the free-form boot options string.
	Options string
}

// VisitDescriptors invokes visitor for each descriptor in ascending
// physical order.
func (b *Block) VisitDescriptors(visitor DescriptorVisitor) {
	for _, d := range b.Descriptors {
		if !visitor(d) {
			return
		}
	}
}

// VisitDescriptorsReverse invokes visitor for each descriptor in descending
// physical order.
func (b *Block) VisitDescriptorsReverse(visitor DescriptorVisitor) {
	for i := len(b.Descriptors) - 1; i >= 0; i-- {
		if !visitor(b.Descriptors[i]) {
			return
		}
	}
}

// Lookup returns the descriptor that contains frame or nil.
func (b *Block) Lookup(frame mm.Frame) *MemoryDescriptor {
	lo, hi := 0, len(b.Descriptors)
	for lo < hi {
		mid := (lo + hi) / 2
		d := b.Descriptors[mid]
		switch {
		case frame < d.BasePage:
			hi = mid
		case frame >= d.EndPage():
			lo = mid + 1
		default:
			return d
		}
	}
	return nil
}

// HasOption returns true if the boot options contain option.
func (b *Block) HasOption(option string) bool {
	return strings.Contains(b.Options, option)
}

// Validate checks that the descriptor list is sorted and free of overlaps.
func (b *Block) Validate() *kernel.Error {
	for i := 1; i < len(b.Descriptors); i++ {
		prev, cur := b.Descriptors[i-1], b.Descriptors[i]
		if cur.BasePage < prev.BasePage {
			return ErrUnsortedDescriptors
		}
		if cur.BasePage < prev.EndPage() {
			return ErrOverlappingDescriptors
		}
	}
	return nil
}
