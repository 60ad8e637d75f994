// Package pfn implements the page frame number database: one Entry per
// physical page plus the page lists that thread through the entries.
package pfn

import (
	"unsafe"

	"mmboot/kernel/mm"
)

// Location identifies the list (or state) a physical page currently
// belongs to.
type Location uint8

const (
	// Zeroed pages are free and known to contain zeroes.
	Zeroed Location = iota

	// Free pages are available for allocation.
	Free

	// Standby pages are no longer in use but still hold valid data.
	Standby

	// Modified pages hold data that must be written out before reuse.
	Modified

	// Bad pages must never be handed out.
	Bad

	// ActiveAndValid pages are mapped and in use.
	ActiveAndValid

	// Transition pages are being read in or written out.
	Transition
)

// String implements fmt.Stringer for Location.
func (l Location) String() string {
	switch l {
	case Zeroed:
		return "zeroed"
	case Free:
		return "free"
	case Standby:
		return "standby"
	case Modified:
		return "modified"
	case Bad:
		return "bad"
	case ActiveAndValid:
		return "active"
	case Transition:
		return "transition"
	default:
		return "unknown"
	}
}

// CacheAttribute describes how a page is cached by the processor.
type CacheAttribute uint8

const (
	// NonCached pages bypass the processor caches.
	NonCached CacheAttribute = iota

	// Cached pages use write-back caching.
	Cached

	// WriteCombined pages use write combining.
	WriteCombined
)

// Entry is the per-page record of the PFN database.
type Entry struct {
	// Flink and Blink link the entry into the list selected by Location.
	// mm.InvalidFrame terminates a list.
	Flink mm.Frame
	Blink mm.Frame

	// PteAddress is the physical address of the page-table entry that
	// maps this page.
	PteAddress uintptr

	// PteFrame is the page-table page containing that entry.
	PteFrame mm.Frame

	ShareCount     uint32
	ReferenceCount uint16

	Location Location
	Cache    CacheAttribute
	Node     uint8

	Rom          bool
	PrototypePte bool
	Deleted      bool
}

// ListHead is the head of a doubly-linked page list.
type ListHead struct {
	Flink mm.Frame
	Blink mm.Frame
	Count uint64
}

var (
	// EntrySize is the size in bytes of a database entry.
	EntrySize = unsafe.Sizeof(Entry{})

	// ListHeadSize is the size in bytes of a page list head.
	ListHeadSize = unsafe.Sizeof(ListHead{})
)

// Size returns the number of bytes needed for a database that describes
// frames [0, highest] and keeps colors free and zeroed list heads.
func Size(highest mm.Frame, colors uint32) uintptr {
	return (uintptr(highest)+1)*EntrySize + 2*uintptr(colors)*ListHeadSize
}

// EntryOffset returns the byte offset of the entry for frame from the start
// of the database.
func EntryOffset(frame mm.Frame) uintptr {
	return uintptr(frame) * EntrySize
}
