package vmm

import "mmboot/kernel/mm"

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// EntriesPerTable is the number of entries stored in a page-table page
	// at any level.
	EntriesPerTable = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// canonicalBit is the highest implemented virtual address bit; it is
	// sign-extended into bits 48-63.
	canonicalBit = uintptr(1) << 47

	canonicalHighBits = uintptr(0xffff000000000000)
)

// Level identifies a page-table level. Level 0 is the top-most table.
type Level uint8

const (
	// LevelTop is the top-level table (PML4).
	LevelTop Level = iota

	// LevelParent is the page directory parent table (PDPT).
	LevelParent

	// LevelDirectory is the page directory. Its entries either point to a
	// page table or map a large page.
	LevelDirectory

	// LevelTable is the page table whose entries map small pages.
	LevelTable
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on page directory entries that map a 2Mb page
	// instead of pointing to a page table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute = 1 << 63
)

// Kernel virtual address space layout.
const (
	// PhysMapBase is the start of the window where early boot code maps
	// all of physical memory at PhysMapBase + physical address so that
	// DirectMap can reach page-table pages. Mappings inside the window do
	// not own the pages they reference.
	PhysMapBase = uintptr(0xffff800000000000)

	// PhysMapEnd is the first address past the physical memory window.
	PhysMapEnd = uintptr(0xffffc00000000000)

	// Kseg0Base is the start of the window where the loader maps the boot
	// images at Kseg0Base + physical address.
	Kseg0Base = uintptr(0xfffff80000000000)

	// Kseg0End is the first address past kseg0.
	Kseg0End = uintptr(0xfffff88000000000)

	// SystemPteBase is the start of the system PTE region.
	SystemPteBase = uintptr(0xfffff88000000000)

	// PfnDatabaseBase is where the PFN database is mapped. The initial
	// non-paged pool immediately follows the database.
	PfnDatabaseBase = uintptr(0xfffffa8000000000)

	// NonPagedPoolLimit is the first address past the largest possible
	// non-paged pool.
	NonPagedPoolLimit = PfnDatabaseBase + uintptr(512*mm.Gb)
)
