package vmm

import (
	"mmboot/kernel"
	"mmboot/kernel/mm"
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (mm.Frame, *kernel.Error)

// pageTableWalker is invoked by walk for each page level that corresponds to
// a virtual address. The walker receives the frame of the table being
// visited, the index of the entry inside it and a pointer to the entry.
// Returning false aborts the walk.
type pageTableWalker func(level Level, tableFrame mm.Frame, index uintptr, pte *PageTableEntry) bool

// AddressSpace is a four-level page-table hierarchy rooted at a physical
// frame. Table pages are reached through a PhysMapper so the hierarchy does
// not need to be active (or even backed by real memory) to be edited.
type AddressSpace struct {
	root   mm.Frame
	mapper PhysMapper
}

// NewAddressSpace returns an AddressSpace for the hierarchy whose top-level
// table is stored in root.
func NewAddressSpace(root mm.Frame, mapper PhysMapper) *AddressSpace {
	return &AddressSpace{root: root, mapper: mapper}
}

// Root returns the frame of the top-level table.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// Mapper returns the PhysMapper used to reach the table pages.
func (as *AddressSpace) Mapper() PhysMapper {
	return as.mapper
}

// Table returns the page-table page stored in frame.
func (as *AddressSpace) Table(frame mm.Frame) *Table {
	return as.mapper.Table(frame)
}

// Index returns the index of the entry that maps virtAddr in a table at the
// given level.
func Index(level Level, virtAddr uintptr) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// LevelSpan returns the number of bytes mapped by a single entry at level.
func LevelSpan(level Level) uintptr {
	return uintptr(1) << pageLevelShifts[level]
}

// VirtualAddress assembles the canonical virtual address selected by the
// supplied table indices.
func VirtualAddress(indices [pageLevels]uintptr) uintptr {
	var virtAddr uintptr
	for level, index := range indices {
		virtAddr |= index << pageLevelShifts[level]
	}

	if virtAddr&canonicalBit != 0 {
		virtAddr |= canonicalHighBits
	}

	return virtAddr
}

// SlotAddress returns the physical address of entry index inside the table
// stored in tableFrame.
func SlotAddress(tableFrame mm.Frame, index uintptr) uintptr {
	return tableFrame.Address() + index<<mm.PointerShift
}

// walk performs a page table walk for the given virtual address. It calls
// walkFn with the entry that corresponds to each page level and descends
// into the next level only when walkFn returns true and the entry points to
// a present table.
func (as *AddressSpace) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := as.root
	for level := LevelTop; level < pageLevels; level++ {
		index := Index(level, virtAddr)
		pte := &as.mapper.Table(tableFrame)[index]
		if !walkFn(level, tableFrame, index, pte) {
			return
		}

		if !pte.Valid() || (level != LevelTop && pte.HasFlags(FlagHugePage)) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// Entry returns the entry that maps virtAddr at the requested level together
// with the frame of the table that holds it. ErrInvalidMapping is returned
// when a table above level is missing and ErrLargePageConflict when a large
// page is installed above level.
func (as *AddressSpace) Entry(virtAddr uintptr, level Level) (*PageTableEntry, mm.Frame, *kernel.Error) {
	var (
		entry      *PageTableEntry
		entryTable mm.Frame
		err        = ErrInvalidMapping
	)

	as.walk(virtAddr, func(pteLevel Level, tableFrame mm.Frame, _ uintptr, pte *PageTableEntry) bool {
		if pteLevel == level {
			entry, entryTable, err = pte, tableFrame, nil
			return false
		}

		if pteLevel != LevelTop && pte.Large() {
			err = ErrLargePageConflict
			return false
		}

		return pte.Valid()
	})

	return entry, entryTable, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Large directory entries are
// honored.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	as.walk(virtAddr, func(level Level, _ mm.Frame, _ uintptr, pte *PageTableEntry) bool {
		if !pte.Valid() {
			return false
		}

		switch {
		case level == LevelDirectory && pte.HasFlags(FlagHugePage):
			physAddr = pte.Frame().Address() + (virtAddr & (mm.LargePageSize - 1))
			err = nil
			return false
		case level == LevelTable:
			physAddr = pte.Frame().Address() + (virtAddr & (mm.PageSize - 1))
			err = nil
			return false
		case level == LevelParent && pte.HasFlags(FlagHugePage):
			// 1G mappings are never created by this package.
			return false
		}

		return true
	})

	return physAddr, err
}

// TranslateFrame returns the physical frame that backs the page containing
// virtAddr.
func (as *AddressSpace) TranslateFrame(virtAddr uintptr) (mm.Frame, *kernel.Error) {
	physAddr, err := as.Translate(virtAddr)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(physAddr), nil
}

// installTable points pte at a freshly allocated and zeroed table page.
func (as *AddressSpace) installTable(pte *PageTableEntry, allocFn FrameAllocatorFn) *kernel.Error {
	frame, err := allocFn()
	if err != nil {
		return err
	}

	as.mapper.ZeroFrame(frame)
	*pte = MakeEntry(frame, FlagPresent|FlagRW)
	return nil
}

// ensure makes every entry from the top level down to and including depth
// valid for virtAddr, allocating missing tables with allocFn. It returns the
// entry at depth.
func (as *AddressSpace) ensure(virtAddr uintptr, depth Level, allocFn FrameAllocatorFn) (*PageTableEntry, *kernel.Error) {
	var (
		entry *PageTableEntry
		err   *kernel.Error
	)

	as.walk(virtAddr, func(level Level, _ mm.Frame, _ uintptr, pte *PageTableEntry) bool {
		if level > depth {
			return false
		}

		if level != LevelTop && pte.Large() {
			err = ErrLargePageConflict
			return false
		}

		if !pte.Valid() {
			if err = as.installTable(pte, allocFn); err != nil {
				return false
			}
		}

		if level == depth {
			entry = pte
			return false
		}

		return true
	})

	return entry, err
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables at each paging level are allocated with allocFn
// and cleared. An existing mapping for the page is overwritten.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	parent, err := as.ensure(page.Address(), LevelDirectory, allocFn)
	if err != nil {
		return err
	}

	table := as.mapper.Table(parent.Frame())
	table[Index(LevelTable, page.Address())] = MakeEntry(frame, FlagPresent|flags)
	return nil
}

// MapLarge maps the large page that starts at virtAddr to the large frame
// that starts at frame. Both must be large-page aligned. The directory entry
// must be unused or already map a large page; replacing a page table
// returns ErrLargePageConflict.
func (as *AddressSpace) MapLarge(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	parent, err := as.ensure(virtAddr, LevelParent, allocFn)
	if err != nil {
		return err
	}

	pde := &as.mapper.Table(parent.Frame())[Index(LevelDirectory, virtAddr)]
	if pde.Valid() && !pde.HasFlags(FlagHugePage) {
		return ErrLargePageConflict
	}

	*pde = MakeEntry(frame, FlagPresent|FlagHugePage|flags)
	return nil
}

// Populate guarantees that, for every virtual address in [start, end], the
// entries from the top level down to and including depth are valid. Missing
// tables are allocated with allocFn and cleared. Entries that are already
// valid are left untouched so calling Populate repeatedly is harmless.
// Populating a range whose directory entries map large pages with
// depth == LevelDirectory returns ErrLargePageConflict.
func (as *AddressSpace) Populate(start, end uintptr, depth Level, allocFn FrameAllocatorFn) *kernel.Error {
	if end < start {
		return nil
	}

	span := LevelSpan(depth)
	first := mm.AlignDown(start, span)
	count := (mm.AlignDown(end, span)-first)/span + 1

	for i, virtAddr := uintptr(0), first; i < count; i, virtAddr = i+1, virtAddr+span {
		if _, err := as.ensure(virtAddr, depth, allocFn); err != nil {
			return err
		}
	}

	return nil
}

// VisitFn is invoked by Visit for each valid entry. Returning false skips
// the subtree below the entry.
type VisitFn func(level Level, virtAddr uintptr, tableFrame mm.Frame, index uintptr, pte *PageTableEntry) bool

// Visit performs a depth-first traversal over every valid entry of the
// hierarchy. The top-level slot whose entry points back at the root table is
// not descended into.
func (as *AddressSpace) Visit(visitFn VisitFn) {
	var indices [pageLevels]uintptr
	as.visitTable(LevelTop, as.root, &indices, visitFn)
}

func (as *AddressSpace) visitTable(level Level, tableFrame mm.Frame, indices *[pageLevels]uintptr, visitFn VisitFn) {
	table := as.mapper.Table(tableFrame)
	for index := uintptr(0); index < EntriesPerTable; index++ {
		pte := &table[index]
		if !pte.Valid() {
			continue
		}

		if level == LevelTop && pte.Frame() == as.root {
			continue
		}

		indices[level] = index
		for l := level + 1; l < pageLevels; l++ {
			indices[l] = 0
		}

		if !visitFn(level, VirtualAddress(*indices), tableFrame, index, pte) {
			continue
		}

		if level == LevelTable || (level != LevelTop && pte.HasFlags(FlagHugePage)) {
			continue
		}

		as.visitTable(level+1, pte.Frame(), indices, visitFn)
	}
}
