package mminit

import (
	"mmboot/kernel"
	"mmboot/kernel/kfmt"
	"mmboot/kernel/mm"
	"mmboot/kernel/mm/pfn"
	"mmboot/kernel/mm/vmm"
)

// Mapping flags used for the PFN database, the pool and the system PTE
// region.
const (
	systemPageFlags = vmm.FlagRW | vmm.FlagGlobal | vmm.FlagNoExecute
)

// populate is vmm.AddressSpace.Populate with table pages taken from the
// bootstrap allocator. Failures halt the system.
func (ctx *Context) populate(start, end uintptr, depth vmm.Level) {
	if err := ctx.as.Populate(start, end, depth, ctx.allocTable); err != nil {
		ctx.stop(kernel.StopMemoryManagement, stopPopulateFailed, uint64(start), uint64(end), uint64(depth))
	}
}

// mapDatabase maps the PFN database and the initial non-paged pool and
// populates the system PTE region.
func (ctx *Context) mapDatabase() {
	l := &ctx.layout
	if ctx.pfnLarge {
		ctx.mapDatabaseLarge()
	} else {
		ctx.mapDatabaseSparse()
	}

	if l.SystemPteEnd > l.SystemPteStart {
		ctx.populate(l.SystemPteStart, l.SystemPteEnd-1, vmm.LevelDirectory)
	}

	overlayDatabaseFn(&ctx.db, l.PfnDatabaseStart, l.HighestPossiblePage, l.SecondaryColors)
	ctx.db.SetColoring(l.ColorMask, l.NodeShift)
}

// mapDatabaseLarge maps the combined region with large pages from the
// carve-out chosen by planPfnMapping.
func (ctx *Context) mapDatabaseLarge() {
	l := &ctx.layout
	ctx.populate(l.PfnDatabaseStart, l.NonPagedPoolEnd-1, vmm.LevelParent)

	for i := uint64(0); i < l.CombinedPages/mm.PagesPerLargePage; i++ {
		virtAddr := l.PfnDatabaseStart + uintptr(i)*mm.LargePageSize
		frame := ctx.pfnFrame + mm.Frame(i*mm.PagesPerLargePage)
		if err := ctx.as.MapLarge(virtAddr, frame, systemPageFlags, ctx.allocTable); err != nil {
			ctx.stop(kernel.StopMemoryManagement, stopMapFailed, uint64(virtAddr), uint64(frame), 0)
			return
		}
	}

	mapper := ctx.as.Mapper()
	for i := uint64(0); i < l.PfnDatabasePages; i++ {
		mapper.ZeroFrame(ctx.pfnFrame + mm.Frame(i))
	}
}

// mapDatabaseSparse backs only the parts of the PFN database that describe
// trackable memory, the entry of frame 0 and the color tables. The pool is
// mapped from contiguous pages.
func (ctx *Context) mapDatabaseSparse() {
	l := &ctx.layout
	base := l.PfnDatabaseStart

	ctx.visitTrackedExtents(func(start, end mm.Frame) {
		if start > l.HighestPossiblePage {
			return
		}
		if end > l.HighestPossiblePage+1 {
			end = l.HighestPossiblePage + 1
		}
		ctx.backRange(base+pfn.EntryOffset(start), base+pfn.EntryOffset(end)-1)
	})

	ctx.backRange(base, base+pfn.EntrySize-1)

	colorStart := base + pfn.EntryOffset(l.HighestPossiblePage+1)
	colorEnd := colorStart + 2*uintptr(l.SecondaryColors)*pfn.ListHeadSize
	ctx.backRange(colorStart, colorEnd-1)

	poolFrame := ctx.allocPages(l.NonPagedPoolPages, false, stopPfnBackingExhausted)
	ctx.populate(l.NonPagedPoolStart, l.NonPagedPoolEnd-1, vmm.LevelDirectory)
	for i := uint64(0); i < l.NonPagedPoolPages; i++ {
		page := mm.PageFromAddress(l.NonPagedPoolStart) + mm.Page(i)
		if err := ctx.as.Map(page, poolFrame+mm.Frame(i), systemPageFlags, ctx.allocTable); err != nil {
			ctx.stop(kernel.StopMemoryManagement, stopMapFailed, uint64(page.Address()), uint64(poolFrame), i)
			return
		}
	}
}

// backRange maps zeroed pages under every unmapped page of [start, end].
func (ctx *Context) backRange(start, end uintptr) {
	ctx.populate(start, end, vmm.LevelDirectory)

	mapper := ctx.as.Mapper()
	for virtAddr := mm.AlignDown(start, mm.PageSize); virtAddr <= end; virtAddr += mm.PageSize {
		pte, _, err := ctx.as.Entry(virtAddr, vmm.LevelTable)
		if err != nil {
			ctx.stop(kernel.StopMemoryManagement, stopMapFailed, uint64(virtAddr), 0, 1)
			return
		}
		if pte.Valid() {
			continue
		}

		frame := ctx.allocPages(1, false, stopPfnBackingExhausted)
		mapper.ZeroFrame(frame)
		*pte = vmm.MakeEntry(frame, vmm.FlagPresent|systemPageFlags)
	}
}

// buildDatabase walks the page tables and initializes the PFN entry of
// every page they reference.
func (ctx *Context) buildDatabase() {
	root := ctx.as.Root()

	// the top-level table is owned by its recursive slot, if any
	var rootSlot uintptr
	rootTable := ctx.as.Table(root)
	for index := range rootTable {
		if rootTable[index].Valid() && rootTable[index].Frame() == root {
			rootSlot = vmm.SlotAddress(root, uintptr(index))
			break
		}
	}
	ctx.markFrame(root, root, rootSlot, 0, false)

	ctx.as.Visit(func(level vmm.Level, virtAddr uintptr, tableFrame mm.Frame, index uintptr, pte *vmm.PageTableEntry) bool {
		slot := vmm.SlotAddress(tableFrame, index)
		leaf := level == vmm.LevelTable || (level != vmm.LevelTop && pte.HasFlags(vmm.FlagHugePage))

		// the tables of the physical memory window are owned, the pages
		// it reaches are not
		if leaf && virtAddr >= vmm.PhysMapBase && virtAddr < vmm.PhysMapEnd {
			return false
		}

		if leaf && level != vmm.LevelTable {
			base := pte.Frame()
			pages := uint64(vmm.LevelSpan(level) >> mm.PageShift)
			for i := uint64(0); i < pages; i++ {
				ctx.markFrame(base+mm.Frame(i), tableFrame, slot, virtAddr+uintptr(i)<<mm.PageShift, i == 0)
			}
			return false
		}

		ctx.markFrame(pte.Frame(), tableFrame, slot, virtAddr, true)
		return true
	})

	// pin frame 0 unless a mapping already owns it
	if e := ctx.db.Entry(0); e.ReferenceCount == 0 {
		e.ReferenceCount = frameZeroReferences
		e.ShareCount = frameZeroReferences
		e.Location = pfn.ActiveAndValid
		e.Cache = pfn.Cached
	}
}

// markFrame records that frame is mapped by the entry at slot of the table
// stored in tableFrame. bumpParent adds the mapping to the share count of
// the table page.
func (ctx *Context) markFrame(frame, tableFrame mm.Frame, slot, virtAddr uintptr, bumpParent bool) {
	if frame > ctx.layout.HighestPossiblePage || !ctx.trackable(frame) {
		return
	}

	e := ctx.db.Entry(frame)

	// A page reached again through kseg0 keeps its first owner.
	if virtAddr >= vmm.Kseg0Base && virtAddr < vmm.Kseg0End && e.Location == pfn.ActiveAndValid && e.ReferenceCount != 0 {
		return
	}

	e.PteFrame = tableFrame
	e.PteAddress = slot
	e.ShareCount++
	e.ReferenceCount = 1
	e.Location = pfn.ActiveAndValid
	e.Cache = pfn.Cached
	e.Node = ctx.platform.NodeForFrame(frame)

	if bumpParent && tableFrame != frame && tableFrame <= ctx.layout.HighestPossiblePage && ctx.trackable(tableFrame) {
		ctx.db.Entry(tableFrame).ShareCount++
	}
}

func (ctx *Context) logDatabase() {
	kfmt.Fprintf(&ctx.log, "pfn database built: %d entries, %d colors\n",
		uint64(ctx.db.HighestFrame())+1, ctx.db.Colors())
}
