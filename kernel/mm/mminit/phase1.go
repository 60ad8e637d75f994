package mminit

import (
	"mmboot/kernel"
	"mmboot/kernel/kfmt"
	"mmboot/kernel/mm"
	"mmboot/kernel/mm/vmm"
)

// maxReleasedTables bounds the page tables replaced in one conversion.
const maxReleasedTables = 512

// convertCandidates replaces the small page mappings of every verified
// candidate with large page mappings and releases the page tables that are
// no longer referenced.
func (ctx *Context) convertCandidates() {
	if !ctx.verifyCandidates() {
		return
	}

	var (
		released      [maxReleasedTables]mm.Frame
		releasedCount int
		converted     int
	)

	ctx.db.Lock.Acquire()
	defer ctx.db.Lock.Release()

	for i := 0; i < ctx.candidateCount; i++ {
		r := ctx.candidates[i]
		if !r.valid() {
			continue
		}

		for virtAddr := mm.AlignDown(r.start, mm.LargePageSize); virtAddr < r.end; virtAddr += mm.LargePageSize {
			if releasedCount == maxReleasedTables {
				break
			}

			pde, pdFrame, err := ctx.as.Entry(virtAddr, vmm.LevelDirectory)
			if err != nil {
				ctx.stop(kernel.StopMemoryManagement, stopConversionFault, uint64(virtAddr), 0, 0)
				return
			}

			if !pde.Valid() || pde.HasFlags(vmm.FlagHugePage) {
				continue
			}

			ptFrame := pde.Frame()
			if !ctx.promote(virtAddr, pde, pdFrame, ptFrame) {
				continue
			}

			released[releasedCount] = ptFrame
			releasedCount++
			converted++
		}
	}

	if converted != 0 {
		flushTLBFn()
	}

	for i := 0; i < releasedCount; i++ {
		ctx.releaseTable(released[i])
	}

	kfmt.Fprintf(&ctx.log, "converted %d directory entries to large pages\n", converted)
}

// promote rewrites pde, which points at the page table in ptFrame, as a
// large page mapping. The large page base is derived from the first valid
// entry of the table since the loader may not populate the table from
// index 0. Tables with an entry that maps anything but base+index with the
// same attributes are left alone.
func (ctx *Context) promote(virtAddr uintptr, pde *vmm.PageTableEntry, pdFrame, ptFrame mm.Frame) bool {
	table := ctx.as.Table(ptFrame)

	first := -1
	for index := range table {
		if table[index].Valid() {
			first = index
			break
		}
	}
	if first < 0 {
		return false
	}

	base := table[first].Frame() - mm.Frame(first)
	if !base.LargePageAligned() {
		return false
	}

	flags := pageAttributes(table[first])
	for index := first + 1; index < len(table); index++ {
		pte := table[index]
		if !pte.Valid() {
			continue
		}
		if pte.Frame() != base+mm.Frame(index) || pageAttributes(pte) != flags {
			kfmt.Fprintf(&ctx.log, "0x%16x: page table 0x%x maps foreign pages, not converted\n", virtAddr, uint64(ptFrame))
			return false
		}
	}

	*pde = vmm.MakeEntry(base, flags|vmm.FlagHugePage)

	slot := vmm.SlotAddress(pdFrame, vmm.Index(vmm.LevelDirectory, virtAddr))
	for i := uint64(0); i < mm.PagesPerLargePage; i++ {
		frame := base + mm.Frame(i)
		if frame > ctx.layout.HighestPossiblePage || !ctx.trackable(frame) {
			continue
		}

		if e := ctx.db.Entry(frame); e.PteFrame == ptFrame {
			e.PteFrame = pdFrame
			e.PteAddress = slot
		}
	}

	return true
}

// releaseTable frees a page table replaced by a large page. Tables that
// live in slush back the pool instead.
func (ctx *Context) releaseTable(frame mm.Frame) {
	if frame > ctx.layout.HighestPossiblePage || !ctx.trackable(frame) {
		return
	}

	e := ctx.db.Entry(frame)
	if ctx.inSlush(frame) {
		ctx.poolExpansion.Add(frame, 1)
		return
	}

	if parent := e.PteFrame; parent <= ctx.layout.HighestPossiblePage && ctx.trackable(parent) {
		if pe := ctx.db.Entry(parent); pe.ShareCount != 0 {
			pe.ShareCount--
		}
	}

	e.Deleted = true
	e.ShareCount = 0
	ctx.db.DecrementReferenceCount(frame)
}

// pageAttributes returns the flags of pte without the bits the CPU updates.
func pageAttributes(pte vmm.PageTableEntry) vmm.PageTableEntryFlag {
	return pte.Flags() &^ (vmm.FlagAccessed | vmm.FlagDirty)
}
