package mminit

import (
	"mmboot/kernel"
	"mmboot/kernel/hal/loader"
	"mmboot/kernel/kfmt"
	"mmboot/kernel/mm"
)

// scanDescriptors computes the physical memory summary and selects the free
// descriptor. Descriptors that are never tracked do not contribute to the
// totals or the page extents.
func (ctx *Context) scanDescriptors() {
	var (
		stats     = Stats{LowestPage: mm.InvalidFrame}
		freePages uint64
		haveAny   bool
	)

	ctx.block.VisitDescriptors(func(d *loader.MemoryDescriptor) bool {
		if !d.Type.Tracked() || d.PageCount == 0 {
			return true
		}

		haveAny = true
		stats.TotalPages += d.PageCount
		if d.BasePage < stats.LowestPage {
			stats.LowestPage = d.BasePage
		}
		if last := d.EndPage() - 1; last > stats.HighestPage {
			stats.HighestPage = last
		}

		if !d.Type.Reclaimable() {
			return true
		}

		stats.TotalFreePages += d.PageCount

		// >= hands ties to the later, higher descriptor and leaves low
		// memory for devices that need it.
		if d.PageCount >= freePages {
			freePages = d.PageCount
			stats.FreeDescriptor = d
		}
		return true
	})

	if !haveAny {
		stats.LowestPage = 0
	}

	ctx.stats = stats

	if stats.TotalPages < minimumPages || stats.FreeDescriptor == nil {
		ctx.stop(kernel.StopInstallMoreMemory, stats.TotalPages, uint64(stats.LowestPage), uint64(stats.HighestPage), stopTooFewPages)
		return
	}

	kfmt.Fprintf(&ctx.log, "physical pages: %d, free: %d, range 0x%x-0x%x\n",
		stats.TotalPages, stats.TotalFreePages, uint64(stats.LowestPage), uint64(stats.HighestPage))
	kfmt.Fprintf(&ctx.log, "free descriptor: base 0x%x, %d pages\n",
		uint64(stats.FreeDescriptor.BasePage), stats.FreeDescriptor.PageCount)
}

// trackable returns true if frame gets a PFN database entry. Pages carved
// out of a descriptor during bootstrap are always trackable even though the
// descriptor no longer covers them.
func (ctx *Context) trackable(frame mm.Frame) bool {
	if ctx.inCarvedExtent(frame) {
		return true
	}

	d := ctx.block.Lookup(frame)
	return d != nil && d.Type.Tracked()
}

// visitTrackedExtents invokes visitor with the page range of every trackable
// descriptor. Carved descriptors report their original extent.
func (ctx *Context) visitTrackedExtents(visitor func(start, end mm.Frame)) {
	ctx.block.VisitDescriptors(func(d *loader.MemoryDescriptor) bool {
		extent := ctx.originalExtent(d)
		if extent.Type.Tracked() && extent.PageCount != 0 {
			visitor(extent.BasePage, extent.EndPage())
		}
		return true
	})
}
