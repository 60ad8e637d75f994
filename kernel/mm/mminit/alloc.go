package mminit

import (
	"mmboot/kernel"
	"mmboot/kernel/hal/loader"
	"mmboot/kernel/mm"
)

// getNextPage returns the first of pages physically contiguous frames. When
// allowSlush is set the slush descriptors are tried first. Running out of
// pages halts the system.
func (ctx *Context) getNextPage(pages uint64, allowSlush bool) mm.Frame {
	return ctx.allocPages(pages, allowSlush, stopAllocatorExhausted)
}

func (ctx *Context) allocPages(pages uint64, allowSlush bool, site uint64) mm.Frame {
	if allowSlush {
		for i := 0; i < ctx.slushCount; i++ {
			if d := &ctx.slush[i].desc; d.PageCount >= pages {
				base := d.BasePage
				d.BasePage += mm.Frame(pages)
				d.PageCount -= pages
				return base
			}
		}
	}

	free := ctx.stats.FreeDescriptor
	if free.PageCount < pages {
		ctx.stop(kernel.StopInstallMoreMemory, pages, free.PageCount, uint64(free.BasePage), site)
		return mm.InvalidFrame
	}

	return ctx.carve(free, true, pages)
}

// pagesAvailable returns the number of pages left in the free descriptor.
func (ctx *Context) pagesAvailable() uint64 {
	return ctx.stats.FreeDescriptor.PageCount
}

// allocTable is a vmm.FrameAllocatorFn for page-table pages.
func (ctx *Context) allocTable() (mm.Frame, *kernel.Error) {
	return ctx.getNextPage(1, true), nil
}

// carve removes pages from the low or the high end of d and returns the
// first removed frame. The original extent of d is recorded the first time
// it is carved.
func (ctx *Context) carve(d *loader.MemoryDescriptor, fromLow bool, pages uint64) mm.Frame {
	ctx.snapshot(d)

	d.PageCount -= pages
	if fromLow {
		base := d.BasePage
		d.BasePage += mm.Frame(pages)
		return base
	}

	return d.EndPage()
}

// uncarve returns pages previously removed by carve to d.
func (ctx *Context) uncarve(d *loader.MemoryDescriptor, fromLow bool, pages uint64) {
	if fromLow {
		d.BasePage -= mm.Frame(pages)
	}
	d.PageCount += pages
}

func (ctx *Context) snapshot(d *loader.MemoryDescriptor) {
	for i := 0; i < ctx.carvedCount; i++ {
		if ctx.carved[i].desc == d {
			return
		}
	}

	if ctx.carvedCount == maxCarveOuts {
		ctx.stop(kernel.StopMemoryManagement, stopConversionFault, uint64(d.BasePage), d.PageCount, uint64(ctx.carvedCount))
		return
	}

	ctx.carved[ctx.carvedCount] = carveOut{desc: d, orig: *d}
	ctx.carvedCount++
}

// originalExtent returns d as it was before any carve-out.
func (ctx *Context) originalExtent(d *loader.MemoryDescriptor) loader.MemoryDescriptor {
	for i := 0; i < ctx.carvedCount; i++ {
		if ctx.carved[i].desc == d {
			return ctx.carved[i].orig
		}
	}
	return *d
}

// inCarvedExtent returns true if frame lies inside the original extent of a
// carved descriptor.
func (ctx *Context) inCarvedExtent(frame mm.Frame) bool {
	for i := 0; i < ctx.carvedCount; i++ {
		if ctx.carved[i].orig.Contains(frame) {
			return true
		}
	}
	return false
}

// restoreDescriptors undoes every carve-out.
func (ctx *Context) restoreDescriptors() {
	for i := 0; i < ctx.carvedCount; i++ {
		*ctx.carved[i].desc = ctx.carved[i].orig
	}
	ctx.carvedCount = 0
}
