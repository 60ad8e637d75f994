package mminit

import (
	"mmboot/kernel/hal/loader"
	"mmboot/kernel/kfmt"
	"mmboot/kernel/mm"
	"mmboot/kernel/mm/pfn"
)

// populateFreeLists walks the descriptors from the highest address down and
// files every page that no mapping owns. Reclaimable pages go to the free
// lists, bad pages to the bad list and everything else is marked in use.
func (ctx *Context) populateFreeLists() {
	ctx.db.Lock.Acquire()
	defer ctx.db.Lock.Release()

	highest := ctx.layout.HighestPossiblePage

	ctx.block.VisitDescriptorsReverse(func(d *loader.MemoryDescriptor) bool {
		if d.PageCount == 0 || d.BasePage > highest {
			return true
		}

		end := d.EndPage()
		if end > highest+1 {
			end = highest + 1
		}

		switch {
		case d.Type == loader.Bad:
			for frame := end; frame > d.BasePage; {
				frame--
				if ctx.db.Entry(frame).ReferenceCount == 0 {
					ctx.db.InsertBad(frame)
				}
			}
		case !d.Type.Tracked():
		case d.Type.Reclaimable():
			ctx.freeRange(d.BasePage, end)
		default:
			for frame := d.BasePage; frame < end; frame++ {
				ctx.markInUse(frame, d.Type == loader.XipRom)
			}
		}
		return true
	})

	// slush pages the allocator did not consume back the pool
	for i := 0; i < ctx.slushCount; i++ {
		ctx.donateToPool(ctx.slush[i].desc.BasePage, ctx.slush[i].extent.End())
	}

	if ctx.remainder.Pages != 0 {
		ctx.freeRange(ctx.remainder.Start, ctx.remainder.End())
	}

	kfmt.Fprintf(&ctx.log, "free pages: %d, bad pages: %d, pool expansion pages: %d\n",
		ctx.db.FreePages(), ctx.db.BadList().Count, ctx.poolExpansion.Pages())
}

// freeRange files the unowned pages of [start, end) on the free lists,
// highest page first.
func (ctx *Context) freeRange(start, end mm.Frame) {
	for frame := end; frame > start; {
		frame--
		e := ctx.db.Entry(frame)
		if e.ReferenceCount != 0 {
			continue
		}
		e.Node = ctx.platform.NodeForFrame(frame)
		ctx.db.InsertFree(frame)
	}
}

// markInUse pins an unowned page that holds loader or firmware data.
func (ctx *Context) markInUse(frame mm.Frame, rom bool) {
	e := ctx.db.Entry(frame)
	if e.ReferenceCount != 0 {
		return
	}

	e.ReferenceCount = 1
	e.Location = pfn.ActiveAndValid
	e.Cache = pfn.Cached
	e.Node = ctx.platform.NodeForFrame(frame)
	if rom {
		e.Rom = true
		e.PrototypePte = true
		return
	}
	e.ShareCount = 1
}

// donateToPool hands the unowned pages of [start, end) to non-paged pool
// expansion.
func (ctx *Context) donateToPool(start, end mm.Frame) {
	for frame := start; frame < end; frame++ {
		e := ctx.db.Entry(frame)
		if e.ReferenceCount != 0 {
			continue
		}

		e.ReferenceCount = 1
		e.ShareCount = 1
		e.Location = pfn.ActiveAndValid
		e.Cache = pfn.Cached
		e.Node = ctx.platform.NodeForFrame(frame)
		ctx.poolExpansion.Add(frame, 1)
	}
}
