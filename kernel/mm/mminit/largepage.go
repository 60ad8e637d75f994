package mminit

import (
	"mmboot/kernel/hal/loader"
	"mmboot/kernel/kfmt"
	"mmboot/kernel/mm"
)

// Boot options that rule out large page mappings.
const (
	optNoLowMem     = "NOLOWMEM"
	optNoLargePages = "NOLARGEPAGES"
)

// maxLargePageImages is the number of load order entries (kernel and HAL)
// considered for large page mappings.
const maxLargePageImages = 2

func (ctx *Context) disableLargePages(reason string) {
	if !ctx.largePagesDisabled {
		kfmt.Fprintf(&ctx.log, "large pages disabled: %s\n", reason)
	}
	ctx.largePagesDisabled = true
	ctx.invalidateCandidates()
	ctx.undoSlush()
}

func (ctx *Context) addCandidate(start, end uintptr) {
	if ctx.candidateCount == maxCandidates {
		return
	}
	ctx.candidates[ctx.candidateCount] = vaRange{start: start, end: end}
	ctx.candidateCount++
}

// invalidateCandidates drops the whole batch; promoting only part of it
// could describe one physical page as both large and small page resident.
func (ctx *Context) invalidateCandidates() {
	for i := range ctx.candidates {
		ctx.candidates[i] = vaRange{}
	}
}

// analyzeImages registers the kernel and HAL images as large page
// candidates. Any image that cannot be promoted disables large pages for the
// boot.
func (ctx *Context) analyzeImages() {
	if ctx.block.HasOption(optNoLargePages) || ctx.block.HasOption(optNoLowMem) {
		ctx.disableLargePages("boot option")
		return
	}

	if ctx.stats.TotalPages < ctx.cfg.LargePageMinimumPages {
		ctx.disableLargePages("machine too small")
		return
	}

	for i, img := range ctx.block.LoadOrder {
		if i == maxLargePageImages {
			break
		}

		if !ctx.analyzeImage(img) {
			ctx.disableLargePages("boot image not large page capable")
			return
		}
	}
}

// analyzeImage checks that img is mapped to physically contiguous memory
// that is congruent with its virtual address modulo the large page size and
// that the large pages around it only hold trackable memory. Free pages that
// share those large pages are set aside as slush.
func (ctx *Context) analyzeImage(img loader.BootImage) bool {
	start := mm.AlignDown(img.VirtualBase, mm.PageSize)
	end := mm.AlignUp(img.VirtualBase+img.Size, mm.PageSize)
	if end <= start {
		return true
	}

	physStart, err := ctx.as.Translate(start)
	if err != nil {
		return false
	}

	for virtAddr := start + mm.PageSize; virtAddr < end; virtAddr += mm.PageSize {
		physAddr, err := ctx.as.Translate(virtAddr)
		if err != nil || physAddr != physStart+(virtAddr-start) {
			return false
		}
	}

	if (start^physStart)&(mm.LargePageSize-1) != 0 {
		return false
	}

	image := FrameRange{
		Start: mm.FrameFromAddress(physStart),
		Pages: uint64((end - start) >> mm.PageShift),
	}
	extent := FrameRange{Start: mm.AlignFrameDown(image.Start)}
	extent.Pages = uint64(mm.AlignFrameUp(image.End()) - extent.Start)

	capable := true
	ctx.block.VisitDescriptors(func(d *loader.MemoryDescriptor) bool {
		if d.EndPage() <= extent.Start || d.BasePage >= extent.End() || d.PageCount == 0 {
			return true
		}

		if !d.Type.Tracked() || d.Type == loader.Bad {
			capable = false
			return false
		}

		// the parts of d inside the extent but outside the image
		var lo FrameRange
		if d.BasePage < image.Start {
			lo.Start = maxFrame(d.BasePage, extent.Start)
			lo.Pages = uint64(minFrame(d.EndPage(), image.Start) - lo.Start)
		}

		hi := FrameRange{Start: maxFrame(d.BasePage, image.End())}
		if e := minFrame(d.EndPage(), extent.End()); e > hi.Start {
			hi.Pages = uint64(e - hi.Start)
		}

		for _, part := range [2]FrameRange{lo, hi} {
			if part.Pages == 0 {
				continue
			}
			if d.Type != loader.Free || !ctx.addSlush(d, part) {
				capable = false
				return false
			}
		}
		return true
	})

	if !capable {
		return false
	}

	ctx.addCandidate(start, end)
	kfmt.Fprintf(&ctx.log, "%s: large page candidate 0x%16x - 0x%16x\n", img.Name, start, end)
	return true
}

// addSlush carves part out of d and turns it into a slush descriptor. Only
// parts at either end of d can be carved.
func (ctx *Context) addSlush(d *loader.MemoryDescriptor, part FrameRange) bool {
	if ctx.slushCount == maxSlush {
		return false
	}

	var fromLow bool
	switch {
	case part.Start == d.BasePage:
		fromLow = true
	case part.End() == d.EndPage():
	default:
		return false
	}

	ctx.carve(d, fromLow, part.Pages)
	ctx.slush[ctx.slushCount] = slush{
		desc:    loader.MemoryDescriptor{BasePage: part.Start, PageCount: part.Pages, Type: loader.Free},
		extent:  part,
		source:  d,
		fromLow: fromLow,
	}
	ctx.slushCount++
	return true
}

// undoSlush returns the slush pages to the descriptors they came from.
func (ctx *Context) undoSlush() {
	for i := ctx.slushCount - 1; i >= 0; i-- {
		s := &ctx.slush[i]
		ctx.uncarve(s.source, s.fromLow, s.extent.Pages)
	}
	ctx.slushCount = 0
}

// inSlush returns true if frame belongs to a slush extent.
func (ctx *Context) inSlush(frame mm.Frame) bool {
	for i := 0; i < ctx.slushCount; i++ {
		if ctx.slush[i].extent.Contains(frame) {
			return true
		}
	}
	return false
}

// planPfnMapping decides whether the PFN database and the initial pool are
// mapped with large pages and, if so, carves their physical backing out of
// the free descriptor.
func (ctx *Context) planPfnMapping() {
	pages := ctx.layout.CombinedPages

	switch {
	case ctx.cfg.ProtectFreedNonPagedPool:
		kfmt.Fprintf(&ctx.log, "pfn database: small pages (pool protection)\n")
		return
	case ctx.largePagesDisabled:
		kfmt.Fprintf(&ctx.log, "pfn database: small pages (large pages disabled)\n")
		return
	case ctx.pagesAvailable() < 2*pages:
		kfmt.Fprintf(&ctx.log, "pfn database: small pages (free descriptor too small)\n")
		return
	}

	free := ctx.stats.FreeDescriptor
	switch {
	case free.BasePage.LargePageAligned():
		ctx.pfnFrame = ctx.carve(free, true, pages)
	case free.EndPage().LargePageAligned():
		ctx.pfnFrame = ctx.carve(free, false, pages)
	default:
		// The pages below the aligned start are freed after the free
		// list pass.
		aligned := mm.AlignFrameUp(free.BasePage)
		ctx.remainder = FrameRange{Start: free.BasePage, Pages: uint64(aligned - free.BasePage)}
		ctx.carve(free, true, ctx.remainder.Pages+pages)
		ctx.pfnFrame = aligned
	}

	ctx.pfnLarge = true
	ctx.addCandidate(ctx.layout.PfnDatabaseStart, ctx.layout.NonPagedPoolEnd)
	kfmt.Fprintf(&ctx.log, "pfn database: large pages at frame 0x%x\n", uint64(ctx.pfnFrame))
}

// verifyCandidates checks that every candidate is mapped and that its
// physical extent, rounded out to large pages, lies in a single physical
// run. Any failure abandons the whole batch.
func (ctx *Context) verifyCandidates() bool {
	runs := ctx.runs
	if runs == nil {
		runs = ctx.block.PhysicalRuns()
	}

	ctx.cachedCount = 0
	for i := 0; i < ctx.candidateCount; i++ {
		r := ctx.candidates[i]
		if !r.valid() {
			continue
		}

		startPhys, err := ctx.as.Translate(r.start)
		if err != nil {
			ctx.abandonCandidates("candidate start not mapped")
			return false
		}

		endPhys, err := ctx.as.Translate(r.end - 1)
		if err != nil {
			ctx.abandonCandidates("candidate end not mapped")
			return false
		}

		extent := FrameRange{Start: mm.AlignFrameDown(mm.FrameFromAddress(startPhys))}
		extent.Pages = uint64(mm.AlignFrameUp(mm.FrameFromAddress(endPhys)+1) - extent.Start)
		if !runs.Contains(extent.Start, extent.End()) {
			ctx.abandonCandidates("candidate not physically contiguous")
			return false
		}

		ctx.cachedRanges[ctx.cachedCount] = extent
		ctx.cachedCount++
	}

	return true
}

// abandonCandidates rolls back the cached range index and drops the batch.
func (ctx *Context) abandonCandidates(reason string) {
	kfmt.Fprintf(&ctx.log, "large page conversion abandoned: %s\n", reason)
	ctx.cachedCount = 0
	ctx.invalidateCandidates()
}

func minFrame(a, b mm.Frame) mm.Frame {
	if a < b {
		return a
	}
	return b
}

func maxFrame(a, b mm.Frame) mm.Frame {
	if a > b {
		return a
	}
	return b
}
