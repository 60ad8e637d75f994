package mminit

import (
	"mmboot/kernel"
	"mmboot/kernel/kfmt"
	"mmboot/kernel/mm"
	"mmboot/kernel/mm/pfn"
	"mmboot/kernel/mm/vmm"
)

const (
	pagesPerMb   = uint64(mm.Mb) >> mm.PageShift
	pagesPer16Mb = 16 * pagesPerMb

	defaultPoolBytes    = uint64(256 * mm.Kb)
	poolBytesPerMb      = uint64(32 * mm.Kb)
	maxInitialPoolBytes = uint64(128 * mm.Mb)

	defaultMaxPoolBytes = uint64(1 * mm.Mb)
	maxPoolBytesPerMb   = uint64(400 * mm.Kb)
	maxPoolLimitBytes   = uint64(128 * mm.Gb)

	minPoolPercent      = 5
	maxPoolPercent      = 80
	minPoolPercentBytes = uint64(6 * mm.Mb)

	minColors     = 8
	maxColors     = 1024
	defaultColors = 64
)

// Layout describes the kernel virtual regions sized during phase 0.
type Layout struct {
	// HighestPossiblePage is the highest frame the PFN database describes,
	// including hot-pluggable memory.
	HighestPossiblePage mm.Frame

	SecondaryColors uint32
	ColorMask       uint64
	NodeShift       uint8

	PfnDatabaseStart uintptr
	PfnDatabasePages uint64

	// The initial non-paged pool immediately follows the PFN database;
	// both share a large page aligned region of CombinedPages pages.
	NonPagedPoolStart uintptr
	NonPagedPoolEnd   uintptr
	NonPagedPoolPages uint64
	CombinedPages     uint64

	MaximumNonPagedPoolBytes uint64

	SystemPteStart uintptr
	SystemPteEnd   uintptr
}

// percentCapPages returns the page cap that corresponds to percent of
// totalPages or 0 if percent is 0.
func percentCapPages(percent uint32, totalPages uint64) uint64 {
	if percent == 0 {
		return 0
	}

	if percent < minPoolPercent {
		percent = minPoolPercent
	} else if percent > maxPoolPercent {
		percent = maxPoolPercent
	}

	capPages := totalPages * uint64(percent) / 100
	if floor := mm.BytesToPages(minPoolPercentBytes); capPages < floor {
		capPages = floor
	}
	return capPages
}

// initialPoolPages sizes the initial non-paged pool. The result never
// exceeds half of freePages.
func initialPoolPages(cfg Config, totalPages, freePages uint64) uint64 {
	size := cfg.NonPagedPoolBytes
	if size == 0 {
		size = defaultPoolBytes
		if totalPages > pagesPer16Mb {
			size += (totalPages - pagesPer16Mb) / pagesPerMb * poolBytesPerMb
		}
	}

	if size > maxInitialPoolBytes {
		size = maxInitialPoolBytes
	}

	pages := mm.BytesToPages(size)
	if capPages := percentCapPages(cfg.NonPagedPoolPercent, totalPages); capPages != 0 && pages > capPages {
		pages = capPages
	}
	if pages > freePages/2 {
		pages = freePages / 2
	}

	return pages
}

// secondaryColors returns the number of color buckets, the mask selecting
// the color of a frame within a node and the shift that folds the node into
// the bucket index.
func secondaryColors(cfg Config, cacheSize uint64, assoc uint32, nodes uint8) (uint32, uint64, uint8) {
	perNode := uint64(cfg.SecondaryColors)
	if perNode == 0 && cacheSize != 0 && assoc != 0 {
		// pages per way, rounded to the nearest page
		perNode = (cacheSize/uint64(assoc) + uint64(mm.PageSize)/2) >> mm.PageShift
	}

	switch {
	case perNode == 0:
		perNode = defaultColors
	case perNode < minColors:
		perNode = minColors
	case perNode > maxColors:
		perNode = maxColors
	}

	var shift uint8
	for uint64(1)<<(shift+1) <= perNode {
		shift++
	}
	perNode = uint64(1) << shift

	if nodes == 0 {
		nodes = 1
	}

	return uint32(perNode) * uint32(nodes), perNode - 1, shift
}

// pfnDatabasePages returns the number of pages needed for the PFN entries
// of frames [0, highest] and the free and zeroed color tables.
func pfnDatabasePages(highest mm.Frame, colors uint32) uint64 {
	return mm.BytesToPages(uint64(pfn.Size(highest, colors)))
}

// maximumPoolBytes sizes the non-paged pool growth limit.
func maximumPoolBytes(cfg Config, totalPages, combinedPages uint64) uint64 {
	size := cfg.MaximumNonPagedPoolBytes
	if size == 0 {
		size = defaultMaxPoolBytes
		if totalPages > pagesPer16Mb {
			size += (totalPages - pagesPer16Mb) / pagesPerMb * maxPoolBytesPerMb
		}
	}

	if capPages := percentCapPages(cfg.NonPagedPoolPercent, totalPages); capPages != 0 && size > uint64(mm.PagesToBytes(capPages)) {
		size = uint64(mm.PagesToBytes(capPages))
	}

	size += uint64(mm.PagesToBytes(combinedPages))
	if size > maxPoolLimitBytes {
		size = maxPoolLimitBytes
	}

	return mm.AlignDown64(size, uint64(mm.PageSize))
}

// computeLayout sizes the PFN database, the initial and maximum non-paged
// pool and the system PTE region.
func (ctx *Context) computeLayout() {
	var (
		l         Layout
		freePages = ctx.pagesAvailable()
		total     = ctx.stats.TotalPages
	)

	l.HighestPossiblePage = ctx.stats.HighestPage
	if hotPlug := ctx.platform.HighestHotPlugFrame(); hotPlug > l.HighestPossiblePage {
		l.HighestPossiblePage = hotPlug
	}

	cacheSize, assoc := ctx.platform.SecondLevelCache()
	l.SecondaryColors, l.ColorMask, l.NodeShift = secondaryColors(ctx.cfg, cacheSize, assoc, ctx.platform.NodeCount())

	l.PfnDatabasePages = pfnDatabasePages(l.HighestPossiblePage, l.SecondaryColors)
	poolPages := initialPoolPages(ctx.cfg, total, freePages)

	// Round the combined region up to a large page and give the slack to
	// the pool. If that breaks the half of the free descriptor bound,
	// round down instead.
	combined := mm.AlignUp64(l.PfnDatabasePages+poolPages, mm.PagesPerLargePage)
	if combined-l.PfnDatabasePages > freePages/2 {
		combined = mm.AlignDown64(l.PfnDatabasePages+freePages/2, mm.PagesPerLargePage)
	}

	if combined <= l.PfnDatabasePages {
		ctx.stop(kernel.StopInstallMoreMemory, l.PfnDatabasePages, poolPages, freePages, stopPoolSizingImpossible)
		return
	}

	l.CombinedPages = combined
	l.NonPagedPoolPages = combined - l.PfnDatabasePages

	l.PfnDatabaseStart = vmm.PfnDatabaseBase
	l.NonPagedPoolStart = l.PfnDatabaseStart + uintptr(mm.PagesToBytes(l.PfnDatabasePages))
	l.NonPagedPoolEnd = l.PfnDatabaseStart + uintptr(mm.PagesToBytes(combined))
	l.MaximumNonPagedPoolBytes = maximumPoolBytes(ctx.cfg, total, combined)

	l.SystemPteStart = vmm.SystemPteBase
	l.SystemPteEnd = vmm.SystemPteBase + uintptr(mm.PagesToBytes(ctx.cfg.NumberOfSystemPtes))

	ctx.layout = l

	kfmt.Fprintf(&ctx.log, "colors: %d (mask 0x%x, node shift %d)\n", l.SecondaryColors, l.ColorMask, l.NodeShift)
	kfmt.Fprintf(&ctx.log, "pfn database: 0x%16x, %d pages\n", l.PfnDatabaseStart, l.PfnDatabasePages)
	kfmt.Fprintf(&ctx.log, "non-paged pool: 0x%16x - 0x%16x, %d pages, max %d bytes\n",
		l.NonPagedPoolStart, l.NonPagedPoolEnd, l.NonPagedPoolPages, l.MaximumNonPagedPoolBytes)
}
