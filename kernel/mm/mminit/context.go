// Package mminit bootstraps the memory manager. Phase 0 turns the loader's
// physical memory descriptors into a PFN database, free page lists and the
// initial kernel address space layout; phase 1 later promotes the boot
// images and the PFN database to large page mappings.
package mminit

import (
	"mmboot/kernel"
	"mmboot/kernel/cpu"
	"mmboot/kernel/hal/loader"
	"mmboot/kernel/kfmt"
	"mmboot/kernel/mm"
	"mmboot/kernel/mm/pfn"
	"mmboot/kernel/mm/vmm"
)

var (
	// bugCheckFn is used by tests to override calls to kfmt.Stop which
	// halts the CPU.
	bugCheckFn = kfmt.Stop

	// flushTLBFn is used by tests to override calls to cpu.FlushTLB which
	// will cause a fault if called in user-mode.
	flushTLBFn = cpu.FlushTLB

	// overlayDatabaseFn is used by tests to back the PFN database with
	// heap memory instead of the mapped database region.
	overlayDatabaseFn = func(db *pfn.Database, base uintptr, highest mm.Frame, colors uint32) {
		db.Overlay(base, highest, colors)
	}
)

// Diagnostic values reported in the fourth parameter of an
// INSTALL_MORE_MEMORY stop.
const (
	stopTooFewPages          = 0
	stopAllocatorExhausted   = 0x100
	stopPfnBackingExhausted  = 0x101
	stopPoolSizingImpossible = 0x102
)

// Diagnostic values reported in the first parameter of a
// MEMORY_MANAGEMENT stop.
const (
	stopBadPhase        = 0x6100
	stopPopulateFailed  = 0x6101
	stopMapFailed       = 0x6102
	stopConversionFault = 0x6103
)

const (
	// minimumPages is the smallest amount of trackable memory the kernel
	// can boot with.
	minimumPages = 2048

	// maxCandidates is the capacity of the large page candidate batch: the
	// PFN database with the initial pool plus two boot images.
	maxCandidates = 3

	// maxSlush is the number of slush descriptors that can be created.
	maxSlush = 2

	// maxCarveOuts bounds the number of descriptors mutated during phase 0.
	maxCarveOuts = 8

	// frameZeroReferences pins frame 0 so a stray zero frame number shows
	// up as a reference count underflow.
	frameZeroReferences = 0xfff0
)

// Platform provides the hardware facts consumed during bootstrap.
type Platform interface {
	// SecondLevelCache returns the size in bytes and the associativity
	// of the second-level cache. Zero values mean unknown.
	SecondLevelCache() (uint64, uint32)

	// NodeCount returns the number of NUMA nodes.
	NodeCount() uint8

	// NodeForFrame returns the NUMA node that owns frame.
	NodeForFrame(frame mm.Frame) uint8

	// HighestHotPlugFrame returns the highest frame that hot-added memory
	// may occupy or 0.
	HighestHotPlugFrame() mm.Frame
}

// Stats summarizes the physical memory described by the loader.
type Stats struct {
	// TotalPages counts the pages of all trackable descriptors.
	TotalPages uint64

	// TotalFreePages counts the pages of reclaimable descriptors.
	TotalFreePages uint64

	LowestPage  mm.Frame
	HighestPage mm.Frame

	// FreeDescriptor is the largest reclaimable descriptor. It backs the
	// bootstrap allocator.
	FreeDescriptor *loader.MemoryDescriptor
}

// FrameRange is a run of physical pages.
type FrameRange struct {
	Start mm.Frame
	Pages uint64
}

// End returns the first frame past the range.
func (r FrameRange) End() mm.Frame {
	return r.Start + mm.Frame(r.Pages)
}

// Contains returns true if frame belongs to the range.
func (r FrameRange) Contains(frame mm.Frame) bool {
	return frame >= r.Start && frame < r.End()
}

// carveOut remembers the original extent of a descriptor mutated during
// bootstrap.
type carveOut struct {
	desc *loader.MemoryDescriptor
	orig loader.MemoryDescriptor
}

// slush is a piece of a reclaimable descriptor that shares a large page with
// a boot image.
type slush struct {
	desc    loader.MemoryDescriptor
	extent  FrameRange
	source  *loader.MemoryDescriptor
	fromLow bool
}

// vaRange is a large page candidate [start, end). The zero value marks an
// invalidated candidate.
type vaRange struct {
	start, end uintptr
}

func (r vaRange) valid() bool {
	return r.end > r.start
}

// Context carries the bootstrap state between the two phases.
type Context struct {
	block    *loader.Block
	platform Platform
	as       *vmm.AddressSpace
	cfg      Config
	log      kfmt.PrefixWriter

	stats  Stats
	layout Layout
	db     pfn.Database

	carved      [maxCarveOuts]carveOut
	carvedCount int

	slush      [maxSlush]slush
	slushCount int

	// remainder holds the pages below an interior PFN carve-out.
	remainder FrameRange

	largePagesDisabled bool
	pfnLarge           bool
	pfnFrame           mm.Frame

	candidates     [maxCandidates]vaRange
	candidateCount int

	cachedRanges [maxCandidates]FrameRange
	cachedCount  int

	// runs overrides the physical run table used by phase 1.
	runs loader.Runs

	poolExpansion PoolExpansion

	phase0Done bool
	phase1Done bool
}

// NewContext returns a bootstrap context for the memory described by block.
// as is the address space built by the loader.
func NewContext(block *loader.Block, platform Platform, as *vmm.AddressSpace, cfg Config) *Context {
	return &Context{
		block:    block,
		platform: platform,
		as:       as,
		cfg:      cfg,
		log:      kfmt.PrefixWriter{Prefix: []byte("[mminit] ")},
	}
}

// SetPhysicalRuns overrides the physical run table that phase 1 verifies the
// large page candidates against. By default the table is derived from the
// loader descriptors.
func (ctx *Context) SetPhysicalRuns(runs loader.Runs) {
	ctx.runs = runs
}

// Stats returns the physical memory summary computed in phase 0.
func (ctx *Context) Stats() Stats {
	return ctx.stats
}

// Layout returns the virtual layout computed in phase 0.
func (ctx *Context) Layout() Layout {
	return ctx.layout
}

// Database returns the PFN database.
func (ctx *Context) Database() *pfn.Database {
	return &ctx.db
}

// AddressSpace returns the kernel address space.
func (ctx *Context) AddressSpace() *vmm.AddressSpace {
	return ctx.as
}

// PoolExpansion returns the pages donated to non-paged pool expansion.
func (ctx *Context) PoolExpansion() *PoolExpansion {
	return &ctx.poolExpansion
}

// LargePagesDisabled returns true if large page mappings were ruled out for
// this boot.
func (ctx *Context) LargePagesDisabled() bool {
	return ctx.largePagesDisabled
}

// PfnDatabaseLarge returns true if the PFN database and the initial pool
// are mapped with large pages.
func (ctx *Context) PfnDatabaseLarge() bool {
	return ctx.pfnLarge
}

// IsLargePageCached returns true if frame lies in a physical range that
// phase 1 promoted to a cached large page mapping.
func (ctx *Context) IsLargePageCached(frame mm.Frame) bool {
	for i := 0; i < ctx.cachedCount; i++ {
		if ctx.cachedRanges[i].Contains(frame) {
			return true
		}
	}
	return false
}

// stop halts the system.
func (ctx *Context) stop(code kernel.StopCode, p1, p2, p3, p4 uint64) {
	kfmt.Fprintf(&ctx.log, "unrecoverable error during phase %d initialization\n", ctx.phase())
	bugCheckFn(code, p1, p2, p3, p4)
}

func (ctx *Context) phase() int {
	if ctx.phase0Done {
		return 1
	}
	return 0
}

// PoolExpansion collects physical pages donated to the non-paged pool for
// growth beyond its initial size.
type PoolExpansion struct {
	ranges []FrameRange
	pages  uint64
}

// Add donates pages starting at start. Ranges adjoining the most recent
// donation are merged.
func (p *PoolExpansion) Add(start mm.Frame, pages uint64) {
	if pages == 0 {
		return
	}

	p.pages += pages
	if last := len(p.ranges) - 1; last >= 0 {
		switch {
		case p.ranges[last].End() == start:
			p.ranges[last].Pages += pages
			return
		case start+mm.Frame(pages) == p.ranges[last].Start:
			p.ranges[last].Start = start
			p.ranges[last].Pages += pages
			return
		}
	}

	p.ranges = append(p.ranges, FrameRange{Start: start, Pages: pages})
}

// Pages returns the number of donated pages.
func (p *PoolExpansion) Pages() uint64 {
	return p.pages
}

// Ranges returns the donated ranges.
func (p *PoolExpansion) Ranges() []FrameRange {
	return p.ranges
}
