package loader

import (
	"sort"

	"mmboot/kernel/hal/multiboot"
	"mmboot/kernel/mm"
)

var (
	// visitMemRegionsFn and bootCmdLineFn are used by tests to override
	// the multiboot accessors.
	visitMemRegionsFn = multiboot.VisitMemRegions
	bootCmdLineFn     = multiboot.BootCmdLine
)

// FromMultiboot builds a parameter block from the multiboot memory map. The
// physical range [kernelStart, kernelEnd) holds the kernel image which is
// mapped at kernelVirtBase.
func FromMultiboot(kernelStart, kernelEnd, kernelVirtBase uintptr) *Block {
	var (
		b         = &Block{Options: bootCmdLineFn()}
		imageBase = mm.FrameFromAddress(kernelStart)
		imageEnd  = mm.FrameFromAddress(mm.AlignUp(kernelEnd, mm.PageSize))
	)

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		memType := memoryTypeFor(region.Type)
		start, end := regionPages(region, memType)
		if start >= end {
			return true
		}

		if memType != Free {
			b.add(start, end, memType)
			return true
		}

		// split free regions around the kernel image
		if start < imageBase {
			b.add(start, minFrame(end, imageBase), Free)
		}
		if s, e := maxFrame(start, imageBase), minFrame(end, imageEnd); s < e {
			b.add(s, e, LoadedProgram)
		}
		if end > imageEnd {
			b.add(maxFrame(start, imageEnd), end, Free)
		}
		return true
	})

	b.normalize()

	b.LoadOrder = append(b.LoadOrder, BootImage{
		Name:        "kernel",
		VirtualBase: kernelVirtBase,
		Size:        imageEnd.Address() - imageBase.Address(),
	})

	return b
}

func memoryTypeFor(regionType multiboot.MemoryEntryType) MemoryType {
	switch regionType {
	case multiboot.MemAvailable:
		return Free
	case multiboot.MemAcpiReclaimable:
		return FirmwareTemporary
	case multiboot.MemBad:
		return Bad
	default:
		return FirmwarePermanent
	}
}

// regionPages converts a region to a page range. Usable regions are rounded
// inwards and everything else outwards so that a partially usable page is
// never handed out.
func regionPages(region *multiboot.MemoryMapEntry, memType MemoryType) (mm.Frame, mm.Frame) {
	start, end := uintptr(region.PhysAddress), uintptr(region.PhysAddress+region.Length)
	if memType.Reclaimable() {
		return mm.FrameFromAddress(mm.AlignUp(start, mm.PageSize)), mm.FrameFromAddress(end)
	}
	return mm.FrameFromAddress(start), mm.FrameFromAddress(mm.AlignUp(end, mm.PageSize))
}

func (b *Block) add(start, end mm.Frame, memType MemoryType) {
	b.Descriptors = append(b.Descriptors, &MemoryDescriptor{
		BasePage:  start,
		PageCount: uint64(end - start),
		Type:      memType,
	})
}

// normalize sorts the descriptors and trims overlapping heads so that the
// list satisfies Validate.
func (b *Block) normalize() {
	sort.SliceStable(b.Descriptors, func(i, j int) bool {
		return b.Descriptors[i].BasePage < b.Descriptors[j].BasePage
	})

	var (
		out     = b.Descriptors[:0]
		prevEnd mm.Frame
	)
	for _, d := range b.Descriptors {
		if d.BasePage < prevEnd {
			if d.EndPage() <= prevEnd {
				continue
			}
			d.PageCount = uint64(d.EndPage() - prevEnd)
			d.BasePage = prevEnd
		}
		out = append(out, d)
		prevEnd = d.EndPage()
	}
	b.Descriptors = out
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
