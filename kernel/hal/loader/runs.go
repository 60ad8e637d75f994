package loader

import "mmboot/kernel/mm"

// Run is a range of physically contiguous usable pages.
type Run struct {
	BasePage  mm.Frame
	PageCount uint64
}

// EndPage returns the first page past the run.
func (r Run) EndPage() mm.Frame {
	return r.BasePage + mm.Frame(r.PageCount)
}

// Runs is the physical memory run table.
type Runs []Run

// PhysicalRuns merges adjacent descriptors that describe usable RAM into the
// physical memory run table. Bad memory and memory that is never tracked
// break runs.
func (b *Block) PhysicalRuns() Runs {
	var runs Runs

	b.VisitDescriptors(func(d *MemoryDescriptor) bool {
		if d.Type == Bad || !d.Type.Tracked() || d.PageCount == 0 {
			return true
		}

		if last := len(runs) - 1; last >= 0 && runs[last].EndPage() == d.BasePage {
			runs[last].PageCount += d.PageCount
			return true
		}

		runs = append(runs, Run{BasePage: d.BasePage, PageCount: d.PageCount})
		return true
	})

	return runs
}

// Contains returns true if the pages [start, end) all belong to a single
// run.
func (r Runs) Contains(start, end mm.Frame) bool {
	for _, run := range r {
		if start >= run.BasePage && end <= run.EndPage() {
			return true
		}
	}
	return false
}

// Pages returns the number of pages covered by the run table.
func (r Runs) Pages() uint64 {
	var pages uint64
	for _, run := range r {
		pages += run.PageCount
	}
	return pages
}
