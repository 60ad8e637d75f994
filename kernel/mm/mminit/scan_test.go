package mminit

import (
	"testing"

	"mmboot/kernel"
	"mmboot/kernel/hal/loader"
	"mmboot/kernel/mm"
)

func smallMachineDescriptors() []*loader.MemoryDescriptor {
	return []*loader.MemoryDescriptor{
		{BasePage: 0, PageCount: 256, Type: loader.FirmwarePermanent},
		{BasePage: 256, PageCount: 2048, Type: loader.Free},
		{BasePage: 2304, PageCount: 512, Type: loader.LoadedProgram},
	}
}

func TestScanDescriptors(t *testing.T) {
	block := &loader.Block{Descriptors: smallMachineDescriptors()}
	ctx := NewContext(block, newFakePlatform(), nil, DefaultConfig())
	ctx.scanDescriptors()

	stats := ctx.Stats()

	if stats.FreeDescriptor != block.Descriptors[1] {
		t.Errorf("expected free descriptor to be %v; got %v", block.Descriptors[1], stats.FreeDescriptor)
	}

	if exp := uint64(2560); stats.TotalFreePages != exp {
		t.Errorf("expected total free pages to be %d; got %d", exp, stats.TotalFreePages)
	}

	if exp := mm.Frame(2815); stats.HighestPage != exp {
		t.Errorf("expected highest page to be %d; got %d", exp, stats.HighestPage)
	}

	// firmware permanent memory is never tracked
	if exp := mm.Frame(256); stats.LowestPage != exp {
		t.Errorf("expected lowest page to be %d; got %d", exp, stats.LowestPage)
	}

	if exp := uint64(2560); stats.TotalPages != exp {
		t.Errorf("expected total pages to be %d; got %d", exp, stats.TotalPages)
	}
}

func TestScanDescriptorsTieBreak(t *testing.T) {
	block := &loader.Block{Descriptors: []*loader.MemoryDescriptor{
		{BasePage: 0x100, PageCount: 0x800, Type: loader.Free},
		{BasePage: 0x900, PageCount: 0x100, Type: loader.FirmwarePermanent},
		{BasePage: 0xa00, PageCount: 0x800, Type: loader.FirmwareTemporary},
		{BasePage: 0x1200, PageCount: 0x900, Type: loader.XipRom},
	}}
	ctx := NewContext(block, newFakePlatform(), nil, DefaultConfig())
	ctx.scanDescriptors()

	if exp, got := block.Descriptors[2], ctx.Stats().FreeDescriptor; got != exp {
		t.Errorf("expected the higher of two equally sized descriptors %v to be selected; got %v", exp, got)
	}
}

func TestScanDescriptorsTooSmall(t *testing.T) {
	specs := []struct {
		descs []*loader.MemoryDescriptor
		expP1 uint64
		expP3 uint64
	}{
		{
			[]*loader.MemoryDescriptor{
				{BasePage: 0x100, PageCount: 1000, Type: loader.Free},
				{BasePage: 0x1000, PageCount: 0x1000, Type: loader.FirmwarePermanent},
			},
			1000,
			0x100 + 999,
		},
		{
			// enough memory but nothing to allocate from
			[]*loader.MemoryDescriptor{
				{BasePage: 0x100, PageCount: 0x1000, Type: loader.XipRom},
			},
			0x1000,
			0x10ff,
		},
		{
			nil,
			0,
			0,
		},
	}

	for specIndex, spec := range specs {
		ctx := NewContext(&loader.Block{Descriptors: spec.descs}, newFakePlatform(), nil, DefaultConfig())
		stop := expectStop(t, ctx.scanDescriptors)

		if stop.code != kernel.StopInstallMoreMemory {
			t.Errorf("[spec %d] expected stop code %s; got %s", specIndex, kernel.StopInstallMoreMemory, stop.code)
		}

		if stop.params[0] != spec.expP1 || stop.params[2] != spec.expP3 || stop.params[3] != stopTooFewPages {
			t.Errorf("[spec %d] expected stop parameters (%d, _, 0x%x, 0); got %v", specIndex, spec.expP1, spec.expP3, stop.params)
		}
	}
}

func TestGetNextPage(t *testing.T) {
	block := &loader.Block{Descriptors: smallMachineDescriptors()}
	ctx := NewContext(block, newFakePlatform(), nil, DefaultConfig())
	ctx.scanDescriptors()

	if exp, got := mm.Frame(256), ctx.getNextPage(10, false); got != exp {
		t.Fatalf("expected allocation to start at frame %d; got %d", exp, got)
	}

	if d := block.Descriptors[1]; d.BasePage != 266 || d.PageCount != 2038 {
		t.Fatalf("expected free descriptor to be {266, 2038}; got {%d, %d}", d.BasePage, d.PageCount)
	}

	stop := expectStop(t, func() { ctx.getNextPage(3000, false) })
	if stop.code != kernel.StopInstallMoreMemory {
		t.Errorf("expected stop code %s; got %s", kernel.StopInstallMoreMemory, stop.code)
	}

	if exp := [4]uint64{3000, 2038, 266, stopAllocatorExhausted}; stop.params != exp {
		t.Errorf("expected stop parameters %v; got %v", exp, stop.params)
	}

	// the failed request must not consume anything
	if d := block.Descriptors[1]; d.BasePage != 266 || d.PageCount != 2038 {
		t.Errorf("expected free descriptor to remain {266, 2038}; got {%d, %d}", d.BasePage, d.PageCount)
	}
}

func TestGetNextPageSequence(t *testing.T) {
	block := &loader.Block{Descriptors: smallMachineDescriptors()}
	ctx := NewContext(block, newFakePlatform(), nil, DefaultConfig())
	ctx.scanDescriptors()

	var (
		requests = []uint64{1, 7, 64, 3, 512, 1}
		next     = mm.Frame(256)
		total    uint64
	)

	for reqIndex, pages := range requests {
		if got := ctx.getNextPage(pages, false); got != next {
			t.Errorf("[req %d] expected frame %d; got %d", reqIndex, next, got)
		}
		next += mm.Frame(pages)
		total += pages
	}

	if d := block.Descriptors[1]; d.BasePage != 256+mm.Frame(total) || d.PageCount != 2048-total {
		t.Errorf("expected free descriptor to be {%d, %d}; got {%d, %d}", 256+total, 2048-total, d.BasePage, d.PageCount)
	}
}

func TestGetNextPageSlush(t *testing.T) {
	block := &loader.Block{Descriptors: []*loader.MemoryDescriptor{
		{BasePage: 0x100, PageCount: 0x100, Type: loader.Free},
		{BasePage: 0x280, PageCount: 0x1000, Type: loader.Free},
	}}
	ctx := NewContext(block, newFakePlatform(), nil, DefaultConfig())
	ctx.scanDescriptors()

	if !ctx.addSlush(block.Descriptors[0], FrameRange{Start: 0x1f0, Pages: 0x10}) {
		t.Fatal("expected slush to be created from the end of a free descriptor")
	}

	if !ctx.addSlush(block.Descriptors[1], FrameRange{Start: 0x280, Pages: 0x180}) {
		t.Fatal("expected slush to be created from the start of a free descriptor")
	}

	// only two slush descriptors exist
	if ctx.addSlush(block.Descriptors[0], FrameRange{Start: 0x100, Pages: 1}) {
		t.Fatal("expected a third slush descriptor to be rejected")
	}

	specs := []struct {
		pages      uint64
		allowSlush bool
		exp        mm.Frame
	}{
		{1, true, 0x1f0},
		{0x10, true, 0x280},
		{4, false, 0x400},
		{0xf, true, 0x1f1},
		{1, true, 0x290},
	}

	for specIndex, spec := range specs {
		if got := ctx.getNextPage(spec.pages, spec.allowSlush); got != spec.exp {
			t.Errorf("[spec %d] expected frame 0x%x; got 0x%x", specIndex, spec.exp, got)
		}
	}

	ctx.undoSlush()
	ctx.restoreDescriptors()

	if d := block.Descriptors[0]; d.BasePage != 0x100 || d.PageCount != 0x100 {
		t.Errorf("expected first descriptor to be restored; got {0x%x, 0x%x}", d.BasePage, d.PageCount)
	}
	if d := block.Descriptors[1]; d.BasePage != 0x280 || d.PageCount != 0x1000 {
		t.Errorf("expected second descriptor to be restored; got {0x%x, 0x%x}", d.BasePage, d.PageCount)
	}
}

func TestAddSlushInterior(t *testing.T) {
	block := &loader.Block{Descriptors: []*loader.MemoryDescriptor{
		{BasePage: 0x100, PageCount: 0x1000, Type: loader.Free},
	}}
	ctx := NewContext(block, newFakePlatform(), nil, DefaultConfig())
	ctx.scanDescriptors()

	if ctx.addSlush(block.Descriptors[0], FrameRange{Start: 0x200, Pages: 0x10}) {
		t.Fatal("expected slush from the middle of a descriptor to be rejected")
	}

	if d := block.Descriptors[0]; d.BasePage != 0x100 || d.PageCount != 0x1000 {
		t.Errorf("expected descriptor to be untouched; got {0x%x, 0x%x}", d.BasePage, d.PageCount)
	}
}

func TestCarveAndRestore(t *testing.T) {
	descs := scenarioDescriptors()
	orig := copyDescriptors(descs)

	ctx := NewContext(&loader.Block{Descriptors: descs}, newFakePlatform(), nil, DefaultConfig())
	ctx.scanDescriptors()

	if exp, got := mm.Frame(0x3f80), ctx.carve(descs[4], false, 0x80); got != exp {
		t.Errorf("expected high carve to start at 0x%x; got 0x%x", exp, got)
	}
	if exp, got := mm.Frame(0x280), ctx.carve(descs[4], true, 0x10); got != exp {
		t.Errorf("expected low carve to start at 0x%x; got 0x%x", exp, got)
	}
	ctx.carve(descs[2], true, 0x80)

	if !ctx.trackable(0x3fff) || !ctx.trackable(0x180) {
		t.Error("expected carved pages to remain trackable")
	}

	if ctx.trackable(0x80) || ctx.trackable(0x5000) || ctx.trackable(0x4800) {
		t.Error("expected firmware memory and holes to be untrackable")
	}

	if exp, got := orig[4], ctx.originalExtent(descs[4]); got != exp {
		t.Errorf("expected original extent %v; got %v", exp, got)
	}

	ctx.restoreDescriptors()
	for i, d := range descs {
		if *d != orig[i] {
			t.Errorf("[desc %d] expected %v; got %v", i, orig[i], *d)
		}
	}
}
