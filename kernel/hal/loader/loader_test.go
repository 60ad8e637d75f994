package loader

import (
	"testing"

	"mmboot/kernel/hal/multiboot"
	"mmboot/kernel/mm"
)

func testBlock() *Block {
	return &Block{
		Descriptors: []*MemoryDescriptor{
			{BasePage: 0, PageCount: 256, Type: FirmwarePermanent},
			{BasePage: 256, PageCount: 2048, Type: Free},
			{BasePage: 2304, PageCount: 512, Type: LoadedProgram},
			{BasePage: 2816, PageCount: 16, Type: Bad},
			{BasePage: 2832, PageCount: 16, Type: Free},
			{BasePage: 4096, PageCount: 64, Type: XipRom},
		},
		Options: "DEBUG NOLOWMEM",
	}
}

func TestMemoryTypeClasses(t *testing.T) {
	specs := []struct {
		memType        MemoryType
		expReclaimable bool
		expTracked     bool
		expName        string
	}{
		{Free, true, true, "free"},
		{LoadedProgram, true, true, "loaded program"},
		{FirmwareTemporary, true, true, "firmware temporary"},
		{OsLoaderStack, true, true, "loader stack"},
		{FirmwarePermanent, false, false, "firmware permanent"},
		{SpecialMemory, false, false, "special"},
		{BbtMemory, false, false, "bbt"},
		{Bad, false, true, "bad"},
		{XipRom, false, true, "xip rom"},
		{HalCachedMemory, false, true, "hal cached"},
		{SystemCode, false, true, "system code"},
		{BootDriver, false, true, "boot driver"},
		{RegistryData, false, true, "registry data"},
		{NlsData, false, true, "nls data"},
		{MemoryType(200), false, true, "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.memType.Reclaimable(); got != spec.expReclaimable {
			t.Errorf("[spec %d] expected Reclaimable() to return %t; got %t", specIndex, spec.expReclaimable, got)
		}
		if got := spec.memType.Tracked(); got != spec.expTracked {
			t.Errorf("[spec %d] expected Tracked() to return %t; got %t", specIndex, spec.expTracked, got)
		}
		if got := spec.memType.String(); got != spec.expName {
			t.Errorf("[spec %d] expected String() to return %q; got %q", specIndex, spec.expName, got)
		}
		if got, ok := ParseMemoryType(spec.expName); ok != (spec.expName != "unknown") || (ok && got != spec.memType) {
			t.Errorf("[spec %d] expected ParseMemoryType(%q) to return %d; got %d, %t", specIndex, spec.expName, spec.memType, got, ok)
		}
	}
}

func TestVisitDescriptors(t *testing.T) {
	b := testBlock()

	var forward, reverse []mm.Frame
	b.VisitDescriptors(func(d *MemoryDescriptor) bool {
		forward = append(forward, d.BasePage)
		return true
	})
	b.VisitDescriptorsReverse(func(d *MemoryDescriptor) bool {
		reverse = append(reverse, d.BasePage)
		return len(reverse) < 2
	})

	if len(forward) != len(b.Descriptors) || forward[0] != 0 || forward[5] != 4096 {
		t.Fatalf("unexpected forward visit order: %v", forward)
	}

	if len(reverse) != 2 || reverse[0] != 4096 || reverse[1] != 2832 {
		t.Fatalf("unexpected reverse visit order: %v", reverse)
	}
}

func TestLookup(t *testing.T) {
	b := testBlock()

	specs := []struct {
		frame   mm.Frame
		expBase mm.Frame
		expNil  bool
	}{
		{0, 0, false},
		{255, 0, false},
		{256, 256, false},
		{2815, 2304, false},
		{2840, 2832, false},
		{3000, 0, true},
		{4159, 4096, false},
		{4160, 0, true},
	}

	for specIndex, spec := range specs {
		d := b.Lookup(spec.frame)
		switch {
		case spec.expNil && d != nil:
			t.Errorf("[spec %d] expected no descriptor for frame %d; got base %d", specIndex, spec.frame, d.BasePage)
		case !spec.expNil && (d == nil || d.BasePage != spec.expBase):
			t.Errorf("[spec %d] expected descriptor with base %d for frame %d", specIndex, spec.expBase, spec.frame)
		}
	}
}

func TestHasOption(t *testing.T) {
	b := testBlock()
	if !b.HasOption("NOLOWMEM") {
		t.Fatal("expected NOLOWMEM option to be detected")
	}
	if b.HasOption("NOLARGEPAGES") {
		t.Fatal("expected NOLARGEPAGES option not to be detected")
	}
}

func TestValidate(t *testing.T) {
	if err := testBlock().Validate(); err != nil {
		t.Fatalf("expected valid block; got %v", err)
	}

	unsorted := testBlock()
	unsorted.Descriptors[1], unsorted.Descriptors[2] = unsorted.Descriptors[2], unsorted.Descriptors[1]
	if err := unsorted.Validate(); err != ErrUnsortedDescriptors {
		t.Fatalf("expected ErrUnsortedDescriptors; got %v", err)
	}

	overlapping := testBlock()
	overlapping.Descriptors[1].PageCount++
	if err := overlapping.Validate(); err != ErrOverlappingDescriptors {
		t.Fatalf("expected ErrOverlappingDescriptors; got %v", err)
	}
}

func TestPhysicalRuns(t *testing.T) {
	runs := testBlock().PhysicalRuns()

	exp := Runs{
		{BasePage: 256, PageCount: 2560},
		{BasePage: 2832, PageCount: 16},
		{BasePage: 4096, PageCount: 64},
	}

	if len(runs) != len(exp) {
		t.Fatalf("expected %d runs; got %d (%v)", len(exp), len(runs), runs)
	}

	for i := range exp {
		if runs[i] != exp[i] {
			t.Errorf("[run %d] expected %+v; got %+v", i, exp[i], runs[i])
		}
	}

	if exp := uint64(2640); runs.Pages() != exp {
		t.Errorf("expected runs to cover %d pages; got %d", exp, runs.Pages())
	}

	specs := []struct {
		start, end mm.Frame
		exp        bool
	}{
		{256, 2816, true},
		{300, 400, true},
		{0, 512, false},
		{2800, 2840, false},
		{4096, 4160, true},
		{4096, 4161, false},
	}

	for specIndex, spec := range specs {
		if got := runs.Contains(spec.start, spec.end); got != spec.exp {
			t.Errorf("[spec %d] expected Contains(%d, %d) to return %t; got %t", specIndex, spec.start, spec.end, spec.exp, got)
		}
	}
}

func TestFromMultiboot(t *testing.T) {
	defer func(origVisit func(multiboot.MemRegionVisitor), origCmdLine func() string) {
		visitMemRegionsFn = origVisit
		bootCmdLineFn = origCmdLine
	}(visitMemRegionsFn, bootCmdLineFn)

	regions := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Type: multiboot.MemAvailable},
		{PhysAddress: 0x7fe0000, Length: 0x20000, Type: multiboot.MemAcpiReclaimable},
		{PhysAddress: 0xfffc0000, Length: 0x40000, Type: multiboot.MemReserved},
	}

	visitMemRegionsFn = func(visitor multiboot.MemRegionVisitor) {
		for i := range regions {
			if !visitor(&regions[i]) {
				return
			}
		}
	}
	bootCmdLineFn = func() string { return "mm.colors=32 NOLARGEPAGES" }

	b := FromMultiboot(0x100000, 0x180800, 0xffff800000100000)

	exp := []MemoryDescriptor{
		{BasePage: 0x0, PageCount: 0x9f, Type: Free},
		{BasePage: 0x9f, PageCount: 0x1, Type: FirmwarePermanent},
		{BasePage: 0xf0, PageCount: 0x10, Type: FirmwarePermanent},
		{BasePage: 0x100, PageCount: 0x81, Type: LoadedProgram},
		{BasePage: 0x181, PageCount: 0x7e5f, Type: Free},
		{BasePage: 0x7fe0, PageCount: 0x20, Type: FirmwareTemporary},
		{BasePage: 0xfffc0, PageCount: 0x40, Type: FirmwarePermanent},
	}

	if len(b.Descriptors) != len(exp) {
		t.Fatalf("expected %d descriptors; got %d", len(exp), len(b.Descriptors))
	}

	for i := range exp {
		if got := *b.Descriptors[i]; got != exp[i] {
			t.Errorf("[descriptor %d] expected %+v; got %+v", i, exp[i], got)
		}
	}

	if err := b.Validate(); err != nil {
		t.Fatalf("expected converted block to be valid; got %v", err)
	}

	if len(b.LoadOrder) != 1 {
		t.Fatalf("expected 1 boot image; got %d", len(b.LoadOrder))
	}

	if img := b.LoadOrder[0]; img.VirtualBase != 0xffff800000100000 || img.Size != 0x81000 {
		t.Fatalf("unexpected kernel image record: %+v", img)
	}

	if !b.HasOption("NOLARGEPAGES") {
		t.Fatal("expected boot command line to be copied to the options")
	}
}

func TestNormalizeTrimsOverlaps(t *testing.T) {
	b := &Block{}
	b.add(0x10, 0x20, Free)
	b.add(0x00, 0x18, FirmwarePermanent)
	b.add(0x12, 0x14, Bad)
	b.normalize()

	exp := []MemoryDescriptor{
		{BasePage: 0x00, PageCount: 0x18, Type: FirmwarePermanent},
		{BasePage: 0x18, PageCount: 0x08, Type: Free},
	}

	if len(b.Descriptors) != len(exp) {
		t.Fatalf("expected %d descriptors; got %d", len(exp), len(b.Descriptors))
	}

	for i := range exp {
		if got := *b.Descriptors[i]; got != exp[i] {
			t.Errorf("[descriptor %d] expected %+v; got %+v", i, exp[i], got)
		}
	}
}
