package mminit

import (
	"testing"

	"mmboot/kernel"
	"mmboot/kernel/hal/loader"
	"mmboot/kernel/mm"
	"mmboot/kernel/mm/pfn"
	"mmboot/kernel/mm/vmm"
)

// fakeMapper stores page tables in a map keyed by the frame that holds them.
type fakeMapper struct {
	tables map[mm.Frame]*vmm.Table
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{tables: make(map[mm.Frame]*vmm.Table)}
}

func (m *fakeMapper) Table(frame mm.Frame) *vmm.Table {
	table, ok := m.tables[frame]
	if !ok {
		table = new(vmm.Table)
		m.tables[frame] = table
	}
	return table
}

func (m *fakeMapper) ZeroFrame(frame mm.Frame) {
	*m.Table(frame) = vmm.Table{}
}

type fakePlatform struct {
	cacheSize uint64
	assoc     uint32
	nodes     uint8
	hotPlug   mm.Frame
}

func (p *fakePlatform) SecondLevelCache() (uint64, uint32) { return p.cacheSize, p.assoc }
func (p *fakePlatform) NodeCount() uint8                   { return p.nodes }
func (p *fakePlatform) NodeForFrame(mm.Frame) uint8        { return 0 }
func (p *fakePlatform) HighestHotPlugFrame() mm.Frame      { return p.hotPlug }

func newFakePlatform() *fakePlatform {
	// 512K, 8-way: 16 colors
	return &fakePlatform{cacheSize: 512 * 1024, assoc: 8, nodes: 1}
}

// stopInfo is raised as a panic by the mocked bugCheckFn.
type stopInfo struct {
	code   kernel.StopCode
	params [4]uint64
}

// expectStop runs fn and returns the stop it triggered. The test fails if fn
// returns without stopping the system.
func expectStop(t *testing.T, fn func()) stopInfo {
	t.Helper()

	defer func(origBugCheck func(kernel.StopCode, uint64, uint64, uint64, uint64)) {
		bugCheckFn = origBugCheck
	}(bugCheckFn)

	bugCheckFn = func(code kernel.StopCode, p1, p2, p3, p4 uint64) {
		panic(stopInfo{code: code, params: [4]uint64{p1, p2, p3, p4}})
	}

	var (
		got     stopInfo
		stopped bool
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				info, ok := r.(stopInfo)
				if !ok {
					panic(r)
				}
				got, stopped = info, true
			}
		}()
		fn()
	}()

	if !stopped {
		t.Fatal("expected the system to be stopped")
	}

	return got
}

// mockHardware replaces the hardware seams and returns a pointer to the TLB
// flush counter together with a function that restores the originals.
func mockHardware() (*int, func()) {
	origBugCheck, origFlush, origOverlay := bugCheckFn, flushTLBFn, overlayDatabaseFn

	var flushCount int
	bugCheckFn = func(code kernel.StopCode, p1, p2, p3, p4 uint64) {
		panic(stopInfo{code: code, params: [4]uint64{p1, p2, p3, p4}})
	}
	flushTLBFn = func() { flushCount++ }
	overlayDatabaseFn = func(db *pfn.Database, _ uintptr, highest mm.Frame, colors uint32) {
		db.Init(highest, colors)
	}

	return &flushCount, func() {
		bugCheckFn, flushTLBFn, overlayDatabaseFn = origBugCheck, origFlush, origOverlay
	}
}

const (
	loaderRoot   = mm.Frame(0x100)
	imageFrame   = mm.Frame(0x200)
	imagePages   = 0x80
	imageVirt    = vmm.Kseg0Base + 0x200000
	selfMapIndex = 493
	imageFlags   = vmm.FlagRW | vmm.FlagGlobal
)

// testMachine is a 64M machine whose loader mapped a 512K kernel image at
// physical address 2M using page tables stored in frames 0x100-0x103.
type testMachine struct {
	mapper    *fakeMapper
	platform  *fakePlatform
	block     *loader.Block
	as        *vmm.AddressSpace
	nextTable mm.Frame
}

func scenarioDescriptors() []*loader.MemoryDescriptor {
	return []*loader.MemoryDescriptor{
		{BasePage: 0x000, PageCount: 0x100, Type: loader.FirmwarePermanent},
		{BasePage: 0x100, PageCount: 0x080, Type: loader.LoadedProgram},
		{BasePage: 0x180, PageCount: 0x080, Type: loader.Free},
		{BasePage: 0x200, PageCount: 0x080, Type: loader.LoadedProgram},
		{BasePage: 0x280, PageCount: 0x3d80, Type: loader.Free},
		{BasePage: 0x4000, PageCount: 0x10, Type: loader.Bad},
		{BasePage: 0x4010, PageCount: 0x10, Type: loader.XipRom},
		{BasePage: 0x5000, PageCount: 0x100, Type: loader.FirmwarePermanent},
	}
}

func newTestMachine(t *testing.T, descriptors []*loader.MemoryDescriptor) *testMachine {
	m := &testMachine{
		mapper:   newFakeMapper(),
		platform: newFakePlatform(),
		block: &loader.Block{
			Descriptors: descriptors,
			LoadOrder: []loader.BootImage{
				{Name: "kernel", VirtualBase: imageVirt, Size: imagePages << mm.PageShift},
			},
		},
	}

	m.as = vmm.NewAddressSpace(loaderRoot, m.mapper)
	m.mapper.Table(loaderRoot)[selfMapIndex] = vmm.MakeEntry(loaderRoot, vmm.FlagPresent|vmm.FlagRW)
	m.nextTable = loaderRoot + 1

	for i := 0; i < imagePages; i++ {
		m.mapPage(t, imageVirt+uintptr(i)<<mm.PageShift, imageFrame+mm.Frame(i), imageFlags)
	}

	return m
}

// allocTable hands out loader page-table frames, starting right after the
// root table.
func (m *testMachine) allocTable() (mm.Frame, *kernel.Error) {
	frame := m.nextTable
	m.nextTable++
	return frame, nil
}

// mapPage adds a loader mapping for a single page.
func (m *testMachine) mapPage(t *testing.T, virtAddr uintptr, frame mm.Frame, flags vmm.PageTableEntryFlag) {
	t.Helper()
	if err := m.as.Map(mm.PageFromAddress(virtAddr), frame, flags, m.allocTable); err != nil {
		t.Fatal(err)
	}
}

// mapLargePage adds a loader mapping for a large page.
func (m *testMachine) mapLargePage(t *testing.T, virtAddr uintptr, frame mm.Frame) {
	t.Helper()
	if err := m.as.MapLarge(virtAddr, frame, imageFlags, m.allocTable); err != nil {
		t.Fatal(err)
	}
}

// mapPhysicalWindow maps every frame below end at vmm.PhysMapBase + its
// physical address. The first large page is mapped with small pages.
func (m *testMachine) mapPhysicalWindow(t *testing.T, end mm.Frame) {
	t.Helper()
	large := mm.Frame(mm.PagesPerLargePage)
	for frame := mm.Frame(0); frame < end && frame < large; frame++ {
		m.mapPage(t, vmm.PhysMapBase+frame.Address(), frame, vmm.FlagRW)
	}
	for frame := large; frame < end; frame += large {
		m.mapLargePage(t, vmm.PhysMapBase+frame.Address(), frame)
	}
}

func (m *testMachine) context(cfg Config) *Context {
	return NewContext(m.block, m.platform, m.as, cfg)
}

func largePageConfig() Config {
	cfg := DefaultConfig()
	cfg.LargePageMinimumPages = 0
	cfg.NumberOfSystemPtes = 1024
	return cfg
}

func copyDescriptors(descs []*loader.MemoryDescriptor) []loader.MemoryDescriptor {
	out := make([]loader.MemoryDescriptor, len(descs))
	for i, d := range descs {
		out[i] = *d
	}
	return out
}

// mappedFrames returns every frame owned by a valid entry of the address
// space, expanding large pages. Pages reached through the physical memory
// window are not owned by it.
func mappedFrames(as *vmm.AddressSpace) map[mm.Frame]bool {
	frames := map[mm.Frame]bool{as.Root(): true}
	as.Visit(func(level vmm.Level, virtAddr uintptr, _ mm.Frame, _ uintptr, pte *vmm.PageTableEntry) bool {
		leaf := level == vmm.LevelTable || (level == vmm.LevelDirectory && pte.HasFlags(vmm.FlagHugePage))
		if leaf && virtAddr >= vmm.PhysMapBase && virtAddr < vmm.PhysMapEnd {
			return false
		}
		if level == vmm.LevelDirectory && pte.HasFlags(vmm.FlagHugePage) {
			for i := uint64(0); i < mm.PagesPerLargePage; i++ {
				frames[pte.Frame()+mm.Frame(i)] = true
			}
			return false
		}
		frames[pte.Frame()] = true
		return true
	})
	return frames
}

// listedFrames counts how many page lists each frame appears on.
func listedFrames(db *pfn.Database) map[mm.Frame]int {
	listed := make(map[mm.Frame]int)
	count := func(head pfn.ListHead) {
		db.VisitList(head, func(frame mm.Frame) bool {
			listed[frame]++
			return true
		})
	}

	for color := uint32(0); color < db.Colors(); color++ {
		count(db.FreeList(color))
		count(db.ZeroedList(color))
	}
	count(db.StandbyList())
	count(db.BadList())
	return listed
}

// checkDatabase verifies that every mapped trackable page is active and
// that exactly the unreferenced trackable pages sit on one page list.
func checkDatabase(t *testing.T, ctx *Context) {
	t.Helper()

	db := ctx.Database()
	highest := ctx.Layout().HighestPossiblePage
	mapped := mappedFrames(ctx.AddressSpace())
	listed := listedFrames(db)

	for frame := range mapped {
		if frame > highest || !ctx.trackable(frame) {
			continue
		}
		if e := db.Entry(frame); e.ReferenceCount == 0 || e.Location != pfn.ActiveAndValid {
			t.Errorf("mapped frame 0x%x: expected active entry; got ref %d, location %s", frame, e.ReferenceCount, e.Location)
		}
	}

	for _, d := range ctx.block.Descriptors {
		if !d.Type.Tracked() {
			continue
		}
		for frame := d.BasePage; frame < d.EndPage() && frame <= highest; frame++ {
			e := db.Entry(frame)
			switch {
			case e.ReferenceCount == 0 && listed[frame] != 1:
				t.Errorf("unreferenced frame 0x%x: expected to be on exactly one list; found on %d", frame, listed[frame])
			case e.ReferenceCount != 0 && listed[frame] != 0:
				t.Errorf("referenced frame 0x%x: expected not to be on a list; found on %d", frame, listed[frame])
			case listed[frame] != 0 && mapped[frame]:
				t.Errorf("listed frame 0x%x is still mapped", frame)
			}
		}
	}
}
