package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// LargePageShift is equal to log2(LargePageSize).
	LargePageShift = uintptr(21)

	// LargePageSize defines the size of a page mapped by a single page
	// directory entry.
	LargePageSize = uintptr(1 << LargePageShift)

	// PagesPerLargePage is the number of small pages covered by a large page.
	PagesPerLargePage = uint64(1 << (LargePageShift - PageShift))
)
