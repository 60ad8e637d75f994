package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages needed to hold a block of this size.
func (s Size) Pages() uint64 {
	return (uint64(s) + uint64(PageSize-1)) >> PageShift
}

// BytesToPages returns the number of pages spanned by size bytes, rounding
// up to the next page.
func BytesToPages(size uint64) uint64 {
	return Size(size).Pages()
}

// PagesToBytes returns the size in bytes of the supplied number of pages.
func PagesToBytes(pages uint64) Size {
	return Size(pages << PageShift)
}

// AlignUp64 rounds v up to a multiple of align, which must be a power of
// two.
func AlignUp64(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown64 rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown64(v, align uint64) uint64 {
	return v &^ (align - 1)
}
