package mminit

import (
	"strconv"

	"mmboot/kernel/mm"
)

// Config holds the memory manager tunables. The values are consumed as-is;
// zero selects the computed default where noted.
type Config struct {
	// NonPagedPoolBytes overrides the initial non-paged pool size. Zero
	// sizes the pool from the amount of physical memory.
	NonPagedPoolBytes uint64

	// MaximumNonPagedPoolBytes overrides the growth limit of the
	// non-paged pool. Zero sizes it from the amount of physical memory.
	MaximumNonPagedPoolBytes uint64

	// NonPagedPoolPercent caps both pool sizes to a percentage of physical
	// memory. Zero disables the cap.
	NonPagedPoolPercent uint32

	// SecondaryColors overrides the per-node color count reported by the
	// processor cache geometry. Zero uses the processor value.
	SecondaryColors uint32

	// LargePageMinimumPages is the smallest machine, in pages, that maps
	// the PFN database and the boot images with large pages.
	LargePageMinimumPages uint64

	// ProtectFreedNonPagedPool keeps freed pool pages unmapped to catch
	// stale accesses. It requires small page mappings for the pool.
	ProtectFreedNonPagedPool bool

	// NumberOfSystemPtes is the size, in pages, of the system PTE region.
	NumberOfSystemPtes uint64
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		LargePageMinimumPages: uint64((255 * mm.Mb).Pages()),
		NumberOfSystemPtes:    8192,
	}
}

// Boot option keys understood by ApplyBootOptions.
const (
	OptNonPagedPool        = "mm.nppool"
	OptMaximumNonPagedPool = "mm.maxnppool"
	OptNonPagedPoolPercent = "mm.nppoolpct"
	OptSecondaryColors     = "mm.colors"
	OptLargePageMinimum    = "mm.largepagemin"
	OptProtectPool         = "mm.protectpool"
	OptSystemPtes          = "mm.systemptes"
)

// ApplyBootOptions overrides the tunables with the values found in the boot
// command line key/value map. Values that do not parse are ignored.
func (cfg *Config) ApplyBootOptions(kv map[string]string) {
	parseUint(kv, OptNonPagedPool, &cfg.NonPagedPoolBytes)
	parseUint(kv, OptMaximumNonPagedPool, &cfg.MaximumNonPagedPoolBytes)
	parseUint(kv, OptLargePageMinimum, &cfg.LargePageMinimumPages)
	parseUint(kv, OptSystemPtes, &cfg.NumberOfSystemPtes)

	var v uint64
	if parseUint(kv, OptNonPagedPoolPercent, &v) {
		cfg.NonPagedPoolPercent = uint32(v)
	}
	if parseUint(kv, OptSecondaryColors, &v) {
		cfg.SecondaryColors = uint32(v)
	}

	if val, ok := kv[OptProtectPool]; ok {
		cfg.ProtectFreedNonPagedPool = val != "0" && val != "false"
	}
}

func parseUint(kv map[string]string, key string, dst *uint64) bool {
	val, ok := kv[key]
	if !ok {
		return false
	}

	v, err := strconv.ParseUint(val, 0, 64)
	if err != nil {
		return false
	}

	*dst = v
	return true
}
