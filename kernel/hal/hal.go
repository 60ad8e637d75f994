// Package hal exposes the platform facts the memory manager consumes:
// processor cache geometry, NUMA node layout and the hot-plug memory extent.
package hal

import (
	"mmboot/kernel/cpu"
	"mmboot/kernel/mm"
)

var (
	// cpuidFn is used by tests to override calls to cpu.ID.
	cpuidFn = cpu.ID
)

const (
	leafExtendedMax = uint32(0x80000000)
	leafL2Cache     = uint32(0x80000006)

	// maxNodes is the highest number of NUMA nodes Firmware tracks.
	maxNodes = 64
)

// l2Associativity decodes the associativity field reported by the extended
// L2 cache leaf. A value of 0 marks the cache as disabled and 0xffff marks a
// fully associative cache.
var l2Associativity = [16]uint32{
	0x0: 0,
	0x1: 1,
	0x2: 2,
	0x3: 3,
	0x4: 4,
	0x5: 6,
	0x6: 8,
	0x8: 16,
	0xa: 32,
	0xb: 48,
	0xc: 64,
	0xd: 96,
	0xe: 128,
	0xf: 0xffff,
}

// NodeRange assigns the frames in [Start, End) to a NUMA node.
type NodeRange struct {
	Start, End mm.Frame
	Node       uint8
}

// Firmware reports platform properties discovered at boot.
type Firmware struct {
	nodeCount  uint8
	nodeRanges [maxNodes]NodeRange
	rangeCount int

	hotPlugLimit mm.Frame
}

// NewFirmware returns a Firmware for a single-node machine without
// hot-pluggable memory.
func NewFirmware() *Firmware {
	return &Firmware{nodeCount: 1}
}

// SecondLevelCache returns the size in bytes and the associativity of the
// second-level cache as reported by the processor. Both values are 0 when
// the processor does not report them.
func (fw *Firmware) SecondLevelCache() (uint64, uint32) {
	if maxLeaf, _, _, _ := cpuidFn(leafExtendedMax); maxLeaf < leafL2Cache {
		return 0, 0
	}

	_, _, ecx, _ := cpuidFn(leafL2Cache)
	sizeKb := uint64(ecx >> 16)
	assoc := l2Associativity[(ecx>>12)&0xf]
	if assoc == 0 {
		return 0, 0
	}

	return sizeKb * uint64(mm.Kb), assoc
}

// AddNode registers the frame range [start, end) as belonging to node.
// Ranges past the tracking limit are ignored.
func (fw *Firmware) AddNode(start, end mm.Frame, node uint8) {
	if fw.rangeCount == maxNodes {
		return
	}

	fw.nodeRanges[fw.rangeCount] = NodeRange{Start: start, End: end, Node: node}
	fw.rangeCount++

	if node >= fw.nodeCount {
		fw.nodeCount = node + 1
	}
}

// NodeCount returns the number of NUMA nodes.
func (fw *Firmware) NodeCount() uint8 {
	return fw.nodeCount
}

// NodeForFrame returns the NUMA node that owns frame. Frames outside every
// registered range belong to node 0.
func (fw *Firmware) NodeForFrame(frame mm.Frame) uint8 {
	for i := 0; i < fw.rangeCount; i++ {
		if r := fw.nodeRanges[i]; frame >= r.Start && frame < r.End {
			return r.Node
		}
	}

	return 0
}

// SetHotPlugLimit records the highest frame that hot-pluggable memory may
// occupy.
func (fw *Firmware) SetHotPlugLimit(frame mm.Frame) {
	fw.hotPlugLimit = frame
}

// HighestHotPlugFrame returns the highest frame that hot-added memory may
// occupy or 0 if the platform does not support memory hot-plug.
func (fw *Firmware) HighestHotPlugFrame() mm.Frame {
	return fw.hotPlugLimit
}
