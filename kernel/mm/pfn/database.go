package pfn

import (
	"reflect"
	"unsafe"

	"mmboot/kernel/mm"
	"mmboot/kernel/sync"
)

// Database is the PFN database. The list manipulation methods do not lock;
// callers must hold Lock while inserting pages or adjusting reference
// counts.
type Database struct {
	Lock sync.Spinlock

	entries      []Entry
	freeColors   []ListHead
	zeroedColors []ListHead
	bad          ListHead
	standby      ListHead

	colorMask uint64
	nodeShift uint8
}

// Init sets up a database whose storage is allocated on the Go heap.
func (db *Database) Init(highest mm.Frame, colors uint32) {
	db.entries = make([]Entry, uintptr(highest)+1)
	db.freeColors = make([]ListHead, colors)
	db.zeroedColors = make([]ListHead, colors)
	db.reset()
}

// Overlay sets up a database on top of Size(highest, colors) bytes of
// zeroed, mapped memory starting at base. The entry array comes first and is
// followed by the free and zeroed color tables.
func (db *Database) Overlay(base uintptr, highest mm.Frame, colors uint32) {
	entryCount := int(highest) + 1
	db.entries = *(*[]Entry)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  entryCount,
		Cap:  entryCount,
		Data: base,
	}))

	colorBase := base + EntryOffset(highest+1)
	db.freeColors = *(*[]ListHead)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(colors),
		Cap:  int(colors),
		Data: colorBase,
	}))
	db.zeroedColors = *(*[]ListHead)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(colors),
		Cap:  int(colors),
		Data: colorBase + uintptr(colors)*ListHeadSize,
	}))
	db.reset()
}

func (db *Database) reset() {
	for i := range db.freeColors {
		db.freeColors[i] = emptyList()
		db.zeroedColors[i] = emptyList()
	}
	db.bad = emptyList()
	db.standby = emptyList()
	db.colorMask = uint64(len(db.freeColors) - 1)
	db.nodeShift = 0
}

func emptyList() ListHead {
	return ListHead{Flink: mm.InvalidFrame, Blink: mm.InvalidFrame}
}

// SetColoring configures how frames map to color buckets: the color of a
// frame is (frame & mask) + node<<nodeShift.
func (db *Database) SetColoring(mask uint64, nodeShift uint8) {
	db.colorMask = mask
	db.nodeShift = nodeShift
}

// Colors returns the number of color buckets.
func (db *Database) Colors() uint32 {
	return uint32(len(db.freeColors))
}

// HighestFrame returns the highest frame described by the database.
func (db *Database) HighestFrame() mm.Frame {
	return mm.Frame(len(db.entries) - 1)
}

// Entry returns the entry for frame.
func (db *Database) Entry(frame mm.Frame) *Entry {
	return &db.entries[frame]
}

// Color returns the color bucket of frame.
func (db *Database) Color(frame mm.Frame) uint32 {
	e := &db.entries[frame]
	return uint32(uint64(frame)&db.colorMask) + uint32(e.Node)<<db.nodeShift
}

func (db *Database) insertTail(head *ListHead, frame mm.Frame, location Location) {
	e := &db.entries[frame]
	e.Location = location
	e.Flink = mm.InvalidFrame
	e.Blink = head.Blink

	if head.Blink == mm.InvalidFrame {
		head.Flink = frame
	} else {
		db.entries[head.Blink].Flink = frame
	}

	head.Blink = frame
	head.Count++
}

// InsertFree appends frame to the free list of its color.
func (db *Database) InsertFree(frame mm.Frame) {
	e := &db.entries[frame]
	e.ReferenceCount = 0
	e.ShareCount = 0
	db.insertTail(&db.freeColors[db.Color(frame)], frame, Free)
}

// InsertBad appends frame to the bad page list.
func (db *Database) InsertBad(frame mm.Frame) {
	db.insertTail(&db.bad, frame, Bad)
}

// InsertStandby appends frame to the standby list.
func (db *Database) InsertStandby(frame mm.Frame) {
	db.insertTail(&db.standby, frame, Standby)
}

// DecrementReferenceCount drops a reference to frame. When the last
// reference goes away the page moves to the free list if it has been
// deleted and to the standby list otherwise.
func (db *Database) DecrementReferenceCount(frame mm.Frame) {
	e := &db.entries[frame]
	if e.ReferenceCount == 0 {
		return
	}

	e.ReferenceCount--
	if e.ReferenceCount != 0 {
		return
	}

	if e.Deleted {
		e.Deleted = false
		db.InsertFree(frame)
		return
	}

	db.InsertStandby(frame)
}

// FreeList returns the free list head for color.
func (db *Database) FreeList(color uint32) ListHead {
	return db.freeColors[color]
}

// ZeroedList returns the zeroed list head for color.
func (db *Database) ZeroedList(color uint32) ListHead {
	return db.zeroedColors[color]
}

// BadList returns the bad page list head.
func (db *Database) BadList() ListHead {
	return db.bad
}

// StandbyList returns the standby list head.
func (db *Database) StandbyList() ListHead {
	return db.standby
}

// FreePages returns the number of pages on all free lists.
func (db *Database) FreePages() uint64 {
	var count uint64
	for i := range db.freeColors {
		count += db.freeColors[i].Count
	}
	return count
}

// VisitList calls visitFn for each frame of the list that starts at head,
// in list order, until visitFn returns false.
func (db *Database) VisitList(head ListHead, visitFn func(mm.Frame) bool) {
	for frame := head.Flink; frame != mm.InvalidFrame; frame = db.entries[frame].Flink {
		if !visitFn(frame) {
			return
		}
	}
}
