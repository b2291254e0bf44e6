// Package swapfs stores swapped out pages on a block device. Each page slot
// occupies PageSectors consecutive sectors; slot 0 is never used so that a
// swap entry can not be confused with an empty page table entry.
package swapfs

import (
	"ia32os/device/ide"
	"ia32os/kernel"
	"ia32os/kernel/mm"
)

const (
	// PageSectors is the number of device sectors backing one page.
	PageSectors = mm.PageSize / ide.SectorSize

	// entryShift is the position of the slot offset inside an entry.
	// The low byte stays clear so that the present bit is never set.
	entryShift = 8
)

var (
	errInvalidEntry = &kernel.Error{Module: "swapfs", Message: "invalid swap entry"}
	errPageBuffer   = &kernel.Error{Module: "swapfs", Message: "page buffer must be exactly one page long"}
)

// Entry is the value stored in a page table entry for a page that lives in
// the swap store.
type Entry uint32

// EntryFor returns the swap entry used for the page at linearAddr.
func EntryFor(linearAddr uint32) Entry {
	return Entry((linearAddr/mm.PageSize + 1) << entryShift)
}

// Offset returns the slot number encoded in the entry.
func (e Entry) Offset() uint32 { return uint32(e) >> entryShift }

// Store is a page-granular view of a block device.
type Store struct {
	dev      ide.BlockDevice
	capacity uint32
}

// New returns a store backed by dev. A nil device yields a store with zero
// capacity.
func New(dev ide.BlockDevice) *Store {
	s := &Store{dev: dev}
	if dev != nil {
		s.capacity = dev.SectorCount() / PageSectors
	}
	return s
}

// Capacity returns the number of page slots offered by the device.
func (s *Store) Capacity() uint32 { return s.capacity }

// Holds reports whether entry names a slot inside the store.
func (s *Store) Holds(entry Entry) bool {
	offset := entry.Offset()
	return offset != 0 && offset < s.capacity
}

// sector validates entry and returns the first sector of its slot.
func (s *Store) sector(entry Entry) uint32 {
	if !s.Holds(entry) {
		panic(errInvalidEntry)
	}
	return entry.Offset() * PageSectors
}

// ReadPage loads the page stored under entry into dst.
func (s *Store) ReadPage(entry Entry, dst []byte) *kernel.Error {
	if len(dst) != int(mm.PageSize) {
		return errPageBuffer
	}
	return s.dev.ReadSectors(s.sector(entry), dst)
}

// WritePage saves src under entry.
func (s *Store) WritePage(entry Entry, src []byte) *kernel.Error {
	if len(src) != int(mm.PageSize) {
		return errPageBuffer
	}
	return s.dev.WriteSectors(s.sector(entry), src)
}
