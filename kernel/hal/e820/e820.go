// Package e820 decodes the physical memory map that the BIOS reports through
// INT 15h, AX=E820h and that the boot loader leaves behind for the kernel.
package e820

import (
	"encoding/binary"
	"ia32os/kernel"
)

const (
	// MaxEntries is the number of entries reserved by the boot loader for
	// the memory map.
	MaxEntries = 20

	// entrySize is the size of a packed {addr uint64, size uint64, type
	// uint32} entry.
	entrySize = 20

	// EncodedSize is the size in bytes of the raw memory map structure: a
	// 32-bit entry count followed by MaxEntries packed entries.
	EncodedSize = 4 + MaxEntries*entrySize
)

var (
	errShortBuffer     = &kernel.Error{Module: "e820", Message: "memory map buffer is truncated"}
	errTooManyEntries  = &kernel.Error{Module: "e820", Message: "memory map entry count exceeds MaxEntries"}
	errNegativeEntries = &kernel.Error{Module: "e820", Message: "memory map entry count is negative"}
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region. The visitor must return true to
// continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// Map is a decoded firmware memory map.
type Map []MemoryMapEntry

// Decode parses the raw memory map structure written by the boot loader.
func Decode(raw []byte) (Map, *kernel.Error) {
	if len(raw) < 4 {
		return nil, errShortBuffer
	}

	count := int32(binary.LittleEndian.Uint32(raw))
	switch {
	case count < 0:
		return nil, errNegativeEntries
	case count > MaxEntries:
		return nil, errTooManyEntries
	case len(raw) < 4+int(count)*entrySize:
		return nil, errShortBuffer
	}

	m := make(Map, count)
	for i := range m {
		entry := raw[4+i*entrySize:]
		m[i].PhysAddress = binary.LittleEndian.Uint64(entry[0:])
		m[i].Length = binary.LittleEndian.Uint64(entry[8:])
		m[i].Type = MemoryEntryType(binary.LittleEndian.Uint32(entry[16:]))
	}

	return m, nil
}

// Encode serializes the map using the boot loader layout. It is the inverse of
// Decode and is used when synthesizing a map for a machine without firmware.
func (m Map) Encode() ([]byte, *kernel.Error) {
	if len(m) > MaxEntries {
		return nil, errTooManyEntries
	}

	raw := make([]byte, EncodedSize)
	binary.LittleEndian.PutUint32(raw, uint32(len(m)))
	for i, region := range m {
		entry := raw[4+i*entrySize:]
		binary.LittleEndian.PutUint64(entry[0:], region.PhysAddress)
		binary.LittleEndian.PutUint64(entry[8:], region.Length)
		binary.LittleEndian.PutUint32(entry[16:], uint32(region.Type))
	}

	return raw, nil
}

// VisitMemRegions invokes the supplied visitor for each memory region in the
// map. The visitor receives a copy of each entry.
func (m Map) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range m {
		region := m[i]
		if !visitor(&region) {
			return
		}
	}
}
