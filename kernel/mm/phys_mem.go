package mm

import (
	"encoding/binary"
	"ia32os/kernel"
	"unsafe"
)

var (
	errFrameOutOfRange = &kernel.Error{Module: "mm", Message: "physical frame is outside the installed memory"}
	errMisalignedWord  = &kernel.Error{Module: "mm", Message: "word access must be 4-byte aligned"}
)

// PhysicalMemory models the machine's installed RAM as a contiguous byte
// arena that is addressed by physical address.
type PhysicalMemory struct {
	data []byte
}

// NewPhysicalMemory returns a zero-filled memory arena large enough to hold
// frameCount frames.
func NewPhysicalMemory(frameCount uint32) *PhysicalMemory {
	return &PhysicalMemory{data: make([]byte, uint64(frameCount)<<PageShift)}
}

// FrameCount returns the number of frames backed by this arena.
func (m *PhysicalMemory) FrameCount() uint32 {
	return uint32(uint64(len(m.data)) >> PageShift)
}

// FrameData returns the PageSize bytes of the supplied frame. Writes to the
// returned slice modify physical memory.
func (m *PhysicalMemory) FrameData(frame Frame) []byte {
	if !frame.Valid() || uint32(frame) >= m.FrameCount() {
		panic(errFrameOutOfRange)
	}

	start := frame.Address()
	return m.data[start : start+PageSize : start+PageSize]
}

// LoadWord returns the little-endian 32-bit word stored at physAddr.
func (m *PhysicalMemory) LoadWord(physAddr uint32) uint32 {
	return binary.LittleEndian.Uint32(m.data[physAddr:])
}

// StoreWord stores a little-endian 32-bit word at physAddr.
func (m *PhysicalMemory) StoreWord(physAddr, value uint32) {
	binary.LittleEndian.PutUint32(m.data[physAddr:], value)
}

// WordPtr returns a pointer to the aligned 32-bit word at physAddr. Words
// accessed through the pointer use the host byte order which matches the
// little-endian layout used by LoadWord and StoreWord on x86 and arm hosts.
func (m *PhysicalMemory) WordPtr(physAddr uint32) *uint32 {
	if physAddr&3 != 0 {
		panic(errMisalignedWord)
	}

	return (*uint32)(unsafe.Pointer(&m.data[physAddr]))
}

// LoadByte returns the byte stored at physAddr.
func (m *PhysicalMemory) LoadByte(physAddr uint32) byte {
	return m.data[physAddr]
}

// StoreByte stores a byte at physAddr.
func (m *PhysicalMemory) StoreByte(physAddr uint32, value byte) {
	m.data[physAddr] = value
}

// ZeroFrame clears the contents of the supplied frame.
func (m *PhysicalMemory) ZeroFrame(frame Frame) {
	kernel.Memset(m.FrameData(frame), 0)
}
