package mm

import "math"

// Frame describes a physical memory page index.
type Frame uint32

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint32)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uint32 {
	return uint32(f) << PageShift
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uint32) Frame {
	return Frame(physAddr >> PageShift)
}

// Page describes a virtual memory page index.
type Page uint32

// Address returns the linear address pointed to by this Page.
func (p Page) Address() uint32 {
	return uint32(p) << PageShift
}

// PageFromAddress returns a Page that corresponds to the given linear
// address. Addresses that are not page-aligned are rounded down to the page
// that contains them.
func PageFromAddress(linearAddr uint32) Page {
	return Page(linearAddr >> PageShift)
}

// PageOffset returns the offset within the page specified by a linear
// address.
func PageOffset(linearAddr uint32) uint32 {
	return linearAddr & (PageSize - 1)
}

// RoundDown rounds addr down to the nearest page boundary.
func RoundDown(addr uint32) uint32 {
	return addr &^ (PageSize - 1)
}
