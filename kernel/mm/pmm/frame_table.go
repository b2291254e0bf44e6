package pmm

import (
	"ia32os/kernel"
	"ia32os/kernel/mm"
)

// frameDescriptorSize is the size of a frame descriptor in the kernel image
// layout. It is used to work out how many frames the descriptor table itself
// occupies.
const frameDescriptorSize = 28

// noFrame marks the absence of a link in the intrusive frame lists.
const noFrame = mm.InvalidFrame

var (
	errFrameReserved   = &kernel.Error{Module: "pmm", Message: "operation not permitted on a reserved frame"}
	errNegativeRef     = &kernel.Error{Module: "pmm", Message: "frame reference count dropped below zero"}
	errNoSuchFrame     = &kernel.Error{Module: "pmm", Message: "frame is not tracked by the frame table"}
	errAlreadyOnList   = &kernel.Error{Module: "pmm", Message: "frame is already linked into a replacement list"}
	errNotOnList       = &kernel.Error{Module: "pmm", Message: "frame is not linked into this replacement list"}
	errFreeFrameOnList = &kernel.Error{Module: "pmm", Message: "free frame cannot be linked into a replacement list"}
)

type frameFlag uint8

const (
	// flagReserved marks frames outside the allocatable pool (kernel
	// image, device holes, memory not reported as available).
	flagReserved frameFlag = 1 << iota

	// flagFree marks the head of a run that is linked into the
	// allocator's free list.
	flagFree
)

// frameDescriptor holds the bookkeeping for a single physical frame.
type frameDescriptor struct {
	// refCount is the number of live page table mappings to this frame.
	refCount int32

	flags frameFlag

	// runLength is only meaningful for run heads. For free runs it holds
	// the number of frames in the run; for allocated runs it records the
	// size of the allocation so that it can be released later.
	runLength uint32

	// free list links.
	prev, next mm.Frame

	// replacement list links and the list the frame is linked into.
	lruPrev, lruNext mm.Frame
	lruList          *FrameList

	// owningAddr is the linear address the frame is currently mapped at.
	owningAddr uint32
}

// FrameTable is an arena of frame descriptors indexed by frame number. A new
// table starts out with every frame flagged as reserved; frames become
// allocatable once they are handed to an allocator via AddRegion.
type FrameTable struct {
	frames []frameDescriptor
}

// NewFrameTable returns a table tracking frameCount frames.
func NewFrameTable(frameCount uint32) *FrameTable {
	t := &FrameTable{frames: make([]frameDescriptor, frameCount)}
	for i := range t.frames {
		t.frames[i] = frameDescriptor{
			flags:   flagReserved,
			prev:    noFrame,
			next:    noFrame,
			lruPrev: noFrame,
			lruNext: noFrame,
		}
	}

	return t
}

// Len returns the number of frames tracked by the table.
func (t *FrameTable) Len() uint32 { return uint32(len(t.frames)) }

// Size returns the number of bytes the table occupies in the kernel image.
func (t *FrameTable) Size() mm.Size {
	return mm.Size(len(t.frames)) * frameDescriptorSize
}

func (t *FrameTable) desc(frame mm.Frame) *frameDescriptor {
	if uint32(frame) >= uint32(len(t.frames)) {
		panic(errNoSuchFrame)
	}

	return &t.frames[frame]
}

// IsReserved returns true if the frame is outside the allocatable pool.
func (t *FrameTable) IsReserved(frame mm.Frame) bool {
	return t.desc(frame).flags&flagReserved != 0
}

// IsFree returns true if the frame is the head of a free run.
func (t *FrameTable) IsFree(frame mm.Frame) bool {
	return t.desc(frame).flags&flagFree != 0
}

// RunLength returns the run length recorded for a run head.
func (t *FrameTable) RunLength(frame mm.Frame) uint32 {
	return t.desc(frame).runLength
}

// SetReserved removes a frame from the allocatable pool. It must only be
// called while the frame is not owned by an allocator.
func (t *FrameTable) SetReserved(frame mm.Frame) {
	d := t.desc(frame)
	d.flags = flagReserved
	d.refCount = 0
	d.runLength = 0
}

// RefCount returns the number of live mappings to the frame.
func (t *FrameTable) RefCount(frame mm.Frame) int32 {
	return t.desc(frame).refCount
}

// AcquireRef increments the frame reference count and returns the new value.
// Reference counts belong to the page table manager; no other code path
// should call this.
func (t *FrameTable) AcquireRef(frame mm.Frame) int32 {
	d := t.desc(frame)
	if d.flags&flagReserved != 0 {
		panic(errFrameReserved)
	}

	d.refCount++
	return d.refCount
}

// ReleaseRef decrements the frame reference count and returns the new value.
// Like AcquireRef, it is reserved for the page table manager.
func (t *FrameTable) ReleaseRef(frame mm.Frame) int32 {
	d := t.desc(frame)
	if d.refCount == 0 {
		panic(errNegativeRef)
	}

	d.refCount--
	return d.refCount
}

// OwningAddress returns the linear address the frame was last mapped at.
func (t *FrameTable) OwningAddress(frame mm.Frame) uint32 {
	return t.desc(frame).owningAddr
}

// SetOwningAddress records the linear address the frame is mapped at.
func (t *FrameTable) SetOwningAddress(frame mm.Frame, linearAddr uint32) {
	t.desc(frame).owningAddr = linearAddr
}

// resetFrame detaches the frame from any replacement list and clears its
// flags, reference count and run length.
func (t *FrameTable) resetFrame(frame mm.Frame) {
	d := t.desc(frame)
	if d.lruList != nil {
		d.lruList.Remove(frame)
	}

	d.flags = 0
	d.refCount = 0
	d.runLength = 0
	d.owningAddr = 0
}

// FrameState summarizes the status of a frame for diagnostic output.
type FrameState uint8

// The list of supported frame states.
const (
	FrameReserved FrameState = iota
	FrameFree
	FrameAllocated
	FrameSwappable
)

// String implements fmt.Stringer for FrameState.
func (s FrameState) String() string {
	switch s {
	case FrameReserved:
		return "reserved"
	case FrameFree:
		return "free"
	case FrameAllocated:
		return "allocated"
	default:
		return "swappable"
	}
}

// VisitFrames invokes visitor with the state of every frame in the table.
// Frames that belong to a free run (not only its head) are reported as free.
func (t *FrameTable) VisitFrames(visitor func(mm.Frame, FrameState) bool) {
	var freeUntil mm.Frame
	for i := range t.frames {
		var (
			frame = mm.Frame(i)
			d     = &t.frames[i]
			state FrameState
		)

		if d.flags&flagFree != 0 {
			freeUntil = frame + mm.Frame(d.runLength)
		}

		switch {
		case d.flags&flagReserved != 0:
			state = FrameReserved
		case frame < freeUntil:
			state = FrameFree
		case d.lruList != nil:
			state = FrameSwappable
		default:
			state = FrameAllocated
		}

		if !visitor(frame, state) {
			return
		}
	}
}
