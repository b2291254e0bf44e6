package pmm

import (
	"ia32os/kernel"
	"ia32os/kernel/mm"
)

var (
	errEmptyRegion       = &kernel.Error{Module: "pmm", Message: "cannot add an empty region to the free list"}
	errRegionNotReserved = &kernel.Error{Module: "pmm", Message: "region frames must be reserved before being added to the free list"}
	errZeroAlloc         = &kernel.Error{Module: "pmm", Message: "allocation request for zero frames"}
	errNotRunHead        = &kernel.Error{Module: "pmm", Message: "frame is not the head of an allocated run"}
	errCorruptRun        = &kernel.Error{Module: "pmm", Message: "allocated run contains reserved or free frames"}
	errFrameInUse        = &kernel.Error{Module: "pmm", Message: "cannot free a frame that is still referenced"}
)

// FirstFitAllocator manages free physical frames as an unordered list of
// contiguous runs. Allocations are served from the first run that is large
// enough; the remainder of the run stays on the free list.
type FirstFitAllocator struct {
	table *FrameTable

	// head is the first run in the free list.
	head mm.Frame

	// freeCount tracks the total number of frames across all free runs.
	freeCount uint32
}

// NewFirstFitAllocator returns an allocator that manages frames from the
// supplied frame table.
func NewFirstFitAllocator(table *FrameTable) *FirstFitAllocator {
	return &FirstFitAllocator{table: table, head: noFrame}
}

// Name returns the allocator name.
func (a *FirstFitAllocator) Name() string { return "first-fit" }

// Init resets the allocator to an empty free list.
func (a *FirstFitAllocator) Init() {
	a.head = noFrame
	a.freeCount = 0
}

// FreeCount returns the number of free frames.
func (a *FirstFitAllocator) FreeCount() uint32 { return a.freeCount }

// AddRegion hands count frames starting at base over to the allocator. All
// frames in the region must currently be flagged as reserved.
func (a *FirstFitAllocator) AddRegion(base mm.Frame, count uint32) {
	if count == 0 {
		panic(errEmptyRegion)
	}

	for frame := base; frame < base+mm.Frame(count); frame++ {
		if !a.table.IsReserved(frame) {
			panic(errRegionNotReserved)
		}
		a.table.resetFrame(frame)
	}

	head := a.table.desc(base)
	head.runLength = count
	head.flags |= flagFree
	a.freeCount += count
	a.insert(base)
}

// Alloc reserves n contiguous frames and returns the first one. If no run
// can satisfy the request, Alloc returns mm.InvalidFrame.
func (a *FirstFitAllocator) Alloc(n uint32) mm.Frame {
	if n == 0 {
		panic(errZeroAlloc)
	}

	if n > a.freeCount {
		return mm.InvalidFrame
	}

	found := noFrame
	for cur := a.head; cur != noFrame; cur = a.table.desc(cur).next {
		if a.table.desc(cur).runLength >= n {
			found = cur
			break
		}
	}

	if found == noFrame {
		return mm.InvalidFrame
	}

	a.remove(found)
	d := a.table.desc(found)
	if d.runLength > n {
		rest := found + mm.Frame(n)
		rd := a.table.desc(rest)
		rd.runLength = d.runLength - n
		rd.flags |= flagFree
		a.insert(rest)
	}

	a.freeCount -= n
	d.runLength = n
	d.flags &^= flagFree
	return found
}

// Free returns a run previously obtained via Alloc to the free list. The
// released run is merged with any free run that touches it.
func (a *FirstFitAllocator) Free(frame mm.Frame) {
	d := a.table.desc(frame)
	if d.runLength == 0 || d.flags&(flagFree|flagReserved) != 0 {
		panic(errNotRunHead)
	}

	n := d.runLength
	for cur := frame; cur < frame+mm.Frame(n); cur++ {
		cd := a.table.desc(cur)
		if cur != frame && cd.flags&(flagFree|flagReserved) != 0 {
			panic(errCorruptRun)
		}
		if cd.refCount != 0 {
			panic(errFrameInUse)
		}
	}
	for cur := frame; cur < frame+mm.Frame(n); cur++ {
		a.table.resetFrame(cur)
	}
	d.runLength = n
	d.flags |= flagFree

	// Each free run is compared once against the released run which may
	// grow in either direction while the scan progresses.
	head := frame
	for cur := a.head; cur != noFrame; {
		var (
			next = a.table.desc(cur).next
			hd   = a.table.desc(head)
			cd   = a.table.desc(cur)
		)

		switch {
		case head+mm.Frame(hd.runLength) == cur:
			hd.runLength += cd.runLength
			cd.runLength = 0
			cd.flags &^= flagFree
			a.remove(cur)
		case cur+mm.Frame(cd.runLength) == head:
			cd.runLength += hd.runLength
			hd.runLength = 0
			hd.flags &^= flagFree
			a.remove(cur)
			head = cur
		}

		cur = next
	}

	a.freeCount += n
	a.insert(head)
}

// VisitFreeRuns invokes visitor for each run in the free list, in list order.
func (a *FirstFitAllocator) VisitFreeRuns(visitor func(base mm.Frame, count uint32) bool) {
	for cur := a.head; cur != noFrame; cur = a.table.desc(cur).next {
		if !visitor(cur, a.table.desc(cur).runLength) {
			return
		}
	}
}

// FreeArea is a free list that has been detached from the allocator.
type FreeArea struct {
	head      mm.Frame
	freeCount uint32
}

// FreeCount returns the number of frames in the detached list.
func (area FreeArea) FreeCount() uint32 { return area.freeCount }

// DetachFreeArea removes the entire free list from the allocator and returns
// it. Subsequent allocations only see runs released after the call.
func (a *FirstFitAllocator) DetachFreeArea() FreeArea {
	area := FreeArea{head: a.head, freeCount: a.freeCount}
	a.Init()
	return area
}

// ReattachFreeArea installs a free list previously returned by
// DetachFreeArea. Runs freed while the list was detached are merged back
// into it.
func (a *FirstFitAllocator) ReattachFreeArea(area FreeArea) {
	var pending []mm.Frame
	a.VisitFreeRuns(func(base mm.Frame, _ uint32) bool {
		pending = append(pending, base)
		return true
	})

	a.head, a.freeCount = area.head, area.freeCount
	for _, base := range pending {
		// Present the run as allocated so Free can merge it.
		a.table.desc(base).flags &^= flagFree
		a.Free(base)
	}
}

// insert links a run right after the list head or makes it the head if the
// list is empty.
func (a *FirstFitAllocator) insert(frame mm.Frame) {
	d := a.table.desc(frame)
	if a.head == noFrame {
		d.prev, d.next = noFrame, noFrame
		a.head = frame
		return
	}

	hd := a.table.desc(a.head)
	d.prev = a.head
	d.next = hd.next
	if hd.next != noFrame {
		a.table.desc(hd.next).prev = frame
	}
	hd.next = frame
}

func (a *FirstFitAllocator) remove(frame mm.Frame) {
	d := a.table.desc(frame)
	if d.prev != noFrame {
		a.table.desc(d.prev).next = d.next
	} else {
		a.head = d.next
	}

	if d.next != noFrame {
		a.table.desc(d.next).prev = d.prev
	}

	d.prev, d.next = noFrame, noFrame
}
