package pmm

import "ia32os/kernel/mm"

// FrameList is a doubly linked list of frames threaded through the
// replacement links of a FrameTable. Page replacement policies use it to keep
// track of swap candidates without allocating list nodes.
type FrameList struct {
	table      *FrameTable
	head, tail mm.Frame
	count      uint32
}

// NewFrameList returns an empty list backed by the supplied frame table.
func NewFrameList(table *FrameTable) *FrameList {
	return &FrameList{table: table, head: noFrame, tail: noFrame}
}

// Len returns the number of frames in the list.
func (l *FrameList) Len() uint32 { return l.count }

// Contains returns true if the frame is linked into this list.
func (l *FrameList) Contains(frame mm.Frame) bool {
	return l.table.desc(frame).lruList == l
}

// PushFront links a frame at the head of the list.
func (l *FrameList) PushFront(frame mm.Frame) {
	d := l.table.desc(frame)
	switch {
	case d.flags&flagReserved != 0:
		panic(errFrameReserved)
	case d.flags&flagFree != 0:
		panic(errFreeFrameOnList)
	case d.lruList != nil:
		panic(errAlreadyOnList)
	}

	d.lruList = l
	d.lruPrev = noFrame
	d.lruNext = l.head
	if l.head != noFrame {
		l.table.desc(l.head).lruPrev = frame
	} else {
		l.tail = frame
	}
	l.head = frame
	l.count++
}

// Remove unlinks a frame from the list.
func (l *FrameList) Remove(frame mm.Frame) {
	d := l.table.desc(frame)
	if d.lruList != l {
		panic(errNotOnList)
	}

	if d.lruPrev != noFrame {
		l.table.desc(d.lruPrev).lruNext = d.lruNext
	} else {
		l.head = d.lruNext
	}

	if d.lruNext != noFrame {
		l.table.desc(d.lruNext).lruPrev = d.lruPrev
	} else {
		l.tail = d.lruPrev
	}

	d.lruList = nil
	d.lruPrev, d.lruNext = noFrame, noFrame
	l.count--
}

// Front returns the most recently pushed frame or mm.InvalidFrame if the list
// is empty.
func (l *FrameList) Front() mm.Frame { return l.head }

// Back returns the least recently pushed frame or mm.InvalidFrame if the list
// is empty.
func (l *FrameList) Back() mm.Frame { return l.tail }

// Visit walks the list from front to back.
func (l *FrameList) Visit(visitor func(mm.Frame) bool) {
	for cur := l.head; cur != noFrame; cur = l.table.desc(cur).lruNext {
		if !visitor(cur) {
			return
		}
	}
}
