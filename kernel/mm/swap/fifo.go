package swap

import (
	"ia32os/kernel"
	"ia32os/kernel/kfmt"
	"ia32os/kernel/mm"
	"ia32os/kernel/mm/pmm"
	"ia32os/kernel/mm/vmm"
)

var (
	// ErrCheckFailed is returned by Check when an access does not cause
	// the expected number of page faults.
	ErrCheckFailed = &kernel.Error{Module: "swap", Message: "replacement policy check failed"}

	errNoSwapData    = &kernel.Error{Module: "swap", Message: "vma set was not initialized for swapping"}
	errTickEviction  = &kernel.Error{Module: "swap", Message: "fifo policy does not evict from the timer tick"}
	errCheckContents = &kernel.Error{Module: "swap", Message: "page contents changed while swapped out"}
)

// FIFO evicts pages in the order they were registered. Each VMA set keeps its
// own queue, threaded through the frame table.
type FIFO struct {
	table *pmm.FrameTable
}

// NewFIFO returns a FIFO policy that links frames from table.
func NewFIFO(table *pmm.FrameTable) *FIFO {
	return &FIFO{table: table}
}

// Name returns the policy name.
func (p *FIFO) Name() string { return "fifo swap manager" }

// Init prepares the policy for use.
func (p *FIFO) Init() *kernel.Error { return nil }

// InitVMASet attaches an empty queue to set.
func (p *FIFO) InitVMASet(set *vmm.VMASet) *kernel.Error {
	set.SetSwapData(pmm.NewFrameList(p.table))
	return nil
}

// Tick is a no-op for FIFO.
func (p *FIFO) Tick(_ *vmm.VMASet) *kernel.Error { return nil }

func (p *FIFO) queue(set *vmm.VMASet) *pmm.FrameList {
	list, ok := set.SwapData().(*pmm.FrameList)
	if !ok || list == nil {
		panic(errNoSwapData)
	}
	return list
}

// MarkSwappable appends frame to the queue of set.
func (p *FIFO) MarkSwappable(set *vmm.VMASet, _ uint32, frame mm.Frame, _ bool) {
	p.queue(set).PushFront(frame)
}

// MarkUnswappable removes the page mapped at linearAddr from the queue so it
// is never selected as a victim. Pinned pages become candidates again the
// next time they are marked swappable.
func (p *FIFO) MarkUnswappable(set *vmm.VMASet, linearAddr uint32) {
	pte, err := set.PageDirectory().Entry(linearAddr, false)
	if err != nil || !pte.HasFlags(vmm.FlagPresent) {
		return
	}

	if list := p.queue(set); list.Contains(pte.Frame()) {
		list.Remove(pte.Frame())
	}
}

// SelectVictim removes and returns the oldest queued frame.
func (p *FIFO) SelectVictim(set *vmm.VMASet, inTick bool) (mm.Frame, bool) {
	if inTick {
		panic(errTickEviction)
	}

	list := p.queue(set)
	victim := list.Back()
	if !victim.Valid() {
		return mm.InvalidFrame, false
	}

	list.Remove(victim)
	return victim, true
}

// fifoCheckStep is a single access of the FIFO check script.
type fifoCheckStep struct {
	addr      uint32
	value     byte
	write     bool
	expFaults uint64
}

// fifoCheckScript expects pages 0x1000-0x4000 to be resident, populated with
// 0x0a-0x0d, and no free frames to be left.
var fifoCheckScript = []fifoCheckStep{
	{0x3000, 0x0c, true, 0},
	{0x1000, 0x0a, true, 0},
	{0x4000, 0x0d, true, 0},
	{0x2000, 0x0b, true, 0},
	{0x5000, 0x0e, true, 1},
	{0x2000, 0x0b, true, 1},
	{0x1000, 0x0a, true, 2},
	{0x2000, 0x0b, true, 3},
	{0x3000, 0x0c, true, 4},
	{0x4000, 0x0d, true, 5},
	{0x5000, 0x0e, true, 6},
	{0x1000, 0x0a, false, 7},
	{0x1000, 0x0a, true, 7},
}

// Check replays the FIFO access script and verifies the fault count after
// every access.
func (p *FIFO) Check(acc Accessor) *kernel.Error {
	init := acc.FaultCount()

	for stepIndex, step := range fifoCheckScript {
		if step.write {
			acc.StoreByte(step.addr, step.value)
		} else if got := acc.LoadByte(step.addr); got != step.value {
			kfmt.Printf("[swap] fifo check step %d: read 0x%02x at 0x%08x; expected 0x%02x\n", stepIndex, got, step.addr, step.value)
			return errCheckContents
		}

		if got := acc.FaultCount() - init; got != step.expFaults {
			kfmt.Printf("[swap] fifo check step %d: %d faults after accessing 0x%08x; expected %d\n", stepIndex, got, step.addr, step.expFaults)
			return ErrCheckFailed
		}
	}

	kfmt.Printf("[swap] fifo check succeeded\n")
	return nil
}
