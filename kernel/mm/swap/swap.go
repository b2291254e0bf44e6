// Package swap moves pages between physical memory and the swap store when
// the frame allocator runs dry.
//
// The Engine selects victims through a pluggable Policy. Fresh and swapped in
// pages are registered with the policy by the page fault resolver; when a
// single frame allocation fails the frame manager asks the engine to evict a
// page and retries the allocation.
package swap

import (
	"ia32os/kernel"
	"ia32os/kernel/kfmt"
	"ia32os/kernel/mm"
	"ia32os/kernel/mm/pmm"
	"ia32os/kernel/mm/swap/swapfs"
	"ia32os/kernel/mm/vmm"
)

const (
	// MaxReclaimRetries is the number of times a failed single frame
	// allocation is retried after evicting a page.
	MaxReclaimRetries = 16

	// MinCapacity and MaxCapacity bound the number of page slots a swap
	// store may offer.
	MinCapacity = 1024
	MaxCapacity = 1 << 24
)

var (
	// ErrSwapRead is returned by SwapIn when the swap store fails to
	// deliver the page contents.
	ErrSwapRead = &kernel.Error{Module: "swap", Message: "unable to read page from the swap store"}

	errBadCapacity    = &kernel.Error{Module: "swap", Message: "swap store capacity out of range"}
	errReservedVictim = &kernel.Error{Module: "swap", Message: "policy selected a reserved frame as victim"}
	errNotSwapped     = &kernel.Error{Module: "swap", Message: "page is not swapped out"}
	errNoSwapSlot     = &kernel.Error{Module: "swap", Message: "page address has no slot in the swap store"}
)

// Policy decides which page gets evicted next. Policies keep their per
// address space state in the VMA set swap data.
type Policy interface {
	// Name returns the policy name.
	Name() string

	// Init prepares the policy for use.
	Init() *kernel.Error

	// InitVMASet attaches the policy bookkeeping to a VMA set.
	InitVMASet(set *vmm.VMASet) *kernel.Error

	// Tick is invoked periodically from the timer interrupt.
	Tick(set *vmm.VMASet) *kernel.Error

	// MarkSwappable registers a frame mapped at linearAddr as an
	// eviction candidate. swapIn is true if the page was just read back
	// from the swap store.
	MarkSwappable(set *vmm.VMASet, linearAddr uint32, frame mm.Frame, swapIn bool)

	// MarkUnswappable pins the page mapped at linearAddr.
	MarkUnswappable(set *vmm.VMASet, linearAddr uint32)

	// SelectVictim removes the next eviction candidate from the policy
	// and returns it. It returns false if there are no candidates.
	SelectVictim(set *vmm.VMASet, inTick bool) (mm.Frame, bool)

	// Check runs a scripted access sequence that verifies the eviction
	// order of the policy.
	Check(acc Accessor) *kernel.Error
}

// Accessor performs byte sized memory accesses that go through the page
// fault path of the active address space.
type Accessor interface {
	LoadByte(linearAddr uint32) byte
	StoreByte(linearAddr uint32, value byte)

	// FaultCount returns the number of page faults resolved so far.
	FaultCount() uint64
}

// Stats holds the engine counters.
type Stats struct {
	SwapOuts      uint64
	SwapIns       uint64
	WriteFailures uint64
}

// Engine evicts pages to and loads pages from a swap store.
type Engine struct {
	frames *pmm.Manager
	store  *swapfs.Store
	policy Policy
	active bool

	// sets lists the address spaces that reclaim can take pages from,
	// in registration order.
	sets []*vmm.VMASet

	stats Stats
}

// NewEngine returns an inactive engine. Call Init to enable swapping.
func NewEngine(frames *pmm.Manager, store *swapfs.Store, policy Policy) *Engine {
	return &Engine{frames: frames, store: store, policy: policy}
}

// Init probes the swap store. A store without capacity leaves swapping
// disabled. On success the engine registers itself as the reclaimer of the
// frame manager.
func (e *Engine) Init() *kernel.Error {
	capacity := e.store.Capacity()
	if capacity == 0 {
		kfmt.Printf("[swap] swap disabled\n")
		e.active = false
		return nil
	}

	if capacity < MinCapacity || capacity >= MaxCapacity {
		kfmt.Printf("[swap] bad swap capacity 0x%08x\n", capacity)
		panic(errBadCapacity)
	}

	if err := e.policy.Init(); err != nil {
		return err
	}

	e.active = true
	e.frames.SetReclaimer(e, MaxReclaimRetries)
	kfmt.Printf("[swap] init manager = %s, %d page slots\n", e.policy.Name(), capacity)
	return nil
}

// Active returns true if swapping is enabled.
func (e *Engine) Active() bool { return e.active }

// Policy returns the replacement policy.
func (e *Engine) Policy() Policy { return e.policy }

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats { return e.stats }

// InitVMASet prepares set for swapping and makes its pages available to
// reclaim.
func (e *Engine) InitVMASet(set *vmm.VMASet) *kernel.Error {
	if err := e.policy.InitVMASet(set); err != nil {
		return err
	}

	e.sets = append(e.sets, set)
	return nil
}

// ForgetVMASet stops reclaim from considering set. It must be called before
// the set is destroyed.
func (e *Engine) ForgetVMASet(set *vmm.VMASet) {
	for i, s := range e.sets {
		if s == set {
			e.sets = append(e.sets[:i], e.sets[i+1:]...)
			return
		}
	}
}

// Tick forwards a timer tick to the policy.
func (e *Engine) Tick(set *vmm.VMASet) *kernel.Error {
	return e.policy.Tick(set)
}

// MarkSwappable registers a frame as an eviction candidate.
func (e *Engine) MarkSwappable(set *vmm.VMASet, linearAddr uint32, frame mm.Frame, swapIn bool) {
	e.policy.MarkSwappable(set, linearAddr, frame, swapIn)
}

// MarkUnswappable pins the page mapped at linearAddr.
func (e *Engine) MarkUnswappable(set *vmm.VMASet, linearAddr uint32) {
	e.policy.MarkUnswappable(set, linearAddr)
}

// SwapOut evicts up to n pages from set. Each victim is written to the swap
// store and its mapping replaced by a swap entry. Victims that cannot be
// written, including pages whose address maps past the end of the store,
// are handed back to the policy. SwapOut returns the number of victims
// processed and stops early when the policy runs out of candidates.
func (e *Engine) SwapOut(set *vmm.VMASet, n int, inTick bool) int {
	var (
		pdt   = set.PageDirectory()
		table = e.frames.Table()
		i     int
	)

	for i = 0; i != n; i++ {
		frame, ok := e.policy.SelectVictim(set, inTick)
		if !ok {
			kfmt.Printf("[swap] no victim available, i %d\n", i)
			break
		}

		if table.IsReserved(frame) {
			panic(errReservedVictim)
		}

		linearAddr := table.OwningAddress(frame)
		entry := swapfs.EntryFor(linearAddr)

		err := errNoSwapSlot
		if e.store.Holds(entry) {
			err = e.store.WritePage(entry, pdt.Memory().FrameData(frame))
		}
		if err != nil {
			kfmt.Printf("[swap] failed to save victim at 0x%08x: %s\n", linearAddr, err.Message)
			e.stats.WriteFailures++
			e.policy.MarkSwappable(set, linearAddr, frame, false)
			continue
		}

		if err := pdt.Evict(linearAddr, uint32(entry)); err != nil {
			panic(err)
		}

		e.stats.SwapOuts++
		kfmt.Printf("[swap] i %d, stored page at 0x%08x to swap entry %d\n", i, linearAddr, entry.Offset())
	}

	return i
}

// SwapIn allocates a frame and loads the swapped out page at linearAddr into
// it. The caller is responsible for mapping the returned frame.
func (e *Engine) SwapIn(set *vmm.VMASet, linearAddr uint32) (mm.Frame, *kernel.Error) {
	frame, err := e.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	pdt := set.PageDirectory()
	pte, err := pdt.Entry(linearAddr, false)
	if err != nil || *pte == 0 || pte.HasFlags(vmm.FlagPresent) {
		e.frames.FreeFrames(frame)
		return mm.InvalidFrame, errNotSwapped
	}

	entry := swapfs.Entry(*pte)
	if err = e.store.ReadPage(entry, pdt.Memory().FrameData(frame)); err != nil {
		kfmt.Printf("[swap] failed to load swap entry %d: %s\n", entry.Offset(), err.Message)
		e.frames.FreeFrames(frame)
		return mm.InvalidFrame, ErrSwapRead
	}

	e.stats.SwapIns++
	kfmt.Printf("[swap] loaded swap entry %d into page at 0x%08x\n", entry.Offset(), mm.RoundDown(linearAddr))
	return frame, nil
}

// Reclaim evicts a single page from the first registered address space that
// has a candidate. It implements pmm.Reclaimer.
func (e *Engine) Reclaim() bool {
	if !e.active {
		return false
	}

	for _, set := range e.sets {
		if e.SwapOut(set, 1, false) != 0 {
			return true
		}
	}

	return false
}

// Check runs the policy self test through acc.
func (e *Engine) Check(acc Accessor) *kernel.Error {
	return e.policy.Check(acc)
}
