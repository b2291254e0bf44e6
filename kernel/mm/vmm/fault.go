package vmm

import (
	"ia32os/kernel"
	"ia32os/kernel/cpu"
	"ia32os/kernel/kfmt"
	"ia32os/kernel/mm"
	"ia32os/kernel/mm/pmm"
)

// Errors reported by Resolve. All of them are fatal at the fault handler.
var (
	ErrInvalidAddress   = &kernel.Error{Module: "vmm", Message: "address does not belong to any vma"}
	ErrWriteProtected   = &kernel.Error{Module: "vmm", Message: "write to a non-writable vma"}
	ErrIllegalErrorCode = &kernel.Error{Module: "vmm", Message: "illegal error code: read from a present page"}
	ErrNotReadable      = &kernel.Error{Module: "vmm", Message: "read from a non-readable and non-executable vma"}
	ErrNoMemory         = &kernel.Error{Module: "vmm", Message: "no memory to resolve the fault"}
	ErrSwapUnavailable  = &kernel.Error{Module: "vmm", Message: "page is swapped out but swap is not available"}
)

// Page fault error code bits pushed by the CPU.
const (
	FaultPresent uint32 = 1 << iota
	FaultWrite
	FaultUser
)

// Swapper is implemented by the swap engine. The fault resolver uses it to
// bring swapped out pages back and to register fresh pages as eviction
// candidates.
type Swapper interface {
	// Active returns true if a swap device is available.
	Active() bool

	// SwapIn allocates a frame and fills it with the swapped out
	// contents of the page at linearAddr. The caller installs the
	// mapping.
	SwapIn(set *VMASet, linearAddr uint32) (mm.Frame, *kernel.Error)

	// MarkSwappable registers a frame mapped at linearAddr as an
	// eviction candidate.
	MarkSwappable(set *VMASet, linearAddr uint32, frame mm.Frame, swapIn bool)
}

// FaultResolver services page faults for VMA sets by installing fresh frames
// or by swapping pages back in.
type FaultResolver struct {
	cpu     *cpu.CPU
	frames  *pmm.Manager
	swapper Swapper

	faultCount uint64
}

// NewFaultResolver returns a resolver that allocates frames from the supplied
// manager. The swapper may be nil if swapping is not supported.
func NewFaultResolver(c *cpu.CPU, frames *pmm.Manager, swapper Swapper) *FaultResolver {
	return &FaultResolver{cpu: c, frames: frames, swapper: swapper}
}

// SetSwapper replaces the swapper used by the resolver.
func (r *FaultResolver) SetSwapper(swapper Swapper) { r.swapper = swapper }

// FaultCount returns the number of faults handled so far.
func (r *FaultResolver) FaultCount() uint64 { return r.faultCount }

func (r *FaultResolver) swapActive() bool {
	return r.swapper != nil && r.swapper.Active()
}

// Resolve handles a page fault at addr. The errorCode bits describe whether
// the page was present and whether the access was a write. Resolve returns
// nil if the faulting access can be retried.
func (r *FaultResolver) Resolve(set *VMASet, errorCode uint32, addr uint32) *kernel.Error {
	vma := set.Find(addr)
	r.faultCount++

	if vma == nil || vma.Start > addr {
		kfmt.Printf("[vmm] invalid address 0x%08x: no vma contains it\n", addr)
		return ErrInvalidAddress
	}

	switch errorCode & (FaultPresent | FaultWrite) {
	case FaultWrite, FaultWrite | FaultPresent:
		if vma.Flags&VMAWrite == 0 {
			kfmt.Printf("[vmm] write to non-writable vma at 0x%08x\n", addr)
			return ErrWriteProtected
		}
	case FaultPresent:
		kfmt.Printf("[vmm] illegal error code %d at 0x%08x\n", errorCode, addr)
		return ErrIllegalErrorCode
	default:
		if vma.Flags&(VMARead|VMAExec) == 0 {
			kfmt.Printf("[vmm] read from non-readable vma at 0x%08x\n", addr)
			return ErrNotReadable
		}
	}

	perm := FlagUserAccessible
	if vma.Flags&VMAWrite != 0 {
		perm |= FlagRW
	}

	addr = mm.RoundDown(addr)
	pdt := set.PageDirectory()
	pte, err := pdt.Entry(addr, true)
	if err != nil {
		kfmt.Printf("[vmm] cannot allocate a page table for 0x%08x\n", addr)
		return ErrNoMemory
	}

	if *pte == 0 {
		if err = r.allocPage(set, addr, perm); err != nil {
			kfmt.Printf("[vmm] cannot allocate a page for 0x%08x\n", addr)
			return ErrNoMemory
		}
		return nil
	}

	if !r.swapActive() {
		kfmt.Printf("[vmm] swap not available (pte = 0x%08x)\n", uint32(*pte))
		return ErrSwapUnavailable
	}

	frame, err := r.swapper.SwapIn(set, addr)
	if err != nil {
		kfmt.Printf("[vmm] swap in failed for 0x%08x\n", addr)
		if err == pmm.ErrOutOfMemory {
			return ErrNoMemory
		}
		return err
	}

	if err = pdt.Map(frame, addr, perm); err != nil {
		r.frames.FreeFrames(frame)
		return ErrNoMemory
	}
	r.swapper.MarkSwappable(set, addr, frame, true)
	r.frames.Table().SetOwningAddress(frame, addr)

	return nil
}

// allocPage maps a fresh frame at linearAddr and registers it with the
// swapper.
func (r *FaultResolver) allocPage(set *VMASet, linearAddr uint32, perm PageTableEntryFlag) *kernel.Error {
	frame, err := r.frames.AllocFrame()
	if err != nil {
		return err
	}

	pdt := set.PageDirectory()
	if err = pdt.Map(frame, linearAddr, perm); err != nil {
		r.frames.FreeFrames(frame)
		return err
	}

	if r.swapActive() {
		r.swapper.MarkSwappable(set, linearAddr, frame, false)
		r.frames.Table().SetOwningAddress(frame, linearAddr)
	}

	return nil
}

// HandlePageFault is the entry point for page faults raised while set is the
// active address space. The faulting address is read from CR2. Faults that
// cannot be resolved are fatal.
func (r *FaultResolver) HandlePageFault(set *VMASet, errorCode uint32) {
	faultAddress := r.cpu.ReadCR2()
	if err := r.Resolve(set, errorCode, faultAddress); err != nil {
		nonRecoverablePageFault(faultAddress, errorCode, err)
	}
}

func nonRecoverablePageFault(faultAddress uint32, errorCode uint32, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%08x\nReason: ", faultAddress)
	switch errorCode & (FaultPresent | FaultWrite) {
	case 0:
		kfmt.Printf("read from non-present page")
	case FaultPresent:
		kfmt.Printf("page protection violation (read)")
	case FaultWrite:
		kfmt.Printf("write to non-present page")
	default:
		kfmt.Printf("page protection violation (write)")
	}
	kfmt.Printf(" (%s)\n", err.Message)

	panic(err)
}
