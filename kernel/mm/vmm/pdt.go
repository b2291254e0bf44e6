// Package vmm manages 32-bit two-level page tables, virtual memory areas and
// page fault resolution.
package vmm

import (
	"ia32os/kernel"
	"ia32os/kernel/cpu"
	"ia32os/kernel/mm"
	"ia32os/kernel/mm/pmm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a linear address
	// that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "linear address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errReleaseActivePDT  = &kernel.Error{Module: "vmm", Message: "cannot release the active page directory"}
	errUnalignedRegion   = &kernel.Error{Module: "vmm", Message: "huge page regions must be 4Mb aligned"}
	errInvalidSwapEntry  = &kernel.Error{Module: "vmm", Message: "swap entries must be non-zero and not present"}
)

// pageLevels is the number of paging levels walked by the MMU.
const pageLevels = 2

// PageDirectoryTable describes the top-most table in the two-level 32-bit
// paging scheme. Page tables are allocated on demand from the frame manager
// and addressed directly through physical memory.
type PageDirectoryTable struct {
	pdtFrame mm.Frame

	cpu    *cpu.CPU
	mem    *mm.PhysicalMemory
	frames *pmm.Manager
}

// NewPageDirectoryTable allocates and clears a frame for a new page directory.
func NewPageDirectoryTable(c *cpu.CPU, mem *mm.PhysicalMemory, frames *pmm.Manager) (*PageDirectoryTable, *kernel.Error) {
	pdtFrame, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	mem.ZeroFrame(pdtFrame)
	return &PageDirectoryTable{pdtFrame: pdtFrame, cpu: c, mem: mem, frames: frames}, nil
}

// Frame returns the physical frame that holds the page directory.
func (pdt *PageDirectoryTable) Frame() mm.Frame { return pdt.pdtFrame }

// Frames returns the frame manager that backs the page tables.
func (pdt *PageDirectoryTable) Frames() *pmm.Manager { return pdt.frames }

// Memory returns the physical memory the tables live in.
func (pdt *PageDirectoryTable) Memory() *mm.PhysicalMemory { return pdt.mem }

// CPU returns the processor this directory is activated on.
func (pdt *PageDirectoryTable) CPU() *cpu.CPU { return pdt.cpu }

// entryAt returns a pointer to the entry with the given index inside the
// table stored at tableFrame.
func (pdt *PageDirectoryTable) entryAt(tableFrame mm.Frame, index uint32) *PageTableEntry {
	return (*PageTableEntry)(pdt.mem.WordPtr(tableFrame.Address() + index<<2))
}

// directoryEntry returns the page directory entry covering linearAddr.
func (pdt *PageDirectoryTable) directoryEntry(linearAddr uint32) *PageTableEntry {
	return pdt.entryAt(pdt.pdtFrame, directoryIndex(linearAddr))
}

// pageTableWalker is a function that can be passed to the Walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *PageTableEntry) bool

// Walk performs a page table walk for the given linear address. It calls the
// supplied walkFn with the entry that corresponds to each paging level. The
// walk stops when walkFn returns false, when the directory entry is not
// present or when it maps a huge page.
func (pdt *PageDirectoryTable) Walk(linearAddr uint32, walkFn pageTableWalker) {
	tableFrame := pdt.pdtFrame
	for level := uint8(0); level < pageLevels; level++ {
		index := directoryIndex(linearAddr)
		if level == pageLevels-1 {
			index = tableIndex(linearAddr)
		}

		pte := pdt.entryAt(tableFrame, index)
		if !walkFn(level, pte) || !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// Entry returns the location of the page table entry for linearAddr. If the
// page table covering the address does not exist and create is true, a new
// zero-filled table is allocated and installed with user, write and present
// permissions; otherwise Entry returns ErrInvalidMapping.
func (pdt *PageDirectoryTable) Entry(linearAddr uint32, create bool) (*PageTableEntry, *kernel.Error) {
	pde := pdt.directoryEntry(linearAddr)
	if pde.HasFlags(FlagPresent | FlagHugePage) {
		return nil, errNoHugePageSupport
	}

	if !pde.HasFlags(FlagPresent) {
		if !create {
			return nil, ErrInvalidMapping
		}

		tableFrame, err := pdt.frames.AllocFrame()
		if err != nil {
			return nil, err
		}

		saved := pdt.cpu.SaveInterrupts()
		pdt.frames.Table().AcquireRef(tableFrame)
		pdt.mem.ZeroFrame(tableFrame)
		*pde = 0
		pde.SetFrame(tableFrame)
		pde.SetFlags(FlagUser)
		pdt.cpu.RestoreInterrupts(saved)
	}

	return pdt.entryAt(pde.Frame(), tableIndex(linearAddr)), nil
}

// Map establishes a mapping between linearAddr and a physical frame. If the
// address already maps a different frame, that mapping is dropped first. Map
// is idempotent when called twice with the same frame.
func (pdt *PageDirectoryTable) Map(frame mm.Frame, linearAddr uint32, perm PageTableEntryFlag) *kernel.Error {
	pte, err := pdt.Entry(linearAddr, true)
	if err != nil {
		return err
	}

	saved := pdt.cpu.SaveInterrupts()
	defer pdt.cpu.RestoreInterrupts(saved)

	table := pdt.frames.Table()
	table.AcquireRef(frame)
	if pte.HasFlags(FlagPresent) {
		if pte.Frame() == frame {
			table.ReleaseRef(frame)
		} else {
			pdt.removeEntry(linearAddr, pte)
		}
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | perm)
	pdt.Invalidate(linearAddr)
	return nil
}

// Unmap removes the mapping for linearAddr. The frame is released back to the
// allocator when its last mapping goes away. Unmapping an address that is not
// mapped is a no-op.
func (pdt *PageDirectoryTable) Unmap(linearAddr uint32) {
	pte, err := pdt.Entry(linearAddr, false)
	if err != nil {
		return
	}

	saved := pdt.cpu.SaveInterrupts()
	pdt.removeEntry(linearAddr, pte)
	pdt.cpu.RestoreInterrupts(saved)
}

// removeEntry drops a present mapping, freeing its frame when the reference
// count reaches zero.
func (pdt *PageDirectoryTable) removeEntry(linearAddr uint32, pte *PageTableEntry) {
	if !pte.HasFlags(FlagPresent) {
		return
	}

	frame := pte.Frame()
	if pdt.frames.Table().ReleaseRef(frame) == 0 {
		pdt.frames.FreeFrames(frame)
	}

	*pte = 0
	pdt.Invalidate(linearAddr)
}

// Evict replaces the present mapping for linearAddr with a non-present swap
// entry. The frame reference held by the mapping is dropped and the frame is
// returned to the allocator once it is no longer mapped anywhere else.
func (pdt *PageDirectoryTable) Evict(linearAddr uint32, swapEntry uint32) *kernel.Error {
	if swapEntry == 0 || PageTableEntry(swapEntry).HasFlags(FlagPresent) {
		return errInvalidSwapEntry
	}

	pte, err := pdt.Entry(linearAddr, false)
	if err != nil {
		return err
	}
	if !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	saved := pdt.cpu.SaveInterrupts()
	pdt.removeEntry(linearAddr, pte)
	*pte = PageTableEntry(swapEntry)
	pdt.cpu.RestoreInterrupts(saved)
	return nil
}

// UnmapTable drops every mapping in the page table covering linearAddr and
// returns the table frame to the allocator.
func (pdt *PageDirectoryTable) UnmapTable(linearAddr uint32) {
	pde := pdt.directoryEntry(linearAddr)
	if !pde.HasFlags(FlagPresent) {
		return
	}

	saved := pdt.cpu.SaveInterrupts()
	defer pdt.cpu.RestoreInterrupts(saved)

	if !pde.HasFlags(FlagHugePage) {
		tableBase := linearAddr &^ (mm.PageTableSpan - 1)
		for index := uint32(0); index < mm.EntriesPerTable; index++ {
			pdt.removeEntry(tableBase+index<<mm.PageShift, pdt.entryAt(pde.Frame(), index))
		}

		tableFrame := pde.Frame()
		if pdt.frames.Table().ReleaseRef(tableFrame) == 0 {
			pdt.frames.FreeFrames(tableFrame)
		}
	}

	*pde = 0
}

// MapHugeRegion maps size bytes of physical memory starting at physAddr to
// linearAddr using 4Mb directory entries. The backing frames are not
// reference counted; the region is expected to cover reserved memory such as
// the kernel image.
func (pdt *PageDirectoryTable) MapHugeRegion(physAddr, linearAddr uint32, size mm.Size, perm PageTableEntryFlag) *kernel.Error {
	if physAddr&(mm.PageTableSpan-1) != 0 || linearAddr&(mm.PageTableSpan-1) != 0 {
		return errUnalignedRegion
	}

	saved := pdt.cpu.SaveInterrupts()
	defer pdt.cpu.RestoreInterrupts(saved)

	for offset := mm.Size(0); offset < size; offset += mm.Size(mm.PageTableSpan) {
		pde := pdt.directoryEntry(linearAddr + uint32(offset))
		*pde = PageTableEntry(physAddr + uint32(offset))
		pde.SetFlags(FlagPresent | FlagHugePage | perm)
		pdt.Invalidate(linearAddr + uint32(offset))
	}

	return nil
}

// Invalidate flushes the cached translation for linearAddr if this page
// directory is the one currently loaded on the CPU.
func (pdt *PageDirectoryTable) Invalidate(linearAddr uint32) {
	if pdt.cpu.ActivePDT() == pdt.pdtFrame.Address() {
		pdt.cpu.FlushTLBEntry(linearAddr)
	}
}

// Activate enables this page directory table and flushes the TLB.
func (pdt *PageDirectoryTable) Activate() {
	pdt.cpu.SwitchPDT(pdt.pdtFrame.Address())
}

// IsActive returns true if this directory is loaded on the CPU.
func (pdt *PageDirectoryTable) IsActive() bool {
	return pdt.cpu.ActivePDT() == pdt.pdtFrame.Address()
}

// Translate returns the physical address that corresponds to the provided
// linear address or ErrInvalidMapping if the address is not mapped.
func (pdt *PageDirectoryTable) Translate(linearAddr uint32) (uint32, *kernel.Error) {
	var (
		physAddr uint32
		err      = ErrInvalidMapping
	)

	pdt.Walk(linearAddr, func(pteLevel uint8, pte *PageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		switch {
		case pteLevel == 0 && pte.HasFlags(FlagHugePage):
			physAddr = uint32(*pte)&^(mm.PageTableSpan-1) + linearAddr&(mm.PageTableSpan-1)
			err = nil
		case pteLevel == pageLevels-1:
			physAddr = pte.Frame().Address() + mm.PageOffset(linearAddr)
			err = nil
		}
		return true
	})

	return physAddr, err
}

// Release drops every mapping in this directory, returns all page table
// frames to the allocator and finally frees the directory frame itself.
func (pdt *PageDirectoryTable) Release() {
	if pdt.IsActive() {
		panic(errReleaseActivePDT)
	}

	for index := uint32(0); index < mm.EntriesPerTable; index++ {
		pdt.UnmapTable(index << mm.PageTableShift)
	}

	pdt.frames.FreeFrames(pdt.pdtFrame)
	pdt.pdtFrame = mm.InvalidFrame
}
