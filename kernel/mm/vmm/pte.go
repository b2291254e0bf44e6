package vmm

import "ia32os/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page directory
// or page table entry.
type PageTableEntryFlag uint32

// The list of flags supported by 32-bit x86 page directory and page table
// entries.
const (
	// FlagPresent is set when the page is available in memory and not
	// swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4Mb pages instead of 4K pages.
	FlagHugePage
)

// FlagUser is the permission set installed for page tables and user pages.
const FlagUser = FlagUserAccessible | FlagRW | FlagPresent

const (
	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry.
	ptePhysPageMask = uint32(0xfffff000)

	// pteFlagMask selects the flag bits of an entry.
	pteFlagMask = uint32(0xfff)
)

// PageTableEntry describes a 32-bit page directory or page table entry. An
// entry is either zero (never mapped), present (frame address plus flags) or
// non-zero without FlagPresent, in which case it holds a swap entry.
type PageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Flags returns the flag bits of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint32(pte) & pteFlagMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (PageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | frame.Address())
}

// IsSwapEntry returns true if the entry is not present but still carries a
// swap location.
func (pte PageTableEntry) IsSwapEntry() bool {
	return pte != 0 && !pte.HasFlags(FlagPresent)
}

// directoryIndex returns the page directory slot for a linear address.
func directoryIndex(linearAddr uint32) uint32 {
	return linearAddr >> mm.PageTableShift
}

// tableIndex returns the page table slot for a linear address.
func tableIndex(linearAddr uint32) uint32 {
	return (linearAddr >> mm.PageShift) & (mm.EntriesPerTable - 1)
}
