// Package cpu models the parts of a single i386 core that the memory
// subsystem interacts with: the interrupt enable flag, the CR2 and CR3
// control registers and the translation lookaside buffer.
package cpu

import "ia32os/kernel"

var errHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}

// TLBEntry is a cached translation for a single page. It holds a copy of the
// page table entry that was used to resolve the translation.
type TLBEntry uint32

// CPU holds the architectural state of the executing core.
type CPU struct {
	interruptsEnabled bool

	// cr2 holds the linear address that triggered the last page fault.
	cr2 uint32

	// cr3 holds the physical address of the active page directory.
	cr3 uint32

	tlb map[uint32]TLBEntry

	tlbFlushes uint64
}

// New returns a CPU with interrupts enabled, no active page directory and an
// empty TLB.
func New() *CPU {
	return &CPU{
		interruptsEnabled: true,
		tlb:               make(map[uint32]TLBEntry),
	}
}

// EnableInterrupts enables interrupt handling.
func (c *CPU) EnableInterrupts() { c.interruptsEnabled = true }

// DisableInterrupts disables interrupt handling.
func (c *CPU) DisableInterrupts() { c.interruptsEnabled = false }

// InterruptsEnabled returns true if the interrupt flag is set.
func (c *CPU) InterruptsEnabled() bool { return c.interruptsEnabled }

// SaveInterrupts disables interrupts and reports whether they were enabled
// before the call. The returned value must be passed to RestoreInterrupts
// once the critical section completes:
//
//	defer c.RestoreInterrupts(c.SaveInterrupts())
func (c *CPU) SaveInterrupts() bool {
	if c.interruptsEnabled {
		c.interruptsEnabled = false
		return true
	}

	return false
}

// RestoreInterrupts re-enables interrupts only if the matching call to
// SaveInterrupts found them enabled. Nested critical sections therefore never
// re-enable interrupts behind the back of an enclosing section.
func (c *CPU) RestoreInterrupts(wasEnabled bool) {
	if wasEnabled {
		c.interruptsEnabled = true
	}
}

// ReadCR2 returns the value stored in the CR2 register.
func (c *CPU) ReadCR2() uint32 { return c.cr2 }

// WriteCR2 latches the faulting linear address into CR2.
func (c *CPU) WriteCR2(linearAddr uint32) { c.cr2 = linearAddr }

// ActivePDT returns the physical address of the currently active page
// directory.
func (c *CPU) ActivePDT() uint32 { return c.cr3 }

// SwitchPDT sets the root page directory to point to the specified physical
// address and flushes the TLB.
func (c *CPU) SwitchPDT(pdtPhysAddr uint32) {
	c.cr3 = pdtPhysAddr
	for page := range c.tlb {
		delete(c.tlb, page)
	}
	c.tlbFlushes++
}

// FlushTLBEntry flushes the TLB entry for a particular linear address.
func (c *CPU) FlushTLBEntry(linearAddr uint32) {
	delete(c.tlb, linearAddr>>12)
	c.tlbFlushes++
}

// LookupTLB returns the cached translation for the page containing
// linearAddr.
func (c *CPU) LookupTLB(linearAddr uint32) (TLBEntry, bool) {
	entry, ok := c.tlb[linearAddr>>12]
	return entry, ok
}

// FillTLB caches a translation for the page containing linearAddr.
func (c *CPU) FillTLB(linearAddr uint32, entry TLBEntry) {
	c.tlb[linearAddr>>12] = entry
}

// TLBFlushCount returns the number of TLB invalidations performed so far.
func (c *CPU) TLBFlushCount() uint64 { return c.tlbFlushes }

// Halt stops instruction execution. A halted core never resumes so Halt
// never returns.
func Halt() {
	panic(errHalted)
}
