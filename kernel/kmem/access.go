package kmem

import (
	"ia32os/kernel"
	"ia32os/kernel/cpu"
	"ia32os/kernel/mm"
	"ia32os/kernel/mm/vmm"
)

var (
	errNoActiveSet = &kernel.Error{Module: "kmem", Message: "no active address space"}
	errFaultLoop   = &kernel.Error{Module: "kmem", Message: "access faulted again after the fault was resolved"}
)

// Access performs a single byte access at linearAddr in the active address
// space the way the CPU would: the TLB is consulted first, then the page
// tables are walked and the accessed and dirty bits updated. A failed
// translation raises a page fault which is handed to the fault resolver
// before the access is retried once. Access returns the byte read or, for
// writes, the byte stored.
func (s *System) Access(linearAddr uint32, write bool, value byte) byte {
	if s.active == nil {
		panic(errNoActiveSet)
	}

	for attempt := 0; ; attempt++ {
		physAddr, errorCode, ok := s.translate(linearAddr, write)
		if ok {
			if write {
				s.Memory.StoreByte(physAddr, value)
				return value
			}
			return s.Memory.LoadByte(physAddr)
		}

		if attempt != 0 {
			panic(errFaultLoop)
		}

		s.CPU.WriteCR2(linearAddr)
		s.Resolver.HandlePageFault(s.active, errorCode)
	}
}

// translate maps linearAddr to a physical address. If the translation fails
// it returns the page fault error code the CPU would push.
func (s *System) translate(linearAddr uint32, write bool) (uint32, uint32, bool) {
	if entry, ok := s.CPU.LookupTLB(linearAddr); ok {
		// Writes through a clean cached entry go to the page tables so
		// the dirty bit gets set.
		leaf := vmm.PageTableEntry(entry)
		if !write || leaf.HasFlags(vmm.FlagRW|vmm.FlagDirty) {
			return leaf.Frame().Address() + mm.PageOffset(linearAddr), 0, true
		}
	}

	var (
		pde, pte  *vmm.PageTableEntry
		errorCode = vmm.FaultUser
	)
	if write {
		errorCode |= vmm.FaultWrite
	}

	s.active.PageDirectory().Walk(linearAddr, func(level uint8, entry *vmm.PageTableEntry) bool {
		if level == 0 {
			pde = entry
		} else {
			pte = entry
		}
		return true
	})

	var (
		leaf     *vmm.PageTableEntry
		physAddr uint32
	)
	switch {
	case !pde.HasFlags(vmm.FlagPresent):
		return 0, errorCode, false
	case pde.HasFlags(vmm.FlagHugePage):
		leaf = pde
		physAddr = uint32(*pde)&^(mm.PageTableSpan-1) + linearAddr&(mm.PageTableSpan-1)
	case !pte.HasFlags(vmm.FlagPresent):
		return 0, errorCode, false
	default:
		leaf = pte
		physAddr = pte.Frame().Address() + mm.PageOffset(linearAddr)
	}

	if write && !(pde.HasFlags(vmm.FlagRW) && leaf.HasFlags(vmm.FlagRW)) {
		return 0, errorCode | vmm.FaultPresent, false
	}

	pde.SetFlags(vmm.FlagAccessed)
	leaf.SetFlags(vmm.FlagAccessed)
	if write {
		leaf.SetFlags(vmm.FlagDirty)
	}

	s.CPU.FillTLB(linearAddr, cpu.TLBEntry(mm.RoundDown(physAddr)|uint32(leaf.Flags())))
	return physAddr, 0, true
}

// LoadByte reads the byte at linearAddr in the active address space.
func (s *System) LoadByte(linearAddr uint32) byte {
	return s.Access(linearAddr, false, 0)
}

// StoreByte writes value at linearAddr in the active address space.
func (s *System) StoreByte(linearAddr uint32, value byte) {
	s.Access(linearAddr, true, value)
}

// FaultCount returns the number of page faults handled so far.
func (s *System) FaultCount() uint64 {
	return s.Resolver.FaultCount()
}
