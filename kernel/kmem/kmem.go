// Package kmem assembles the memory subsystem of a single machine: physical
// memory, the frame allocator, the kernel page directory, the page fault
// resolver and the swap engine.
package kmem

import (
	"ia32os/device"
	"ia32os/kernel"
	"ia32os/kernel/cpu"
	"ia32os/kernel/hal"
	"ia32os/kernel/hal/e820"
	"ia32os/kernel/kfmt"
	"ia32os/kernel/mm"
	"ia32os/kernel/mm/pmm"
	"ia32os/kernel/mm/swap"
	"ia32os/kernel/mm/swap/swapfs"
	"ia32os/kernel/mm/vmm"
)

// KernelBase is the linear address the kernel image is mapped at.
const KernelBase = uint32(0xc0000000)

var (
	errNoMemory     = &kernel.Error{Module: "kmem", Message: "memory map does not describe any usable memory"}
	errKernelTooBig = &kernel.Error{Module: "kmem", Message: "kernel image does not fit below the kernel base"}
)

// Config describes the machine a System is built for.
type Config struct {
	// MemoryMap is the firmware supplied physical memory layout.
	MemoryMap e820.Map

	// KernelEnd is the physical address right after the kernel image.
	// Frames below it are never handed to the allocator.
	KernelEnd uint32

	// Drivers are probed at boot. The first block device that
	// initializes successfully backs the swap store.
	Drivers device.DriverInfoList

	// SelfCheck runs the boot time checks once the system is up.
	SelfCheck bool
}

// System is the memory subsystem of a single machine.
type System struct {
	CPU      *cpu.CPU
	Memory   *mm.PhysicalMemory
	Frames   *pmm.Manager
	Resolver *vmm.FaultResolver
	Swap     *swap.Engine
	Devices  *hal.Devices

	allocator *pmm.FirstFitAllocator
	kernelPDT *vmm.PageDirectoryTable

	// active is the address space used by Access.
	active *vmm.VMASet
}

// New boots the memory subsystem described by cfg.
func New(cfg Config) (*System, *kernel.Error) {
	frameCount := pmm.FrameCountFor(cfg.MemoryMap)
	if frameCount == 0 {
		return nil, errNoMemory
	}

	if cfg.KernelEnd > ^KernelBase {
		return nil, errKernelTooBig
	}

	var (
		c     = cpu.New()
		table = pmm.NewFrameTable(frameCount)
		s     = &System{
			CPU:       c,
			Memory:    mm.NewPhysicalMemory(frameCount),
			allocator: pmm.NewFirstFitAllocator(table),
		}
	)

	s.Frames = pmm.NewManager(c, table, s.allocator)
	if s.Frames.Seed(cfg.MemoryMap, cfg.KernelEnd) == 0 {
		return nil, errNoMemory
	}

	if err := s.setupKernelPDT(cfg.KernelEnd); err != nil {
		return nil, err
	}

	s.Devices = hal.DetectHardware(cfg.Drivers)
	s.Swap = swap.NewEngine(s.Frames, swapfs.New(s.Devices.SwapDisk), swap.NewFIFO(table))
	if err := s.Swap.Init(); err != nil {
		return nil, err
	}
	s.Resolver = vmm.NewFaultResolver(c, s.Frames, s.Swap)

	if cfg.SelfCheck {
		if err := s.SelfCheck(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// setupKernelPDT builds the boot page directory, maps the kernel image at
// KernelBase with 4Mb pages and activates it.
func (s *System) setupKernelPDT(kernelEnd uint32) *kernel.Error {
	pdt, err := vmm.NewPageDirectoryTable(s.CPU, s.Memory, s.Frames)
	if err != nil {
		return err
	}

	imageSize := (mm.Size(kernelEnd) + mm.Size(mm.PageTableSpan-1)) &^ mm.Size(mm.PageTableSpan-1)
	if err = pdt.MapHugeRegion(0, KernelBase, imageSize, vmm.FlagRW); err != nil {
		return err
	}

	pdt.Activate()
	s.kernelPDT = pdt
	kfmt.Printf("[kmem] kernel image mapped at 0x%08x, page directory at 0x%08x\n", KernelBase, pdt.Frame().Address())
	return nil
}

// KernelPDT returns the boot page directory.
func (s *System) KernelPDT() *vmm.PageDirectoryTable { return s.kernelPDT }

// NewVMASet returns an empty VMA set backed by pdt and registers it with the
// swap engine when swapping is enabled.
func (s *System) NewVMASet(pdt *vmm.PageDirectoryTable) (*vmm.VMASet, *kernel.Error) {
	set := vmm.NewVMASet(pdt)
	if s.Swap.Active() {
		if err := s.Swap.InitVMASet(set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Activate makes set the address space used by Access and loads its page
// directory.
func (s *System) Activate(set *vmm.VMASet) {
	s.active = set
	if pdt := set.PageDirectory(); !pdt.IsActive() {
		pdt.Activate()
	}
}

// ActiveVMASet returns the address space used by Access.
func (s *System) ActiveVMASet() *vmm.VMASet { return s.active }

// ReleaseVMASet drops every mapping and swap entry inside the areas of set
// and destroys it. The page tables stay in place.
func (s *System) ReleaseVMASet(set *vmm.VMASet) {
	pdt := set.PageDirectory()
	set.Visit(func(vma *vmm.VMA) bool {
		for addr := uint64(vma.Start); addr < uint64(vma.End); addr += uint64(mm.PageSize) {
			pte, err := pdt.Entry(uint32(addr), false)
			if err != nil {
				continue
			}

			if pte.IsSwapEntry() {
				*pte = 0
				continue
			}
			pdt.Unmap(uint32(addr))
		}
		return true
	})

	s.Swap.ForgetVMASet(set)
	if s.active == set {
		s.active = nil
	}
	set.Destroy()
}

// PCMemoryMap returns the memory map a PC with size bytes of RAM reports:
// conventional memory below 640K, the BIOS hole and extended memory from 1M
// onwards.
func PCMemoryMap(size mm.Size) e820.Map {
	memMap := e820.Map{
		{PhysAddress: 0x0, Length: 0x9fc00, Type: e820.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: e820.MemReserved},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: e820.MemReserved},
	}

	if size > mm.Mb {
		memMap = append(memMap, e820.MemoryMapEntry{PhysAddress: 0x100000, Length: uint64(size - mm.Mb), Type: e820.MemAvailable})
	}
	return memMap
}
