package kmem

import (
	"testing"

	"ia32os/device"
	"ia32os/device/ide"
	"ia32os/kernel"
	"ia32os/kernel/cpu"
	"ia32os/kernel/hal/e820"
	"ia32os/kernel/mm"
	"ia32os/kernel/mm/swap/swapfs"
	"ia32os/kernel/mm/vmm"
)

// testMemoryMap describes a machine with 8M of RAM.
var testMemoryMap = PCMemoryMap(8 * mm.Mb)

func swapDisk(disk *ide.MemDisk) device.DriverInfoList {
	return device.DriverInfoList{
		{Order: device.DetectOrderStorage, Probe: func() device.Driver { return disk }},
	}
}

func newTestSystem(t *testing.T, withSwap bool) *System {
	t.Helper()

	cfg := Config{MemoryMap: testMemoryMap, KernelEnd: 0x200000}
	if withSwap {
		cfg.Drivers = swapDisk(ide.NewMemDisk(1024 * swapfs.PageSectors))
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNew(t *testing.T) {
	s := newTestSystem(t, false)

	// frame table (14 frames) follows the kernel image at 2M; one frame
	// holds the kernel page directory
	if exp, got := uint32((0x800000-0x20e000)>>mm.PageShift-1), s.Frames.FreeCount(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	if !s.KernelPDT().IsActive() {
		t.Fatal("expected kernel page directory to be active")
	}

	if s.Swap.Active() {
		t.Fatal("expected swapping to be disabled without a swap disk")
	}

	physAddr, err := s.KernelPDT().Translate(KernelBase + 0x1234)
	if err != nil || physAddr != 0x1234 {
		t.Fatalf("expected kernel image to be mapped at 0x%x; got 0x%x, %v", KernelBase, physAddr, err)
	}
}

func TestPCMemoryMap(t *testing.T) {
	if exp, got := 4, len(testMemoryMap); got != exp {
		t.Fatalf("expected %d regions; got %d", exp, got)
	}

	if got := testMemoryMap[3]; got.PhysAddress != 0x100000 || got.Length != 0x700000 || got.Type != e820.MemAvailable {
		t.Fatalf("unexpected extended memory region: %+v", got)
	}

	if exp, got := 3, len(PCMemoryMap(mm.Mb)); got != exp {
		t.Fatalf("expected %d regions without extended memory; got %d", exp, got)
	}
}

func TestNewErrors(t *testing.T) {
	specs := []struct {
		cfg    Config
		expErr *kernel.Error
	}{
		{Config{}, errNoMemory},
		{Config{MemoryMap: e820.Map{{PhysAddress: 0x100000, Length: 0x1000, Type: e820.MemReserved}}}, errNoMemory},
		{Config{MemoryMap: testMemoryMap, KernelEnd: 0x7ff000}, errNoMemory},
		{Config{MemoryMap: testMemoryMap, KernelEnd: 0x40000000}, errKernelTooBig},
	}

	for specIndex, spec := range specs {
		if _, err := New(spec.cfg); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestSelfCheck(t *testing.T) {
	t.Run("without swap", func(t *testing.T) {
		s := newTestSystem(t, false)
		if err := s.SelfCheck(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("with swap", func(t *testing.T) {
		disk := ide.NewMemDisk(1024 * swapfs.PageSectors)
		s, err := New(Config{
			MemoryMap: testMemoryMap,
			KernelEnd: 0x200000,
			Drivers:   swapDisk(disk),
			SelfCheck: true,
		})
		if err != nil {
			t.Fatal(err)
		}

		if !s.Swap.Active() || s.Devices.SwapDisk != disk {
			t.Fatal("expected the memory disk to back the swap store")
		}

		if exp, got := uint64(7), s.Swap.Stats().SwapOuts; got != exp {
			t.Fatalf("expected %d swap outs; got %d", exp, got)
		}

		// the check areas are gone
		if _, err = s.KernelPDT().Entry(0, false); err != vmm.ErrInvalidMapping {
			t.Fatalf("expected low 4M to be unmapped; got %v", err)
		}
	})

	t.Run("swap write failure", func(t *testing.T) {
		disk := ide.NewMemDisk(1024 * swapfs.PageSectors)
		disk.FailWrite = func(uint32) bool { return true }

		s := &System{}
		defer func() {
			if err := recover(); err != vmm.ErrNoMemory {
				t.Fatalf("expected vmm.ErrNoMemory; got %v", err)
			}
			if s.Swap.Stats().WriteFailures == 0 {
				t.Fatal("expected write failures to be recorded")
			}
		}()

		var err *kernel.Error
		if s, err = New(Config{MemoryMap: testMemoryMap, KernelEnd: 0x200000, Drivers: swapDisk(disk)}); err != nil {
			t.Fatal(err)
		}
		_ = s.SelfCheck()
	})
}

func TestAccess(t *testing.T) {
	s := newTestSystem(t, true)
	set, err := s.NewVMASet(s.KernelPDT())
	if err != nil {
		t.Fatal(err)
	}
	set.Insert(vmm.NewVMA(0x400000, 0x410000, vmm.VMARead|vmm.VMAWrite))
	set.Insert(vmm.NewVMA(0x800000, 0x801000, vmm.VMARead))
	s.Activate(set)

	if s.ActiveVMASet() != set {
		t.Fatal("expected set to be active")
	}

	t.Run("fault on first access", func(t *testing.T) {
		before := s.FaultCount()
		if got := s.LoadByte(0x400010); got != 0 {
			t.Fatalf("expected fresh page to be zeroed; got 0x%x", got)
		}
		s.StoreByte(0x400010, 0x42)
		if got := s.LoadByte(0x400010); got != 0x42 {
			t.Fatalf("expected 0x42; got 0x%x", got)
		}

		if exp, got := uint64(1), s.FaultCount()-before; got != exp {
			t.Fatalf("expected %d fault; got %d", exp, got)
		}
	})

	t.Run("accessed and dirty bits", func(t *testing.T) {
		pte, _ := s.KernelPDT().Entry(0x401000, true)

		s.LoadByte(0x401000)
		if !pte.HasFlags(vmm.FlagAccessed) || pte.HasFlags(vmm.FlagDirty) {
			t.Fatalf("expected only the accessed bit to be set; got 0x%x", uint32(*pte))
		}

		if _, ok := s.CPU.LookupTLB(0x401000); !ok {
			t.Fatal("expected translation to be cached")
		}

		s.StoreByte(0x401001, 1)
		if !pte.HasFlags(vmm.FlagDirty) {
			t.Fatal("expected a write through a clean TLB entry to set the dirty bit")
		}

		entry, _ := s.CPU.LookupTLB(0x401000)
		if !vmm.PageTableEntry(entry).HasFlags(vmm.FlagDirty) {
			t.Fatal("expected the refreshed TLB entry to be dirty")
		}
	})

	t.Run("stale TLB entries are flushed", func(t *testing.T) {
		s.CPU.FillTLB(0x402000, cpu.TLBEntry(0xdead0000|uint32(vmm.FlagUser|vmm.FlagDirty)))
		s.KernelPDT().Invalidate(0x402000)

		s.StoreByte(0x402000, 7)
		if got := s.LoadByte(0x402000); got != 7 {
			t.Fatalf("expected 7; got %d", got)
		}
	})

	t.Run("kernel image", func(t *testing.T) {
		s.Memory.StoreByte(0x1234, 0x99)
		if got := s.LoadByte(KernelBase + 0x1234); got != 0x99 {
			t.Fatalf("expected 0x99; got 0x%x", got)
		}
	})

	t.Run("write to read-only area", func(t *testing.T) {
		s.LoadByte(0x800000)

		defer func() {
			if err := recover(); err != vmm.ErrWriteProtected {
				t.Fatalf("expected vmm.ErrWriteProtected; got %v", err)
			}
		}()
		s.StoreByte(0x800000, 1)
	})

	t.Run("address outside any area", func(t *testing.T) {
		defer func() {
			if err := recover(); err != vmm.ErrInvalidAddress {
				t.Fatalf("expected vmm.ErrInvalidAddress; got %v", err)
			}
		}()
		s.LoadByte(0x900000)
	})

	t.Run("release", func(t *testing.T) {
		// page tables for 0x400000 and 0x800000 stay allocated
		freeBefore := s.Frames.FreeCount()
		s.ReleaseVMASet(set)

		if exp, got := freeBefore+4, s.Frames.FreeCount(); got != exp {
			t.Fatalf("expected %d free frames; got %d", exp, got)
		}
		if s.ActiveVMASet() != nil {
			t.Fatal("expected no active set after release")
		}
	})

	t.Run("no active set", func(t *testing.T) {
		defer func() {
			if err := recover(); err != errNoActiveSet {
				t.Fatalf("expected errNoActiveSet; got %v", err)
			}
		}()
		s.LoadByte(0x400000)
	})
}
