package kmem

import (
	"ia32os/kernel"
	"ia32os/kernel/kfmt"
	"ia32os/kernel/mm"
	"ia32os/kernel/mm/vmm"
)

// ErrSelfCheck is returned when one of the boot time checks fails.
var ErrSelfCheck = &kernel.Error{Module: "kmem", Message: "memory subsystem self check failed"}

const (
	// swapCheckStart and swapCheckEnd delimit the area exercised by the
	// swap check. It holds one more page than swapCheckFrames.
	swapCheckStart  = uint32(0x1000)
	swapCheckEnd    = uint32(0x6000)
	swapCheckFrames = 4
)

// SelfCheck exercises the allocator, the VMA set, the page fault path and,
// when swapping is enabled, the replacement policy. Each check leaves the
// free frame count unchanged. The checks use the low 4Mb of the kernel page
// directory which must not be mapped.
func (s *System) SelfCheck() *kernel.Error {
	checks := []struct {
		name string
		fn   func() *kernel.Error
	}{
		{"allocator", s.checkAllocator},
		{"vma set", s.checkVMASet},
		{"page fault", s.checkPageFault},
		{"swap", s.checkSwap},
	}

	for _, check := range checks {
		if check.name == "swap" && !s.Swap.Active() {
			continue
		}

		freeBefore := s.Frames.FreeCount()
		kfmt.Printf("[kmem] check begin: %s\n", check.name)
		if err := check.fn(); err != nil {
			kfmt.Printf("[kmem] check failed: %s (%s)\n", check.name, err.Message)
			return err
		}

		if got := s.Frames.FreeCount(); got != freeBefore {
			kfmt.Printf("[kmem] check failed: %s leaked %d frames\n", check.name, int64(freeBefore)-int64(got))
			return ErrSelfCheck
		}
		kfmt.Printf("[kmem] check success: %s\n", check.name)
	}

	return nil
}

// checkAllocator verifies that adjacent single frames coalesce when freed in
// allocation order.
func (s *System) checkAllocator() *kernel.Error {
	var frames [3]mm.Frame
	for i := range frames {
		frame, err := s.Frames.AllocFrame()
		if err != nil {
			return err
		}
		frames[i] = frame
	}

	for i := range frames {
		if frames[i] == frames[(i+1)%len(frames)] {
			return ErrSelfCheck
		}
	}

	for _, frame := range frames {
		s.Frames.FreeFrames(frame)
	}

	run, err := s.Frames.AllocFrames(uint32(len(frames)))
	if err != nil {
		return err
	}
	s.Frames.FreeFrames(run)

	if frames[1] == frames[0]+1 && frames[2] == frames[1]+1 && run != frames[0] {
		kfmt.Printf("[kmem] expected run at frame %d; got %d\n", frames[0], run)
		return ErrSelfCheck
	}

	return nil
}

// checkVMASet inserts the areas [5i, 5i+2) out of order and verifies lookups
// inside the areas and in the gaps between them.
func (s *System) checkVMASet() *kernel.Error {
	const step1, step2 = 10, 100

	set := vmm.NewVMASet(s.kernelPDT)
	defer set.Destroy()

	for i := uint32(step1); i >= 1; i-- {
		set.Insert(vmm.NewVMA(i*5, i*5+2, 0))
	}
	for i := uint32(step1 + 1); i <= step2; i++ {
		set.Insert(vmm.NewVMA(i*5, i*5+2, 0))
	}

	next := uint32(5)
	ordered := true
	set.Visit(func(vma *vmm.VMA) bool {
		ordered = vma.Start == next && vma.End == next+2
		next += 5
		return ordered
	})
	if !ordered || set.Len() != step2 {
		return ErrSelfCheck
	}

	for i := uint32(5); i <= 5*step2; i += 5 {
		for off := uint32(0); off < 5; off++ {
			vma := set.Find(i + off)
			if (off < 2) != (vma != nil) {
				kfmt.Printf("[kmem] unexpected lookup result for address %d\n", i+off)
				return ErrSelfCheck
			}
			if vma != nil && (vma.Start != i || vma.End != i+2) {
				return ErrSelfCheck
			}
		}
	}

	for i := uint32(0); i < 5; i++ {
		if vma := set.Find(i); vma != nil {
			kfmt.Printf("[kmem] vma below 5: i %x, start %x, end %x\n", i, vma.Start, vma.End)
			return ErrSelfCheck
		}
	}

	return nil
}

// checkPageFault writes 100 bytes into a fresh writable area and reads them
// back.
func (s *System) checkPageFault() *kernel.Error {
	set, err := s.NewVMASet(s.kernelPDT)
	if err != nil {
		return err
	}
	set.Insert(vmm.NewVMA(0, mm.PageTableSpan, vmm.VMAWrite))

	prev := s.active
	s.Activate(set)
	defer func() {
		s.ReleaseVMASet(set)
		s.kernelPDT.UnmapTable(0)
		s.active = prev
	}()

	faultsBefore := s.FaultCount()
	sum := 0
	for i := uint32(0); i < 100; i++ {
		s.StoreByte(i, byte(i))
		sum += int(i)
	}
	for i := uint32(0); i < 100; i++ {
		sum -= int(s.LoadByte(i))
	}

	if sum != 0 || s.FaultCount()-faultsBefore != 1 {
		return ErrSelfCheck
	}
	return nil
}

// checkSwap runs the replacement policy check against an allocator that only
// holds swapCheckFrames frames. The rest of the free list is set aside and
// restored afterwards.
func (s *System) checkSwap() *kernel.Error {
	set, err := s.NewVMASet(s.kernelPDT)
	if err != nil {
		return err
	}
	set.Insert(vmm.NewVMA(swapCheckStart, swapCheckEnd, vmm.VMARead|vmm.VMAWrite))

	if _, err = s.kernelPDT.Entry(swapCheckStart, true); err != nil {
		return err
	}

	var checkFrames [swapCheckFrames]mm.Frame
	for i := range checkFrames {
		if checkFrames[i], err = s.Frames.AllocFrame(); err != nil {
			return err
		}
	}

	prev := s.active
	area := s.allocator.DetachFreeArea()
	for _, frame := range checkFrames {
		s.Frames.FreeFrames(frame)
	}
	s.Activate(set)

	defer func() {
		s.ReleaseVMASet(set)
		s.kernelPDT.UnmapTable(swapCheckStart)
		s.allocator.ReattachFreeArea(area)
		s.active = prev
	}()

	if err = s.checkSwapContents(); err != nil {
		return err
	}

	if s.Frames.FreeCount() != 0 {
		return ErrSelfCheck
	}

	pending := make(map[mm.Frame]bool, swapCheckFrames)
	for _, frame := range checkFrames {
		pending[frame] = true
	}
	for i := uint32(0); i < swapCheckFrames; i++ {
		pte, err := s.kernelPDT.Entry(swapCheckStart+i*mm.PageSize, false)
		if err != nil || !pte.HasFlags(vmm.FlagPresent) || !pending[pte.Frame()] {
			return ErrSelfCheck
		}
		delete(pending, pte.Frame())
	}

	return s.Swap.Check(s)
}

// checkSwapContents populates the first swapCheckFrames pages of the swap
// check area, expecting one fault per page.
func (s *System) checkSwapContents() *kernel.Error {
	init := s.FaultCount()
	for i := uint32(0); i < swapCheckFrames; i++ {
		addr := swapCheckStart + i*mm.PageSize
		value := byte(0x0a + i)

		s.StoreByte(addr, value)
		s.StoreByte(addr+0x10, value)
		if s.FaultCount()-init != uint64(i+1) {
			return ErrSelfCheck
		}
	}
	return nil
}
