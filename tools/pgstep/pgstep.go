package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-tty"

	"ia32os/device"
	"ia32os/device/ide"
	"ia32os/kernel"
	"ia32os/kernel/kfmt"
	"ia32os/kernel/kmem"
	"ia32os/kernel/mm"
	"ia32os/kernel/mm/swap/swapfs"
	"ia32os/kernel/mm/vmm"
)

const (
	// areaBase is the first page of the area the stepper operates on.
	areaBase = uint32(0x1000)

	// maxAreaPages is the number of pages addressable by the digit keys.
	maxAreaPages = 9
)

var errFrameHog = &kernel.Error{Module: "pgstep", Message: "not enough free frames to leave the requested amount"}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[pgstep] error: %s\n", err.Error())
	os.Exit(1)
}

// stepper applies single key commands to an address space with a limited
// number of free frames.
type stepper struct {
	sys   *kmem.System
	set   *vmm.VMASet
	pages uint32
	out   io.Writer

	// held keeps the frames set aside to create memory pressure.
	held []mm.Frame
}

// newStepper maps an area of pages at areaBase and allocates frames until
// only freeFrames are left for the area.
func newStepper(sys *kmem.System, pages, freeFrames uint32, out io.Writer) (*stepper, *kernel.Error) {
	pdt, err := vmm.NewPageDirectoryTable(sys.CPU, sys.Memory, sys.Frames)
	if err != nil {
		return nil, err
	}

	// The page table is created upfront so it does not compete with the
	// area pages for frames.
	if _, err = pdt.Entry(areaBase, true); err != nil {
		return nil, err
	}

	set, err := sys.NewVMASet(pdt)
	if err != nil {
		return nil, err
	}
	set.Insert(vmm.NewVMA(areaBase, areaBase+pages*mm.PageSize, vmm.VMARead|vmm.VMAWrite))
	sys.Activate(set)

	s := &stepper{sys: sys, set: set, pages: pages, out: out}
	if sys.Frames.FreeCount() < freeFrames {
		return nil, errFrameHog
	}
	for sys.Frames.FreeCount() > freeFrames {
		frame, err := sys.Frames.AllocFrame()
		if err != nil {
			return nil, err
		}
		s.held = append(s.held, frame)
	}

	return s, nil
}

// release returns the held frames to the allocator.
func (s *stepper) release() {
	for _, frame := range s.held {
		s.sys.Frames.FreeFrames(frame)
	}
	s.held = nil
}

func (s *stepper) help() {
	fmt.Fprintf(s.out, "keys: 1-%d write page, a-%c read page, p dump, s stats, q quit\n", s.pages, 'a'+rune(s.pages)-1)
}

// handle executes the command bound to key. It returns false when the user
// asks to quit.
func (s *stepper) handle(key rune) bool {
	switch {
	case key == 'q':
		return false
	case key >= '1' && key < '1'+rune(s.pages):
		page := uint32(key - '1')
		before := s.sys.FaultCount()
		s.sys.StoreByte(areaBase+page*mm.PageSize, byte(key))
		fmt.Fprintf(s.out, "write 0x%08x: %d fault(s)\n", areaBase+page*mm.PageSize, s.sys.FaultCount()-before)
	case key >= 'a' && key < 'a'+rune(s.pages):
		page := uint32(key - 'a')
		before := s.sys.FaultCount()
		value := s.sys.LoadByte(areaBase + page*mm.PageSize)
		fmt.Fprintf(s.out, "read 0x%08x = 0x%02x: %d fault(s)\n", areaBase+page*mm.PageSize, value, s.sys.FaultCount()-before)
	case key == 'p':
		s.set.PageDirectory().Dump(s.out, areaBase, areaBase+s.pages*mm.PageSize)
	case key == 's':
		stats := s.sys.Swap.Stats()
		fmt.Fprintf(s.out, "faults: %d, swap outs: %d, swap ins: %d, write failures: %d, free frames: %d\n",
			s.sys.FaultCount(), stats.SwapOuts, stats.SwapIns, stats.WriteFailures, s.sys.Frames.FreeCount())
	default:
		s.help()
	}

	return true
}

func runTool() error {
	memSize := flag.Uint("mem", 8, "the amount of RAM in Mb")
	kernelEnd := flag.Uint("kernel-end", 0x200000, "the physical address where the kernel image ends")
	diskImage := flag.String("disk", "", "a swap disk image; an in-memory disk is used if empty")
	pages := flag.Uint("pages", 5, "the number of pages in the area (1-9)")
	freeFrames := flag.Uint("frames", 4, "the number of frames left for the area")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "pgstep: step through page faults and evictions one key at a time\n\n")
		fmt.Fprint(os.Stderr, "Usage: pgstep [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *pages == 0 || *pages > maxAreaPages {
		exit(errors.New("pages must be between 1 and 9"))
	}

	term, err := tty.Open()
	if err != nil {
		return err
	}
	defer term.Close()

	restore, err := term.Raw()
	if err != nil {
		return err
	}
	defer func() { _ = restore() }()

	out := &crlfWriter{w: term.Output()}
	kfmt.SetOutputSink(out)

	var disk ide.BlockDevice = ide.NewMemDisk(1024 * swapfs.PageSectors)
	if *diskImage != "" {
		fileDisk, kerr := ide.OpenFileDisk(*diskImage, 1024*swapfs.PageSectors)
		if kerr != nil {
			return kerr
		}
		defer fileDisk.Close()
		disk = fileDisk
	}

	sys, kerr := kmem.New(kmem.Config{
		MemoryMap: kmem.PCMemoryMap(mm.Size(*memSize) * mm.Mb),
		KernelEnd: uint32(*kernelEnd),
		Drivers: device.DriverInfoList{
			{Order: device.DetectOrderStorage, Probe: func() device.Driver { return disk }},
		},
	})
	if kerr != nil {
		return kerr
	}

	s, kerr := newStepper(sys, uint32(*pages), uint32(*freeFrames), out)
	if kerr != nil {
		return kerr
	}
	defer s.release()

	s.help()
	for {
		key, err := term.ReadRune()
		if err != nil {
			return err
		}

		if !s.handle(key) {
			return nil
		}
	}
}

// crlfWriter translates line feeds to carriage return plus line feed for
// terminals in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	start := 0
	for i, b := range p {
		if b != '\n' {
			continue
		}

		if _, err := c.w.Write(p[start:i]); err != nil {
			return start, err
		}
		if _, err := c.w.Write([]byte("\r\n")); err != nil {
			return i, err
		}
		start = i + 1
	}

	if _, err := c.w.Write(p[start:]); err != nil {
		return start, err
	}
	return len(p), nil
}

func main() {
	// Kernel panics raised by the memory core get the console banner before
	// the simulated CPU halts.
	defer func() {
		if r := recover(); r != nil {
			kfmt.SetOutputSink(os.Stderr)
			kfmt.Panic(r)
		}
	}()

	if err := runTool(); err != nil {
		exit(err)
	}
}
