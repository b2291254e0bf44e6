package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fogleman/gg"

	"ia32os/device"
	"ia32os/device/ide"
	"ia32os/kernel"
	"ia32os/kernel/kfmt"
	"ia32os/kernel/kmem"
	"ia32os/kernel/mm"
	"ia32os/kernel/mm/pmm"
	"ia32os/kernel/mm/swap"
	"ia32os/kernel/mm/swap/swapfs"
	"ia32os/kernel/mm/vmm"
)

const (
	legendHeight = 24

	// workloadBase is the linear address of the area touched by the
	// workload. Swap slots are derived from page addresses so the area sits
	// at the bottom of the address space.
	workloadBase = uint32(0x1000)
)

// stateColors maps each frame state to an RGB color.
var stateColors = map[pmm.FrameState][3]int{
	pmm.FrameReserved:  {0x60, 0x60, 0x60},
	pmm.FrameFree:      {0xe8, 0xe8, 0xe8},
	pmm.FrameAllocated: {0x2b, 0x6c, 0xb0},
	pmm.FrameSwappable: {0xe0, 0x8a, 0x1e},
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[framemap] error: %s\n", err.Error())
	os.Exit(1)
}

// renderFrameMap draws one cell per frame, cols cells per row, followed by a
// legend with the number of frames in each state.
func renderFrameMap(table *pmm.FrameTable, cols, cell int) *gg.Context {
	var (
		frameCount = int(table.Len())
		rows       = (frameCount + cols - 1) / cols
		dc         = gg.NewContext(cols*cell, rows*cell+legendHeight)
		counts     = make(map[pmm.FrameState]int)
	)

	dc.SetRGB(1, 1, 1)
	dc.Clear()

	table.VisitFrames(func(frame mm.Frame, state pmm.FrameState) bool {
		rgb := stateColors[state]
		x, y := int(frame)%cols, int(frame)/cols

		dc.SetRGB255(rgb[0], rgb[1], rgb[2])
		dc.DrawRectangle(float64(x*cell), float64(y*cell), float64(cell), float64(cell))
		dc.Fill()
		counts[state]++
		return true
	})

	legendX := 4.0
	legendY := float64(rows*cell) + legendHeight/2
	for _, state := range []pmm.FrameState{pmm.FrameReserved, pmm.FrameFree, pmm.FrameAllocated, pmm.FrameSwappable} {
		rgb := stateColors[state]
		dc.SetRGB255(rgb[0], rgb[1], rgb[2])
		dc.DrawRectangle(legendX, legendY-4, 8, 8)
		dc.Fill()

		label := fmt.Sprintf("%s: %d", state, counts[state])
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(label, legendX+12, legendY, 0, 0.5)
		w, _ := dc.MeasureString(label)
		legendX += 12 + w + 16
	}

	return dc
}

// newSystem boots a self-checked machine with memSize bytes of RAM. A nil disk
// leaves swapping disabled.
func newSystem(memSize mm.Size, kernelEnd uint32, disk ide.BlockDevice) (*kmem.System, *kernel.Error) {
	cfg := kmem.Config{
		MemoryMap: kmem.PCMemoryMap(memSize),
		KernelEnd: kernelEnd,
		SelfCheck: true,
	}
	if disk != nil {
		cfg.Drivers = device.DriverInfoList{
			{Order: device.DetectOrderStorage, Probe: func() device.Driver { return disk }},
		}
	}

	return kmem.New(cfg)
}

// runWorkload maps pages of a fresh address space and writes to each one.
func runWorkload(sys *kmem.System, pages uint32) error {
	pdt, err := vmm.NewPageDirectoryTable(sys.CPU, sys.Memory, sys.Frames)
	if err != nil {
		return err
	}

	set, err := sys.NewVMASet(pdt)
	if err != nil {
		return err
	}
	set.Insert(vmm.NewVMA(workloadBase, workloadBase+pages*mm.PageSize, vmm.VMARead|vmm.VMAWrite))
	sys.Activate(set)

	for page := uint32(0); page < pages; page++ {
		sys.StoreByte(workloadBase+page*mm.PageSize, byte(page))
	}
	return nil
}

func runTool() error {
	memSize := flag.Uint("mem", 3, "the amount of RAM in Mb")
	kernelEnd := flag.Uint("kernel-end", 0x200000, "the physical address where the kernel image ends")
	diskImage := flag.String("disk", "", "a swap disk image; an in-memory disk is used if empty")
	swapPages := flag.Uint("swap-pages", 1024, "the swap capacity in pages (0 disables swapping)")
	pages := flag.Uint("pages", 512, "the number of pages written by the workload")
	cols := flag.Int("cols", 128, "the number of frames per row")
	cell := flag.Int("cell", 6, "the size of each frame cell in pixels")
	verbose := flag.Bool("v", false, "print kernel trace output to STDERR")
	output := flag.String("out", "framemap.png", "the PNG file to write")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "framemap: render the physical frame states of a simulated machine\n\n")
		fmt.Fprint(os.Stderr, "Usage: framemap [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *cols <= 0 || *cell <= 0 {
		exit(errors.New("cols and cell must be positive"))
	}

	if *verbose {
		kfmt.SetOutputSink(os.Stderr)
	} else {
		kfmt.SetOutputSink(io.Discard)
	}

	if *swapPages != 0 {
		if *swapPages < swap.MinCapacity || *swapPages >= swap.MaxCapacity {
			exit(fmt.Errorf("swap-pages must be 0 or in [%d, %d)", swap.MinCapacity, swap.MaxCapacity))
		}

		// the last workload page is stored in slot base/PageSize+pages
		if lastSlot := workloadBase>>mm.PageShift + uint32(*pages); lastSlot >= uint32(*swapPages) {
			exit(fmt.Errorf("swap-pages must exceed %d to hold every workload page", lastSlot))
		}
	}

	var disk ide.BlockDevice
	switch {
	case *swapPages == 0:
	case *diskImage != "":
		fileDisk, err := ide.OpenFileDisk(*diskImage, uint32(*swapPages)*swapfs.PageSectors)
		if err != nil {
			return err
		}
		defer fileDisk.Close()
		disk = fileDisk
	default:
		disk = ide.NewMemDisk(uint32(*swapPages) * swapfs.PageSectors)
	}

	sys, err := newSystem(mm.Size(*memSize)*mm.Mb, uint32(*kernelEnd), disk)
	if err != nil {
		return err
	}

	if err := runWorkload(sys, uint32(*pages)); err != nil {
		return err
	}

	dc := renderFrameMap(sys.Frames.Table(), *cols, *cell)
	if err := dc.SavePNG(*output); err != nil {
		return err
	}

	stats := sys.Swap.Stats()
	fmt.Printf("wrote %s: %d frames, %d free, %d swap outs, %d swap ins\n",
		*output, sys.Frames.Table().Len(), sys.Frames.FreeCount(), stats.SwapOuts, stats.SwapIns)
	return nil
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
