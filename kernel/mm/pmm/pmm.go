// Package pmm tracks the physical frames installed in the system and hands
// them out to the rest of the kernel.
package pmm

import (
	"ia32os/kernel"
	"ia32os/kernel/cpu"
	"ia32os/kernel/hal/e820"
	"ia32os/kernel/kfmt"
	"ia32os/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when an allocation request cannot be
	// satisfied even after reclaiming frames.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}
)

// Allocator is implemented by physical frame allocators.
type Allocator interface {
	// Name returns the allocator name.
	Name() string

	// Init resets the allocator state.
	Init()

	// AddRegion hands count reserved frames starting at base over to
	// the allocator.
	AddRegion(base mm.Frame, count uint32)

	// Alloc reserves n contiguous frames. It returns mm.InvalidFrame if
	// the request cannot be satisfied.
	Alloc(n uint32) mm.Frame

	// Free releases a run obtained via Alloc.
	Free(frame mm.Frame)

	// FreeCount returns the number of free frames.
	FreeCount() uint32
}

// Reclaimer is implemented by subsystems that can release frames when the
// allocator runs dry.
type Reclaimer interface {
	// Reclaim tries to release at least one frame back to the allocator
	// and reports whether it made any progress.
	Reclaim() bool
}

// Manager serializes access to an Allocator and retries single frame
// allocations after asking the registered Reclaimer to release memory.
type Manager struct {
	cpu       *cpu.CPU
	table     *FrameTable
	allocator Allocator

	reclaimer  Reclaimer
	maxRetries int
}

// NewManager returns a Manager for the supplied allocator.
func NewManager(c *cpu.CPU, table *FrameTable, allocator Allocator) *Manager {
	return &Manager{cpu: c, table: table, allocator: allocator}
}

// Table returns the frame table managed by m.
func (m *Manager) Table() *FrameTable { return m.table }

// Allocator returns the underlying allocator.
func (m *Manager) Allocator() Allocator { return m.allocator }

// SetReclaimer registers a reclaimer that is consulted at most maxRetries
// times for a failed single frame allocation. Passing a nil reclaimer
// disables reclaiming.
func (m *Manager) SetReclaimer(r Reclaimer, maxRetries int) {
	m.reclaimer = r
	m.maxRetries = maxRetries
}

// AllocFrames reserves n contiguous frames. Single frame requests that cannot
// be satisfied trigger a bounded number of reclaim attempts; multi-frame
// requests fail immediately.
func (m *Manager) AllocFrames(n uint32) (mm.Frame, *kernel.Error) {
	for attempt := 0; ; attempt++ {
		saved := m.cpu.SaveInterrupts()
		frame := m.allocator.Alloc(n)
		m.cpu.RestoreInterrupts(saved)

		if frame.Valid() {
			return frame, nil
		}

		if n > 1 || m.reclaimer == nil || attempt >= m.maxRetries {
			return mm.InvalidFrame, ErrOutOfMemory
		}

		if !m.reclaimer.Reclaim() {
			return mm.InvalidFrame, ErrOutOfMemory
		}
	}
}

// AllocFrame reserves a single frame.
func (m *Manager) AllocFrame() (mm.Frame, *kernel.Error) {
	return m.AllocFrames(1)
}

// FreeFrames releases a run obtained via AllocFrames.
func (m *Manager) FreeFrames(frame mm.Frame) {
	saved := m.cpu.SaveInterrupts()
	m.allocator.Free(frame)
	m.cpu.RestoreInterrupts(saved)
}

// FreeCount returns the number of free frames.
func (m *Manager) FreeCount() uint32 {
	saved := m.cpu.SaveInterrupts()
	defer m.cpu.RestoreInterrupts(saved)
	return m.allocator.FreeCount()
}

// FrameCountFor returns the number of frames needed to track every available
// region in memMap, capped at mm.MaxPhysicalMemory.
func FrameCountFor(memMap e820.Map) uint32 {
	var maxAddr uint64
	memMap.VisitMemRegions(func(region *e820.MemoryMapEntry) bool {
		if region.Type != e820.MemAvailable {
			return true
		}

		if end := region.PhysAddress + region.Length; end > maxAddr {
			maxAddr = end
		}
		return true
	})

	if maxAddr > uint64(mm.MaxPhysicalMemory) {
		maxAddr = uint64(mm.MaxPhysicalMemory)
	}

	return uint32(maxAddr >> mm.PageShift)
}

// Seed hands every available memory region in memMap over to the allocator.
// Frames below kernelEnd and the frames that hold the frame table itself
// (placed right after the kernel image) stay reserved. Seed returns the
// number of frames added to the allocator.
func (m *Manager) Seed(memMap e820.Map, kernelEnd uint32) uint32 {
	printMemoryMap(memMap)

	var (
		pageSizeMinus1 = uint64(mm.PageSize - 1)
		freeStart      = (uint64(kernelEnd) + pageSizeMinus1) &^ pageSizeMinus1
		limit          = uint64(m.table.Len()) << mm.PageShift
		added          uint32
	)
	freeStart = (freeStart + uint64(m.table.Size()) + pageSizeMinus1) &^ pageSizeMinus1

	saved := m.cpu.SaveInterrupts()
	defer m.cpu.RestoreInterrupts(saved)

	m.allocator.Init()
	memMap.VisitMemRegions(func(region *e820.MemoryMapEntry) bool {
		if region.Type != e820.MemAvailable {
			return true
		}

		begin, end := region.PhysAddress, region.PhysAddress+region.Length
		if begin < freeStart {
			begin = freeStart
		}
		if end > limit {
			end = limit
		}

		// Reported addresses may not be page-aligned; round up the
		// start and round down the end
		begin = (begin + pageSizeMinus1) &^ pageSizeMinus1
		end &^= pageSizeMinus1
		if begin >= end {
			return true
		}

		count := uint32((end - begin) >> mm.PageShift)
		m.allocator.AddRegion(mm.Frame(begin>>mm.PageShift), count)
		added += count
		return true
	})

	kfmt.Printf("[pmm] %s allocator: %d frames available, %d reserved\n", m.allocator.Name(), added, m.table.Len()-added)
	return added
}

// printMemoryMap prints out the system's memory map.
func printMemoryMap(memMap e820.Map) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	memMap.VisitMemRegions(func(region *e820.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%010x - 0x%010x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == e820.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] free memory: %dKb\n", uint64(totalFree/mm.Kb))
}
