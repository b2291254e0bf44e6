package pmm

import (
	"math/rand"
	"testing"

	"ia32os/kernel"
	"ia32os/kernel/mm"
)

func newTestAllocator(frameCount uint32, base mm.Frame, count uint32) (*FrameTable, *FirstFitAllocator) {
	table := NewFrameTable(frameCount)
	alloc := NewFirstFitAllocator(table)
	alloc.Init()
	alloc.AddRegion(base, count)
	return table, alloc
}

// checkFreeList verifies that the free runs account for exactly FreeCount
// frames and that no free frame belongs to an outstanding allocation.
func checkFreeList(t *testing.T, alloc *FirstFitAllocator, owned map[mm.Frame]bool) {
	t.Helper()

	var total uint32
	alloc.VisitFreeRuns(func(base mm.Frame, count uint32) bool {
		if !alloc.table.IsFree(base) {
			t.Errorf("free run head %d is not flagged as free", base)
		}

		for frame := base; frame < base+mm.Frame(count); frame++ {
			if owned[frame] {
				t.Errorf("frame %d is both free and allocated", frame)
			}
		}
		total += count
		return true
	})

	if total != alloc.FreeCount() {
		t.Fatalf("free runs hold %d frames; FreeCount reports %d", total, alloc.FreeCount())
	}
}

func TestFirstFitAddRegion(t *testing.T) {
	_, alloc := newTestAllocator(16, 4, 8)
	if exp, got := uint32(8), alloc.FreeCount(); got != exp {
		t.Fatalf("expected free count %d; got %d", exp, got)
	}
	if exp, got := "first-fit", alloc.Name(); got != exp {
		t.Fatalf("expected name %q; got %q", exp, got)
	}

	specs := []struct {
		base   mm.Frame
		count  uint32
		expErr *kernel.Error
	}{
		{0, 0, errEmptyRegion},
		{10, 2, errRegionNotReserved},
	}

	for specIndex, spec := range specs {
		func() {
			defer func() {
				if err := recover(); err != spec.expErr {
					t.Errorf("[spec %d] expected to recover %v; got %v", specIndex, spec.expErr, err)
				}
			}()
			alloc.AddRegion(spec.base, spec.count)
		}()
	}
}

func TestFirstFitAllocSplit(t *testing.T) {
	table, alloc := newTestAllocator(8, 0, 8)

	frame := alloc.Alloc(3)
	if frame != 0 {
		t.Fatalf("expected allocation to start at frame 0; got %d", frame)
	}

	if exp, got := uint32(3), table.RunLength(frame); got != exp {
		t.Errorf("expected allocation head to record %d frames; got %d", exp, got)
	}

	if table.IsFree(frame) {
		t.Error("expected allocation head not to be free")
	}

	if !table.IsFree(3) {
		t.Fatal("expected the remainder run to start at frame 3")
	}

	if exp, got := uint32(5), table.RunLength(3); got != exp {
		t.Errorf("expected remainder run to hold %d frames; got %d", exp, got)
	}

	if exp, got := uint32(5), alloc.FreeCount(); got != exp {
		t.Errorf("expected free count %d; got %d", exp, got)
	}
}

func TestFirstFitFirstMatch(t *testing.T) {
	table := NewFrameTable(32)
	alloc := NewFirstFitAllocator(table)
	alloc.AddRegion(0, 2)
	alloc.AddRegion(10, 8)
	alloc.AddRegion(20, 4)

	// Runs are linked right after the head: 0 -> 20 -> 10
	var order []mm.Frame
	alloc.VisitFreeRuns(func(base mm.Frame, _ uint32) bool {
		order = append(order, base)
		return true
	})
	if len(order) != 3 || order[0] != 0 || order[1] != 20 || order[2] != 10 {
		t.Fatalf("unexpected free list order: %v", order)
	}

	if got := alloc.Alloc(3); got != 20 {
		t.Fatalf("expected first fitting run to start at 20; got %d", got)
	}

	if got := alloc.Alloc(6); got != 10 {
		t.Fatalf("expected allocation from run 10; got %d", got)
	}

	if got := alloc.Alloc(2); got != 0 {
		t.Fatalf("expected allocation from run 0; got %d", got)
	}
}

func TestFirstFitExhaustion(t *testing.T) {
	_, alloc := newTestAllocator(8, 0, 8)

	if got := alloc.Alloc(9); got != mm.InvalidFrame {
		t.Fatalf("expected oversized request to fail; got %d", got)
	}

	for i := 0; i < 8; i++ {
		if got := alloc.Alloc(1); got != mm.Frame(i) {
			t.Fatalf("[alloc %d] expected frame %d; got %d", i, i, got)
		}
	}

	if got := alloc.Alloc(1); got != mm.InvalidFrame {
		t.Fatalf("expected exhausted allocator to fail; got %d", got)
	}

	// Enough free frames but no contiguous run
	alloc.Free(1)
	alloc.Free(5)
	if got := alloc.Alloc(2); got != mm.InvalidFrame {
		t.Fatalf("expected fragmented request to fail; got %d", got)
	}
	if exp, got := uint32(2), alloc.FreeCount(); got != exp {
		t.Fatalf("expected free count %d; got %d", exp, got)
	}

	defer func() {
		if err := recover(); err != errZeroAlloc {
			t.Fatalf("expected to recover errZeroAlloc; got %v", err)
		}
	}()
	alloc.Alloc(0)
}

func TestFirstFitCoalescing(t *testing.T) {
	_, alloc := newTestAllocator(16, 0, 16)

	p0, p1, p2 := alloc.Alloc(1), alloc.Alloc(1), alloc.Alloc(1)
	if p1 != p0+1 || p2 != p1+1 {
		t.Fatalf("expected consecutive frames; got %d, %d, %d", p0, p1, p2)
	}

	alloc.Free(p0)
	alloc.Free(p1)
	alloc.Free(p2)

	if got := alloc.Alloc(3); got != p0 {
		t.Fatalf("expected coalesced run to start at %d; got %d", p0, got)
	}

	var runs int
	alloc.VisitFreeRuns(func(mm.Frame, uint32) bool {
		runs++
		return true
	})
	if runs != 1 {
		t.Fatalf("expected a single free run; got %d", runs)
	}
}

func TestFirstFitFreeErrors(t *testing.T) {
	table, alloc := newTestAllocator(8, 0, 8)
	run := alloc.Alloc(4)

	specs := []struct {
		frame  mm.Frame
		expErr *kernel.Error
	}{
		// not a run head
		{run + 1, errNotRunHead},
		// free run head
		{4, errNotRunHead},
	}

	for specIndex, spec := range specs {
		func() {
			defer func() {
				if err := recover(); err != spec.expErr {
					t.Errorf("[spec %d] expected to recover %v; got %v", specIndex, spec.expErr, err)
				}
			}()
			alloc.Free(spec.frame)
		}()
	}

	t.Run("referenced frame", func(t *testing.T) {
		table.AcquireRef(run + 2)
		defer table.ReleaseRef(run + 2)

		func() {
			defer func() {
				if err := recover(); err != errFrameInUse {
					t.Fatalf("expected errFrameInUse; got %v", err)
				}
			}()
			alloc.Free(run)
		}()

		if table.IsFree(run) || table.RefCount(run+2) != 1 {
			t.Fatal("expected a rejected free to leave the run untouched")
		}
		if exp, got := uint32(4), alloc.FreeCount(); got != exp {
			t.Fatalf("expected free count to remain %d; got %d", exp, got)
		}
	})

	alloc.Free(run)
	defer func() {
		if err := recover(); err != errNotRunHead {
			t.Fatalf("expected double free to panic with errNotRunHead; got %v", err)
		}
	}()
	alloc.Free(run)
}

func TestFirstFitConservation(t *testing.T) {
	const frameCount = 256
	var (
		_, alloc = newTestAllocator(frameCount, 0, frameCount)
		rng      = rand.New(rand.NewSource(42))
		owned    = make(map[mm.Frame]bool)
		runs     = make(map[mm.Frame]uint32)
		heads    []mm.Frame
	)

	for step := 0; step < 2000; step++ {
		if len(heads) == 0 || rng.Intn(3) != 0 {
			n := uint32(rng.Intn(8) + 1)
			frame := alloc.Alloc(n)
			if frame == mm.InvalidFrame {
				continue
			}

			for f := frame; f < frame+mm.Frame(n); f++ {
				if owned[f] {
					t.Fatalf("[step %d] frame %d issued twice", step, f)
				}
				owned[f] = true
			}
			runs[frame] = n
			heads = append(heads, frame)
		} else {
			i := rng.Intn(len(heads))
			frame := heads[i]
			heads = append(heads[:i], heads[i+1:]...)
			for f := frame; f < frame+mm.Frame(runs[frame]); f++ {
				delete(owned, f)
			}
			delete(runs, frame)
			alloc.Free(frame)
		}

		if got := alloc.FreeCount() + uint32(len(owned)); got != frameCount {
			t.Fatalf("[step %d] expected free + allocated frames to be %d; got %d", step, frameCount, got)
		}
		checkFreeList(t, alloc, owned)
	}

	for _, frame := range heads {
		alloc.Free(frame)
	}

	if exp, got := uint32(frameCount), alloc.FreeCount(); got != exp {
		t.Fatalf("expected all %d frames to be free; got %d", exp, got)
	}
}

func TestFirstFitDetachFreeArea(t *testing.T) {
	_, alloc := newTestAllocator(64, 0, 64)

	// four single frames to run the isolated allocations on
	var isolated [4]mm.Frame
	for i := range isolated {
		isolated[i] = alloc.Alloc(1)
	}
	hole := alloc.Alloc(2)

	area := alloc.DetachFreeArea()
	if exp, got := uint32(58), area.FreeCount(); got != exp {
		t.Fatalf("expected detached area to hold %d frames; got %d", exp, got)
	}
	if alloc.FreeCount() != 0 || alloc.Alloc(1) != mm.InvalidFrame {
		t.Fatal("expected allocator to be empty after detaching its free list")
	}

	for _, frame := range isolated {
		alloc.Free(frame)
	}

	// the isolated frames coalesce and are handed out in address order
	for i, exp := range isolated {
		if got := alloc.Alloc(1); got != exp {
			t.Fatalf("[alloc %d] expected frame %d; got %d", i, exp, got)
		}
	}
	if alloc.Alloc(1) != mm.InvalidFrame {
		t.Fatal("expected isolated free list to be exhausted")
	}

	alloc.Free(isolated[1])
	alloc.Free(isolated[2])
	alloc.ReattachFreeArea(area)

	if exp, got := uint32(60), alloc.FreeCount(); got != exp {
		t.Fatalf("expected free count %d after reattaching; got %d", exp, got)
	}
	checkFreeList(t, alloc, map[mm.Frame]bool{isolated[0]: true, isolated[3]: true, hole: true, hole + 1: true})

	alloc.Free(isolated[0])
	alloc.Free(isolated[3])
	alloc.Free(hole)

	var runs int
	alloc.VisitFreeRuns(func(base mm.Frame, count uint32) bool {
		runs++
		if base != 0 || count != 64 {
			t.Errorf("expected a single run [0, 64); got [%d, %d)", base, uint32(base)+count)
		}
		return true
	})
	if runs != 1 {
		t.Fatalf("expected 1 free run; got %d", runs)
	}
}
