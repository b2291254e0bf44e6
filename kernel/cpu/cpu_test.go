package cpu

import "testing"

func TestInterruptSaveRestore(t *testing.T) {
	c := New()

	t.Run("enabled on entry", func(t *testing.T) {
		saved := c.SaveInterrupts()
		if !saved {
			t.Fatal("expected SaveInterrupts to report that interrupts were enabled")
		}
		if c.InterruptsEnabled() {
			t.Fatal("expected interrupts to be disabled inside the critical section")
		}

		c.RestoreInterrupts(saved)
		if !c.InterruptsEnabled() {
			t.Fatal("expected RestoreInterrupts to re-enable interrupts")
		}
	})

	t.Run("nested sections", func(t *testing.T) {
		outer := c.SaveInterrupts()
		inner := c.SaveInterrupts()
		if inner {
			t.Fatal("expected nested SaveInterrupts to report interrupts as disabled")
		}

		c.RestoreInterrupts(inner)
		if c.InterruptsEnabled() {
			t.Fatal("expected inner RestoreInterrupts to keep interrupts disabled")
		}

		c.RestoreInterrupts(outer)
		if !c.InterruptsEnabled() {
			t.Fatal("expected outer RestoreInterrupts to re-enable interrupts")
		}
	})

	t.Run("disabled on entry", func(t *testing.T) {
		c.DisableInterrupts()
		c.RestoreInterrupts(c.SaveInterrupts())
		if c.InterruptsEnabled() {
			t.Fatal("expected interrupts to stay disabled")
		}
		c.EnableInterrupts()
	})
}

func TestTLB(t *testing.T) {
	c := New()

	c.FillTLB(0x1234, TLBEntry(0x5007))
	if got, ok := c.LookupTLB(0x1fff); !ok || got != 0x5007 {
		t.Fatalf("expected cached entry 0x5007 for page 0x1000; got 0x%x (found: %t)", got, ok)
	}

	c.FlushTLBEntry(0x1000)
	if _, ok := c.LookupTLB(0x1000); ok {
		t.Fatal("expected FlushTLBEntry to drop the cached translation")
	}

	c.FillTLB(0x2000, TLBEntry(0x6007))
	c.FillTLB(0x3000, TLBEntry(0x7007))
	c.SwitchPDT(0x9000)
	if exp, got := uint32(0x9000), c.ActivePDT(); got != exp {
		t.Fatalf("expected active PDT to be 0x%x; got 0x%x", exp, got)
	}
	for _, addr := range []uint32{0x2000, 0x3000} {
		if _, ok := c.LookupTLB(addr); ok {
			t.Errorf("expected SwitchPDT to flush entry for 0x%x", addr)
		}
	}

	if exp, got := uint64(2), c.TLBFlushCount(); got != exp {
		t.Errorf("expected %d flushes; got %d", exp, got)
	}
}

func TestCR2(t *testing.T) {
	c := New()
	c.WriteCR2(0xdeadb000)
	if exp, got := uint32(0xdeadb000), c.ReadCR2(); got != exp {
		t.Fatalf("expected CR2 to be 0x%x; got 0x%x", exp, got)
	}
}

func TestHalt(t *testing.T) {
	defer func() {
		if err := recover(); err != errHalted {
			t.Fatalf("expected Halt to panic with errHalted; got %v", err)
		}
	}()

	Halt()
}
