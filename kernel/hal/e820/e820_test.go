package e820

import (
	"encoding/binary"
	"testing"
)

// qemuMemoryMap mirrors the map reported by qemu for a machine with 128M RAM.
var qemuMemoryMap = Map{
	{PhysAddress: 0x0, Length: 0x9fc00, Type: MemAvailable},
	{PhysAddress: 0x9fc00, Length: 0x400, Type: MemReserved},
	{PhysAddress: 0xf0000, Length: 0x10000, Type: MemReserved},
	{PhysAddress: 0x100000, Length: 0x7ee0000, Type: MemAvailable},
	{PhysAddress: 0x7fe0000, Length: 0x20000, Type: MemReserved},
	{PhysAddress: 0xfffc0000, Length: 0x40000, Type: MemReserved},
}

func TestDecode(t *testing.T) {
	raw, err := qemuMemoryMap.Encode()
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := EncodedSize, len(raw); got != exp {
		t.Fatalf("expected encoded map to be %d bytes; got %d", exp, got)
	}

	m, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := len(qemuMemoryMap), len(m); got != exp {
		t.Fatalf("expected %d entries; got %d", exp, got)
	}

	for i, region := range m {
		if region != qemuMemoryMap[i] {
			t.Errorf("[entry %d] expected %+v; got %+v", i, qemuMemoryMap[i], region)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tooMany := make([]byte, EncodedSize)
	binary.LittleEndian.PutUint32(tooMany, MaxEntries+1)

	negative := make([]byte, EncodedSize)
	binary.LittleEndian.PutUint32(negative, 0xffffffff)

	truncated := make([]byte, 4+entrySize)
	binary.LittleEndian.PutUint32(truncated, 2)

	specs := []struct {
		input  []byte
		expErr error
	}{
		{nil, errShortBuffer},
		{[]byte{1, 0}, errShortBuffer},
		{tooMany, errTooManyEntries},
		{negative, errNegativeEntries},
		{truncated, errShortBuffer},
	}

	for specIndex, spec := range specs {
		if _, err := Decode(spec.input); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if _, err := make(Map, MaxEntries+1).Encode(); err != errTooManyEntries {
		t.Errorf("expected Encode to fail with errTooManyEntries; got %v", err)
	}
}

func TestVisitMemRegions(t *testing.T) {
	var visited int
	qemuMemoryMap.VisitMemRegions(func(region *MemoryMapEntry) bool {
		visited++
		region.Length = 0
		return region.Type == MemAvailable
	})

	if exp := 2; visited != exp {
		t.Fatalf("expected visitor to be invoked %d times before aborting; got %d", exp, visited)
	}

	if qemuMemoryMap[0].Length == 0 {
		t.Fatal("expected visitor to receive a copy of each entry")
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
