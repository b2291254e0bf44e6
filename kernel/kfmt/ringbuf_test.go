package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBufferRead(t *testing.T) {
	specs := []struct {
		start    int
		input    string
		readSize int
		expReads []string
	}{
		// contiguous data is returned by a single read
		{0, "early boot output", 64, []string{"early boot output"}},
		// wrapped data is returned up to the end of the buffer first
		{ringBufferSize - 4, "0123456789", 64, []string{"0123", "456789"}},
		// short reads stop at the end of the buffer before wrapping
		{ringBufferSize - 4, "0123456789", 3, []string{"012", "3", "456", "789"}},
		// the write index wraps to zero
		{ringBufferSize - 3, "abc", 64, []string{"abc"}},
	}

	for specIndex, spec := range specs {
		rb := ringBuffer{rIndex: spec.start, wIndex: spec.start}
		if n, err := rb.Write([]byte(spec.input)); err != nil || n != len(spec.input) {
			t.Errorf("[spec %d] expected to write %d bytes; wrote %d (err: %v)", specIndex, len(spec.input), n, err)
			continue
		}

		p := make([]byte, spec.readSize)
		for readIndex, exp := range spec.expReads {
			n, err := rb.Read(p)
			if err != nil {
				t.Errorf("[spec %d] read %d: unexpected error %v", specIndex, readIndex, err)
				break
			}

			if got := string(p[:n]); got != exp {
				t.Errorf("[spec %d] read %d: expected %q; got %q", specIndex, readIndex, exp, got)
			}
		}

		if n, err := rb.Read(p); err != io.EOF || n != 0 {
			t.Errorf("[spec %d] expected drained buffer to return io.EOF; got %d, %v", specIndex, n, err)
		}

		if rb.rIndex != rb.wIndex {
			t.Errorf("[spec %d] expected read index %d to catch up with write index %d", specIndex, rb.rIndex, rb.wIndex)
		}
	}
}

func TestRingBufferOverwrite(t *testing.T) {
	var rb ringBuffer

	input := make([]byte, ringBufferSize+5)
	for i := range input {
		input[i] = byte(i % 251)
	}
	rb.Write(input)

	// a full buffer keeps the newest ringBufferSize-1 bytes
	if exp := 6; rb.rIndex != exp {
		t.Fatalf("expected writes to push the read index to %d; got %d", exp, rb.rIndex)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, &rb); err != nil {
		t.Fatal(err)
	}

	if exp := input[len(input)-(ringBufferSize-1):]; !bytes.Equal(buf.Bytes(), exp) {
		t.Fatalf("expected to read the last %d bytes written; got %d bytes", len(exp), buf.Len())
	}
}

func TestRingBufferEmpty(t *testing.T) {
	var rb ringBuffer

	if n, err := rb.Read(make([]byte, 8)); err != io.EOF || n != 0 {
		t.Fatalf("expected empty buffer to return io.EOF; got %d, %v", n, err)
	}
}
