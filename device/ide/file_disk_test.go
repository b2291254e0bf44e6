package ide

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestFileDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swap.img")

	disk, err := OpenFileDisk(path, 32)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := uint32(32), disk.SectorCount(); got != exp {
		t.Fatalf("expected sector count %d; got %d", exp, got)
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		t.Fatal(statErr)
	}
	if exp, got := int64(32*SectorSize), info.Size(); got != exp {
		t.Fatalf("expected image size %d; got %d", exp, got)
	}

	t.Run("image is locked while open", func(t *testing.T) {
		if _, err := OpenFileDisk(path, 0); err != errImageLocked {
			t.Fatalf("expected errImageLocked; got %v", err)
		}
	})

	src := bytes.Repeat([]byte{0x5a}, 8*SectorSize)
	if err = disk.WriteSectors(8, src); err != nil {
		t.Fatal(err)
	}
	if err = disk.Sync(); err != nil {
		t.Fatal(err)
	}
	if err = disk.WriteSectors(30, src); err != errOutOfRange {
		t.Fatalf("expected errOutOfRange; got %v", err)
	}

	if err = disk.Close(); err != nil {
		t.Fatal(err)
	}

	// reopen and derive the capacity from the image size
	if disk, err = OpenFileDisk(path, 0); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = disk.Close() }()

	if exp, got := uint32(32), disk.SectorCount(); got != exp {
		t.Fatalf("expected sector count %d; got %d", exp, got)
	}

	dst := make([]byte, 8*SectorSize)
	if err = disk.ReadSectors(8, dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(src, dst) {
		t.Fatal("expected data to survive reopening the image")
	}

	var buf bytes.Buffer
	if err = disk.DriverInit(&buf); err != nil {
		t.Fatal(err)
	}
	if exp, got := "image: "+path+", sectors: 32, size: 16Kb\n", buf.String(); got != exp {
		t.Fatalf("expected output %q; got %q", exp, got)
	}
}

func TestFileDiskBadImage(t *testing.T) {
	dir := t.TempDir()

	t.Run("size not a multiple of the sector size", func(t *testing.T) {
		path := filepath.Join(dir, "odd.img")
		if err := os.WriteFile(path, make([]byte, SectorSize+7), 0o644); err != nil {
			t.Fatal(err)
		}

		if _, err := OpenFileDisk(path, 0); err != errImageSize {
			t.Fatalf("expected errImageSize; got %v", err)
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		if _, err := OpenFileDisk(filepath.Join(dir, "missing", "x.img"), 8); err != errOpenImage {
			t.Fatalf("expected errOpenImage; got %v", err)
		}
	})
}
