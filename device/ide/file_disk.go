package ide

import (
	"io"

	"golang.org/x/sys/unix"

	"ia32os/kernel"
	"ia32os/kernel/kfmt"
)

var (
	errOpenImage   = &kernel.Error{Module: "ide", Message: "unable to open disk image"}
	errImageLocked = &kernel.Error{Module: "ide", Message: "disk image is in use by another process"}
	errImageSize   = &kernel.Error{Module: "ide", Message: "disk image size is not a multiple of the sector size"}
)

// FileDisk is a block device backed by a disk image on the host file system.
// The image is locked for exclusive use while the device is open.
type FileDisk struct {
	path    string
	fd      int
	sectors uint32
}

// OpenFileDisk opens the disk image at path. If sectors is non-zero the image
// is created or resized to hold that many sectors; otherwise the capacity is
// derived from the current image size.
func OpenFileDisk(path string, sectors uint32) (*FileDisk, *kernel.Error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	if err != nil {
		kfmt.Printf("[ide] open %s: %v\n", path, err)
		return nil, errOpenImage
	}

	if err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		return nil, errImageLocked
	}

	if sectors != 0 {
		if err = unix.Ftruncate(fd, int64(sectors)*SectorSize); err != nil {
			kfmt.Printf("[ide] resize %s: %v\n", path, err)
			_ = unix.Close(fd)
			return nil, errOpenImage
		}
	} else {
		var stat unix.Stat_t
		if err = unix.Fstat(fd, &stat); err != nil {
			kfmt.Printf("[ide] stat %s: %v\n", path, err)
			_ = unix.Close(fd)
			return nil, errOpenImage
		}

		if stat.Size%SectorSize != 0 {
			_ = unix.Close(fd)
			return nil, errImageSize
		}
		sectors = uint32(stat.Size / SectorSize)
	}

	return &FileDisk{path: path, fd: fd, sectors: sectors}, nil
}

// DriverName returns the name of the driver.
func (d *FileDisk) DriverName() string { return "ide_file" }

// DriverVersion returns the driver version.
func (d *FileDisk) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit initializes the device driver.
func (d *FileDisk) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "image: %s, ", d.path)
	printGeometry(w, d)
	return nil
}

// SectorCount returns the device capacity in sectors.
func (d *FileDisk) SectorCount() uint32 { return d.sectors }

// ReadSectors reads sectors from the disk image into dst.
func (d *FileDisk) ReadSectors(sector uint32, dst []byte) *kernel.Error {
	if err := checkRange(d, sector, dst); err != nil {
		return err
	}

	offset := int64(sector) * SectorSize
	for len(dst) != 0 {
		n, err := unix.Pread(d.fd, dst, offset)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			kfmt.Printf("[ide] read %s at sector %d: %v\n", d.path, sector, err)
			return ErrIO
		}

		dst = dst[n:]
		offset += int64(n)
	}

	return nil
}

// WriteSectors writes sectors from src to the disk image.
func (d *FileDisk) WriteSectors(sector uint32, src []byte) *kernel.Error {
	if err := checkRange(d, sector, src); err != nil {
		return err
	}

	offset := int64(sector) * SectorSize
	for len(src) != 0 {
		n, err := unix.Pwrite(d.fd, src, offset)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			kfmt.Printf("[ide] write %s at sector %d: %v\n", d.path, sector, err)
			return ErrIO
		}

		src = src[n:]
		offset += int64(n)
	}

	return nil
}

// Sync flushes written sectors to stable storage.
func (d *FileDisk) Sync() *kernel.Error {
	if err := unix.Fsync(d.fd); err != nil {
		kfmt.Printf("[ide] sync %s: %v\n", d.path, err)
		return ErrIO
	}
	return nil
}

// Close releases the image lock and closes the image.
func (d *FileDisk) Close() *kernel.Error {
	_ = unix.Flock(d.fd, unix.LOCK_UN)
	if err := unix.Close(d.fd); err != nil {
		return ErrIO
	}
	d.fd = -1
	return nil
}
