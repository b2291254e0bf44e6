package ide

import (
	"io"

	"ia32os/kernel"
)

// MemDisk is a block device backed by host memory.
type MemDisk struct {
	data []byte

	// FailRead and FailWrite, when set, are consulted before every
	// transfer. Returning true makes the transfer fail with ErrIO.
	FailRead  func(sector uint32) bool
	FailWrite func(sector uint32) bool
}

// NewMemDisk returns a zero-filled disk with the requested capacity.
func NewMemDisk(sectors uint32) *MemDisk {
	return &MemDisk{data: make([]byte, uint64(sectors)*SectorSize)}
}

// DriverName returns the name of the driver.
func (d *MemDisk) DriverName() string { return "ide_mem" }

// DriverVersion returns the driver version.
func (d *MemDisk) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit initializes the device driver.
func (d *MemDisk) DriverInit(w io.Writer) *kernel.Error {
	printGeometry(w, d)
	return nil
}

// SectorCount returns the device capacity in sectors.
func (d *MemDisk) SectorCount() uint32 {
	return uint32(len(d.data) / SectorSize)
}

// ReadSectors copies sectors from the disk into dst.
func (d *MemDisk) ReadSectors(sector uint32, dst []byte) *kernel.Error {
	if err := checkRange(d, sector, dst); err != nil {
		return err
	}

	if d.FailRead != nil && d.FailRead(sector) {
		return ErrIO
	}

	offset := uint64(sector) * SectorSize
	copy(dst, d.data[offset:])
	return nil
}

// WriteSectors copies src to the disk.
func (d *MemDisk) WriteSectors(sector uint32, src []byte) *kernel.Error {
	if err := checkRange(d, sector, src); err != nil {
		return err
	}

	if d.FailWrite != nil && d.FailWrite(sector) {
		return ErrIO
	}

	offset := uint64(sector) * SectorSize
	copy(d.data[offset:], src)
	return nil
}
