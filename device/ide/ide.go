// Package ide provides sector addressed block devices that back the swap
// store.
package ide

import (
	"io"

	"ia32os/device"
	"ia32os/kernel"
	"ia32os/kernel/kfmt"
	"ia32os/kernel/mm"
)

// SectorSize is the size of a device sector in bytes.
const SectorSize = 512

var (
	// ErrIO is returned when a device fails to transfer data.
	ErrIO = &kernel.Error{Module: "ide", Message: "i/o error"}

	errOutOfRange   = &kernel.Error{Module: "ide", Message: "sector range exceeds the device capacity"}
	errPartialBlock = &kernel.Error{Module: "ide", Message: "buffer length must be a multiple of the sector size"}
)

// BlockDevice is implemented by devices that transfer data in fixed-size
// sectors.
type BlockDevice interface {
	device.Driver

	// SectorCount returns the device capacity in sectors.
	SectorCount() uint32

	// ReadSectors fills dst with len(dst)/SectorSize sectors starting at
	// the supplied sector.
	ReadSectors(sector uint32, dst []byte) *kernel.Error

	// WriteSectors stores len(src)/SectorSize sectors starting at the
	// supplied sector.
	WriteSectors(sector uint32, src []byte) *kernel.Error
}

// checkRange validates a transfer request against the device capacity.
func checkRange(dev BlockDevice, sector uint32, buf []byte) *kernel.Error {
	if len(buf)%SectorSize != 0 {
		return errPartialBlock
	}

	count := uint64(len(buf) / SectorSize)
	if uint64(sector)+count > uint64(dev.SectorCount()) {
		return errOutOfRange
	}

	return nil
}

// printGeometry reports the capacity of a device during driver init.
func printGeometry(w io.Writer, dev BlockDevice) {
	size := mm.Size(dev.SectorCount()) * SectorSize
	kfmt.Fprintf(w, "sectors: %d, size: %dKb\n", dev.SectorCount(), uint64(size/mm.Kb))
}
