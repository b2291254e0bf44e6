// Package device defines the interfaces shared by device drivers and the
// metadata used by the hal package to probe for hardware.
package device

import (
	"io"

	"ia32os/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func() Driver

// DetectOrder specifies when a driver is probed relative to other drivers.
// Drivers with a lower order are probed first.
type DetectOrder int8

// The list of supported detection orders.
const (
	DetectOrderEarly   DetectOrder = -128
	DetectOrderStorage DetectOrder = 0
	DetectOrderLast    DetectOrder = 127
)

// DriverInfo describes a driver probe and its detection order.
type DriverInfo struct {
	// Order controls when the probe function is invoked.
	Order DetectOrder

	// Probe scans for the hardware handled by the driver.
	Probe ProbeFn
}

// DriverInfoList is a list of DriverInfo entries that can be sorted by
// detection order.
type DriverInfoList []*DriverInfo

// Len implements sort.Interface.
func (l DriverInfoList) Len() int { return len(l) }

// Less implements sort.Interface.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

// Swap implements sort.Interface.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }
