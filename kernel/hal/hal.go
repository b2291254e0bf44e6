// Package hal probes the devices handed to the kernel at boot and keeps track
// of the drivers that initialized successfully.
package hal

import (
	"bytes"
	"sort"

	"ia32os/device"
	"ia32os/device/ide"
	"ia32os/kernel/kfmt"
)

// Devices contains the drivers discovered by a probe run.
type Devices struct {
	// Drivers tracks all initialized device drivers in probe order.
	Drivers []device.Driver

	// SwapDisk is the first block device that initialized successfully.
	SwapDisk ide.BlockDevice
}

// DetectHardware sorts the supplied driver list by detection order, invokes
// each probe function and initializes the returned drivers.
func DetectHardware(drivers device.DriverInfoList) *Devices {
	sort.Stable(drivers)
	return probe(drivers)
}

// probe executes the probe function for each driver and invokes onDriverInit
// for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList) *Devices {
	var (
		devices Devices
		strBuf  bytes.Buffer
		w       = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}
	)

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		devices.onDriverInit(drv)
		devices.Drivers = append(devices.Drivers, drv)
	}

	return &devices
}

// onDriverInit is invoked by probe whenever a device is detected and
// successfully initialized.
func (d *Devices) onDriverInit(drv device.Driver) {
	switch drvImpl := drv.(type) {
	case ide.BlockDevice:
		if d.SwapDisk == nil {
			d.SwapDisk = drvImpl
		}
	}
}
