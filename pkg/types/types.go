// Package types defines shared data types and error kinds for the barprobe tool.
package types

import "errors"

// Error kinds reported by the resolver and the BAR mapper. Callers match them
// with errors.Is; ErrAttributeParse and ErrSizeQuery are soft and only logged.
var (
	ErrEnumerationUnavailable = errors.New("PCI enumeration directory unavailable")
	ErrAttributeParse         = errors.New("cannot parse device attribute")
	ErrNotFound               = errors.New("BDF not found")
	ErrDeviceNotFound         = errors.New("no device locator")
	ErrResourceOpen           = errors.New("cannot open resource file")
	ErrSizeQuery              = errors.New("cannot determine resource size")
	ErrMapping                = errors.New("mmap failed")
	ErrBoundsViolation        = errors.New("probe window exceeds mapped length")
)

// OpError records the operation that failed so the CLI can print the
// "ERROR:\t<operation>:\t<reason>" diagnostic line.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *OpError) Unwrap() error { return e.Err }

// Target describes the device and BAR to probe. It is built once from flags,
// environment and config file, then passed by value.
type Target struct {
	// Vendor is the PCI vendor ID (e.g. 0x10de for NVIDIA). Only the low 16 bits are compared.
	Vendor uint32 `json:"vendor"`
	// Device is the PCI device/product ID (e.g. 0x2684 for RTX 4090).
	Device uint32 `json:"device"`
	// Function is the PCI function number (0-7).
	Function int `json:"function"`
	// BAR is the resource index mapped by the probe (0-5).
	BAR int `json:"bar"`
}

// DefaultTarget is the RTX 4090, function 0, BAR 1 (VRAM aperture).
var DefaultTarget = Target{
	Vendor:   0x10de,
	Device:   0x2684,
	Function: 0,
	BAR:      1,
}

// ProbeWindow is the number of bytes read at the probe offset.
const ProbeWindow = 16

// MiB is the unit of the probe offset.
const MiB = 1 << 20

// ProbeResult is what one map-and-probe cycle reports to the operator.
type ProbeResult struct {
	// Locator is the PCI Bus-Device-Function address (e.g. "0000:01:00.0").
	Locator string
	// ResourcePath is the sysfs BAR file that was mapped.
	ResourcePath string
	// Size is the resource file size reported by fstat, used as the mapping length.
	Size int64
	// OffsetMB is the requested offset in megabytes.
	OffsetMB uint64
	// Data holds the ProbeWindow bytes read at OffsetMB.
	Data []byte
	// Pattern is the payload searched for, if any.
	Pattern []byte
	// PatternOffset is the first offset of Pattern in the region, or -1.
	PatternOffset int64
}

// PCIDevice is one entry of the device listing.
type PCIDevice struct {
	// Locator is the PCI Bus-Device-Function address.
	Locator string
	// Vendor and Device are the PCI IDs.
	Vendor uint32
	Device uint32
	// Class is the 24-bit PCI class code.
	Class uint32
	// VendorName and ProductName come from the PCI ID database; empty when unknown.
	VendorName  string
	ProductName string
}

// Resolver finds a device and names its BAR resource files. The BAR mapper
// depends only on this interface.
type Resolver interface {
	// Resolve returns the locator of the first device matching vendor, device and function.
	Resolve(vendor, device uint32, function int) (string, error)
	// ResourcePath returns the resource file of BAR bar of the device at locator.
	ResourcePath(locator string, bar int) string
}
