// Package pci resolves PCI devices from the sysfs enumeration tree.
// It matches vendor/device ID pairs and function numbers against
// /sys/bus/pci/devices/<bdf> entries and exposes the per-device resource files.
package pci

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/barprobe/pkg/types"
)

const (
	// domainPrefix marks real device entries (0000:bb:dd.f).
	domainPrefix = "0000:"

	// readDirBatch is the number of entries fetched per ReadDir call.
	readDirBatch = 64

	// MaxBAR is the highest standard BAR index.
	MaxBAR = 5
)

// DevicesDir returns the PCI devices directory below a sysfs mount point.
func DevicesDir(sysfsRoot string) string {
	return filepath.Join(sysfsRoot, "bus", "pci", "devices")
}

// Resolver implements types.Resolver against a sysfs devices directory.
type Resolver struct {
	dir string
}

var _ types.Resolver = (*Resolver)(nil)

// NewResolverWithPath returns a resolver rooted at a devices directory, usually
// DevicesDir of the configured sysfs mount point.
func NewResolverWithPath(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// Dir returns the devices directory being scanned.
func (r *Resolver) Dir() string {
	return r.dir
}

// ───────────────────────────────────────────
//  resolution
// ───────────────────────────────────────────

// Resolve scans the devices directory once, in kernel enumeration order, and
// returns the first entry whose function digit, vendor and device match.
// Entries with unreadable or malformed attributes are skipped.
func (r *Resolver) Resolve(vendor, device uint32, function int) (string, error) {
	dir, err := os.Open(r.dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrEnumerationUnavailable, err)
	}
	defer dir.Close()

	wantVendor := uint16(vendor & 0xffff)
	wantDevice := uint16(device & 0xffff)

	for {
		entries, err := dir.ReadDir(readDirBatch)
		for _, entry := range entries {
			name := entry.Name()
			if !strings.Contains(name, domainPrefix) {
				continue
			}
			if FunctionOf(name) != function {
				continue
			}

			ok, err := r.matches(name, wantVendor, wantDevice)
			if err != nil {
				log.WithField("entry", name).Debugf("skipping entry: %v", err)
				continue
			}
			if ok {
				log.Debugf("resolved 0x%04x:0x%04x function %d to %s", wantVendor, wantDevice, function, name)
				return name, nil
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", types.ErrEnumerationUnavailable, err)
		}
	}

	return "", fmt.Errorf("%w for 0x%x:0x%x Func%d", types.ErrNotFound, vendor, device, function)
}

// matches compares the vendor attribute first and reads device only on a vendor hit.
func (r *Resolver) matches(name string, vendor, device uint16) (bool, error) {
	devPath := filepath.Join(r.dir, name)

	got, err := ReadHexAttr(filepath.Join(devPath, "vendor"))
	if err != nil {
		return false, err
	}
	if got != vendor {
		return false, nil
	}

	got, err = ReadHexAttr(filepath.Join(devPath, "device"))
	if err != nil {
		return false, err
	}
	return got == device, nil
}

// FunctionOf returns the function number encoded in the last character of a
// locator, or -1 if it is not a digit.
func FunctionOf(locator string) int {
	if locator == "" {
		return -1
	}
	c := locator[len(locator)-1]
	if c < '0' || c > '9' {
		return -1
	}
	return int(c - '0')
}

// ───────────────────────────────────────────
//  sysfs helpers
// ───────────────────────────────────────────

// ReadHexAttr reads a sysfs ID attribute such as "0x10de\n".
func ReadHexAttr(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrAttributeParse, err)
	}
	val := strings.TrimSpace(string(data))
	val = strings.TrimPrefix(strings.ToLower(val), "0x")
	if val == "" {
		return 0, fmt.Errorf("%w: %s is empty", types.ErrAttributeParse, path)
	}
	id, err := strconv.ParseUint(val, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", types.ErrAttributeParse, path, err)
	}
	return uint16(id), nil
}

// ResourcePath returns the sysfs BAR file for a device, e.g.
// /sys/bus/pci/devices/0000:01:00.0/resource1.
func (r *Resolver) ResourcePath(locator string, bar int) string {
	return filepath.Join(r.dir, locator, "resource"+strconv.Itoa(bar))
}

// Driver returns the kernel driver currently bound to a PCI device.
func (r *Resolver) Driver(locator string) (string, error) {
	driverLink := filepath.Join(r.dir, locator, "driver")
	target, err := os.Readlink(driverLink)
	if err != nil {
		return "", fmt.Errorf("cannot read driver symlink for PCI device %s: %w", locator, err)
	}
	return filepath.Base(target), nil
}

// Resource is one line of a device's sysfs "resource" table.
type Resource struct {
	Start uint64
	End   uint64
	Flags uint64
}

// Len returns the region length, zero for unused BARs.
func (r Resource) Len() uint64 {
	if r.End == 0 && r.Start == 0 {
		return 0
	}
	return r.End - r.Start + 1
}

// ResourceTable parses /sys/bus/pci/devices/<bdf>/resource. Line N describes
// BAR N for the first six lines.
func (r *Resolver) ResourceTable(locator string) ([]Resource, error) {
	f, err := os.Open(filepath.Join(r.dir, locator, "resource"))
	if err != nil {
		return nil, fmt.Errorf("cannot open resource table for %s: %w", locator, err)
	}
	defer f.Close()

	var table []Resource
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed resource line %q", scanner.Text())
		}
		var vals [3]uint64
		for i, field := range fields {
			v, err := strconv.ParseUint(strings.TrimPrefix(field, "0x"), 16, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed resource line %q: %w", scanner.Text(), err)
			}
			vals[i] = v
		}
		table = append(table, Resource{Start: vals[0], End: vals[1], Flags: vals[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading resource table for %s: %w", locator, err)
	}
	return table, nil
}
