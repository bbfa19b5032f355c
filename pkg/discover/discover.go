// Package discover lists PCI devices for the list subcommand and renders them
// as a table or JSON.
package discover

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/procfs/sysfs"
	"github.com/siderolabs/go-pcidb/pkg/pcidb"
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/barprobe/pkg/types"
)

// List enumerates PCI devices below the sysfs mount point sysfsRoot, sorted by
// locator. A non-zero vendor keeps only devices of that vendor.
func List(sysfsRoot string, vendor uint32) ([]types.PCIDevice, error) {
	fs, err := sysfs.NewFS(sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs: %w", err)
	}

	devices, err := fs.PciDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to read pci devices: %w", err)
	}

	out := make([]types.PCIDevice, 0, len(devices))
	for _, device := range devices {
		if vendor != 0 && device.Vendor != vendor&0xffff {
			log.Tracef("skipping %s, vendor 0x%04x", device.Name(), device.Vendor)
			continue
		}
		dev := types.PCIDevice{
			Locator: locator(device.Location),
			Vendor:  device.Vendor,
			Device:  device.Device,
			Class:   device.Class,
		}
		dev.VendorName, dev.ProductName = Names(device.Vendor, device.Device)
		out = append(out, dev)
	}

	sort.Slice(out, func(a, b int) bool { return out[a].Locator < out[b].Locator })
	return out, nil
}

// locator formats a location the way sysfs names device directories. The
// library's own Name() separates the function with a colon.
func locator(loc sysfs.PciDeviceLocation) string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", loc.Segment, loc.Bus, loc.Device, loc.Function)
}

// Names looks up vendor and product names in the PCI ID database.
// Unknown IDs yield empty strings.
func Names(vendor, device uint32) (vendorName, productName string) {
	vendorName, _ = pcidb.LookupVendor(uint16(vendor))
	productName, _ = pcidb.LookupProduct(uint16(vendor), uint16(device))
	return vendorName, productName
}

// PrintTable renders PCI devices as a human-readable table.
func PrintTable(w io.Writer, devices []types.PCIDevice) {
	table := tablewriter.NewTable(w)
	table.Header("LOCATOR", "VENDOR", "DEVICE", "CLASS", "NAME")
	for _, dev := range devices {
		name := dev.VendorName
		if dev.ProductName != "" {
			name += " " + dev.ProductName
		}
		if name == "" {
			name = "(unknown)"
		}
		table.Append(
			dev.Locator,
			fmt.Sprintf("%04x", dev.Vendor),
			fmt.Sprintf("%04x", dev.Device),
			fmt.Sprintf("%06x", dev.Class),
			name,
		)
	}
	table.Render()
}

// DeviceJSON is the JSON representation of a listed PCI device.
type DeviceJSON struct {
	Locator     string `json:"locator"`
	Vendor      string `json:"vendor"`
	Device      string `json:"device"`
	Class       string `json:"class"`
	VendorName  string `json:"vendor_name,omitempty"`
	ProductName string `json:"product_name,omitempty"`
}

// PrintJSON renders PCI devices as JSON.
func PrintJSON(w io.Writer, devices []types.PCIDevice) error {
	out := make([]DeviceJSON, 0, len(devices))
	for _, dev := range devices {
		out = append(out, DeviceJSON{
			Locator:     dev.Locator,
			Vendor:      fmt.Sprintf("0x%04x", dev.Vendor),
			Device:      fmt.Sprintf("0x%04x", dev.Device),
			Class:       fmt.Sprintf("0x%06x", dev.Class),
			VendorName:  dev.VendorName,
			ProductName: dev.ProductName,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
