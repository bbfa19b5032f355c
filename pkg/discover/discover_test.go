package discover

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Nativu5/barprobe/pkg/types"
)

// writeFakePCIDevice lays out a device the way sysfs does: the real directory
// under devices/pci0000:00 and a symlink in bus/pci/devices.
func writeFakePCIDevice(t *testing.T, sysRoot, id string, vals map[string]string) {
	t.Helper()

	parent := "pci0000:00"
	devDir := filepath.Join(sysRoot, "devices", parent, id)
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", devDir, err)
	}

	for _, f := range []string{"class", "vendor", "device", "subsystem_vendor", "subsystem_device", "revision"} {
		val, ok := vals[f]
		if !ok {
			t.Fatalf("missing required %s in vals", f)
		}
		path := filepath.Join(devDir, f)
		if err := os.WriteFile(path, []byte(val+"\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	busDevicesDir := filepath.Join(sysRoot, "bus", "pci", "devices")
	if err := os.MkdirAll(busDevicesDir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", busDevicesDir, err)
	}

	linkPath := filepath.Join(busDevicesDir, id)
	target := filepath.Join("..", "..", "..", "devices", parent, id)
	if err := os.Symlink(target, linkPath); err != nil {
		t.Fatalf("symlink %s -> %s: %v", linkPath, target, err)
	}
}

func fakeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFakePCIDevice(t, root, "0000:01:00.0", map[string]string{
		"class":            "0x030000",
		"vendor":           "0x10de",
		"device":           "0x2684",
		"subsystem_vendor": "0x10de",
		"subsystem_device": "0x16f3",
		"revision":         "0xa1",
	})
	writeFakePCIDevice(t, root, "0000:01:00.1", map[string]string{
		"class":            "0x040300",
		"vendor":           "0x10de",
		"device":           "0x22ba",
		"subsystem_vendor": "0x10de",
		"subsystem_device": "0x16f3",
		"revision":         "0xa1",
	})
	writeFakePCIDevice(t, root, "0000:00:00.0", map[string]string{
		"class":            "0x060000",
		"vendor":           "0x8086",
		"device":           "0xa700",
		"subsystem_vendor": "0x8086",
		"subsystem_device": "0x0000",
		"revision":         "0x01",
	})
	return root
}

func sampleDevices() []types.PCIDevice {
	return []types.PCIDevice{
		{
			Locator:     "0000:01:00.0",
			Vendor:      0x10de,
			Device:      0x2684,
			Class:       0x030000,
			VendorName:  "NVIDIA Corporation",
			ProductName: "AD102 [GeForce RTX 4090]",
		},
		{
			Locator: "0000:05:00.0",
			Vendor:  0x1d0f,
			Device:  0xbeef,
			Class:   0x120000,
		},
	}
}

func TestList_FakeSysfs(t *testing.T) {
	root := fakeTree(t)

	devices, err := List(root, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d: %+v", len(devices), devices)
	}
	// Sorted by locator.
	if devices[0].Locator != "0000:00:00.0" || devices[2].Locator != "0000:01:00.1" {
		t.Errorf("devices not sorted: %+v", devices)
	}
	gpu := devices[1]
	if gpu.Vendor != 0x10de || gpu.Device != 0x2684 || gpu.Class != 0x030000 {
		t.Errorf("unexpected GPU entry %+v", gpu)
	}
	if !strings.Contains(gpu.VendorName, "NVIDIA") {
		t.Errorf("expected NVIDIA vendor name, got %q", gpu.VendorName)
	}
}

func TestList_VendorFilter(t *testing.T) {
	root := fakeTree(t)

	devices, err := List(root, 0x10de)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 NVIDIA functions, got %d", len(devices))
	}
	for _, d := range devices {
		if d.Vendor != 0x10de {
			t.Errorf("unexpected vendor 0x%04x in filtered list", d.Vendor)
		}
	}
}

func TestList_MissingSysfs(t *testing.T) {
	if _, err := List(filepath.Join(t.TempDir(), "nope"), 0); err == nil {
		t.Error("expected error for missing sysfs root")
	}
}

func TestNames(t *testing.T) {
	vendor, _ := Names(0x10de, 0x2684)
	if !strings.Contains(vendor, "NVIDIA") {
		t.Errorf("vendor name for 0x10de = %q", vendor)
	}
}

func TestPrintTable_Basic(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, sampleDevices())
	output := buf.String()

	for _, want := range []string{"LOCATOR", "VENDOR", "0000:01:00.0", "10de", "2684", "030000", "RTX 4090"} {
		if !strings.Contains(output, want) {
			t.Errorf("table should contain %q", want)
		}
	}
	if !strings.Contains(output, "(unknown)") {
		t.Error("table should show (unknown) for devices without names")
	}
}

func TestPrintTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, nil)
	if !strings.Contains(buf.String(), "LOCATOR") {
		t.Error("empty table should still render headers")
	}
}

func TestPrintJSON_Basic(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintJSON(&buf, sampleDevices()); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}

	var result []DeviceJSON
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(result))
	}
	if result[0].Vendor != "0x10de" || result[0].Device != "0x2684" {
		t.Errorf("first device IDs = %s:%s", result[0].Vendor, result[0].Device)
	}
	if result[1].VendorName != "" {
		t.Errorf("unknown vendor name should be empty, got %q", result[1].VendorName)
	}
}

func TestPrintJSON_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintJSON(&buf, nil); err != nil {
		t.Fatalf("PrintJSON with nil failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %q", buf.String())
	}
}
