// Package config builds the probe target from a YAML file and environment
// variables. Command-line flags are layered on top by the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/Nativu5/barprobe/pkg/pci"
	"github.com/Nativu5/barprobe/pkg/types"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvVendor   = "BARPROBE_VENDOR"
	EnvDevice   = "BARPROBE_DEVICE"
	EnvFunction = "BARPROBE_FUNCTION"
	EnvBAR      = "BARPROBE_BAR"
	EnvSysfs    = "BARPROBE_SYSFS"
)

// DefaultSysfsRoot is the sysfs mount point.
const DefaultSysfsRoot = "/sys"

// Config is the complete runtime configuration of one probe.
type Config struct {
	Target    types.Target
	SysfsRoot string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Target:    types.DefaultTarget,
		SysfsRoot: DefaultSysfsRoot,
	}
}

// HexID is a PCI ID that unmarshals from a JSON/YAML number or a hex string
// such as "10de" or "0x10de".
type HexID uint32

// UnmarshalJSON accepts both numeric and string forms.
func (h *HexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		id, err := ParseID(s)
		if err != nil {
			return err
		}
		*h = HexID(id)
		return nil
	}
	var n uint32
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid PCI ID %s: %w", data, err)
	}
	*h = HexID(n)
	return nil
}

// fileConfig is the on-disk layout. Unset fields keep their previous value.
type fileConfig struct {
	Vendor   *HexID `json:"vendor,omitempty"`
	Device   *HexID `json:"device,omitempty"`
	Function *int   `json:"function,omitempty"`
	BAR      *int   `json:"bar,omitempty"`
	Sysfs    string `json:"sysfs,omitempty"`
}

// LoadFile overlays the YAML file at path onto cfg. Unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.Vendor != nil {
		cfg.Target.Vendor = uint32(*fc.Vendor)
	}
	if fc.Device != nil {
		cfg.Target.Device = uint32(*fc.Device)
	}
	if fc.Function != nil {
		cfg.Target.Function = *fc.Function
	}
	if fc.BAR != nil {
		cfg.Target.BAR = *fc.BAR
	}
	if fc.Sysfs != "" {
		cfg.SysfsRoot = fc.Sysfs
	}
	log.Debugf("loaded config file %s", path)
	return nil
}

// ApplyEnv overlays BARPROBE_* variables onto cfg. lookup is os.LookupEnv in
// production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvVendor); ok {
		id, err := ParseID(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVendor, err)
		}
		cfg.Target.Vendor = id
	}
	if v, ok := lookup(EnvDevice); ok {
		id, err := ParseID(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDevice, err)
		}
		cfg.Target.Device = id
	}
	if v, ok := lookup(EnvFunction); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFunction, err)
		}
		cfg.Target.Function = n
	}
	if v, ok := lookup(EnvBAR); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBAR, err)
		}
		cfg.Target.BAR = n
	}
	if v, ok := lookup(EnvSysfs); ok && v != "" {
		cfg.SysfsRoot = v
	}
	return nil
}

// ParseID parses a PCI vendor or device ID. IDs are hexadecimal with or
// without a 0x prefix, as sysfs and lspci print them.
func ParseID(s string) (uint32, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimPrefix(strings.ToLower(v), "0x")
	id, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid PCI ID %q: %w", s, err)
	}
	return uint32(id), nil
}

// Validate checks ranges. IDs must fit 16 bits.
func (c Config) Validate() error {
	t := c.Target
	if t.Vendor > 0xffff {
		return fmt.Errorf("vendor ID 0x%x exceeds 16 bits", t.Vendor)
	}
	if t.Device > 0xffff {
		return fmt.Errorf("device ID 0x%x exceeds 16 bits", t.Device)
	}
	if t.Function < 0 || t.Function > 7 {
		return fmt.Errorf("function number %d out of range 0-7", t.Function)
	}
	if t.BAR < 0 || t.BAR > pci.MaxBAR {
		return fmt.Errorf("BAR index %d out of range 0-%d", t.BAR, pci.MaxBAR)
	}
	if c.SysfsRoot == "" {
		return fmt.Errorf("sysfs root must not be empty")
	}
	return nil
}
