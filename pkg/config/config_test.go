package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Nativu5/barprobe/pkg/types"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "barprobe.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Target != types.DefaultTarget {
		t.Errorf("default target = %+v, want %+v", cfg.Target, types.DefaultTarget)
	}
	if cfg.SysfsRoot != "/sys" {
		t.Errorf("default sysfs root = %q", cfg.SysfsRoot)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    uint32
		wantErr bool
	}{
		{"prefixed", "0x10de", 0x10de, false},
		{"bare", "744c", 0x744c, false},
		{"upper", "0X1002", 0x1002, false},
		{"spaces", " 1af4\n", 0x1af4, false},
		{"wide", "0x110de", 0x110de, false},
		{"empty", "", 0, true},
		{"garbage", "amd", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseID(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("ParseID(%q) expected error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseID(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseID(%q) = 0x%x, want 0x%x", tc.in, got, tc.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
vendor: "1002"
device: 0x744c
function: 1
bar: 0
sysfs: /host/sys
`)
	cfg := Default()
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	want := types.Target{Vendor: 0x1002, Device: 0x744c, Function: 1, BAR: 0}
	if cfg.Target != want {
		t.Errorf("target = %+v, want %+v", cfg.Target, want)
	}
	if cfg.SysfsRoot != "/host/sys" {
		t.Errorf("sysfs root = %q", cfg.SysfsRoot)
	}
}

func TestLoadFile_PartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "bar: 2\n")
	cfg := Default()
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Target.BAR != 2 {
		t.Errorf("bar = %d, want 2", cfg.Target.BAR)
	}
	if cfg.Target.Vendor != types.DefaultTarget.Vendor || cfg.Target.Device != types.DefaultTarget.Device {
		t.Errorf("unset IDs should keep defaults, got %+v", cfg.Target)
	}
}

func TestLoadFile_UnknownKey(t *testing.T) {
	path := writeConfig(t, "vendor: \"10de\"\nbogus: true\n")
	cfg := Default()
	if err := LoadFile(path, &cfg); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestLoadFile_BadID(t *testing.T) {
	path := writeConfig(t, "vendor: \"nvidia\"\n")
	cfg := Default()
	if err := LoadFile(path, &cfg); err == nil {
		t.Error("expected error for non-hex vendor")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	cfg := Default()
	if err := LoadFile("/nonexistent/barprobe.yaml", &cfg); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		EnvVendor:   "0x1002",
		EnvDevice:   "744c",
		EnvFunction: "1",
		EnvBAR:      "0",
		EnvSysfs:    "/tmp/sys",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	want := types.Target{Vendor: 0x1002, Device: 0x744c, Function: 1, BAR: 0}
	if cfg.Target != want {
		t.Errorf("target = %+v, want %+v", cfg.Target, want)
	}
	if cfg.SysfsRoot != "/tmp/sys" {
		t.Errorf("sysfs root = %q", cfg.SysfsRoot)
	}
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	path := writeConfig(t, "vendor: \"1002\"\nbar: 0\n")
	cfg := Default()
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatal(err)
	}
	if err := ApplyEnv(&cfg, envMap(map[string]string{EnvBAR: "2"})); err != nil {
		t.Fatal(err)
	}
	if cfg.Target.Vendor != 0x1002 {
		t.Errorf("vendor from file lost: 0x%x", cfg.Target.Vendor)
	}
	if cfg.Target.BAR != 2 {
		t.Errorf("env should override file bar, got %d", cfg.Target.BAR)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	for _, key := range []string{EnvVendor, EnvDevice, EnvFunction, EnvBAR} {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			err := ApplyEnv(&cfg, envMap(map[string]string{key: "zz"}))
			if err == nil {
				t.Fatalf("expected error for %s=zz", key)
			}
			if !strings.Contains(err.Error(), key) {
				t.Errorf("error should name %s, got %v", key, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"vendor_wide", func(c *Config) { c.Target.Vendor = 0x10000 }},
		{"device_wide", func(c *Config) { c.Target.Device = 0x10000 }},
		{"function_negative", func(c *Config) { c.Target.Function = -1 }},
		{"function_high", func(c *Config) { c.Target.Function = 8 }},
		{"bar_high", func(c *Config) { c.Target.BAR = 6 }},
		{"sysfs_empty", func(c *Config) { c.SysfsRoot = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}
