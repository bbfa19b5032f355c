// Package doctor provides BAR probe readiness diagnostics.
// It checks the enumeration tree, device resolution, the bound driver,
// the resource file and the privileges needed to map it.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/barprobe/pkg/discover"
	"github.com/Nativu5/barprobe/pkg/pci"
	"github.com/Nativu5/barprobe/pkg/types"
	"github.com/Nativu5/barprobe/pkg/utils"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

// geteuid is swapped in tests.
var geteuid = unix.Geteuid

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results for a target.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// Inspector is the view of the enumeration tree the checks need.
// *pci.Resolver implements it.
type Inspector interface {
	types.Resolver
	Dir() string
	Driver(locator string) (string, error)
	ResourceTable(locator string) ([]pci.Resource, error)
}

var _ Inspector = (*pci.Resolver)(nil)

// Diagnose runs all checks for target. Checks that depend on an earlier
// failed check are not run.
func Diagnose(target types.Target, resolver Inspector) *Report {
	report := &Report{}

	// 1. Enumeration tree
	entries, err := os.ReadDir(resolver.Dir())
	if err != nil {
		report.add(CheckResult{
			Check:    "enumeration",
			Severity: Fail,
			Message:  fmt.Sprintf("Cannot read %s: %v", resolver.Dir(), err),
		})
		return report
	}
	report.add(CheckResult{
		Check:    "enumeration",
		Severity: Pass,
		Message:  fmt.Sprintf("%s lists %d entries", resolver.Dir(), len(entries)),
	})

	// 2. Device resolution
	locator, err := resolver.Resolve(target.Vendor, target.Device, target.Function)
	if err != nil {
		report.add(CheckResult{
			Check:    "device",
			Severity: Fail,
			Message:  err.Error(),
		})
		checkPrivilege(report, "")
		return report
	}
	vendorName, productName := discover.Names(target.Vendor, target.Device)
	msg := fmt.Sprintf("Found %04x:%04x function %d", target.Vendor&0xffff, target.Device&0xffff, target.Function)
	if vendorName != "" {
		msg += fmt.Sprintf(" (%s %s)", vendorName, productName)
	}
	report.add(CheckResult{
		Check:    "device",
		Severity: Pass,
		Message:  msg,
		Device:   locator,
	})

	// 3. Bound driver
	if driver, err := resolver.Driver(locator); err == nil {
		report.add(CheckResult{
			Check:    "driver",
			Severity: Pass,
			Message:  fmt.Sprintf("Bound to %s", driver),
			Device:   locator,
		})
	} else {
		report.add(CheckResult{
			Check:    "driver",
			Severity: Warn,
			Message:  "No kernel driver bound; BAR may be disabled",
			Device:   locator,
		})
	}

	// 4-7. Resource file
	checkResource(report, resolver, locator, target.BAR)

	// 8. Privilege
	checkPrivilege(report, locator)

	return report
}

// checkResource verifies the BAR file exists, has a size, matches the
// resource table and can be opened read-write.
func checkResource(report *Report, resolver Inspector, locator string, bar int) {
	path := resolver.ResourcePath(locator, bar)
	info, err := os.Stat(path)
	if err != nil {
		report.add(CheckResult{
			Check:    "resource_file",
			Severity: Fail,
			Message:  fmt.Sprintf("Cannot stat %s: %v", path, err),
			Device:   locator,
		})
		return
	}
	report.add(CheckResult{
		Check:    "resource_file",
		Severity: Pass,
		Message:  path,
		Device:   locator,
	})

	size := uint64(info.Size())
	if size == 0 {
		report.add(CheckResult{
			Check:    "resource_size",
			Severity: Warn,
			Message:  fmt.Sprintf("%s reports size 0; mmap will fail", path),
			Device:   locator,
		})
	} else {
		report.add(CheckResult{
			Check:    "resource_size",
			Severity: Pass,
			Message:  fmt.Sprintf("File size %s", utils.HumanSize(size)),
			Device:   locator,
		})
	}

	checkBarSize(report, resolver, locator, bar, size)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		msg := fmt.Sprintf("Cannot open %s read-write: %v", path, err)
		if errors.Is(err, os.ErrPermission) {
			msg += " (run as root?)"
		}
		report.add(CheckResult{
			Check:    "resource_access",
			Severity: Fail,
			Message:  msg,
			Device:   locator,
		})
		return
	}
	f.Close()
	report.add(CheckResult{
		Check:    "resource_access",
		Severity: Pass,
		Message:  "Resource file opens read-write",
		Device:   locator,
	})
}

// checkBarSize compares the resource file length, which the mapper uses as
// the mapping size, with the BAR length from the device's resource table.
func checkBarSize(report *Report, resolver Inspector, locator string, bar int, fileSize uint64) {
	table, err := resolver.ResourceTable(locator)
	if err != nil || bar >= len(table) {
		report.add(CheckResult{
			Check:    "bar_size",
			Severity: Warn,
			Message:  "Cannot read BAR length from resource table",
			Device:   locator,
		})
		return
	}

	barLen := table[bar].Len()
	if barLen != fileSize {
		report.add(CheckResult{
			Check:    "bar_size",
			Severity: Warn,
			Message: fmt.Sprintf("Resource file size %s differs from BAR%d length %s",
				utils.HumanSize(fileSize), bar, utils.HumanSize(barLen)),
			Device: locator,
		})
		return
	}
	report.add(CheckResult{
		Check:    "bar_size",
		Severity: Pass,
		Message:  fmt.Sprintf("BAR%d length %s matches resource file", bar, utils.HumanSize(barLen)),
		Device:   locator,
	})
}

// checkPrivilege warns when not running as root.
func checkPrivilege(report *Report, locator string) {
	if euid := geteuid(); euid != 0 {
		report.add(CheckResult{
			Check:    "privilege",
			Severity: Warn,
			Message:  fmt.Sprintf("Running as uid %d; mapping BARs usually requires root", euid),
			Device:   locator,
		})
		return
	}
	report.add(CheckResult{
		Check:    "privilege",
		Severity: Pass,
		Message:  "Running as root",
		Device:   locator,
	})
}

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		dev := r.Device
		if dev == "" {
			dev = "(host)"
		}
		status := fmt.Sprintf("%s %s", marker, r.Severity)
		table.Append(status, r.Check, dev, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
