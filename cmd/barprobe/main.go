// barprobe locates a PCI device by vendor/device ID and function number,
// memory-maps one of its BAR resource files from sysfs and prints 16 bytes
// read at a given offset. It is a diagnostic for checking that a device's
// register or VRAM aperture is reachable.
//
// Usage:
//
//	barprobe <offset_in_mbytes>
//	barprobe --vendor 1002 --device 744c --bar 0 20
//	barprobe list --only-target
//	barprobe doctor --show-pass
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/barprobe/pkg/bar"
	"github.com/Nativu5/barprobe/pkg/config"
	"github.com/Nativu5/barprobe/pkg/discover"
	"github.com/Nativu5/barprobe/pkg/doctor"
	"github.com/Nativu5/barprobe/pkg/pci"
	"github.com/Nativu5/barprobe/pkg/types"
	"github.com/Nativu5/barprobe/pkg/utils"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

const usageLine = "Format: barprobe <offset_in_mbytes>"

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// errUsage is returned when the positional argument count is wrong.
var errUsage = errors.New("wrong number of arguments")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command tree and maps errors to the diagnostic line and
// exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if args == nil {
		// cobra falls back to os.Args on nil.
		args = []string{}
	}
	root := rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stdout, usageLine)
			return exitRuntimeError
		}
		op, reason := bar.Describe(err)
		fmt.Fprintf(stdout, "ERROR:\t%s:\t%s\n", op, reason)
		return exitRuntimeError
	}
	return exitOK
}

// globalOptions holds the persistent flags shared by all commands.
type globalOptions struct {
	logLevel   string
	configPath string
	sysfs      string
	vendor     string
	device     string
	function   int
	bar        int
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	var (
		opts   globalOptions
		search string
	)

	root := &cobra.Command{
		Use:   "barprobe <offset_in_mbytes>",
		Short: "PCI BAR mapping probe",
		Long:  "Locate a PCI device, memory-map one of its BAR resource files and read 16 bytes at an offset given in megabytes.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errUsage
			}
			return nil
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
			}
			log.SetLevel(lvl)
			log.SetOutput(cmd.ErrOrStderr())
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			offsetMB, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return &types.OpError{Op: "parse", Err: fmt.Errorf("invalid offset %q: %w", args[0], err)}
			}

			cfg, err := loadConfig(cmd, &opts)
			if err != nil {
				return err
			}

			var mapperOpts bar.Options
			if search != "" {
				mapperOpts.Payload = bar.LiteralPayload(search)
			}
			resolver := pci.NewResolverWithPath(pci.DevicesDir(cfg.SysfsRoot))
			res, err := bar.NewMapper(resolver, mapperOpts).Probe(cfg.Target, offsetMB)
			if err != nil {
				return err
			}

			printResult(cmd.OutOrStdout(), cfg.Target, res)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	pf.StringVar(&opts.configPath, "config", "", "YAML config file with vendor, device, function, bar and sysfs keys")
	pf.StringVar(&opts.sysfs, "sysfs", config.DefaultSysfsRoot, "sysfs mount point (env "+config.EnvSysfs+")")
	pf.StringVar(&opts.vendor, "vendor", fmt.Sprintf("%04x", types.DefaultTarget.Vendor), "PCI vendor ID in hex (env "+config.EnvVendor+")")
	pf.StringVar(&opts.device, "device", fmt.Sprintf("%04x", types.DefaultTarget.Device), "PCI device ID in hex (env "+config.EnvDevice+")")
	pf.IntVar(&opts.function, "function", types.DefaultTarget.Function, "PCI function number 0-7 (env "+config.EnvFunction+")")
	pf.IntVar(&opts.bar, "bar", types.DefaultTarget.BAR, "BAR index 0-5 (env "+config.EnvBAR+")")

	root.Flags().StringVar(&search, "search", "", "Search the mapped BAR for this pattern, seeded beforehand by another tool")

	root.AddCommand(
		newListCmd(&opts),
		newDoctorCmd(&opts),
		newVersionCmd(),
	)

	return root
}

// loadConfig layers defaults, config file, environment and explicitly set flags.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		if err := config.LoadFile(opts.configPath, &cfg); err != nil {
			return cfg, &types.OpError{Op: "config", Err: err}
		}
	}
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, &types.OpError{Op: "config", Err: err}
	}

	flags := cmd.Flags()
	if flags.Changed("vendor") {
		id, err := config.ParseID(opts.vendor)
		if err != nil {
			return cfg, &types.OpError{Op: "config", Err: fmt.Errorf("--vendor: %w", err)}
		}
		cfg.Target.Vendor = id
	}
	if flags.Changed("device") {
		id, err := config.ParseID(opts.device)
		if err != nil {
			return cfg, &types.OpError{Op: "config", Err: fmt.Errorf("--device: %w", err)}
		}
		cfg.Target.Device = id
	}
	if flags.Changed("function") {
		cfg.Target.Function = opts.function
	}
	if flags.Changed("bar") {
		cfg.Target.BAR = opts.bar
	}
	if flags.Changed("sysfs") {
		cfg.SysfsRoot = opts.sysfs
	}

	if err := cfg.Validate(); err != nil {
		return cfg, &types.OpError{Op: "config", Err: err}
	}
	log.Debugf("target %04x:%04x function %d BAR%d under %s",
		cfg.Target.Vendor, cfg.Target.Device, cfg.Target.Function, cfg.Target.BAR, cfg.SysfsRoot)
	return cfg, nil
}

// printResult writes the probe report for the operator.
func printResult(w io.Writer, target types.Target, res *types.ProbeResult) {
	vendorName, productName := discover.Names(target.Vendor, target.Device)
	fmt.Fprintf(w, "Device: %s [%04x:%04x]", res.Locator, target.Vendor, target.Device)
	if vendorName != "" {
		fmt.Fprintf(w, " %s %s", vendorName, productName)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "BAR file: %s\n", res.ResourcePath)
	fmt.Fprintf(w, "mmap size: %d MB\n", res.Size/types.MiB)
	if res.Data != nil {
		fmt.Fprintf(w, "Offset 0x%X (%d M): %s\n", res.OffsetMB*types.MiB, res.OffsetMB, utils.FormatHexBytes(res.Data))
	} else {
		fmt.Fprintf(w, "Offset 0x%X (%d M): outside the mapped BAR\n", res.OffsetMB*types.MiB, res.OffsetMB)
	}

	if res.Pattern != nil {
		if res.PatternOffset >= 0 {
			fmt.Fprintf(w, "Found %q in BAR at offset 0x%X.\n", res.Pattern, res.PatternOffset)
		} else {
			fmt.Fprintf(w, "Can't find %q in BAR.\n", res.Pattern)
		}
	}
}

// ──────────────────────────────────────────────
//  list
// ──────────────────────────────────────────────

func newListCmd(opts *globalOptions) *cobra.Command {
	var (
		onlyTarget bool
		output     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List PCI devices with vendor and product names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			var vendor uint32
			if onlyTarget {
				vendor = cfg.Target.Vendor
			}
			devices, err := discover.List(cfg.SysfsRoot, vendor)
			if err != nil {
				return &types.OpError{Op: "list", Err: err}
			}

			switch output {
			case "json":
				return discover.PrintJSON(cmd.OutOrStdout(), devices)
			default:
				discover.PrintTable(cmd.OutOrStdout(), devices)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&onlyTarget, "only-target", false, "Only list devices of the configured vendor")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	var (
		strict   bool
		showPass bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the configured device's BAR can be mapped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			report := doctor.Diagnose(cfg.Target, pci.NewResolverWithPath(pci.DevicesDir(cfg.SysfsRoot)))

			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), report, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), report, showPass)
			}

			// Exit code strategy
			if report.HasFail {
				return &types.OpError{Op: "doctor", Err: errors.New("one or more checks failed")}
			}
			if strict && report.HasWarn {
				return &types.OpError{Op: "doctor", Err: errors.New("warnings reported in strict mode")}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "barprobe %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
