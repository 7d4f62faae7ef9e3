package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ardnew/ehci/pkg"
	"github.com/ardnew/ehci/pkg/hwids"
	"github.com/ardnew/ehci/pkg/prof"
)

// defaultEnvFile is loaded if present. A missing file given with
// --env-file is an error.
const defaultEnvFile = ".env"

// envFlags maps flags to the environment variables that supply their
// values when the flag is not set on the command line.
var envFlags = map[string]string{
	"log-level":  "EHCI_LOG_LEVEL",
	"log-format": "EHCI_LOG_FORMAT",
	"log-only":   "EHCI_LOG_ONLY",
	"pci-ids":    "EHCI_PCI_IDS",
	"usb-ids":    "EHCI_USB_IDS",
	"sysfs":      "EHCI_SYSFS",
	"pprof-addr": "EHCI_PPROF_ADDR",
}

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	envFile   string
	logLevel  string
	logFormat string
	logOnly   string
	pciIDs    string
	usbIDs    string
	prof      prof.Options

	session *prof.Session
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ehcictl",
		Short: "Drive a USB2 EHCI host controller from user space",
		Long: `ehcictl lists and probes EHCI controllers on the PCI bus, and ` +
			`runs the driver against a simulated controller.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return opts.teardown()
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.envFile, "env-file", defaultEnvFile, "file of EHCI_* variables to load")
	f.StringVar(&opts.logLevel, "log-level", "warn", "minimum log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")
	f.StringVar(&opts.logOnly, "log-only", "", "comma-separated components to log (default all)")
	f.StringVar(&opts.pciIDs, "pci-ids", "", "path of the pci.ids database")
	f.StringVar(&opts.usbIDs, "usb-ids", "", "path of the usb.ids database")
	f.StringVar(&opts.prof.CPU, "cpuprofile", "", "write a CPU profile to `file`")
	f.StringVar(&opts.prof.Heap, "memprofile", "", "write a heap profile to `file` on exit")
	f.StringVar(&opts.prof.Mutex, "mutexprofile", "", "write a mutex profile to `file` on exit")
	f.StringVar(&opts.prof.Addr, "pprof-addr", "", "serve /debug/pprof/ on `addr`")

	cmd.AddCommand(
		newListCmd(opts),
		newProbeCmd(opts),
		newSimCmd(opts),
	)
	return cmd
}

// setup loads the environment, configures logging and starts profiling.
func (o *rootOptions) setup(cmd *cobra.Command) error {
	if err := loadEnv(o.envFile, cmd.Flags().Changed("env-file")); err != nil {
		return err
	}
	if err := applyEnv(cmd); err != nil {
		return err
	}

	level, err := pkg.ParseLogLevel(o.logLevel)
	if err != nil {
		return err
	}
	pkg.SetLogLevel(level)

	format, err := pkg.ParseLogFormat(o.logFormat)
	if err != nil {
		return err
	}
	pkg.SetLogOutput(cmd.ErrOrStderr(), format)

	components, err := pkg.ParseComponents(o.logOnly)
	if err != nil {
		return err
	}
	pkg.SetLogComponents(components...)

	if !o.prof.IsZero() {
		s, err := prof.Start(o.prof)
		if err != nil {
			return fmt.Errorf("start profiling: %w", err)
		}
		o.session = s
		if addr := s.Addr(); addr != "" {
			pkg.LogInfo(pkg.ComponentHost, "pprof listening", "addr", addr)
		}
	}
	return nil
}

func (o *rootOptions) teardown() error {
	if o.session == nil {
		return nil
	}
	err := o.session.Stop()
	o.session = nil
	return err
}

// pciDB returns the PCI name database, loaded from --pci-ids if given.
func (o *rootOptions) pciDB() *hwids.Database {
	return loadDB(o.pciIDs, hwids.PCIPaths)
}

// usbDB returns the USB name database, loaded from --usb-ids if given.
func (o *rootOptions) usbDB() *hwids.Database {
	return loadDB(o.usbIDs, hwids.USBPaths)
}

func loadDB(path string, defaults []string) *hwids.Database {
	paths := defaults
	if path != "" {
		paths = []string{path}
	}
	db := hwids.NewWithPaths(paths)
	if !db.Load() {
		pkg.LogDebug(pkg.ComponentHost, "no ID database found", "paths", paths)
	}
	return db
}

// loadEnv loads a dotenv file without overriding variables already set.
func loadEnv(path string, required bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || (!required && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// applyEnv fills unset flags of cmd from their environment variables.
func applyEnv(cmd *cobra.Command) error {
	for name, env := range envFlags {
		f := cmd.Flags().Lookup(name)
		if f == nil || f.Changed {
			continue
		}
		v, ok := os.LookupEnv(env)
		if !ok || v == "" {
			continue
		}
		if err := cmd.Flags().Set(name, v); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}
	return nil
}
