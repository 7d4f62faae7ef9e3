package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ardnew/ehci/host/hal/ehci/ehcilinux"
	"github.com/ardnew/ehci/pkg"
)

// defaultDMAPages sizes the DMA arena: the frame list, descriptor pools
// and bounce buffers for a handful of transfers.
const defaultDMAPages = 64

type probeOptions struct {
	sysfs  string
	unbind bool
	scan   bool
	pages  int
}

func newProbeCmd(root *rootOptions) *cobra.Command {
	opts := probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe [address]",
		Short: "Take over an EHCI controller and report its ports",
		Long: `probe unbinds the kernel driver from an EHCI function, maps its ` +
			`registers and starts the driver. With --scan it also enumerates ` +
			`the high-speed devices on the root ports. Without an address the ` +
			`first controller found is used. Requires root.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fn, err := selectFunction(opts.sysfs, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", fn.Address, root.pciDB().Describe(fn.VendorID, fn.DeviceID))
			return runProbe(cmd.Context(), cmd.OutOrStdout(), fn, opts, root)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.sysfs, "sysfs", ehcilinux.SysfsPCIPath, "sysfs directory of PCI functions")
	f.BoolVar(&opts.unbind, "unbind", false, "unbind the kernel driver if one is bound")
	f.BoolVar(&opts.scan, "scan", false, "enumerate devices on the root ports")
	f.IntVar(&opts.pages, "pages", defaultDMAPages, "DMA pages to reserve")
	return cmd
}

// selectFunction returns the function named by args, or the first EHCI
// function under sysfs.
func selectFunction(sysfs string, args []string) (ehcilinux.PCIFunction, error) {
	if len(args) == 0 {
		fns, err := ehcilinux.FindControllers(sysfs)
		if err != nil {
			return ehcilinux.PCIFunction{}, err
		}
		if len(fns) == 0 {
			return ehcilinux.PCIFunction{}, fmt.Errorf("%w: no EHCI controller", pkg.ErrNotFound)
		}
		return fns[0], nil
	}

	fn, err := ehcilinux.ReadFunction(filepath.Join(sysfs, args[0]))
	if err != nil {
		return fn, err
	}
	if fn.Class != ehcilinux.ClassEHCI {
		return fn, fmt.Errorf("%w: %s has class %06x, not EHCI", pkg.ErrInvalidParameter, fn.Address, fn.Class)
	}
	return fn, nil
}
