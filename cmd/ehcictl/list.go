package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ardnew/ehci/host/hal/ehci/ehcilinux"
)

func newListCmd(root *rootOptions) *cobra.Command {
	var sysfs string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List EHCI controllers on the PCI bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fns, err := ehcilinux.FindControllers(sysfs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(fns) == 0 {
				fmt.Fprintln(out, "no EHCI controllers found")
				return nil
			}

			db := root.pciDB()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tDRIVER\tDEVICE")
			for _, fn := range fns {
				driver := fn.Driver
				if driver == "" {
					driver = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", fn.Address, driver, db.Describe(fn.VendorID, fn.DeviceID))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&sysfs, "sysfs", ehcilinux.SysfsPCIPath, "sysfs directory of PCI functions")
	return cmd
}
