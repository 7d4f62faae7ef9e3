// Command ehcictl drives a USB2 EHCI host controller from user space.
//
// The list and probe commands work against a PCI controller on Linux. The
// sim command runs the driver against a simulated controller with a test
// gadget attached.
//
// Settings are read from flags, then from EHCI_* environment variables,
// which may be kept in a .env file.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
