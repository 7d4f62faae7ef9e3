//go:build linux

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ardnew/ehci/host"
	"github.com/ardnew/ehci/host/hal/ehci"
	"github.com/ardnew/ehci/host/hal/ehci/ehcilinux"
	"github.com/ardnew/ehci/pkg"
)

func runProbe(ctx context.Context, out io.Writer, fn ehcilinux.PCIFunction, opts probeOptions, root *rootOptions) error {
	if fn.Driver != "" {
		if !opts.unbind {
			return fmt.Errorf("%w: %s is bound to %s (use --unbind)", pkg.ErrInvalidState, fn.Address, fn.Driver)
		}
		if err := fn.Unbind(); err != nil {
			return err
		}
	}
	if err := fn.EnableBusMaster(); err != nil {
		return err
	}

	bar, err := ehcilinux.OpenBAR(fn.Path)
	if err != nil {
		return err
	}
	defer bar.Close()

	mem, err := ehcilinux.NewDMAMemory(opts.pages)
	if err != nil {
		return err
	}
	defer mem.Close()

	hc, err := ehci.New(ehci.Config{
		Regs:   bar,
		Memory: mem,
		Timer:  &ehcilinux.Timer{},
	})
	if err != nil {
		return err
	}
	defer hc.Close()

	if err := printController(out, hc); err != nil {
		return err
	}
	if !opts.scan {
		return nil
	}

	h := host.New(hc, host.Config{})
	if err := h.Scan(ctx); err != nil {
		pkg.LogWarn(pkg.ComponentHost, "scan incomplete", "error", err)
	}
	usb := root.usbDB()
	for _, dev := range h.Devices() {
		printDevice(out, dev, usb)
	}
	return nil
}
