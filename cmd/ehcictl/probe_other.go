//go:build !linux

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ardnew/ehci/host/hal/ehci/ehcilinux"
	"github.com/ardnew/ehci/pkg"
)

func runProbe(context.Context, io.Writer, ehcilinux.PCIFunction, probeOptions, *rootOptions) error {
	return fmt.Errorf("%w: probe requires linux", pkg.ErrUnsupported)
}
