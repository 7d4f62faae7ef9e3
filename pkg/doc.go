// Package pkg provides shared utilities for the EHCI driver.
//
// This package contains common functionality used by the controller core,
// its backends, and the command-line tool, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for the driver's error taxonomy
//   - The [TransferResult] bitmask reported with every transfer
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with driver-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentController, "controller running", "ports", 4)
//
// Output can be narrowed to a few components with [SetLogComponents].
//
// # Errors
//
// Every failure maps onto one of a few sentinel values. Transfers also
// report a [TransferResult] naming the specific hardware condition:
//
//	res, n, err := hc.BulkTransfer(ctx, req, &toggle)
//	if errors.Is(err, pkg.ErrDeviceError) && res&pkg.ResultStall != 0 {
//	    // Clear the endpoint halt
//	}
package pkg
