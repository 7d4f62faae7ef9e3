// Package hal defines the Hardware Abstraction Layer between a USB host
// stack and a USB 2.0 host-controller driver.
//
// The HAL is deliberately small. The upper stack owns all USB protocol
// logic (enumeration, descriptor parsing, class drivers); a driver only
// moves transfers and manipulates root-hub ports.
//
// # Interface Overview
//
// The [HostController] interface covers:
//   - Controller lifecycle: [HostController.Reset], state get/set, capabilities
//   - Control, bulk and synchronous interrupt transfers
//   - Asynchronous interrupt pipes delivering data through an [InterruptCallback]
//   - Root-hub port status and features
//
// Isochronous transfers are part of the interface but drivers may report
// them unsupported.
//
// # Results
//
// Transfer methods return a [pkg.TransferResult] bitmask, the number of
// bytes moved and an error. The error classifies the outcome (parameter,
// resource, device error or timeout); the bitmask names the specific
// condition. On failure the byte count and any data toggle output reflect
// how far the transfer got.
//
// An EHCI implementation lives in [github.com/ardnew/ehci/host/hal/ehci].
package hal
