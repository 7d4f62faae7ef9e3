// Package host implements the upper USB stack glue over a
// [hal.HostController]: root-port scanning, device enumeration and
// descriptor parsing.
//
// # Architecture
//
//   - Host scans root ports, enumerates new devices and tracks addresses
//   - Device represents an enumerated device with its descriptors and data
//     toggles
//   - Pipe is a byte stream over a pair of bulk endpoints
//
// # Enumeration
//
// A root port that reports a connection is reset. A high-speed device
// leaves the port enabled and is enumerated: the first eight bytes of the
// device descriptor give bMaxPacketSize0, the device is assigned an
// address, the full device and configuration descriptors and the string
// descriptors are read, and the first configuration is selected. A port
// that is not enabled after reset holds a full- or low-speed device and is
// released to the companion controller.
//
// # Example
//
//	h := host.New(hc, host.Config{})
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
//
//	dev, err := h.WaitDevice(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	buf := make([]byte, 512)
//	n, err := dev.BulkTransfer(ctx, 0x82, buf)
package host
