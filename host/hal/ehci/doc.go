// Package ehci implements [hal.HostController] for USB 2.0 Enhanced Host
// Controller Interface hardware.
//
// The driver builds queue heads and transfer descriptors in DMA memory,
// links them into the controller's asynchronous or periodic schedule, and
// polls them to completion. Everything hardware-specific is reached
// through three collaborators supplied in [Config]:
//   - [Registers]: 32-bit access to the MMIO window
//   - [Memory]: physically contiguous, DMA-visible pages
//   - [Mapper]: direction-aware mapping of caller buffers
//
// The ehcisim package provides a software model of a controller with
// attached devices for testing; ehcilinux provides Linux backends over a
// PCI BAR.
//
// # Schedules
//
// Control and bulk transfers run on the asynchronous schedule, a circular
// list anchored by a permanently empty reclamation queue head. Interrupt
// transfers run on the periodic schedule, a 1024-entry frame list whose
// slot chains are sorted by decreasing polling interval. The periodic
// schedule is stopped while its list changes.
//
// # Waiting
//
// The driver never waits on interrupts. Every wait is a bounded loop that
// polls a register or descriptor and calls [Config].Stall between polls.
// A transfer timeout of zero waits without bound.
//
// # Interrupt Pipes
//
// [Controller.AsyncInterruptTransfer] opens a pipe that stays linked in
// the periodic schedule. A [Timer] services all open pipes: each finished
// pipe's data is passed to its callback and the pipe is re-armed.
// Callbacks run without the controller lock and may call any controller
// operation. A callback closes its own pipe either by cancelling it or by
// returning an error matching [pkg.ErrCancelled]; the final data toggle is
// written through the Toggle pointer the pipe was started with.
//
// # Example
//
//	c, err := ehci.New(ehci.Config{Regs: regs, Memory: mem})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	buf := make([]byte, 18)
//	res, n, err := c.ControlTransfer(ctx, hal.ControlRequest{
//	    Speed:     hal.SpeedHigh,
//	    MaxPacket: 64,
//	    Setup:     hal.SetupPacket{RequestType: 0x80, Request: 6, Value: 0x0100, Length: 18},
//	    Direction: hal.DirectionIn,
//	    Data:      buf,
//	    Timeout:   time.Second,
//	})
package ehci
