// Package ehcisim models an EHCI host controller in software.
//
// A [Controller] exposes the capability and operational register file
// through [ehci.Registers] and executes the driver's asynchronous and
// periodic schedules out of its own [Memory] arena. Devices are modelled
// as [Function] values attached to root ports; [Gadget] is a ready-made
// vendor-class function with a bulk loopback pair and an interrupt report
// endpoint.
//
// The model does not run on its own. Time advances only through
// [Controller.Stall] and [Controller.Advance], so a driver configured with
// the model's Stall is fully deterministic:
//
//	sim := ehcisim.New(ehcisim.Options{})
//	sim.Attach(1, ehcisim.NewGadget(ehcisim.GadgetConfig{}))
//
//	timer := &ehcisim.ManualTimer{}
//	c, err := ehci.New(ehci.Config{
//	    Regs:   sim,
//	    Memory: sim.Memory(),
//	    Timer:  timer,
//	    Stall:  sim.Stall,
//	})
//
// The model covers what the driver depends on: run/stop and reset
// handshakes, schedule status tracking, the async advance doorbell, port
// reset and ownership, write-one-to-clear status bits, short packets and
// alternate next pointers, data toggles, error counting and halting.
// Split transactions and isochronous descriptors are not modelled.
package ehcisim
