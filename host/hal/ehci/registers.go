package ehci

import (
	"fmt"
	"time"

	"github.com/ardnew/ehci/pkg"
)

// Registers is the MMIO window of an EHCI controller, starting at the
// capability registers. Implementations perform 32-bit accesses at byte
// offsets from the start of the window.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}

// =============================================================================
// Capability Registers (EHCI 1.0, Section 2.2)
// =============================================================================

const (
	RegCapLength  = 0x00 // CAPLENGTH (low byte) and HCIVERSION (high word)
	RegHCSParams  = 0x04 // Structural parameters
	RegHCCParams  = 0x08 // Capability parameters
	RegHCSPPortRt = 0x0c // Companion port route description
)

// HCSPARAMS fields.
const (
	HCSParamsNPorts = 0x0000000f // Number of root-hub ports
	HCSParamsPPC    = 0x00000010 // Port power control
)

// HCCPARAMS fields.
const (
	HCCParams64Bit = 0x00000001 // 64-bit addressing capability
	HCCParamsPFLF  = 0x00000002 // Programmable frame list flag
	HCCParamsASPC  = 0x00000004 // Asynchronous schedule park capability
)

// =============================================================================
// Operational Registers (EHCI 1.0, Section 2.3), relative to CAPLENGTH
// =============================================================================

const (
	RegUSBCmd        = 0x00 // USB command
	RegUSBSts        = 0x04 // USB status
	RegUSBIntr       = 0x08 // USB interrupt enable
	RegFrIndex       = 0x0c // Frame index
	RegCtrlDSSegment = 0x10 // 4G segment selector
	RegPeriodicBase  = 0x14 // Frame list base address
	RegAsyncListAddr = 0x18 // Next asynchronous list address
	RegConfigFlag    = 0x40 // Configured flag
	RegPortSC        = 0x44 // Port status/control, 4 bytes per port
)

// USBCMD bits.
const (
	CmdRun           = 0x00000001 // Run/Stop
	CmdReset         = 0x00000002 // Host controller reset
	CmdFrameListSize = 0x0000000c // Frame list size field
	CmdPeriodicEn    = 0x00000010 // Periodic schedule enable
	CmdAsyncEn       = 0x00000020 // Asynchronous schedule enable
	CmdIAADoorbell   = 0x00000040 // Interrupt on async advance doorbell
	CmdLightReset    = 0x00000080 // Light host controller reset
	CmdIntThreshold  = 0x00ff0000 // Interrupt threshold control

	cmdIntThreshold8 = 0x00080000 // 8 microframes (1 ms)
)

// USBSTS bits.
const (
	StsInt         = 0x00000001 // USB interrupt
	StsErrInt      = 0x00000002 // USB error interrupt
	StsPortChange  = 0x00000004 // Port change detect
	StsFrameRoll   = 0x00000008 // Frame list rollover
	StsSysError    = 0x00000010 // Host system error
	StsIAA         = 0x00000020 // Interrupt on async advance
	StsHalted      = 0x00001000 // HC halted
	StsReclamation = 0x00002000 // Reclamation
	StsPeriodicOn  = 0x00004000 // Periodic schedule status
	StsAsyncOn     = 0x00008000 // Asynchronous schedule status

	StsClearAll = 0x0000003f // All write-one-to-clear bits
)

// PORTSC bits.
const (
	PortConnect       = 0x00000001 // Current connect status
	PortConnectChange = 0x00000002 // Connect status change (RW1C)
	PortEnabled       = 0x00000004 // Port enabled
	PortEnableChange  = 0x00000008 // Port enable change (RW1C)
	PortOverCurrent   = 0x00000010 // Over-current active
	PortOverCurChange = 0x00000020 // Over-current change (RW1C)
	PortResume        = 0x00000040 // Force port resume
	PortSuspend       = 0x00000080 // Suspend
	PortReset         = 0x00000100 // Port reset
	PortLineState     = 0x00000c00 // Line status
	PortLineStateK    = 0x00000400 // K-state: low-speed device
	PortPower         = 0x00001000 // Port power
	PortOwner         = 0x00002000 // Port owner (companion controller)

	PortChangeMask = PortConnectChange | PortEnableChange | PortOverCurChange
)

// HCIVersion is the interface version this driver programs against.
const HCIVersion = 0x0100

// =============================================================================
// Register Helpers
// =============================================================================

func (c *Controller) readCap(off uint32) uint32 {
	return c.regs.Read32(off)
}

func (c *Controller) readOp(off uint32) uint32 {
	return c.regs.Read32(c.opBase + off)
}

func (c *Controller) writeOp(off, val uint32) {
	c.regs.Write32(c.opBase+off, val)
}

func (c *Controller) setOpBit(off, bit uint32) {
	c.writeOp(off, c.readOp(off)|bit)
}

func (c *Controller) clearOpBit(off, bit uint32) {
	c.writeOp(off, c.readOp(off)&^bit)
}

func (c *Controller) opBitSet(off, bit uint32) bool {
	return c.readOp(off)&bit == bit
}

// waitOpBit polls an operational register until bit reads as set (or
// clear) or the timeout expires. A bit already in the wanted state returns
// immediately without stalling.
func (c *Controller) waitOpBit(off, bit uint32, set bool, timeout time.Duration) error {
	loops := pollCount(timeout, c.cfg.PollInterval)
	for i := 0; i < loops; i++ {
		if c.opBitSet(off, bit) == set {
			return nil
		}
		c.stall(c.cfg.PollInterval)
	}
	return fmt.Errorf("%w: register %#02x bit %#x set=%v", pkg.ErrTimeout, off, bit, set)
}

// pollCount converts a timeout into a number of polling iterations of the
// given interval. There is always at least one iteration.
func pollCount(timeout, interval time.Duration) int {
	if interval <= 0 {
		interval = time.Microsecond
	}
	return int(timeout/interval) + 1
}

func (c *Controller) isHalted() bool {
	return c.opBitSet(RegUSBSts, StsHalted)
}

func (c *Controller) isSysError() bool {
	return c.opBitSet(RegUSBSts, StsSysError)
}

func (c *Controller) ackAllInterrupts() {
	c.writeOp(RegUSBSts, StsClearAll)
}

func (c *Controller) portOffset(port int) uint32 {
	return RegPortSC + 4*uint32(port-1)
}
