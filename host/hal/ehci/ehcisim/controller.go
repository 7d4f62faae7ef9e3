package ehcisim

import (
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/host/hal/ehci"
	"github.com/ardnew/ehci/pkg"
)

// CapLength is the size of the simulated capability register block.
const CapLength = 0x20

const (
	microframe = 125 * time.Microsecond
	frame      = time.Millisecond

	// Upper bound on queue heads visited in one schedule walk, so a
	// corrupted circular list cannot hang the model.
	maxHops = 4096
)

// Options configures a simulated controller.
type Options struct {
	Ports            int    // Root-hub ports; defaults to 2
	PortPowerControl bool   // Ports start unpowered and honor PortPower writes
	Is64Bit          bool   // Report 64-bit addressing capability
	MemoryPages      int    // Arena size in pages; defaults to 512
	MemoryBase       uint64 // Bus address of the arena; defaults to 16 MB
}

func (o Options) withDefaults() Options {
	if o.Ports <= 0 {
		o.Ports = 2
	}
	if o.Ports > 15 {
		o.Ports = 15
	}
	if o.MemoryPages <= 0 {
		o.MemoryPages = 512
	}
	if o.MemoryBase == 0 {
		o.MemoryBase = 0x0100_0000
	}
	return o
}

// port is the state behind one PORTSC register.
type port struct {
	fn Function

	power     bool
	enabled   bool
	suspended bool
	reset     bool
	resetEnd  bool // reset signal released, completes on the next step
	owner     bool

	connectChange bool
	enableChange  bool
	overCurChange bool
}

// Controller is a step-driven model of an EHCI host controller with
// functions attached to its root ports. It implements ehci.Registers over
// its register file and executes the driver's schedules out of a
// simulated Memory.
//
// The model only advances inside Stall, which a driver configured with
// the controller's Stall as its Config.Stall calls between polls. Each step
// applies pending command-register effects, walks the periodic schedule for
// every frame boundary crossed, and walks the asynchronous schedule once.
type Controller struct {
	mu   sync.Mutex
	opts Options
	mem  *Memory

	hcs, hcc uint32

	cmd        uint32
	sts        uint32
	intr       uint32
	segment    uint32
	periodic   uint32
	async      uint32
	configFlag uint32
	ports      []port

	now     time.Duration
	runTime time.Duration // time spent running, drives FRINDEX

	holdSchedules bool
	holdDoorbell  bool

	trace []Transaction
}

var _ ehci.Registers = (*Controller)(nil)

// New returns a halted, freshly reset controller with its own memory
// arena.
func New(opts Options) *Controller {
	opts = opts.withDefaults()

	c := &Controller{
		opts:  opts,
		mem:   NewMemory(opts.MemoryPages, opts.MemoryBase),
		ports: make([]port, opts.Ports),
	}

	c.hcs = uint32(opts.Ports) & ehci.HCSParamsNPorts
	if opts.PortPowerControl {
		c.hcs |= ehci.HCSParamsPPC
	}
	if opts.Is64Bit {
		c.hcc |= ehci.HCCParams64Bit
	}

	c.hardReset()
	return c
}

// Memory returns the controller's memory arena.
func (c *Controller) Memory() *Memory { return c.mem }

// Now returns the simulated time elapsed since New.
func (c *Controller) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// hardReset puts every operational register in its reset state.
func (c *Controller) hardReset() {
	c.cmd = 0x00080000
	c.sts = ehci.StsHalted
	c.intr = 0
	c.segment = 0
	c.periodic = 0
	c.async = 0
	c.configFlag = 0
	c.runTime = 0

	for i := range c.ports {
		p := &c.ports[i]
		p.power = !c.opts.PortPowerControl
		p.enabled = false
		p.suspended = false
		p.reset = false
		p.resetEnd = false
		p.owner = true
		p.enableChange = false
		p.overCurChange = false
		p.connectChange = p.fn != nil
	}
}

// =============================================================================
// Register File
// =============================================================================

// Read32 implements ehci.Registers.
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case ehci.RegCapLength:
		return ehci.HCIVersion<<16 | CapLength
	case ehci.RegHCSParams:
		return c.hcs
	case ehci.RegHCCParams:
		return c.hcc
	case ehci.RegHCSPPortRt:
		return 0
	}
	if off < CapLength {
		return 0
	}

	switch op := off - CapLength; op {
	case ehci.RegUSBCmd:
		return c.cmd
	case ehci.RegUSBSts:
		return c.sts
	case ehci.RegUSBIntr:
		return c.intr
	case ehci.RegFrIndex:
		return c.frindex()
	case ehci.RegCtrlDSSegment:
		return c.segment
	case ehci.RegPeriodicBase:
		return c.periodic
	case ehci.RegAsyncListAddr:
		return c.async
	case ehci.RegConfigFlag:
		return c.configFlag
	default:
		if p := c.portAt(op); p != nil {
			return c.portsc(p)
		}
		return 0
	}
}

// Write32 implements ehci.Registers.
func (c *Controller) Write32(off uint32, val uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off < CapLength {
		return
	}

	switch op := off - CapLength; op {
	case ehci.RegUSBCmd:
		// The doorbell is cleared by the controller, not by software.
		c.cmd = val | c.cmd&ehci.CmdIAADoorbell
	case ehci.RegUSBSts:
		c.sts &^= val & ehci.StsClearAll
	case ehci.RegUSBIntr:
		c.intr = val & 0x3f
	case ehci.RegFrIndex:
		if c.halted() {
			c.runTime = time.Duration(val&0x3fff) * microframe
		}
	case ehci.RegCtrlDSSegment:
		if c.opts.Is64Bit {
			c.segment = val
		}
	case ehci.RegPeriodicBase:
		c.periodic = val &^ (ehci.PageSize - 1)
	case ehci.RegAsyncListAddr:
		c.async = val &^ 0x1f
	case ehci.RegConfigFlag:
		c.setConfigFlag(val & 1)
	default:
		if p := c.portAt(op); p != nil {
			c.writePortSC(p, val)
		}
	}
}

func (c *Controller) halted() bool {
	return c.sts&ehci.StsHalted != 0
}

func (c *Controller) frindex() uint32 {
	return uint32(c.runTime/microframe) & 0x3fff
}

func (c *Controller) setConfigFlag(v uint32) {
	if v == c.configFlag {
		return
	}
	c.configFlag = v
	for i := range c.ports {
		c.ports[i].owner = v == 0
	}
}

func (c *Controller) portAt(op uint32) *port {
	if op < ehci.RegPortSC || (op-ehci.RegPortSC)%4 != 0 {
		return nil
	}
	i := int(op-ehci.RegPortSC) / 4
	if i >= len(c.ports) {
		return nil
	}
	return &c.ports[i]
}

func (p *port) connected() bool {
	return p.fn != nil && p.power
}

func (c *Controller) portsc(p *port) uint32 {
	var v uint32
	if p.connected() {
		v |= ehci.PortConnect
		if !p.enabled && !p.reset {
			switch p.fn.Speed() {
			case hal.SpeedLow:
				v |= ehci.PortLineStateK
			default:
				v |= 0x00000800 // J-state
			}
		}
	}
	if p.connectChange {
		v |= ehci.PortConnectChange
	}
	if p.enabled {
		v |= ehci.PortEnabled
	}
	if p.enableChange {
		v |= ehci.PortEnableChange
	}
	if p.overCurChange {
		v |= ehci.PortOverCurChange
	}
	if p.suspended {
		v |= ehci.PortSuspend
	}
	if p.reset {
		v |= ehci.PortReset
	}
	if p.power {
		v |= ehci.PortPower
	}
	if p.owner {
		v |= ehci.PortOwner
	}
	return v
}

func (c *Controller) writePortSC(p *port, val uint32) {
	if val&ehci.PortConnectChange != 0 {
		p.connectChange = false
	}
	if val&ehci.PortEnableChange != 0 {
		p.enableChange = false
	}
	if val&ehci.PortOverCurChange != 0 {
		p.overCurChange = false
	}

	if c.opts.PortPowerControl {
		p.power = val&ehci.PortPower != 0
		if !p.power {
			p.enabled, p.reset, p.resetEnd, p.suspended = false, false, false, false
		}
	}
	p.owner = val&ehci.PortOwner != 0

	// Software can disable a port but only a reset enables it.
	if val&ehci.PortEnabled == 0 {
		p.enabled = false
	}
	if val&ehci.PortSuspend != 0 && p.enabled {
		p.suspended = true
	}
	if val&ehci.PortResume != 0 {
		p.suspended = false
	}

	switch {
	case val&ehci.PortReset != 0 && !p.reset:
		p.reset = true
		p.resetEnd = false
		p.enabled = false
		if p.fn != nil {
			p.fn.Reset()
		}
	case val&ehci.PortReset == 0 && p.reset:
		p.resetEnd = true
	}
}

// =============================================================================
// Clock
// =============================================================================

// Stall advances the model by d. It has the signature of ehci.Config.Stall.
func (c *Controller) Stall(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step(d)
}

// Advance runs the model for d in steps of one microframe.
func (c *Controller) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for d > 0 {
		s := min(d, microframe)
		c.step(s)
		d -= s
	}
}

func (c *Controller) step(d time.Duration) {
	c.now += d

	if c.cmd&ehci.CmdReset != 0 {
		if c.halted() {
			c.hardReset()
		}
		c.cmd &^= ehci.CmdReset
		return
	}

	if c.cmd&ehci.CmdRun == 0 || c.sts&ehci.StsSysError != 0 {
		c.sts |= ehci.StsHalted
		c.sts &^= ehci.StsAsyncOn | ehci.StsPeriodicOn
	} else {
		c.sts &^= ehci.StsHalted
	}

	for i := range c.ports {
		p := &c.ports[i]
		if !p.resetEnd {
			continue
		}
		p.reset, p.resetEnd = false, false
		if p.connected() && p.fn.Speed() == hal.SpeedHigh {
			p.enabled = true
		}
	}

	if c.halted() {
		return
	}

	if !c.holdSchedules {
		c.follow(ehci.CmdAsyncEn, ehci.StsAsyncOn)
		c.follow(ehci.CmdPeriodicEn, ehci.StsPeriodicOn)
	}

	before := c.runTime / frame
	c.runTime += d
	after := c.runTime / frame
	if c.sts&ehci.StsPeriodicOn != 0 {
		for f, n := before+1, 0; f <= after && n < ehci.FrameListLen; f, n = f+1, n+1 {
			c.runFrame(uint32(f) % ehci.FrameListLen)
		}
	}

	if c.sts&ehci.StsAsyncOn != 0 {
		c.runAsync()
	}

	if c.cmd&ehci.CmdIAADoorbell != 0 && !c.holdDoorbell {
		c.cmd &^= ehci.CmdIAADoorbell
		c.sts |= ehci.StsIAA
	}
}

func (c *Controller) follow(cmd, sts uint32) {
	if c.cmd&cmd != 0 {
		c.sts |= sts
	} else {
		c.sts &^= sts
	}
}

// =============================================================================
// Fault Injection and Inspection
// =============================================================================

// InjectHostSystemError raises a host system error, which halts the
// controller.
func (c *Controller) InjectHostSystemError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sts |= ehci.StsSysError | ehci.StsHalted | ehci.StsErrInt
	c.sts &^= ehci.StsAsyncOn | ehci.StsPeriodicOn
	c.cmd &^= ehci.CmdRun
}

// HoldScheduleStatus freezes the schedule status bits so that enable and
// disable handshakes never complete.
func (c *Controller) HoldScheduleStatus(hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdSchedules = hold
}

// HoldDoorbell keeps the async advance doorbell from being acknowledged.
func (c *Controller) HoldDoorbell(hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdDoorbell = hold
}

// Attach connects fn to a root port (1-indexed).
func (c *Controller) Attach(portNum int, fn Function) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if portNum < 1 || portNum > len(c.ports) {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, portNum)
	}
	p := &c.ports[portNum-1]
	if p.fn != nil {
		return fmt.Errorf("%w: port %d occupied", pkg.ErrInvalidState, portNum)
	}
	p.fn = fn
	p.connectChange = true
	c.sts |= ehci.StsPortChange

	pkg.LogDebug(pkg.ComponentSim, "function attached", "port", portNum, "speed", fn.Speed())
	return nil
}

// Detach disconnects whatever is attached to a root port.
func (c *Controller) Detach(portNum int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if portNum < 1 || portNum > len(c.ports) {
		return
	}
	p := &c.ports[portNum-1]
	if p.fn == nil {
		return
	}
	p.fn = nil
	p.connectChange = true
	if p.enabled {
		p.enabled = false
		p.enableChange = true
	}
	c.sts |= ehci.StsPortChange
}

// Trace returns a copy of every transaction executed since the last
// ClearTrace.
func (c *Controller) Trace() []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transaction(nil), c.trace...)
}

// ClearTrace discards the recorded transactions.
func (c *Controller) ClearTrace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace = nil
}
