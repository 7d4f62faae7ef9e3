package ehci

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// Default timing parameters.
const (
	DefaultPollInterval    = time.Microsecond
	DefaultAsyncPollPeriod = 500 * time.Microsecond
	DefaultGenericTimeout  = 10 * time.Millisecond
	DefaultResetTimeout    = time.Second
)

// Config configures a Controller. Regs and Memory are required; every
// other zero field takes its default.
type Config struct {
	// Regs is the controller's MMIO window, starting at the capability
	// registers.
	Regs Registers

	// Memory supplies DMA pages for descriptors and the frame list.
	Memory Memory

	// Mapper makes transfer buffers visible to the controller. Defaults to
	// a BounceMapper over Memory.
	Mapper Mapper

	// Timer drives asynchronous interrupt pipes. Defaults to a TickerTimer.
	Timer Timer

	// Stall waits for the given duration between register polls. Defaults
	// to a busy wait.
	Stall func(time.Duration)

	// PollInterval is the stall between two polls of a register or
	// transfer.
	PollInterval time.Duration

	// AsyncPollPeriod is the period of the interrupt pipe timer.
	AsyncPollPeriod time.Duration

	// GenericTimeout bounds schedule handshakes, run/stop transitions, the
	// async advance doorbell and port reset completion.
	GenericTimeout time.Duration

	// ResetTimeout bounds a host controller reset.
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mapper == nil && c.Memory != nil {
		c.Mapper = NewBounceMapper(c.Memory)
	}
	if c.Timer == nil {
		c.Timer = &TickerTimer{}
	}
	if c.Stall == nil {
		c.Stall = spin
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.AsyncPollPeriod <= 0 {
		c.AsyncPollPeriod = DefaultAsyncPollPeriod
	}
	if c.GenericTimeout <= 0 {
		c.GenericTimeout = DefaultGenericTimeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	return c
}

// spin busy-waits for d.
func spin(d time.Duration) {
	end := time.Now().Add(d)
	for time.Now().Before(end) {
		runtime.Gosched()
	}
}

// Controller drives one EHCI host controller. It implements
// hal.HostController.
//
// A single mutex serializes every public operation and the schedule work
// of each interrupt pipe tick. Pipe callbacks run without it.
type Controller struct {
	mu     sync.Mutex
	tickMu sync.Mutex

	cfg    Config
	regs   Registers
	mem    Memory
	mapper Mapper
	timer  Timer

	opBase uint32
	caps   hal.Capability
	is64   bool
	ppc    bool

	pool          *pool
	anchor        *queueHead
	shortReadStop *qtd
	frames        *frameList
	async         asyncList

	resetChange uint32 // per-port software reset-change bits
	closed      bool
}

var _ hal.HostController = (*Controller)(nil)

// New reads the controller's capabilities and brings it to the
// operational state with empty, running schedules.
func New(cfg Config) (*Controller, error) {
	if cfg.Regs == nil || cfg.Memory == nil {
		return nil, fmt.Errorf("%w: registers and memory are required", pkg.ErrInvalidParameter)
	}
	cfg = cfg.withDefaults()

	c := &Controller{
		cfg:    cfg,
		regs:   cfg.Regs,
		mem:    cfg.Memory,
		mapper: cfg.Mapper,
		timer:  cfg.Timer,
	}
	c.async.init()

	capLen := c.readCap(RegCapLength)
	c.opBase = capLen & 0xff
	version := capLen >> 16
	if c.opBase == 0 || version == 0 {
		return nil, fmt.Errorf("%w: no EHCI controller (caplength %#x)", pkg.ErrDeviceError, capLen)
	}
	if version != HCIVersion {
		pkg.LogWarn(pkg.ComponentController, "unexpected interface version", "version", fmt.Sprintf("%#04x", version))
	}

	hcs := c.readCap(RegHCSParams)
	hcc := c.readCap(RegHCCParams)
	c.is64 = hcc&HCCParams64Bit != 0
	c.ppc = hcs&HCSParamsPPC != 0
	c.caps = hal.Capability{
		MaxSpeed: hal.SpeedHigh,
		Ports:    int(hcs & HCSParamsNPorts),
		Is64Bit:  c.is64,
	}
	c.pool = newPool(c.mem, c.is64)

	if err := c.init(); err != nil {
		c.teardown()
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentController, "controller initialized",
		"ports", c.caps.Ports, "64bit", c.is64, "ppc", c.ppc)
	return c, nil
}

func (c *Controller) stall(d time.Duration) {
	c.cfg.Stall(d)
}

// init resets the controller, builds fresh schedules and starts it.
func (c *Controller) init() error {
	if err := c.halt(); err != nil {
		return err
	}
	if err := c.resetHC(); err != nil {
		return err
	}

	c.writeOp(RegUSBIntr, 0)
	c.writeOp(RegUSBCmd, cmdIntThreshold8)

	if err := c.initSchedules(); err != nil {
		return err
	}
	if c.is64 {
		c.writeOp(RegCtrlDSSegment, c.pool.segment)
	}

	c.ackAllInterrupts()
	c.writeOp(RegConfigFlag, 1)

	if err := c.run(); err != nil {
		return err
	}
	if err := c.enableAsync(); err != nil {
		return err
	}
	if err := c.enablePeriodic(); err != nil {
		return err
	}

	if c.ppc {
		for port := 1; port <= c.caps.Ports; port++ {
			c.writePort(port, PortPower, 0)
		}
	}
	return nil
}

// initSchedules builds the frame list, the async anchor and the short-read
// stop QTD. The frame list is allocated first so that it anchors the
// descriptor segment.
func (c *Controller) initSchedules() error {
	if err := c.initPeriodic(); err != nil {
		return err
	}
	if err := c.initAsync(); err != nil {
		return err
	}

	q, err := c.pool.allocQTD()
	if err != nil {
		return err
	}
	Store32(&q.hw.Next, LinkTerminate)
	Store32(&q.hw.AltNext, LinkTerminate)
	Store32(&q.hw.Token, uint32(PIDIn)<<TokenPIDShift)
	c.shortReadStop = q
	return nil
}

// freeSchedules releases everything initSchedules built. The controller
// must be halted.
func (c *Controller) freeSchedules() {
	if c.shortReadStop != nil {
		c.pool.free(c.shortReadStop.phys)
		c.shortReadStop = nil
	}
	c.freeAsync()
	if err := c.freePeriodic(); err != nil {
		pkg.LogWarn(pkg.ComponentController, "free frame list", "err", err)
	}
	if n := c.pool.inUse(); n != 0 {
		pkg.LogWarn(pkg.ComponentPool, "descriptors outstanding at teardown", "count", n)
	}
}

// teardown halts the controller and releases all memory.
func (c *Controller) teardown() {
	c.cancelAllAsync()
	if err := c.halt(); err != nil {
		pkg.LogWarn(pkg.ComponentController, "halt during teardown", "err", err)
	}
	c.freeSchedules()
	if err := c.pool.close(); err != nil {
		pkg.LogWarn(pkg.ComponentPool, "release descriptor pages", "err", err)
	}
}

// halt clears Run/Stop and waits for HCHalted.
func (c *Controller) halt() error {
	c.clearOpBit(RegUSBCmd, CmdRun)
	if err := c.waitOpBit(RegUSBSts, StsHalted, true, c.cfg.GenericTimeout); err != nil {
		return fmt.Errorf("halt controller: %w", err)
	}
	return nil
}

// run sets Run/Stop and waits for HCHalted to clear.
func (c *Controller) run() error {
	c.setOpBit(RegUSBCmd, CmdRun)
	if err := c.waitOpBit(RegUSBSts, StsHalted, false, c.cfg.GenericTimeout); err != nil {
		return fmt.Errorf("run controller: %w", err)
	}
	return nil
}

// resetHC performs a host controller reset. The controller must be halted
// first.
func (c *Controller) resetHC() error {
	if !c.isHalted() {
		if err := c.halt(); err != nil {
			return err
		}
	}
	c.setOpBit(RegUSBCmd, CmdReset)
	if err := c.waitOpBit(RegUSBCmd, CmdReset, false, c.cfg.ResetTimeout); err != nil {
		return fmt.Errorf("reset controller: %w", err)
	}
	return nil
}

// checkOpen returns an error if the controller was closed.
func (c *Controller) checkOpen() error {
	if c.closed {
		return fmt.Errorf("%w: controller closed", pkg.ErrInvalidState)
	}
	return nil
}

// Capability implements hal.HostController.
func (c *Controller) Capability() hal.Capability {
	return c.caps
}

// Reset implements hal.HostController. Global and host controller resets
// cancel every interrupt pipe, reset the hardware and rebuild the
// schedules. Resets that preserve a debug port are not supported.
func (c *Controller) Reset(mode hal.ResetMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}

	switch mode {
	case hal.ResetGlobal, hal.ResetHostController:
	case hal.ResetGlobalWithDebug, hal.ResetHostWithDebug:
		return fmt.Errorf("%w: reset mode %d", pkg.ErrUnsupported, mode)
	default:
		return fmt.Errorf("%w: reset mode %d", pkg.ErrInvalidParameter, mode)
	}

	if !c.isHalted() {
		if err := c.halt(); err != nil {
			return fmt.Errorf("%w: %v", pkg.ErrDeviceError, err)
		}
	}

	c.cancelAllAsync()
	c.ackAllInterrupts()
	c.freeSchedules()
	c.resetChange = 0

	if err := c.init(); err != nil {
		pkg.LogError(pkg.ComponentController, "reset failed", "err", err)
		return fmt.Errorf("%w: %v", pkg.ErrDeviceError, err)
	}

	pkg.LogInfo(pkg.ComponentController, "controller reset", "mode", mode)
	return nil
}

// State implements hal.HostController.
func (c *Controller) State() (hal.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return hal.StateHalt, err
	}
	return c.state(), nil
}

func (c *Controller) state() hal.State {
	if c.isHalted() {
		return hal.StateHalt
	}
	return hal.StateOperational
}

// SetState implements hal.HostController. Only the halted and operational
// states are supported.
func (c *Controller) SetState(state hal.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.state() == state {
		return nil
	}

	switch state {
	case hal.StateHalt:
		if err := c.halt(); err != nil {
			return fmt.Errorf("%w: %v", pkg.ErrDeviceError, err)
		}

	case hal.StateOperational:
		if c.isSysError() {
			return fmt.Errorf("%w: host system error", pkg.ErrDeviceError)
		}
		if err := c.run(); err != nil {
			return fmt.Errorf("%w: %v", pkg.ErrDeviceError, err)
		}

	case hal.StateSuspend:
		return fmt.Errorf("%w: suspend", pkg.ErrUnsupported)

	default:
		return fmt.Errorf("%w: state %d", pkg.ErrInvalidParameter, state)
	}

	pkg.LogInfo(pkg.ComponentController, "controller state changed", "state", state)
	return nil
}

// Close cancels every interrupt pipe, halts the controller and releases
// its memory. The controller cannot be used afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.teardown()
	c.closed = true

	pkg.LogInfo(pkg.ComponentController, "controller closed")
	return nil
}
