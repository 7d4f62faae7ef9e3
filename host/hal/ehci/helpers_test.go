package ehci

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// =============================================================================
// Heap Memory
// =============================================================================

// heapMemory hands out Go heap pages at made-up bus addresses. limit caps
// the number of live pages when non-zero.
type heapMemory struct {
	mu    sync.Mutex
	next  uint64
	live  map[uint64]int
	limit int
}

func newHeapMemory() *heapMemory {
	return &heapMemory{next: 0x1000_0000, live: make(map[uint64]int)}
}

func (m *heapMemory) AllocPages(n int) (Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limit > 0 && m.pagesLocked()+n > m.limit {
		return Buffer{}, fmt.Errorf("%w: heap limit", pkg.ErrOutOfResources)
	}
	phys := m.next
	m.next += uint64(n) * PageSize
	m.live[phys] = n
	return Buffer{Bytes: make([]byte, n*PageSize), Phys: phys}, nil
}

func (m *heapMemory) FreePages(b Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live[b.Phys]; !ok {
		return fmt.Errorf("%w: %#x", pkg.ErrInvalidParameter, b.Phys)
	}
	delete(m.live, b.Phys)
	return nil
}

func (m *heapMemory) pages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pagesLocked()
}

func (m *heapMemory) pagesLocked() int {
	n := 0
	for _, p := range m.live {
		n += p
	}
	return n
}

// =============================================================================
// Register File
// =============================================================================

const testCapLength = 0x20

// fakeRegs is a register file whose schedule status bits follow the command
// register immediately and whose doorbell is acknowledged on write.
type fakeRegs struct {
	mu        sync.Mutex
	cmd, sts  uint32
	other     map[uint32]uint32
	cmdWrites int
	frozen    bool // status bits stop following the command register
	frozenSts uint32
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{other: make(map[uint32]uint32)}
}

func (r *fakeRegs) Read32(off uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch off {
	case RegCapLength:
		return HCIVersion<<16 | testCapLength
	case testCapLength + RegUSBCmd:
		return r.cmd
	case testCapLength + RegUSBSts:
		return r.status()
	}
	return r.other[off]
}

func (r *fakeRegs) status() uint32 {
	s := r.sts
	if r.frozen {
		return s | r.frozenSts
	}
	if r.cmd&CmdRun == 0 {
		return s | StsHalted
	}
	if r.cmd&CmdAsyncEn != 0 {
		s |= StsAsyncOn
	}
	if r.cmd&CmdPeriodicEn != 0 {
		s |= StsPeriodicOn
	}
	return s
}

func (r *fakeRegs) Write32(off, val uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch off {
	case testCapLength + RegUSBCmd:
		r.cmdWrites++
		if val&CmdIAADoorbell != 0 {
			r.sts |= StsIAA
		}
		r.cmd = val &^ (CmdIAADoorbell | CmdReset)
	case testCapLength + RegUSBSts:
		r.sts &^= val & StsClearAll
	default:
		r.other[off] = val
	}
}

// freeze pins the schedule status bits at their current values.
func (r *fakeRegs) freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozenSts = r.status() &^ r.sts
	r.frozen = true
}

func (r *fakeRegs) writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmdWrites
}

// =============================================================================
// Controller
// =============================================================================

// newTestController returns a running controller with empty schedules
// built over the fake register file, without the hardware reset sequence.
func newTestController(t *testing.T, mem *heapMemory) (*Controller, *fakeRegs) {
	t.Helper()

	regs := newFakeRegs()
	cfg := Config{
		Regs:           regs,
		Memory:         mem,
		Stall:          func(time.Duration) {},
		PollInterval:   time.Microsecond,
		GenericTimeout: 50 * time.Microsecond,
	}.withDefaults()

	c := &Controller{
		cfg:    cfg,
		regs:   regs,
		mem:    mem,
		mapper: cfg.Mapper,
		timer:  cfg.Timer,
		opBase: testCapLength,
		caps:   hal.Capability{MaxSpeed: hal.SpeedHigh, Ports: 2},
	}
	c.async.init()
	c.pool = newPool(mem, false)
	if err := c.initSchedules(); err != nil {
		t.Fatalf("initSchedules() error = %v", err)
	}
	c.writeOp(RegUSBCmd, CmdRun|CmdAsyncEn|CmdPeriodicEn)
	return c, regs
}
