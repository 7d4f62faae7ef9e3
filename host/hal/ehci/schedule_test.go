package ehci

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

func newInterruptQH(t *testing.T, c *Controller, interval int) *queueHead {
	t.Helper()
	ep := endpoint{address: 1, number: 1, dir: hal.DirectionIn, speed: hal.SpeedHigh, maxPacket: 8, interval: interval, kind: hal.TransferInterrupt}
	qh, err := c.newQH(&ep)
	if err != nil {
		t.Fatalf("newQH() error = %v", err)
	}
	return qh
}

// =============================================================================
// Periodic Schedule
// =============================================================================

func TestNormalizeInterval(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{0, 1},
		{500 * time.Microsecond, 1},
		{time.Millisecond, 1},
		{3 * time.Millisecond, 2},
		{8 * time.Millisecond, 8},
		{10 * time.Millisecond, 8},
		{255 * time.Millisecond, 128},
		{2 * time.Second, FrameListLen},
	}
	for _, tt := range tests {
		if got := normalizeInterval(tt.d); got != tt.want {
			t.Errorf("normalizeInterval(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestLinkPeriodic_SlotsAndPhase(t *testing.T) {
	c, _ := newTestController(t, newHeapMemory())

	a := newInterruptQH(t, c, 8)
	if err := c.linkPeriodic(a); err != nil {
		t.Fatalf("linkPeriodic() error = %v", err)
	}
	if a.phase != 0 {
		t.Errorf("first phase = %d, want 0", a.phase)
	}
	if got := len(c.periodicSlots(a)); got != FrameListLen/8 {
		t.Errorf("slots = %d, want %d", got, FrameListLen/8)
	}

	// The second queue head of the same interval avoids the loaded phase.
	b := newInterruptQH(t, c, 8)
	if err := c.linkPeriodic(b); err != nil {
		t.Fatalf("linkPeriodic() error = %v", err)
	}
	if b.phase != 1 {
		t.Errorf("second phase = %d, want 1", b.phase)
	}
	for _, s := range c.periodicSlots(b) {
		if s%8 != 1 {
			t.Fatalf("slot %d not congruent to phase 1", s)
		}
	}

	for _, qh := range []*queueHead{a, b} {
		if err := c.unlinkPeriodic(qh); err != nil {
			t.Fatalf("unlinkPeriodic() error = %v", err)
		}
		c.freeQH(qh)
	}
	for i, head := range c.frames.heads {
		if head != nil || Load32(&c.frames.slots[i]) != LinkTerminate {
			t.Fatalf("slot %d not empty after unlink", i)
		}
	}
}

func TestLinkPeriodic_SortedTree(t *testing.T) {
	c, _ := newTestController(t, newHeapMemory())

	slow := newInterruptQH(t, c, 16)
	fast := newInterruptQH(t, c, 1)
	mid := newInterruptQH(t, c, 4)
	for _, qh := range []*queueHead{fast, slow, mid} {
		if err := c.linkPeriodic(qh); err != nil {
			t.Fatalf("linkPeriodic() error = %v", err)
		}
	}

	// Every chain runs from longest to shortest interval, and the hardware
	// links mirror the software ones.
	for i, head := range c.frames.heads {
		prev := FrameListLen + 1
		link := Load32(&c.frames.slots[i])
		for qh := head; qh != nil; qh = qh.next {
			if qh.interval > prev {
				t.Fatalf("slot %d: interval %d after %d", i, qh.interval, prev)
			}
			prev = qh.interval
			if link != QHLink(qh.phys) {
				t.Fatalf("slot %d: hardware link %#x, want %#x", i, link, QHLink(qh.phys))
			}
			link = Load32(&qh.hw.Link)
		}
		if link != LinkTerminate {
			t.Fatalf("slot %d: chain ends with %#x", i, link)
		}
	}

	// The one-frame queue head is reachable from every slot through a
	// single horizontal link.
	if got := len(c.periodicSlots(fast)); got != FrameListLen {
		t.Errorf("fast slots = %d, want %d", got, FrameListLen)
	}

	if err := c.unlinkPeriodic(mid); err != nil {
		t.Fatalf("unlinkPeriodic() error = %v", err)
	}
	if got := len(c.periodicSlots(fast)); got != FrameListLen {
		t.Errorf("fast slots after unlink = %d, want %d", got, FrameListLen)
	}
	if got := len(c.periodicSlots(mid)); got != 0 {
		t.Errorf("mid slots after unlink = %d, want 0", got)
	}
}

func TestLinkPeriodic_RejectsLinked(t *testing.T) {
	c, _ := newTestController(t, newHeapMemory())

	qh := newInterruptQH(t, c, 2)
	if err := c.linkPeriodic(qh); err != nil {
		t.Fatalf("linkPeriodic() error = %v", err)
	}
	if err := c.linkPeriodic(qh); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("second linkPeriodic() error = %v, want ErrInvalidState", err)
	}
}

func TestMutatePeriodic_RestoresEnableState(t *testing.T) {
	c, _ := newTestController(t, newHeapMemory())

	qh := newInterruptQH(t, c, 2)
	if err := c.linkPeriodic(qh); err != nil {
		t.Fatalf("linkPeriodic() error = %v", err)
	}
	if !c.opBitSet(RegUSBCmd, CmdPeriodicEn) {
		t.Error("periodic schedule not re-enabled after link")
	}

	if err := c.disablePeriodic(); err != nil {
		t.Fatalf("disablePeriodic() error = %v", err)
	}
	if err := c.unlinkPeriodic(qh); err != nil {
		t.Fatalf("unlinkPeriodic() error = %v", err)
	}
	if c.opBitSet(RegUSBCmd, CmdPeriodicEn) {
		t.Error("periodic schedule enabled after unlink from a stopped schedule")
	}
}

func TestUnlinkPeriodic_StaysLinkedWhenStopFails(t *testing.T) {
	c, regs := newTestController(t, newHeapMemory())

	qh := newInterruptQH(t, c, 4)
	if err := c.linkPeriodic(qh); err != nil {
		t.Fatalf("linkPeriodic() error = %v", err)
	}

	regs.freeze()
	err := c.unlinkPeriodic(qh)
	if !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("unlinkPeriodic() error = %v, want ErrTimeout", err)
	}
	if qh.sched != schedulePeriodic {
		t.Errorf("sched = %v, want periodic", qh.sched)
	}
	if got := len(c.periodicSlots(qh)); got != FrameListLen/4 {
		t.Errorf("slots = %d, want %d", got, FrameListLen/4)
	}
}

// =============================================================================
// Asynchronous Schedule
// =============================================================================

func TestAsyncAnchor(t *testing.T) {
	c, _ := newTestController(t, newHeapMemory())

	a := c.anchor
	if got := Load32(&a.hw.Link); got != QHLink(a.phys) {
		t.Errorf("anchor link = %#x, want self %#x", got, QHLink(a.phys))
	}
	if Load32(&a.hw.EpChar)&EpCharHead == 0 {
		t.Error("anchor missing head-of-reclamation bit")
	}
	if Load32(&a.hw.Overlay.Token)&TokenHalted == 0 {
		t.Error("anchor overlay not halted")
	}
	if got := c.readOp(RegAsyncListAddr); got != uint32(a.phys) {
		t.Errorf("ASYNCLISTADDR = %#x, want %#x", got, a.phys)
	}
}

func TestLinkUnlinkAsync(t *testing.T) {
	c, regs := newTestController(t, newHeapMemory())

	ep := endpoint{address: 1, speed: hal.SpeedHigh, maxPacket: 64, kind: hal.TransferControl}
	first, err := c.newQH(&ep)
	if err != nil {
		t.Fatalf("newQH() error = %v", err)
	}
	second, err := c.newQH(&ep)
	if err != nil {
		t.Fatalf("newQH() error = %v", err)
	}

	c.linkAsync(first)
	c.linkAsync(second)
	if got := c.asyncLen(); got != 2 {
		t.Fatalf("asyncLen() = %d, want 2", got)
	}
	if got := Load32(&c.anchor.hw.Link); got != QHLink(second.phys) {
		t.Errorf("anchor link = %#x, want newest %#x", got, QHLink(second.phys))
	}
	if got := Load32(&first.hw.Link); got != QHLink(c.anchor.phys) {
		t.Errorf("tail link = %#x, want anchor", got)
	}

	if err := c.unlinkAsync(first); err != nil {
		t.Fatalf("unlinkAsync() error = %v", err)
	}
	if got := Load32(&second.hw.Link); got != QHLink(c.anchor.phys) {
		t.Errorf("link after unlink = %#x, want anchor", got)
	}
	if first.sched != scheduleNone || Load32(&first.hw.Link) != LinkTerminate {
		t.Errorf("unlinked queue head still attached")
	}
	if regs.Read32(testCapLength+RegUSBSts)&StsIAA != 0 {
		t.Error("doorbell status not acknowledged")
	}

	if err := c.unlinkAsync(first); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("second unlinkAsync() error = %v, want ErrInvalidState", err)
	}
	if err := c.unlinkAsync(c.anchor); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("unlinkAsync(anchor) error = %v, want ErrInvalidState", err)
	}

	if err := c.unlinkAsync(second); err != nil {
		t.Fatalf("unlinkAsync() error = %v", err)
	}
	c.freeQH(first)
	c.freeQH(second)
}

func TestSetSchedule_Idempotent(t *testing.T) {
	c, regs := newTestController(t, newHeapMemory())

	before := regs.writes()
	if err := c.enableAsync(); err != nil {
		t.Fatalf("enableAsync() error = %v", err)
	}
	if err := c.enablePeriodic(); err != nil {
		t.Fatalf("enablePeriodic() error = %v", err)
	}
	if got := regs.writes(); got != before {
		t.Errorf("USBCMD writes = %d, want %d", got, before)
	}

	if err := c.disableAsync(); err != nil {
		t.Fatalf("disableAsync() error = %v", err)
	}
	if err := c.disableAsync(); err != nil {
		t.Fatalf("second disableAsync() error = %v", err)
	}
	if got := regs.writes(); got != before+1 {
		t.Errorf("USBCMD writes = %d, want %d", got, before+1)
	}
}

func TestSetSchedule_Timeout(t *testing.T) {
	c, regs := newTestController(t, newHeapMemory())

	regs.freeze()
	if err := c.disableAsync(); !errors.Is(err, pkg.ErrTimeout) {
		t.Errorf("disableAsync() error = %v, want ErrTimeout", err)
	}
}

func TestSetSchedule_HaltedWritesCommandOnly(t *testing.T) {
	c, _ := newTestController(t, newHeapMemory())

	c.clearOpBit(RegUSBCmd, CmdRun)
	if err := c.disableAsync(); err != nil {
		t.Fatalf("disableAsync() error = %v", err)
	}
	if c.opBitSet(RegUSBCmd, CmdAsyncEn) {
		t.Error("async enable bit still set")
	}
}

// =============================================================================
// Executor Helpers
// =============================================================================

func TestTokenResult(t *testing.T) {
	tests := []struct {
		tok  uint32
		want pkg.TransferResult
	}{
		{TokenHalted, pkg.ResultStall},
		{TokenHalted | TokenXactErr, pkg.ResultCRC},
		{TokenHalted | TokenBabble, pkg.ResultBabble},
		{TokenHalted | TokenBufferErr, pkg.ResultBuffer},
		{TokenHalted | TokenMissedUF, pkg.ResultStall | pkg.ResultBitStuff},
		{TokenHalted | TokenBabble | TokenXactErr, pkg.ResultBabble | pkg.ResultCRC},
	}
	for _, tt := range tests {
		if got := tokenResult(tt.tok); got != tt.want {
			t.Errorf("tokenResult(%#x) = %v, want %v", tt.tok, got, tt.want)
		}
	}
}

func TestPollCount(t *testing.T) {
	tests := []struct {
		timeout, interval time.Duration
		want              int
	}{
		{0, time.Microsecond, 1},
		{10 * time.Microsecond, time.Microsecond, 11},
		{time.Millisecond, 0, 1001},
		{time.Millisecond, 125 * time.Microsecond, 9},
	}
	for _, tt := range tests {
		if got := pollCount(tt.timeout, tt.interval); got != tt.want {
			t.Errorf("pollCount(%v, %v) = %d, want %d", tt.timeout, tt.interval, got, tt.want)
		}
	}
}

func TestPackets(t *testing.T) {
	tests := []struct {
		n         int
		maxPacket uint16
		want      int
	}{
		{0, 64, 1},
		{1, 64, 1},
		{64, 64, 1},
		{65, 64, 2},
		{20480, 512, 40},
	}
	for _, tt := range tests {
		if got := packets(tt.n, tt.maxPacket); got != tt.want {
			t.Errorf("packets(%d, %d) = %d, want %d", tt.n, tt.maxPacket, got, tt.want)
		}
	}
}

func TestExecute_TimeoutLeavesLinked(t *testing.T) {
	c, _ := newTestController(t, newHeapMemory())

	ep := endpoint{address: 1, number: 1, dir: hal.DirectionIn, speed: hal.SpeedHigh, maxPacket: 512, kind: hal.TransferBulk}
	u, err := c.newURB(&ep, nil, make([]byte, 512))
	if err != nil {
		t.Fatalf("newURB() error = %v", err)
	}
	c.linkAsync(u.qh)

	// Nothing executes the fake schedule, so the request stays active.
	err = c.execute(context.Background(), u, 20*time.Microsecond)
	if !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("execute() error = %v, want ErrTimeout", err)
	}
	if u.result&pkg.ResultTimeout == 0 {
		t.Errorf("result = %v, want timeout", u.result)
	}
	if u.qh.sched != scheduleAsync || c.asyncLen() != 1 {
		t.Errorf("queue head unlinked after timeout")
	}

	c.releaseURB(u)
	if c.asyncLen() != 0 {
		t.Errorf("asyncLen() = %d after release, want 0", c.asyncLen())
	}
}

// =============================================================================
// Pool
// =============================================================================

func TestHardwareLayoutSizes(t *testing.T) {
	// 13 and 17 dwords with the 64-bit buffer pointer extensions.
	if HardwareQTDSize != 52 {
		t.Errorf("HardwareQTDSize = %d, want 52", HardwareQTDSize)
	}
	if HardwareQHSize != 68 {
		t.Errorf("HardwareQHSize = %d, want 68", HardwareQHSize)
	}
	if HardwareQTDSize > qtdBlockSize || HardwareQHSize > qhBlockSize {
		t.Error("hardware layout larger than its pool block")
	}
}

func TestPool_AllocFree(t *testing.T) {
	mem := newHeapMemory()
	p := newPool(mem, false)

	seen := make(map[uint64]bool)
	var qhs []*queueHead
	for i := 0; i < PageSize/qhBlockSize+1; i++ {
		qh, err := p.allocQH()
		if err != nil {
			t.Fatalf("allocQH() error = %v", err)
		}
		if qh.phys%qhBlockSize != 0 {
			t.Errorf("queue head %#x not aligned", qh.phys)
		}
		if seen[qh.phys] {
			t.Fatalf("block %#x handed out twice", qh.phys)
		}
		seen[qh.phys] = true
		qhs = append(qhs, qh)
	}
	if got := mem.pages(); got != 2 {
		t.Errorf("pages = %d, want 2", got)
	}
	if got := p.inUse(); got != len(qhs) {
		t.Errorf("inUse() = %d, want %d", got, len(qhs))
	}

	Store32(&qhs[0].hw.EpChar, 0xdeadbeef)
	p.free(qhs[0].phys)
	again, err := p.allocQH()
	if err != nil {
		t.Fatalf("allocQH() error = %v", err)
	}
	if again.phys != qhs[0].phys {
		t.Errorf("reused block = %#x, want %#x", again.phys, qhs[0].phys)
	}
	if got := Load32(&again.hw.EpChar); got != 0 {
		t.Errorf("reused block not zeroed: %#x", got)
	}

	if err := p.close(); err != nil {
		t.Fatalf("close() error = %v", err)
	}
	if got := mem.pages(); got != 0 {
		t.Errorf("pages after close = %d, want 0", got)
	}
}

func TestPool_FreeUnknownPanics(t *testing.T) {
	p := newPool(newHeapMemory(), false)
	defer func() {
		if recover() == nil {
			t.Error("free of unknown block did not panic")
		}
	}()
	p.free(0x1234_5000)
}

func TestPool_RejectsHighPageWithout64Bit(t *testing.T) {
	mem := newHeapMemory()
	mem.next = 1 << 32
	p := newPool(mem, false)

	if _, err := p.allocQTD(); !errors.Is(err, pkg.ErrOutOfResources) {
		t.Errorf("allocQTD() error = %v, want ErrOutOfResources", err)
	}
	if got := mem.pages(); got != 0 {
		t.Errorf("pages = %d, want 0", got)
	}
}

func TestPool_SingleSegment(t *testing.T) {
	mem := newHeapMemory()
	mem.next = 1<<32 - PageSize
	p := newPool(mem, true)

	if _, err := p.allocQTD(); err != nil {
		t.Fatalf("allocQTD() error = %v", err)
	}
	// The next page starts in segment 1.
	if _, err := p.allocQH(); !errors.Is(err, pkg.ErrOutOfResources) {
		t.Errorf("allocQH() error = %v, want ErrOutOfResources", err)
	}
	if p.segment != 0 {
		t.Errorf("segment = %d, want 0", p.segment)
	}
}
