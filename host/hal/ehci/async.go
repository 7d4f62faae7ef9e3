package ehci

import (
	"fmt"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// =============================================================================
// Asynchronous Schedule
// =============================================================================

// initAsync creates the reclamation anchor of the asynchronous schedule.
// The anchor is a permanently empty, halted queue head linked to itself;
// every control and bulk queue head is spliced in after it.
func (c *Controller) initAsync() error {
	qh, err := c.pool.allocQH()
	if err != nil {
		return err
	}

	qh.ep = endpoint{speed: hal.SpeedHigh, maxPacket: 64, kind: hal.TransferBulk}
	Store32(&qh.hw.EpChar, EpSpeedHigh<<EpCharSpeedShift|64<<EpCharMaxPktShift|EpCharHead)
	Store32(&qh.hw.EpCap, uint32(qhMult)<<EpCapMultShift)
	Store32(&qh.hw.CurQTD, LinkTerminate)
	Store32(&qh.hw.Overlay.Next, LinkTerminate)
	Store32(&qh.hw.Overlay.AltNext, LinkTerminate)
	Store32(&qh.hw.Overlay.Token, TokenHalted)
	Store32(&qh.hw.Link, QHLink(qh.phys))

	qh.next = qh
	qh.sched = scheduleAsync
	c.anchor = qh

	c.writeOp(RegAsyncListAddr, uint32(qh.phys))
	return nil
}

// freeAsync releases the anchor. The schedule must be disabled.
func (c *Controller) freeAsync() {
	if c.anchor == nil {
		return
	}
	c.anchor.sched = scheduleNone
	c.anchor.next = nil
	c.freeQH(c.anchor)
	c.anchor = nil
}

// linkAsync splices qh in directly after the anchor.
func (c *Controller) linkAsync(qh *queueHead) {
	head := c.anchor

	qh.next = head.next
	Store32(&qh.hw.Link, QHLink(head.next.phys))

	head.next = qh
	Store32(&head.hw.Link, QHLink(qh.phys))

	qh.sched = scheduleAsync
	pkg.LogDebug(pkg.ComponentSchedule, "async link", "qh", fmt.Sprintf("%#x", qh.phys))
}

// unlinkAsync splices qh out of the asynchronous schedule and waits for the
// controller to drop any cached reference to it. The queue head is detached
// on return even when the advance handshake fails.
func (c *Controller) unlinkAsync(qh *queueHead) error {
	if qh.sched != scheduleAsync || qh == c.anchor {
		return fmt.Errorf("%w: queue head %#x not in async schedule", pkg.ErrInvalidState, qh.phys)
	}

	prev := c.anchor
	for prev.next != qh {
		prev = prev.next
		if prev == c.anchor {
			return fmt.Errorf("%w: queue head %#x", pkg.ErrNotFound, qh.phys)
		}
	}

	prev.next = qh.next
	Store32(&prev.hw.Link, QHLink(qh.next.phys))

	qh.next = nil
	qh.sched = scheduleNone

	err := c.asyncAdvance()
	Store32(&qh.hw.Link, LinkTerminate)

	pkg.LogDebug(pkg.ComponentSchedule, "async unlink", "qh", fmt.Sprintf("%#x", qh.phys))
	return err
}

// asyncAdvance rings the interrupt-on-async-advance doorbell and waits for
// the controller to acknowledge it. A stopped schedule holds no cached
// queue heads, so there is nothing to wait for.
func (c *Controller) asyncAdvance() error {
	if c.isHalted() || !c.opBitSet(RegUSBSts, StsAsyncOn) {
		return nil
	}

	c.setOpBit(RegUSBCmd, CmdIAADoorbell)
	err := c.waitOpBit(RegUSBSts, StsIAA, true, c.cfg.GenericTimeout)
	c.writeOp(RegUSBSts, StsIAA)
	if err != nil {
		return fmt.Errorf("async advance: %w", err)
	}
	return nil
}

// asyncLen returns the number of queue heads linked after the anchor.
func (c *Controller) asyncLen() int {
	n := 0
	for qh := c.anchor.next; qh != c.anchor; qh = qh.next {
		n++
	}
	return n
}

// enableAsync starts the asynchronous schedule and waits for the status
// bit to follow.
func (c *Controller) enableAsync() error {
	return c.setSchedule(CmdAsyncEn, StsAsyncOn, true)
}

// disableAsync stops the asynchronous schedule and waits for the status
// bit to follow.
func (c *Controller) disableAsync() error {
	return c.setSchedule(CmdAsyncEn, StsAsyncOn, false)
}

// setSchedule performs the two-phase enable or disable handshake for one
// schedule. A schedule whose command and status bits already agree with
// on returns immediately. A halted controller does not update schedule
// status, so only the command bit is written.
func (c *Controller) setSchedule(cmd, sts uint32, on bool) error {
	if c.opBitSet(RegUSBCmd, cmd) == on && c.opBitSet(RegUSBSts, sts) == on {
		return nil
	}

	if on {
		c.setOpBit(RegUSBCmd, cmd)
	} else {
		c.clearOpBit(RegUSBCmd, cmd)
	}
	if c.isHalted() {
		return nil
	}

	if err := c.waitOpBit(RegUSBSts, sts, on, c.cfg.GenericTimeout); err != nil {
		pkg.LogWarn(pkg.ComponentSchedule, "schedule handshake timed out",
			"cmd", fmt.Sprintf("%#x", cmd), "on", on)
		return err
	}
	return nil
}
