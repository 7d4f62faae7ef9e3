package ehci

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/ardnew/ehci/pkg"
)

// FrameListLen is the number of slots in the periodic frame list.
const FrameListLen = 1024

// frameList is the periodic schedule: the hardware slot array plus the
// software head of each slot's queue-head chain. Each chain is sorted by
// decreasing interval, so chains from different slots merge into a tree
// and a queue head present in many slots has exactly one horizontal link.
type frameList struct {
	buf   Buffer
	slots []uint32
	heads [FrameListLen]*queueHead
}

// initPeriodic allocates the frame list with every slot terminated.
func (c *Controller) initPeriodic() error {
	buf, err := c.pool.page()
	if err != nil {
		return err
	}

	fl := &frameList{
		buf:   buf,
		slots: unsafe.Slice((*uint32)(unsafe.Pointer(&buf.Bytes[0])), FrameListLen),
	}
	for i := range fl.slots {
		Store32(&fl.slots[i], LinkTerminate)
	}
	c.frames = fl

	c.writeOp(RegPeriodicBase, uint32(buf.Phys))
	return nil
}

// freePeriodic releases the frame list. The schedule must be disabled.
func (c *Controller) freePeriodic() error {
	if c.frames == nil {
		return nil
	}
	err := c.mem.FreePages(c.frames.buf)
	c.frames = nil
	return err
}

// normalizeInterval converts a polling period into a power-of-two number
// of frames in [1, FrameListLen], rounding down.
func normalizeInterval(d time.Duration) int {
	ms := int(d / time.Millisecond)
	if ms <= 1 {
		return 1
	}
	if ms >= FrameListLen {
		return FrameListLen
	}
	n := 1
	for n<<1 <= ms {
		n <<= 1
	}
	return n
}

// choosePhase picks the first slot for a queue head polled every interval
// frames: the phase in [0, interval) whose slots currently reach the fewest
// queue heads. Ties go to the lowest phase.
func (fl *frameList) choosePhase(interval int) int {
	best, bestLoad := 0, -1
	for p := 0; p < interval; p++ {
		load := 0
		for i := p; i < FrameListLen; i += interval {
			for qh := fl.heads[i]; qh != nil; qh = qh.next {
				load++
			}
		}
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = p, load
		}
	}
	return best
}

// linkPeriodic inserts qh into every slot congruent to its phase modulo its
// interval, with the periodic schedule stopped while the list changes.
func (c *Controller) linkPeriodic(qh *queueHead) error {
	if qh.sched != scheduleNone {
		return fmt.Errorf("%w: queue head %#x already in %v schedule", pkg.ErrInvalidState, qh.phys, qh.sched)
	}
	if qh.interval < 1 {
		qh.interval = 1
	}

	return c.mutatePeriodic(func(fl *frameList) {
		qh.phase = fl.choosePhase(qh.interval)

		for i := qh.phase; i < FrameListLen; i += qh.interval {
			var prev *queueHead
			next := fl.heads[i]
			for next != nil && next.interval > qh.interval {
				prev, next = next, next.next
			}
			if next == qh {
				// Reached through a chain patched for an earlier slot.
				continue
			}

			qh.next = next
			if next != nil {
				Store32(&qh.hw.Link, QHLink(next.phys))
			} else {
				Store32(&qh.hw.Link, LinkTerminate)
			}

			if prev == nil {
				fl.heads[i] = qh
				Store32(&fl.slots[i], QHLink(qh.phys))
			} else {
				prev.next = qh
				Store32(&prev.hw.Link, QHLink(qh.phys))
			}
		}
		qh.sched = schedulePeriodic

		pkg.LogDebug(pkg.ComponentSchedule, "periodic link",
			"qh", fmt.Sprintf("%#x", qh.phys), "interval", qh.interval, "phase", qh.phase)
	})
}

// unlinkPeriodic removes qh from every slot it occupies, with the periodic
// schedule stopped while the list changes. If the schedule cannot be
// stopped, qh stays linked.
func (c *Controller) unlinkPeriodic(qh *queueHead) error {
	if qh.sched != schedulePeriodic {
		return fmt.Errorf("%w: queue head %#x not in periodic schedule", pkg.ErrInvalidState, qh.phys)
	}

	return c.mutatePeriodic(func(fl *frameList) {
		for i := qh.phase; i < FrameListLen; i += qh.interval {
			var prev *queueHead
			cur := fl.heads[i]
			for cur != nil && cur != qh {
				prev, cur = cur, cur.next
			}
			if cur == nil {
				continue
			}

			if prev == nil {
				fl.heads[i] = qh.next
				if qh.next != nil {
					Store32(&fl.slots[i], QHLink(qh.next.phys))
				} else {
					Store32(&fl.slots[i], LinkTerminate)
				}
			} else {
				prev.next = qh.next
				Store32(&prev.hw.Link, Load32(&qh.hw.Link))
			}
		}

		qh.next = nil
		qh.sched = scheduleNone
		Store32(&qh.hw.Link, LinkTerminate)

		pkg.LogDebug(pkg.ComponentSchedule, "periodic unlink", "qh", fmt.Sprintf("%#x", qh.phys))
	})
}

// mutatePeriodic runs fn with the periodic schedule disabled, then restores
// the schedule to its previous enable state. If the schedule cannot be
// stopped fn is not run.
func (c *Controller) mutatePeriodic(fn func(fl *frameList)) error {
	wasOn := c.opBitSet(RegUSBCmd, CmdPeriodicEn)
	if err := c.disablePeriodic(); err != nil {
		return fmt.Errorf("periodic schedule: %w", err)
	}

	fn(c.frames)

	if !wasOn {
		return nil
	}
	if err := c.enablePeriodic(); err != nil {
		return fmt.Errorf("periodic schedule: %w", err)
	}
	return nil
}

// enablePeriodic starts the periodic schedule and waits for the status bit
// to follow.
func (c *Controller) enablePeriodic() error {
	return c.setSchedule(CmdPeriodicEn, StsPeriodicOn, true)
}

// disablePeriodic stops the periodic schedule and waits for the status bit
// to follow.
func (c *Controller) disablePeriodic() error {
	return c.setSchedule(CmdPeriodicEn, StsPeriodicOn, false)
}

// periodicSlots returns the frame-list slots from which qh is reachable.
func (c *Controller) periodicSlots(qh *queueHead) []int {
	var slots []int
	for i, head := range c.frames.heads {
		for cur := head; cur != nil; cur = cur.next {
			if cur == qh {
				slots = append(slots, i)
				break
			}
		}
	}
	return slots
}
