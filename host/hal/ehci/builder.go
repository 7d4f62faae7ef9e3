package ehci

import (
	"fmt"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// urb is one transfer request: the endpoint it targets, its mapped buffers,
// its descriptor chain, and the results harvested from the controller.
type urb struct {
	ep endpoint

	setup    hal.SetupPacket
	setupBuf []byte
	setupMap Mapping
	data     []byte
	dataMap  Mapping
	mapped   bool

	qh *queueHead

	result    pkg.TransferResult
	completed int
	toggle    uint8
}

// =============================================================================
// Queue Heads
// =============================================================================

// newQH builds a detached queue head for ep with an empty QTD chain.
func (c *Controller) newQH(ep *endpoint) (*queueHead, error) {
	qh, err := c.pool.allocQH()
	if err != nil {
		return nil, err
	}
	qh.ep = *ep

	char := uint32(ep.address)&EpCharAddrMask |
		uint32(ep.number)<<EpCharEndpointShift&EpCharEndpointMask |
		uint32(ep.maxPacket)<<EpCharMaxPktShift&EpCharMaxPktMask |
		EpCharDTC

	capw := uint32(qhMult) << EpCapMultShift

	switch ep.speed {
	case hal.SpeedHigh:
		char |= EpSpeedHigh<<EpCharSpeedShift | qhNakReload<<EpCharNakRLShift
	case hal.SpeedLow:
		char |= EpSpeedLow << EpCharSpeedShift
	default:
		char |= EpSpeedFull << EpCharSpeedShift
	}

	if ep.speed != hal.SpeedHigh {
		capw |= uint32(ep.translator.HubAddress&0x7f)<<EpCapHubAddrShift |
			uint32(ep.translator.PortNumber&0x7f)<<EpCapPortShift
		if ep.kind == hal.TransferControl {
			char |= EpCharControl
		}
	}

	if ep.kind == hal.TransferInterrupt {
		char &^= 0xf << EpCharNakRLShift
		capw |= qhSMaskFrame0
		if ep.speed != hal.SpeedHigh {
			capw |= qhCMaskSplit << EpCapCMaskShift
		}
		qh.interval = ep.interval
	}

	Store32(&qh.hw.Link, LinkTerminate)
	Store32(&qh.hw.EpChar, char)
	Store32(&qh.hw.EpCap, capw)

	var tok uint32
	if ep.toggle&1 != 0 {
		tok |= TokenToggle
	}
	if ep.kind == hal.TransferBulk && ep.speed == hal.SpeedHigh && ep.dir == hal.DirectionOut {
		tok |= TokenPing
	}
	Store32(&qh.hw.Overlay.Token, tok)
	qh.attach()

	return qh, nil
}

// freeQH returns a detached queue head and its QTD chain to the pool.
func (c *Controller) freeQH(qh *queueHead) {
	if qh == nil {
		return
	}
	if qh.sched != scheduleNone {
		panic(fmt.Sprintf("ehci: free of queue head %#x still linked into %v schedule", qh.phys, qh.sched))
	}
	c.freeQTDs(qh.qtds)
	qh.qtds = nil
	c.pool.free(qh.phys)
}

// =============================================================================
// Transfer Descriptors
// =============================================================================

// newQTD builds one active QTD covering as much of length bytes at phys as
// fits in its page pointers. When the QTD cannot hold everything, its
// length is rounded down to whole packets so that only the last QTD of a
// chain can end in a short packet.
func (c *Controller) newQTD(pid uint8, phys uint64, length int, toggle uint8, maxPacket uint16) (*qtd, error) {
	q, err := c.pool.allocQTD()
	if err != nil {
		return nil, err
	}

	n := qtdCapacity(phys)
	if n >= length {
		n = length
	} else if maxPacket > 0 {
		n -= n % int(maxPacket)
	}

	q.pid = pid
	q.toggle = toggle & 1
	q.setBuffer(phys, n)
	Store32(&q.hw.Next, LinkTerminate)
	Store32(&q.hw.AltNext, LinkTerminate)
	Store32(&q.hw.Token, makeToken(pid, n, q.toggle, false))
	return q, nil
}

// qtdCapacity returns the most bytes one QTD can describe when its buffer
// starts at phys.
func qtdCapacity(phys uint64) int {
	return QTDMaxBuffer - int(phys&(PageSize-1))
}

// freeQTDs returns a QTD chain to the pool.
func (c *Controller) freeQTDs(q *qtd) {
	for q != nil {
		next := q.next
		c.pool.free(q.phys)
		q = next
	}
}

// qtdChain accumulates QTDs in order and links them on completion.
type qtdChain struct {
	c     *Controller
	first *qtd
	last  *qtd
	ok    bool
}

func (ch *qtdChain) add(q *qtd) {
	if ch.last == nil {
		ch.first = q
	} else {
		ch.last.next = q
		Store32(&ch.last.hw.Next, QTDLink(q.phys))
	}
	ch.last = q
}

// done terminates the chain and sets IOC on its final QTD.
func (ch *qtdChain) done() *qtd {
	ch.ok = true
	if ch.last != nil {
		Store32(&ch.last.hw.Next, LinkTerminate)
		Store32(&ch.last.hw.Token, Load32(&ch.last.hw.Token)|TokenIOC)
	}
	return ch.first
}

// release frees a chain that was never completed.
func (ch *qtdChain) release() {
	if ch.ok {
		return
	}
	ch.c.freeQTDs(ch.first)
	ch.first, ch.last = nil, nil
}

// appendData adds QTDs moving length bytes at phys. Each QTD's toggle
// continues the sequence from the packets that precede it. altNext, when
// non-zero, is written as every QTD's alternate next pointer.
func (ch *qtdChain) appendData(pid uint8, phys uint64, length int, toggle uint8, maxPacket uint16, altNext uint32) error {
	off := 0
	for {
		q, err := ch.c.newQTD(pid, phys+uint64(off), length-off, toggle, maxPacket)
		if err != nil {
			return err
		}
		if altNext != 0 {
			Store32(&q.hw.AltNext, altNext)
		}
		ch.add(q)

		off += q.length
		toggle ^= uint8(packets(q.length, maxPacket) & 1)
		if off >= length {
			return nil
		}
	}
}

// buildDataQTDs builds the QTD chain of a bulk or interrupt transfer.
// The chain is either fully built and terminated or not built at all.
func (c *Controller) buildDataQTDs(pid uint8, phys uint64, length int, toggle uint8, maxPacket uint16) (*qtd, error) {
	ch := &qtdChain{c: c}
	defer ch.release()

	var alt uint32
	if pid == PIDIn {
		alt = QTDLink(c.shortReadStop.phys)
	}
	if err := ch.appendData(pid, phys, length, toggle, maxPacket, alt); err != nil {
		return nil, err
	}
	return ch.done(), nil
}

// buildControlQTDs builds the SETUP, data and status stages of a control
// transfer. The SETUP stage always uses toggle 0; the data stage starts
// with toggle 1; the status stage runs opposite to the data stage with
// toggle 1. A short IN data stage continues at the status stage.
func (c *Controller) buildControlQTDs(setupPhys uint64, dir hal.Direction, dataPhys uint64, length int, maxPacket uint16) (*qtd, error) {
	ch := &qtdChain{c: c}
	defer ch.release()

	setup, err := c.newQTD(PIDSetup, setupPhys, hal.SetupPacketSize, 0, maxPacket)
	if err != nil {
		return nil, err
	}
	ch.add(setup)

	statusPID := uint8(PIDIn)
	if dir == hal.DirectionIn {
		statusPID = PIDOut
	}
	status, err := c.newQTD(statusPID, 0, 0, 1, maxPacket)
	if err != nil {
		return nil, err
	}
	// Freed with the chain if the data stage fails.
	statusOwned := false
	defer func() {
		if !statusOwned {
			c.freeQTDs(status)
		}
	}()

	if dir != hal.DirectionNone && length > 0 {
		pid := uint8(PIDOut)
		var alt uint32
		if dir == hal.DirectionIn {
			pid = PIDIn
			alt = QTDLink(status.phys)
		}
		if err := ch.appendData(pid, dataPhys, length, 1, maxPacket, alt); err != nil {
			return nil, err
		}
	}

	ch.add(status)
	statusOwned = true
	return ch.done(), nil
}

// =============================================================================
// Transfer Requests
// =============================================================================

// newURB maps the request's buffers and builds its queue head and QTD
// chain. On failure everything acquired so far is released.
func (c *Controller) newURB(ep *endpoint, setup *hal.SetupPacket, data []byte) (u *urb, err error) {
	u = &urb{ep: *ep, data: data, toggle: ep.toggle}
	defer func() {
		if err != nil {
			c.freeURB(u)
			u = nil
		}
	}()

	if setup != nil {
		u.setup = *setup
		u.setupBuf = make([]byte, hal.SetupPacketSize)
		u.setup.MarshalTo(u.setupBuf)
	}
	if err = c.mapURB(u); err != nil {
		return u, err
	}

	if u.qh, err = c.newQH(ep); err != nil {
		return u, err
	}

	var first *qtd
	if ep.kind == hal.TransferControl {
		first, err = c.buildControlQTDs(u.setupMap.Phys, ep.dir, u.dataMap.Phys, len(data), ep.maxPacket)
	} else {
		pid := uint8(PIDOut)
		if ep.dir == hal.DirectionIn {
			pid = PIDIn
		}
		first, err = c.buildDataQTDs(pid, u.dataMap.Phys, len(data), ep.toggle, ep.maxPacket)
	}
	if err != nil {
		return u, err
	}

	u.qh.qtds = first
	u.qh.attach()
	return u, nil
}

// checkReachable unmaps m and fails if a 32-bit controller cannot address
// all of it.
func (c *Controller) checkReachable(m *Mapping, what string) error {
	if c.is64 || m.Phys+uint64(m.Len) <= 1<<32 {
		return nil
	}
	if err := c.mapper.Unmap(m); err != nil {
		pkg.LogWarn(pkg.ComponentTransfer, "unmap failed", "err", err)
	}
	return fmt.Errorf("%w: %s %#x above 4 GB", pkg.ErrOutOfResources, what, m.Phys)
}

func (c *Controller) mapURB(u *urb) error {
	if u.setupBuf != nil {
		m, err := c.mapper.Map(u.setupBuf, MapBusMasterRead)
		if err != nil {
			return err
		}
		if err := c.checkReachable(&m, "setup packet"); err != nil {
			return err
		}
		u.setupMap = m
	}
	u.mapped = true

	if len(u.data) == 0 {
		return nil
	}

	dir := MapBusMasterRead
	if u.ep.dir == hal.DirectionIn {
		dir = MapBusMasterWrite
	}
	m, err := c.mapper.Map(u.data, dir)
	if err != nil {
		return err
	}
	if err := c.checkReachable(&m, "buffer"); err != nil {
		return err
	}
	u.dataMap = m
	return nil
}

// freeURB releases a detached request in reverse order of construction.
func (c *Controller) freeURB(u *urb) {
	if u == nil {
		return
	}
	if u.qh != nil {
		c.freeQH(u.qh)
		u.qh = nil
	}
	if u.mapped {
		if err := c.mapper.Unmap(&u.dataMap); err != nil {
			pkg.LogWarn(pkg.ComponentTransfer, "unmap data failed", "err", err)
		}
		if err := c.mapper.Unmap(&u.setupMap); err != nil {
			pkg.LogWarn(pkg.ComponentTransfer, "unmap setup failed", "err", err)
		}
		u.mapped = false
	}
}
