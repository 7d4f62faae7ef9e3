package ehcisim

import (
	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/host/hal/ehci"
)

// Queue head and QTD word offsets.
const (
	qhLink    = 0x00
	qhEpChar  = 0x04
	qhEpCap   = 0x08
	qhCurQTD  = 0x0c
	qhOverlay = 0x10

	qtdNext    = 0x00
	qtdAltNext = 0x04
	qtdToken   = 0x08
	qtdPage    = 0x0c
	qtdPageHi  = 0x20
)

// outcome is the effect of one visit to a queue head's current QTD.
type outcome uint8

const (
	outcomePacket outcome = iota // One packet moved, QTD still active
	outcomeDone                  // QTD retired
	outcomeNAK                   // No progress this visit
	outcomeHalt                  // Queue halted
)

// addr extends a 32-bit link or base register into a bus address.
func (c *Controller) addr(lo uint32) uint64 {
	return uint64(c.segment)<<32 | uint64(lo)
}

func (c *Controller) rd(phys uint64) uint32 {
	v, _ := c.mem.Read32(phys)
	return v
}

func (c *Controller) wr(phys uint64, v uint32) {
	c.mem.Write32(phys, v)
}

// runAsync walks the asynchronous schedule once, starting at
// ASYNCLISTADDR.
func (c *Controller) runAsync() {
	head := c.addr(c.async)
	qh := head
	for hops := 0; hops < maxHops; hops++ {
		c.serviceQH(qh, false)

		link := c.rd(qh + qhLink)
		if link&ehci.LinkTerminate != 0 {
			return
		}
		qh = c.addr(link & ehci.LinkAddrMask)
		if qh == head {
			return
		}
	}
}

// runFrame walks the periodic schedule from one frame-list slot.
func (c *Controller) runFrame(slot uint32) {
	link := c.rd(c.addr(c.periodic) + uint64(slot)*4)
	for hops := 0; hops < maxHops && link&ehci.LinkTerminate == 0; hops++ {
		if link&ehci.LinkTypeMask != ehci.LinkTypeQH {
			return
		}
		qh := c.addr(link & ehci.LinkAddrMask)
		if c.rd(qh+qhEpCap)&ehci.EpCapSMaskMask != 0 {
			c.serviceQH(qh, true)
		}
		link = c.rd(qh + qhLink)
	}
}

// serviceQH executes a queue head. A periodic visit moves at most one
// packet; an asynchronous visit runs until the queue empties, halts or
// is NAKed.
func (c *Controller) serviceQH(qh uint64, periodic bool) {
	for i := 0; i < maxHops; i++ {
		tok := c.rd(qh + qhOverlay + qtdToken)
		if tok&ehci.TokenHalted != 0 {
			return
		}
		if tok&ehci.TokenActive == 0 {
			if !c.advance(qh) {
				return
			}
			continue
		}

		switch c.transact(qh) {
		case outcomeNAK, outcomeHalt:
			return
		default:
			if periodic {
				return
			}
		}
	}
}

// advance loads the next QTD into the overlay. After a short IN packet the
// alternate next pointer is followed when valid. It reports whether an
// active QTD was loaded.
func (c *Controller) advance(qh uint64) bool {
	ov := qh + qhOverlay
	tok := c.rd(ov + qtdToken)

	next := c.rd(ov + qtdNext)
	if alt := c.rd(ov + qtdAltNext); alt&ehci.LinkTerminate == 0 &&
		ehci.TokenBytes(tok) != 0 && ehci.TokenPID(tok) == ehci.PIDIn {
		next = alt
	}
	if next&ehci.LinkTerminate != 0 {
		return false
	}

	q := c.addr(next & ehci.LinkAddrMask)
	qtok := c.rd(q + qtdToken)
	if qtok&ehci.TokenActive == 0 {
		return false
	}

	c.wr(qh+qhCurQTD, uint32(q))
	c.wr(ov+qtdNext, c.rd(q+qtdNext))
	c.wr(ov+qtdAltNext, c.rd(q+qtdAltNext))
	for i := uint64(0); i < ehci.QTDPages; i++ {
		c.wr(ov+qtdPage+4*i, c.rd(q+qtdPage+4*i))
		c.wr(ov+qtdPageHi+4*i, c.rd(q+qtdPageHi+4*i))
	}
	if c.rd(qh+qhEpChar)&ehci.EpCharDTC == 0 {
		qtok = qtok&^ehci.TokenToggle | tok&ehci.TokenToggle
	}
	c.wr(ov+qtdToken, qtok)
	return true
}

// retire writes the overlay's token and buffer position back to the
// current QTD.
func (c *Controller) retire(qh uint64, tok uint32) {
	ov := qh + qhOverlay
	c.wr(ov+qtdToken, tok)

	q := c.addr(c.rd(qh+qhCurQTD) & ehci.LinkAddrMask)
	c.wr(q+qtdToken, tok)
	c.wr(q+qtdPage, c.rd(ov+qtdPage))

	if tok&ehci.TokenHalted != 0 {
		c.sts |= ehci.StsErrInt
	} else if tok&ehci.TokenIOC != 0 {
		c.sts |= ehci.StsInt
	}
}

// transact moves one packet for the queue head's active overlay.
func (c *Controller) transact(qh uint64) outcome {
	ov := qh + qhOverlay
	char := c.rd(qh + qhEpChar)
	tok := c.rd(ov + qtdToken)

	maxPacket := int(char&ehci.EpCharMaxPktMask) >> ehci.EpCharMaxPktShift
	total := ehci.TokenBytes(tok)
	n := min(total, maxPacket)

	t := Transaction{
		Address:  uint8(char & ehci.EpCharAddrMask),
		Endpoint: uint8((char & ehci.EpCharEndpointMask) >> ehci.EpCharEndpointShift),
		PID:      PID(ehci.TokenPID(tok)),
	}
	if tok&ehci.TokenToggle != 0 {
		t.Toggle = 1
	}
	if t.PID == PIDIn {
		t.MaxLen = n
	} else {
		t.Data = c.readBuffer(ov, tok, n)
	}

	// A function addressed at the wrong speed never answers.
	hs := HandshakeError
	if fn := c.function(t.Address); fn != nil && fn.Speed() == speedOf(char) {
		hs = fn.Transact(&t)
	}
	if hs == HandshakeACK && t.PID == PIDIn && len(t.Data) > n {
		// Babble: more data than the QTD can hold.
		t.Data = t.Data[:n]
		t.Handshake = hs
		c.record(t)
		c.retire(qh, tok&^ehci.TokenActive|ehci.TokenHalted|ehci.TokenBabble)
		return outcomeHalt
	}
	t.Handshake = hs
	c.record(t)

	switch hs {
	case HandshakeNAK:
		return outcomeNAK

	case HandshakeStall:
		c.retire(qh, tok&^ehci.TokenActive|ehci.TokenHalted)
		return outcomeHalt

	case HandshakeError:
		cerr := (tok & ehci.TokenCErrMask) >> ehci.TokenCErrShift
		tok |= ehci.TokenXactErr
		if cerr == 1 {
			c.retire(qh, tok&^(ehci.TokenActive|ehci.TokenCErrMask)|ehci.TokenHalted)
			return outcomeHalt
		}
		if cerr > 1 {
			tok = tok&^ehci.TokenCErrMask | (cerr-1)<<ehci.TokenCErrShift
		}
		c.wr(ov+qtdToken, tok)
		return outcomeNAK
	}

	if t.PID == PIDIn {
		c.writeBuffer(ov, tok, t.Data)
		n = len(t.Data)
	}

	tok ^= ehci.TokenToggle
	total -= n
	tok = tok&^ehci.TokenBytesMask | uint32(total)<<ehci.TokenBytesShift
	tok = c.advanceBuffer(ov, tok, n)

	short := t.PID == PIDIn && n < maxPacket
	if total == 0 || short {
		c.retire(qh, tok&^ehci.TokenActive)
		return outcomeDone
	}
	c.wr(ov+qtdToken, tok)
	return outcomePacket
}

// function returns the enabled function at a bus address.
func (c *Controller) function(addr uint8) Function {
	if c.configFlag == 0 {
		return nil
	}
	for i := range c.ports {
		p := &c.ports[i]
		if p.connected() && p.enabled && !p.owner && !p.suspended && p.fn.Address() == addr {
			return p.fn
		}
	}
	return nil
}

func (c *Controller) record(t Transaction) {
	t.Data = append([]byte(nil), t.Data...)
	c.trace = append(c.trace, t)
}

// bufferAt returns the bus address of byte i past the overlay's current
// position.
func (c *Controller) bufferAt(ov uint64, tok uint32, i int) uint64 {
	page := int(tok&ehci.TokenCPageMask) >> ehci.TokenCPageShift
	off := int(c.rd(ov+qtdPage)&(ehci.PageSize-1)) + i
	page += off / ehci.PageSize
	off %= ehci.PageSize
	if page >= ehci.QTDPages {
		return 0
	}
	lo := c.rd(ov+qtdPage+4*uint64(page)) &^ (ehci.PageSize - 1)
	hi := c.rd(ov + qtdPageHi + 4*uint64(page))
	return uint64(hi)<<32 | uint64(lo) + uint64(off)
}

func (c *Controller) readBuffer(ov uint64, tok uint32, n int) []byte {
	out := make([]byte, 0, n)
	for i := 0; i < n; {
		phys := c.bufferAt(ov, tok, i)
		chunk := min(n-i, ehci.PageSize-int(phys&(ehci.PageSize-1)))
		b, ok := c.mem.Bytes(phys, chunk)
		if !ok {
			return out
		}
		out = append(out, b...)
		i += chunk
	}
	return out
}

func (c *Controller) writeBuffer(ov uint64, tok uint32, data []byte) {
	for i := 0; i < len(data); {
		phys := c.bufferAt(ov, tok, i)
		chunk := min(len(data)-i, ehci.PageSize-int(phys&(ehci.PageSize-1)))
		b, ok := c.mem.Bytes(phys, chunk)
		if !ok {
			return
		}
		copy(b, data[i:i+chunk])
		i += chunk
	}
}

// advanceBuffer moves the overlay's current offset and page forward by n
// bytes and returns the token with the new current page.
func (c *Controller) advanceBuffer(ov uint64, tok uint32, n int) uint32 {
	page0 := c.rd(ov + qtdPage)
	page := int(tok&ehci.TokenCPageMask) >> ehci.TokenCPageShift
	off := int(page0&(ehci.PageSize-1)) + n
	page += off / ehci.PageSize
	off %= ehci.PageSize
	if page >= ehci.QTDPages {
		page = ehci.QTDPages - 1
	}

	c.wr(ov+qtdPage, page0&^(ehci.PageSize-1)|uint32(off))
	return tok&^ehci.TokenCPageMask | uint32(page)<<ehci.TokenCPageShift
}

// speedOf decodes the endpoint speed field of a queue head.
func speedOf(char uint32) hal.Speed {
	switch (char & ehci.EpCharSpeedMask) >> ehci.EpCharSpeedShift {
	case ehci.EpSpeedLow:
		return hal.SpeedLow
	case ehci.EpSpeedHigh:
		return hal.SpeedHigh
	default:
		return hal.SpeedFull
	}
}
