package ehci

import (
	"errors"
	"fmt"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// asyncRequest tracks one asynchronous interrupt pipe. Requests form a
// doubly linked ring through a sentinel owned by the controller.
type asyncRequest struct {
	prev, next *asyncRequest

	urb      *urb
	callback hal.InterruptCallback
	toggle   *uint8 // receives the final toggle on removal
	removed  bool
}

// asyncEvent is one finished pipe awaiting delivery to its callback.
type asyncEvent struct {
	req    *asyncRequest
	data   []byte
	result pkg.TransferResult
	addr   hal.DeviceAddress
	ep     uint8
}

// asyncList is the ring of live asynchronous requests.
type asyncList struct {
	head asyncRequest
	n    int
}

func (l *asyncList) init() {
	l.head.prev = &l.head
	l.head.next = &l.head
	l.n = 0
}

func (l *asyncList) pushBack(r *asyncRequest) {
	r.prev = l.head.prev
	r.next = &l.head
	l.head.prev.next = r
	l.head.prev = r
	l.n++
}

func (l *asyncList) remove(r *asyncRequest) {
	r.prev.next = r.next
	r.next.prev = r.prev
	r.prev, r.next = nil, nil
	l.n--
}

func (l *asyncList) len() int { return l.n }

// find returns the request for the given device and endpoint address.
func (l *asyncList) find(addr hal.DeviceAddress, ep uint8) *asyncRequest {
	for r := l.head.next; r != &l.head; r = r.next {
		if r.urb.ep.address == addr && r.urb.ep.number == ep&0x0f && endpointDir(ep) == r.urb.ep.dir {
			return r
		}
	}
	return nil
}

// endpointDir returns the direction encoded in an endpoint address.
func endpointDir(ep uint8) hal.Direction {
	if ep&hal.EndpointDirIn != 0 {
		return hal.DirectionIn
	}
	return hal.DirectionOut
}

// startAsyncInterrupt opens an interrupt IN pipe polled every interval
// frames and starts the shared timer if this is the first pipe.
func (c *Controller) startAsyncInterrupt(req hal.InterruptRequest) (err error) {
	if c.async.find(req.Address, req.Endpoint) != nil {
		return fmt.Errorf("%w: interrupt pipe %d/%#02x already open", pkg.ErrInvalidState, req.Address, req.Endpoint)
	}

	ep := endpoint{
		address:    req.Address,
		number:     req.Endpoint & 0x0f,
		dir:        hal.DirectionIn,
		speed:      req.Speed,
		maxPacket:  req.MaxPacket,
		toggle:     *req.Toggle & 1,
		interval:   normalizeInterval(req.PollInterval),
		translator: req.Translator,
		kind:       hal.TransferInterrupt,
	}

	u, err := c.newURB(&ep, nil, make([]byte, req.Length))
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			c.releaseURB(u)
		}
	}()

	if err = c.linkPeriodic(u.qh); err != nil {
		return err
	}

	r := &asyncRequest{urb: u, callback: req.Callback, toggle: req.Toggle}
	c.async.pushBack(r)

	if c.async.len() == 1 {
		if err = c.timer.Start(c.cfg.AsyncPollPeriod, c.tick); err != nil {
			c.async.remove(r)
			return fmt.Errorf("start interrupt timer: %w", err)
		}
	}

	pkg.LogInfo(pkg.ComponentAsync, "interrupt pipe started",
		"addr", req.Address, "ep", fmt.Sprintf("%#02x", req.Endpoint),
		"interval", u.qh.interval, "phase", u.qh.phase, "length", req.Length)
	return nil
}

// cancelAsyncInterrupt closes the pipe for the given device and endpoint
// and returns its final data toggle.
func (c *Controller) cancelAsyncInterrupt(addr hal.DeviceAddress, ep uint8) (uint8, error) {
	r := c.async.find(addr, ep)
	if r == nil {
		return 0, fmt.Errorf("%w: interrupt pipe %d/%#02x", pkg.ErrNotFound, addr, ep)
	}
	return c.removeAsync(r)
}

// removeAsync unlinks and frees one pipe and stops the timer when no pipe
// remains. The final toggle is also written through the toggle pointer the
// pipe was started with. A pipe that cannot be unlinked stays tracked.
func (c *Controller) removeAsync(r *asyncRequest) (uint8, error) {
	u := r.urb
	c.checkURB(u)
	toggle := u.toggle

	if err := c.unlinkPeriodic(u.qh); err != nil {
		return toggle, fmt.Errorf("cancel interrupt pipe: %w", err)
	}

	c.async.remove(r)
	c.freeURB(u)
	r.removed = true
	if r.toggle != nil {
		*r.toggle = toggle
	}

	if c.async.len() == 0 {
		if err := c.timer.Stop(); err != nil {
			pkg.LogWarn(pkg.ComponentAsync, "stop interrupt timer", "err", err)
		}
	}

	pkg.LogInfo(pkg.ComponentAsync, "interrupt pipe cancelled",
		"addr", u.ep.address, "ep", u.ep.number, "toggle", toggle)
	return toggle, nil
}

// cancelAllAsync closes every pipe.
func (c *Controller) cancelAllAsync() {
	for c.async.len() > 0 {
		r := c.async.head.next
		if _, err := c.removeAsync(r); err != nil {
			// Drop tracking; the schedule is rebuilt or freed next.
			pkg.LogWarn(pkg.ComponentAsync, "interrupt pipe leaked", "err", err)
			c.async.remove(r)
			r.urb.qh.sched = scheduleNone
			c.freeURB(r.urb)
			r.removed = true
		}
	}
	if err := c.timer.Stop(); err != nil {
		pkg.LogWarn(pkg.ComponentAsync, "stop interrupt timer", "err", err)
	}
}

// tick services every pipe once. Finished pipes are collected and
// re-armed with the controller locked; their callbacks then run unlocked,
// in list order, so a callback may use any controller operation including
// cancelling its own or another pipe. A pipe removed before its turn is
// skipped. Ticks are serialized by tickMu.
func (c *Controller) tick() {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	for _, ev := range c.collectAsync() {
		c.deliverAsync(ev)
	}
}

// collectAsync gathers the finished pipes and re-arms them.
func (c *Controller) collectAsync() []asyncEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	var events []asyncEvent
	for r := c.async.head.next; r != &c.async.head; r = r.next {
		if ev, ok := c.serviceAsync(r); ok {
			events = append(events, ev)
		}
	}
	return events
}

// serviceAsync harvests a finished pipe's data and re-arms it for the next
// polling interval.
func (c *Controller) serviceAsync(r *asyncRequest) (asyncEvent, bool) {
	u := r.urb
	if !c.checkURB(u) {
		return asyncEvent{}, false
	}

	if err := c.mapper.Flush(&u.dataMap); err != nil {
		pkg.LogWarn(pkg.ComponentAsync, "flush interrupt data", "err", err)
	}

	ev := asyncEvent{req: r, result: u.result, addr: u.ep.address, ep: u.ep.number}
	if u.result == pkg.ResultOK {
		ev.data = make([]byte, u.completed)
		copy(ev.data, u.data)
	}

	if u.result&pkg.ResultSystemError == 0 {
		c.rearm(u)
	}
	return ev, true
}

// live reports whether r is still tracked by an open controller.
func (c *Controller) live(r *asyncRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !r.removed
}

// deliverAsync runs one pipe's callback and honors a cancellation it
// returns.
func (c *Controller) deliverAsync(ev asyncEvent) {
	r := ev.req
	if !c.live(r) {
		return
	}

	err := r.callback(ev.data, ev.result)
	switch {
	case err == nil:
	case errors.Is(err, pkg.ErrCancelled):
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || r.removed {
			return
		}
		if _, cerr := c.removeAsync(r); cerr != nil {
			pkg.LogWarn(pkg.ComponentAsync, "self-cancel failed", "err", cerr)
		}
	default:
		pkg.LogWarn(pkg.ComponentAsync, "interrupt callback failed",
			"addr", ev.addr, "ep", ev.ep, "err", err)
	}
}

// rearm resets a finished request's QTDs and queue head overlay so the
// controller executes it again. Toggles continue from the harvested one.
func (c *Controller) rearm(u *urb) {
	toggle := u.toggle
	for q := u.qh.qtds; q != nil; q = q.next {
		q.arm(toggle)
		toggle ^= uint8(packets(q.length, u.ep.maxPacket) & 1)
	}
	u.qh.attach()
}

// releaseURB unlinks a request from whichever schedule holds it and frees
// it. Unlink failures are logged; the request is freed regardless once it
// is detached.
func (c *Controller) releaseURB(u *urb) {
	var err error
	switch u.qh.sched {
	case scheduleAsync:
		err = c.unlinkAsync(u.qh)
	case schedulePeriodic:
		err = c.unlinkPeriodic(u.qh)
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentSchedule, "unlink failed", "qh", fmt.Sprintf("%#x", u.qh.phys), "err", err)
	}
	if u.qh.sched != scheduleNone {
		// Still reachable by the controller; freeing would corrupt the schedule.
		pkg.LogError(pkg.ComponentSchedule, "queue head leaked", "qh", fmt.Sprintf("%#x", u.qh.phys))
		return
	}
	c.freeURB(u)
}
