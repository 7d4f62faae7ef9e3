package ehci

import (
	"context"
	"time"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// AsyncLen returns the number of queue heads linked after the anchor.
func (c *Controller) AsyncLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asyncLen()
}

// PipeCount returns the number of open interrupt pipes.
func (c *Controller) PipeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.async.len()
}

// DescriptorsInUse returns the number of live pool blocks.
func (c *Controller) DescriptorsInUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.inUse()
}

// PipeSlots returns the frame-list slots that reach an open pipe's queue
// head.
func (c *Controller) PipeSlots(addr hal.DeviceAddress, ep uint8) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.async.find(addr, ep)
	if r == nil {
		return nil
	}
	return c.periodicSlots(r.urb.qh)
}

func (c *Controller) EnableAsync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enableAsync()
}

func (c *Controller) DisableAsync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disableAsync()
}

func (c *Controller) EnablePeriodic() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enablePeriodic()
}

func (c *Controller) DisablePeriodic() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disablePeriodic()
}

// Pending is a bulk request left linked after execution.
type Pending struct {
	c *Controller
	u *urb
}

// ExecuteBulk builds, links and executes a bulk request without unlinking
// it afterwards.
func (c *Controller) ExecuteBulk(ctx context.Context, req hal.DataRequest, toggle uint8) (*Pending, pkg.TransferResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := endpoint{
		address:   req.Address,
		number:    req.Endpoint & 0x0f,
		dir:       endpointDir(req.Endpoint),
		speed:     req.Speed,
		maxPacket: req.MaxPacket,
		toggle:    toggle,
		kind:      hal.TransferBulk,
	}
	u, err := c.newURB(&ep, nil, req.Data)
	if err != nil {
		return nil, pkg.ResultNotExecute, err
	}
	c.linkAsync(u.qh)
	err = c.execute(ctx, u, req.Timeout)
	return &Pending{c: c, u: u}, u.result, err
}

// Linked reports whether the request's queue head is still in the
// asynchronous schedule.
func (p *Pending) Linked() bool {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.u.qh != nil && p.u.qh.sched == scheduleAsync
}

// Release unlinks and frees the request.
func (p *Pending) Release() {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.c.releaseURB(p.u)
}

// NormalizeInterval exposes interval rounding.
func NormalizeInterval(d time.Duration) int { return normalizeInterval(d) }
