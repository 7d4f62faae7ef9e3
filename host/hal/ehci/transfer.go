package ehci

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// =============================================================================
// Parameter Validation
// =============================================================================

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{pkg.ErrInvalidParameter}, args...)...)
}

func validateSpeed(s hal.Speed) error {
	switch s {
	case hal.SpeedLow, hal.SpeedFull, hal.SpeedHigh:
		return nil
	}
	return invalid("speed %v", s)
}

func validateToggle(toggle *uint8) error {
	if toggle == nil || *toggle > 1 {
		return invalid("data toggle")
	}
	return nil
}

func validateControl(req *hal.ControlRequest) error {
	if err := validateSpeed(req.Speed); err != nil {
		return err
	}
	if req.Address > hal.MaxDeviceAddress {
		return invalid("device address %d", req.Address)
	}
	switch req.Direction {
	case hal.DirectionNone:
		if len(req.Data) != 0 {
			return invalid("control transfer without data stage has %d bytes", len(req.Data))
		}
	case hal.DirectionIn, hal.DirectionOut:
		if len(req.Data) == 0 {
			return invalid("control %v data stage is empty", req.Direction)
		}
	default:
		return invalid("control direction %d", req.Direction)
	}
	switch req.MaxPacket {
	case 8, 16, 32, 64:
	default:
		return invalid("control max packet %d", req.MaxPacket)
	}
	if req.Speed == hal.SpeedLow && req.MaxPacket != 8 {
		return invalid("low-speed control max packet %d", req.MaxPacket)
	}
	if len(req.Data) > maxTransferLength {
		return invalid("control data length %d", len(req.Data))
	}
	return nil
}

func validateBulk(req *hal.DataRequest, toggle *uint8) error {
	if err := validateSpeed(req.Speed); err != nil {
		return err
	}
	if err := validateData(req); err != nil {
		return err
	}
	if err := validateToggle(toggle); err != nil {
		return err
	}
	switch {
	case req.Speed == hal.SpeedLow:
		return invalid("low-speed bulk endpoint")
	case req.Speed == hal.SpeedFull && req.MaxPacket > 64,
		req.Speed == hal.SpeedHigh && req.MaxPacket > 512:
		return invalid("bulk max packet %d at %v", req.MaxPacket, req.Speed)
	}
	return nil
}

func validateInterrupt(speed hal.Speed, ep uint8, maxPacket uint16) error {
	if err := validateSpeed(speed); err != nil {
		return err
	}
	if ep&hal.EndpointDirIn == 0 {
		return invalid("interrupt endpoint %#02x is not IN", ep)
	}
	switch {
	case speed == hal.SpeedLow && maxPacket != 8,
		speed == hal.SpeedFull && maxPacket > 64,
		speed == hal.SpeedHigh && maxPacket > 1024:
		return invalid("interrupt max packet %d at %v", maxPacket, speed)
	}
	return nil
}

func validateData(req *hal.DataRequest) error {
	if req.Address > hal.MaxDeviceAddress {
		return invalid("device address %d", req.Address)
	}
	if req.Endpoint&0x0f == 0 {
		return invalid("endpoint %#02x", req.Endpoint)
	}
	if len(req.Data) == 0 || len(req.Data) > maxTransferLength {
		return invalid("data length %d", len(req.Data))
	}
	if req.MaxPacket == 0 {
		return invalid("max packet 0")
	}
	return nil
}

// Request limits.
const (
	maxTransferLength = 1 << 20
	maxPollInterval   = 255 * time.Millisecond
)

// =============================================================================
// Transfers
// =============================================================================

// checkRunnable reports a system error when the controller cannot execute
// schedules.
func (c *Controller) checkRunnable() error {
	if c.isHalted() || c.isSysError() {
		c.ackAllInterrupts()
		return fmt.Errorf("%w: controller halted or in system error", pkg.ErrDeviceError)
	}
	return nil
}

// runAsync builds a request, links it into the asynchronous schedule,
// executes it and tears it down in reverse order.
func (c *Controller) runAsync(ctx context.Context, ep *endpoint, setup *hal.SetupPacket, data []byte, timeout time.Duration) (*urb, error) {
	u, err := c.newURB(ep, setup, data)
	if err != nil {
		return nil, err
	}
	defer c.releaseURB(u)

	c.linkAsync(u.qh)
	err = c.execute(ctx, u, timeout)
	c.ackAllInterrupts()
	return u, err
}

// runPeriodic builds a request, links it into the periodic schedule at an
// interval of one frame, executes it and tears it down in reverse order.
func (c *Controller) runPeriodic(ctx context.Context, ep *endpoint, data []byte, timeout time.Duration) (*urb, error) {
	u, err := c.newURB(ep, nil, data)
	if err != nil {
		return nil, err
	}
	defer c.releaseURB(u)

	if err := c.linkPeriodic(u.qh); err != nil {
		u.result = pkg.ResultNotExecute
		return u, err
	}
	err = c.execute(ctx, u, timeout)
	c.ackAllInterrupts()
	return u, err
}

// ControlTransfer implements hal.HostController.
func (c *Controller) ControlTransfer(ctx context.Context, req hal.ControlRequest) (pkg.TransferResult, int, error) {
	if err := validateControl(&req); err != nil {
		return pkg.ResultNotExecute, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return pkg.ResultNotExecute, 0, err
	}
	if err := c.checkRunnable(); err != nil {
		return pkg.ResultSystemError, 0, err
	}

	ep := endpoint{
		address:    req.Address,
		dir:        req.Direction,
		speed:      req.Speed,
		maxPacket:  req.MaxPacket,
		translator: req.Translator,
		kind:       hal.TransferControl,
	}

	u, err := c.runAsync(ctx, &ep, &req.Setup, req.Data, req.Timeout)
	if u == nil {
		return pkg.ResultNotExecute, 0, err
	}
	return u.result, u.completed, err
}

// BulkTransfer implements hal.HostController.
func (c *Controller) BulkTransfer(ctx context.Context, req hal.DataRequest, toggle *uint8) (pkg.TransferResult, int, error) {
	if err := validateBulk(&req, toggle); err != nil {
		return pkg.ResultNotExecute, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return pkg.ResultNotExecute, 0, err
	}
	if err := c.checkRunnable(); err != nil {
		return pkg.ResultSystemError, 0, err
	}

	ep := endpoint{
		address:    req.Address,
		number:     req.Endpoint & 0x0f,
		dir:        endpointDir(req.Endpoint),
		speed:      req.Speed,
		maxPacket:  req.MaxPacket,
		toggle:     *toggle,
		translator: req.Translator,
		kind:       hal.TransferBulk,
	}

	u, err := c.runAsync(ctx, &ep, nil, req.Data, req.Timeout)
	if u == nil {
		return pkg.ResultNotExecute, 0, err
	}
	*toggle = u.toggle
	return u.result, u.completed, err
}

// SyncInterruptTransfer implements hal.HostController.
func (c *Controller) SyncInterruptTransfer(ctx context.Context, req hal.DataRequest, toggle *uint8) (pkg.TransferResult, int, error) {
	if err := validateData(&req); err != nil {
		return pkg.ResultNotExecute, 0, err
	}
	if err := validateInterrupt(req.Speed, req.Endpoint, req.MaxPacket); err != nil {
		return pkg.ResultNotExecute, 0, err
	}
	if err := validateToggle(toggle); err != nil {
		return pkg.ResultNotExecute, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return pkg.ResultNotExecute, 0, err
	}
	if err := c.checkRunnable(); err != nil {
		return pkg.ResultSystemError, 0, err
	}

	ep := endpoint{
		address:    req.Address,
		number:     req.Endpoint & 0x0f,
		dir:        hal.DirectionIn,
		speed:      req.Speed,
		maxPacket:  req.MaxPacket,
		toggle:     *toggle,
		interval:   1,
		translator: req.Translator,
		kind:       hal.TransferInterrupt,
	}

	u, err := c.runPeriodic(ctx, &ep, req.Data, req.Timeout)
	if u == nil {
		return pkg.ResultNotExecute, 0, err
	}
	*toggle = u.toggle
	return u.result, u.completed, err
}

// AsyncInterruptTransfer implements hal.HostController. With Start set it
// opens a pipe whose callback runs on the controller's timer; otherwise it
// cancels the pipe and writes its final toggle through req.Toggle.
func (c *Controller) AsyncInterruptTransfer(req hal.InterruptRequest) error {
	if req.Start {
		if err := validateInterrupt(req.Speed, req.Endpoint, req.MaxPacket); err != nil {
			return err
		}
		if err := validateToggle(req.Toggle); err != nil {
			return err
		}
		if req.Address > hal.MaxDeviceAddress {
			return invalid("device address %d", req.Address)
		}
		if req.Length <= 0 || req.Length > maxTransferLength {
			return invalid("interrupt length %d", req.Length)
		}
		if req.PollInterval <= 0 || req.PollInterval > maxPollInterval {
			return invalid("poll interval %v", req.PollInterval)
		}
		if req.Callback == nil {
			return invalid("nil interrupt callback")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}

	if req.Start {
		if err := c.checkRunnable(); err != nil {
			return err
		}
		return c.startAsyncInterrupt(req)
	}

	toggle, err := c.cancelAsyncInterrupt(req.Address, req.Endpoint)
	if req.Toggle != nil && !errors.Is(err, pkg.ErrNotFound) {
		*req.Toggle = toggle
	}
	return err
}

// IsochronousTransfer implements hal.HostController. Isochronous
// transfers are not supported.
func (c *Controller) IsochronousTransfer(ctx context.Context, req hal.DataRequest) (pkg.TransferResult, error) {
	return pkg.ResultNotExecute, fmt.Errorf("%w: isochronous transfer", pkg.ErrUnsupported)
}

// AsyncIsochronousTransfer implements hal.HostController. Isochronous
// transfers are not supported.
func (c *Controller) AsyncIsochronousTransfer(req hal.DataRequest, callback hal.InterruptCallback) error {
	return fmt.Errorf("%w: isochronous transfer", pkg.ErrUnsupported)
}
