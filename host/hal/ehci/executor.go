package ehci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// logChain logs the token of every QTD in a request.
func (c *Controller) logChain(u *urb) {
	for q := u.qh.qtds; q != nil; q = q.next {
		pkg.LogDebug(pkg.ComponentTransfer, "qtd",
			"phys", fmt.Sprintf("%#x", q.phys),
			"token", fmt.Sprintf("%#08x", Load32(&q.hw.Token)))
	}
}

// checkURB walks the request's QTDs and harvests its result, the number of
// data bytes moved and the next data toggle. It reports whether the
// controller is finished with the request.
func (c *Controller) checkURB(u *urb) (finished bool) {
	u.completed = 0
	u.result = pkg.ResultOK

	defer func() {
		u.toggle = u.qh.overlayToggle()
		if u.completed > len(u.data) {
			u.completed = len(u.data)
		}
	}()

	if c.isHalted() || c.isSysError() {
		u.result |= pkg.ResultSystemError
		return true
	}

	control := u.ep.kind == hal.TransferControl
	for q := u.qh.qtds; q != nil; {
		next := q.next
		tok := Load32(&q.hw.Token)

		switch {
		case tok&TokenHalted != 0:
			u.result |= tokenResult(tok)
			return true

		case tok&TokenActive != 0:
			u.result |= pkg.ResultNotExecute
			return false
		}

		left := q.remaining()
		if q.pid != PIDSetup {
			u.completed += q.length - left
		}

		if left != 0 && q.pid == PIDIn {
			if !control {
				// The controller parked on the short-read stop QTD.
				return true
			}
			// A short data stage continues at the status stage.
			next = u.qh.lastQTD()
			if next == q {
				return true
			}
		}
		q = next
	}
	return true
}

// tokenResult maps the status bits of a halted QTD to result bits. A halt
// without any error bit is a STALL handshake from the device.
func tokenResult(tok uint32) pkg.TransferResult {
	var r pkg.TransferResult
	if tok&TokenErrorMask == 0 {
		r |= pkg.ResultStall
	}
	if tok&TokenBabble != 0 {
		r |= pkg.ResultBabble
	}
	if tok&TokenBufferErr != 0 {
		r |= pkg.ResultBuffer
	}
	if tok&TokenXactErr != 0 {
		r |= pkg.ResultCRC
	}
	if tok&TokenMissedUF != 0 {
		r |= pkg.ResultBitStuff
	}
	return r
}

// execute polls a linked request until the controller finishes it or the
// timeout expires. A zero timeout polls without bound. On timeout the
// queue head stays linked; unlinking is the caller's decision.
func (c *Controller) execute(ctx context.Context, u *urb, timeout time.Duration) error {
	loops := pollCount(timeout, c.cfg.PollInterval)
	finished := false

	for i := 0; timeout == 0 || i < loops; i++ {
		if finished = c.checkURB(u); finished {
			break
		}
		if err := ctx.Err(); err != nil {
			u.result |= pkg.ResultTimeout
			return errors.Join(fmt.Errorf("%w: transfer to %d/%#02x interrupted",
				pkg.ErrTimeout, u.ep.address, u.ep.number), err)
		}
		c.stall(c.cfg.PollInterval)
	}

	if !finished {
		u.result |= pkg.ResultTimeout
		pkg.LogDebug(pkg.ComponentTransfer, "transfer timed out",
			"addr", u.ep.address, "ep", u.ep.number, "timeout", timeout, "completed", u.completed)
		return fmt.Errorf("%w: transfer to %d/%#02x after %v", pkg.ErrTimeout, u.ep.address, u.ep.number, timeout)
	}

	if err := u.result.Err(); err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer failed",
			"addr", u.ep.address, "ep", u.ep.number, "result", u.result, "completed", u.completed)
		if pkg.LogEnabled(pkg.ComponentTransfer, slog.LevelDebug) {
			c.logChain(u)
		}
		return fmt.Errorf("%w: transfer to %d/%#02x: %v", err, u.ep.address, u.ep.number, u.result)
	}
	return nil
}
