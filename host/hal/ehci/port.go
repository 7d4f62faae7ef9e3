package ehci

import (
	"fmt"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

func (c *Controller) checkPort(port int) error {
	if port < 1 || port > c.caps.Ports {
		return fmt.Errorf("%w: port %d of %d", pkg.ErrInvalidParameter, port, c.caps.Ports)
	}
	return nil
}

// writePort sets and clears PORTSC bits without acknowledging any
// write-one-to-clear change bit.
func (c *Controller) writePort(port int, set, clear uint32) {
	off := c.portOffset(port)
	v := c.readOp(off) &^ PortChangeMask
	c.writeOp(off, v&^clear|set)
}

// ackPort acknowledges one write-one-to-clear change bit.
func (c *Controller) ackPort(port int, bit uint32) {
	off := c.portOffset(port)
	v := c.readOp(off) &^ PortChangeMask
	c.writeOp(off, v|bit)
}

// PortStatus implements hal.HostController.
func (c *Controller) PortStatus(port int) (hal.PortStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return hal.PortStatus{}, err
	}
	if err := c.checkPort(port); err != nil {
		return hal.PortStatus{}, err
	}

	v := c.readOp(c.portOffset(port))
	st := hal.PortStatus{
		Connected:         v&PortConnect != 0,
		Enabled:           v&PortEnabled != 0,
		Suspended:         v&PortSuspend != 0,
		OverCurrent:       v&PortOverCurrent != 0,
		Reset:             v&PortReset != 0,
		PowerOn:           v&PortPower != 0,
		Owner:             v&PortOwner != 0,
		ConnectChange:     v&PortConnectChange != 0,
		EnableChange:      v&PortEnableChange != 0,
		OverCurrentChange: v&PortOverCurChange != 0,
		ResetChange:       c.resetChange&(1<<port) != 0,
	}

	// Only a low-speed device drives the K state while idle, and only a
	// high-speed device leaves the port enabled after reset. The upper
	// stack should confirm the speed once the port is enabled.
	switch {
	case v&PortLineState == PortLineStateK:
		st.Speed = hal.SpeedLow
	case st.Enabled:
		st.Speed = hal.SpeedHigh
	default:
		st.Speed = hal.SpeedFull
	}
	return st, nil
}

// SetPortFeature implements hal.HostController.
func (c *Controller) SetPortFeature(port int, feature hal.PortFeature) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.checkPort(port); err != nil {
		return err
	}

	switch feature {
	case hal.PortFeatureEnable:
		// Only a port reset enables a port.
		pkg.LogDebug(pkg.ComponentPort, "ignoring set port enable", "port", port)
		return nil

	case hal.PortFeatureSuspend:
		c.writePort(port, PortSuspend, 0)

	case hal.PortFeatureReset:
		if c.isHalted() {
			if err := c.run(); err != nil {
				return fmt.Errorf("%w: port %d reset: %v", pkg.ErrDeviceError, port, err)
			}
		}
		c.resetChange &^= 1 << port
		c.writePort(port, PortReset, PortEnabled)

	case hal.PortFeaturePower:
		if c.ppc {
			c.writePort(port, PortPower, 0)
		}

	case hal.PortFeatureOwner:
		c.writePort(port, PortOwner, 0)

	default:
		return fmt.Errorf("%w: set port feature %d", pkg.ErrInvalidParameter, feature)
	}

	pkg.LogDebug(pkg.ComponentPort, "set port feature", "port", port, "feature", feature)
	return nil
}

// ClearPortFeature implements hal.HostController. Clearing Reset ends the
// reset signal and waits for the controller to finish the reset.
func (c *Controller) ClearPortFeature(port int, feature hal.PortFeature) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.checkPort(port); err != nil {
		return err
	}

	switch feature {
	case hal.PortFeatureEnable:
		c.writePort(port, 0, PortEnabled)

	case hal.PortFeatureSuspend:
		c.writePort(port, PortResume, 0)

	case hal.PortFeatureReset:
		c.writePort(port, 0, PortReset)
		if err := c.waitOpBit(c.portOffset(port), PortReset, false, c.cfg.GenericTimeout); err != nil {
			return fmt.Errorf("%w: port %d reset: %v", pkg.ErrDeviceError, port, err)
		}
		c.resetChange |= 1 << port

	case hal.PortFeatureOwner:
		c.writePort(port, 0, PortOwner)

	case hal.PortFeaturePower:
		if c.ppc {
			c.writePort(port, 0, PortPower)
		}

	case hal.PortFeatureConnectChange:
		c.ackPort(port, PortConnectChange)

	case hal.PortFeatureEnableChange:
		c.ackPort(port, PortEnableChange)

	case hal.PortFeatureOverCurrentChange:
		c.ackPort(port, PortOverCurChange)

	case hal.PortFeatureResetChange:
		c.resetChange &^= 1 << port

	case hal.PortFeatureSuspendChange:
		// Resume completes without a change bit.

	default:
		return fmt.Errorf("%w: clear port feature %d", pkg.ErrInvalidParameter, feature)
	}

	pkg.LogDebug(pkg.ComponentPort, "clear port feature", "port", port, "feature", feature)
	return nil
}
