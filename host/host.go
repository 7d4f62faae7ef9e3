package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// Default timing.
const (
	DefaultTimeout       = 500 * time.Millisecond
	DefaultResetHold     = 50 * time.Millisecond // tDRSTR
	DefaultResetRecovery = 10 * time.Millisecond // tRSTRCY
	DefaultScanInterval  = 100 * time.Millisecond
)

// Config configures a Host.
type Config struct {
	// Timeout bounds every control, bulk and synchronous interrupt
	// transfer.
	Timeout time.Duration

	// ResetHold is how long a root port is held in reset.
	ResetHold time.Duration

	// ResetRecovery is the wait between the end of a port reset and the
	// first request to the device.
	ResetRecovery time.Duration

	// ScanInterval is the root-port polling period of Start.
	ScanInterval time.Duration

	// Sleep waits for the given duration. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ResetHold <= 0 {
		c.ResetHold = DefaultResetHold
	}
	if c.ResetRecovery <= 0 {
		c.ResetRecovery = DefaultResetRecovery
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	return c
}

// Host manages the root ports of a host controller and the devices
// enumerated on them.
type Host struct {
	hc  hal.HostController
	cfg Config

	// Connected devices (indexed by address - 1)
	devices     [MaxDevices]*Device
	deviceCount int
	ports       map[int]*Device
	failed      map[int]bool // ports whose enumeration failed since the last connect change

	// Next available address
	nextAddress uint8

	// State
	running bool
	mutex   sync.RWMutex
	scanMu  sync.Mutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Event channels
	deviceConnected chan *Device

	// Callbacks
	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a new USB host over hc.
func New(hc hal.HostController, cfg Config) *Host {
	return &Host{
		hc:              hc,
		cfg:             cfg.withDefaults(),
		ports:           make(map[int]*Device),
		failed:          make(map[int]bool),
		nextAddress:     1,
		deviceConnected: make(chan *Device, MaxDevices),
	}
}

// Controller returns the host controller the host drives.
func (h *Host) Controller() hal.HostController {
	return h.hc
}

// Start puts the controller in the operational state and polls the root
// ports every ScanInterval until Stop is called or ctx is done.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return fmt.Errorf("%w: host already running", pkg.ErrInvalidState)
	}
	h.mutex.Unlock()

	if err := h.hc.SetState(hal.StateOperational); err != nil {
		return err
	}

	h.mutex.Lock()
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	h.running = true
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hc.Capability().Ports)

	go h.monitorPorts(h.ctx, h.done)

	return nil
}

// Stop stops port polling and detaches every device.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	done := h.done
	h.mutex.Unlock()

	<-done

	h.scanMu.Lock()
	defer h.scanMu.Unlock()

	var errs []error
	for _, dev := range h.Devices() {
		if err := h.detach(dev); err != nil {
			errs = append(errs, err)
		}
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return errors.Join(errs...)
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns all connected devices ordered by address.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, h.deviceCount)
	for _, dev := range h.devices {
		if dev != nil {
			result = append(result, dev)
		}
	}
	return result
}

// GetDevice returns the device at the given address.
func (h *Host) GetDevice(address hal.DeviceAddress) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address-1]
}

// PortDevice returns the device enumerated on a root port.
func (h *Host) PortDevice(port int) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.ports[port]
}

// WaitDevice blocks until a device is enumerated.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// SetOnDeviceConnect sets the callback for device connection.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback for device disconnection.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// monitorPorts scans the root ports until ctx is done.
func (h *Host) monitorPorts(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if err := h.Scan(ctx); err != nil && ctx.Err() == nil {
			pkg.LogWarn(pkg.ComponentHost, "port scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan inspects every root port once. It acknowledges port changes,
// detaches devices whose port lost its connection and enumerates newly
// connected high-speed devices. Full- and low-speed devices are handed to
// the companion controller. Enumeration failures are logged and not
// retried until the port reports a new connect change.
func (h *Host) Scan(ctx context.Context) error {
	h.scanMu.Lock()
	defer h.scanMu.Unlock()

	var errs []error
	for port := 1; port <= h.hc.Capability().Ports; port++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.scanPort(ctx, port); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", port, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Host) scanPort(ctx context.Context, port int) error {
	st, err := h.hc.PortStatus(port)
	if err != nil {
		return err
	}

	if st.OverCurrentChange {
		pkg.LogWarn(pkg.ComponentHost, "port over-current", "port", port, "active", st.OverCurrent)
		if err := h.hc.ClearPortFeature(port, hal.PortFeatureOverCurrentChange); err != nil {
			return err
		}
	}
	if st.EnableChange {
		if err := h.hc.ClearPortFeature(port, hal.PortFeatureEnableChange); err != nil {
			return err
		}
	}
	if st.ConnectChange {
		if err := h.hc.ClearPortFeature(port, hal.PortFeatureConnectChange); err != nil {
			return err
		}
		delete(h.failed, port)
	}

	if dev := h.PortDevice(port); dev != nil {
		if st.Connected && !st.ConnectChange {
			return nil
		}
		pkg.LogInfo(pkg.ComponentHost, "device disconnected", "port", port, "address", dev.address)
		if err := h.detach(dev); err != nil {
			return err
		}
	}

	if !st.Connected || st.Owner || h.failed[port] {
		return nil
	}

	pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)

	dev, err := h.enumeratePort(ctx, port, st)
	switch {
	case errors.Is(err, ErrCompanionPort):
		return nil
	case err != nil:
		h.failed[port] = true
		return err
	}

	h.attach(dev)
	return nil
}

// attach records an enumerated device and notifies listeners.
func (h *Host) attach(dev *Device) {
	h.mutex.Lock()
	h.devices[dev.address-1] = dev
	h.ports[dev.port] = dev
	h.deviceCount++
	cb := h.onDeviceConnect
	h.mutex.Unlock()

	select {
	case h.deviceConnected <- dev:
	default:
	}

	if cb != nil {
		cb(dev)
	}

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"port", dev.port,
		"address", dev.address,
		"vendor", dev.descriptor.VendorID,
		"product", dev.descriptor.ProductID)
}

// detach forgets a device, cancels its interrupt pipes and notifies
// listeners.
func (h *Host) detach(dev *Device) error {
	h.mutex.Lock()
	if h.devices[dev.address-1] == dev {
		h.devices[dev.address-1] = nil
		h.deviceCount--
	}
	if h.ports[dev.port] == dev {
		delete(h.ports, dev.port)
	}
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	err := dev.Close()

	if cb != nil {
		cb(dev)
	}
	return err
}

// allocateAddress allocates a new device address, or 0 if none is free.
func (h *Host) allocateAddress() hal.DeviceAddress {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for i := 0; i < MaxDevices; i++ {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}

		if h.devices[addr-1] == nil {
			return hal.DeviceAddress(addr)
		}
	}
	return 0
}
