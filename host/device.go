package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// Device represents a connected USB device from the host's perspective.
type Device struct {
	host       *Host
	address    hal.DeviceAddress
	port       int
	speed      hal.Speed
	maxPacket0 uint16

	// Device descriptor
	descriptor DeviceDescriptor

	// Configuration descriptor (current)
	config ConfigurationDescriptor

	// Interface descriptors (current configuration)
	interfaces []InterfaceDescriptor

	// Endpoint descriptors (current configuration)
	endpoints []EndpointDescriptor

	// Current configuration value
	configurationValue uint8

	// State
	state DeviceState
	mutex sync.RWMutex

	// Data toggles by endpoint address, and the endpoints with an
	// interrupt pipe running.
	toggles    map[uint8]uint8
	interrupts map[uint8]struct{}

	// String descriptors cache (indexed by string index)
	strings [MaxStringsPerDevice]string

	// Class-specific descriptors per interface
	classDescriptors [MaxInterfacesPerConfiguration][][]byte
}

// newDevice creates a new device instance in the default state.
func newDevice(host *Host, port int, speed hal.Speed) *Device {
	return &Device{
		host:       host,
		port:       port,
		speed:      speed,
		maxPacket0: MaxPacketSize0(speed),
		state:      DeviceStateDefault,
		toggles:    make(map[uint8]uint8),
		interrupts: make(map[uint8]struct{}),
	}
}

// Address returns the device address.
func (d *Device) Address() hal.DeviceAddress {
	return d.address
}

// Port returns the root-hub port number the device is connected to.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// MaxPacketSize0 returns the packet size of the default control pipe.
func (d *Device) MaxPacketSize0() uint16 {
	return d.maxPacket0
}

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Configuration returns the current configuration descriptor.
func (d *Device) Configuration() ConfigurationDescriptor {
	return d.config
}

// Interfaces returns the interface descriptors for the current configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []InterfaceDescriptor {
	return d.interfaces
}

// Endpoints returns the endpoint descriptors for the current configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Endpoints() []EndpointDescriptor {
	return d.endpoints
}

// ClassDescriptors returns the class-specific descriptors that follow the
// n-th interface descriptor of the current configuration.
func (d *Device) ClassDescriptors(n int) [][]byte {
	if n < 0 || n >= MaxInterfacesPerConfiguration {
		return nil
	}
	return d.classDescriptors[n]
}

// GetInterface returns the interface descriptor for the given interface number.
func (d *Device) GetInterface(num uint8) *InterfaceDescriptor {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num {
			return &d.interfaces[i]
		}
	}
	return nil
}

// GetEndpoint returns the endpoint descriptor for the given address.
func (d *Device) GetEndpoint(address uint8) *EndpointDescriptor {
	for i := range d.endpoints {
		if d.endpoints[i].EndpointAddress == address {
			return &d.endpoints[i]
		}
	}
	return nil
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.GetString(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.GetString(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.GetString(d.descriptor.SerialNumberIndex)
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(s DeviceState) {
	d.mutex.Lock()
	d.state = s
	d.mutex.Unlock()
}

// Toggle returns the data toggle the next transfer on endpoint will use.
func (d *Device) Toggle(endpoint uint8) uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.toggles[endpoint]
}

func (d *Device) checkAttached() error {
	if d.State() == DeviceStateDetached {
		return fmt.Errorf("%w: device %d detached", pkg.ErrInvalidState, d.address)
	}
	return nil
}

// SetConfiguration sets the device configuration. All data toggles are
// reset.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}

	if _, err := d.ControlTransfer(ctx, setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	clear(d.toggles)
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()

	return nil
}

// GetConfiguration returns the current configuration value.
func (d *Device) GetConfiguration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationValue
}

// ControlTransfer performs a control transfer on the default pipe. The
// data stage direction follows bit 7 of the request type.
func (d *Device) ControlTransfer(ctx context.Context, setup hal.SetupPacket, data []byte) (int, error) {
	if err := d.checkAttached(); err != nil {
		return 0, err
	}

	dir := hal.DirectionNone
	if len(data) > 0 {
		dir = hal.DirectionOut
		if setup.RequestType&RequestTypeIn != 0 {
			dir = hal.DirectionIn
		}
	}

	result, n, err := d.host.hc.ControlTransfer(ctx, hal.ControlRequest{
		Address:   d.address,
		Speed:     d.speed,
		MaxPacket: d.maxPacket0,
		Setup:     setup,
		Direction: dir,
		Data:      data,
		Timeout:   d.host.cfg.Timeout,
	})
	if err != nil {
		return n, fmt.Errorf("request %#02x to device %d: %w (%v)", setup.Request, d.address, err, result)
	}
	return n, nil
}

// dataRequest builds a request for a bulk or interrupt endpoint of the
// current configuration.
func (d *Device) dataRequest(endpoint uint8, kind hal.TransferType, data []byte) (hal.DataRequest, error) {
	ep := d.GetEndpoint(endpoint)
	if ep == nil || ep.TransferType() != kind {
		return hal.DataRequest{}, fmt.Errorf("%w: no %v endpoint %#02x", pkg.ErrInvalidParameter, kind, endpoint)
	}
	return hal.DataRequest{
		Address:   d.address,
		Endpoint:  endpoint,
		Speed:     d.speed,
		MaxPacket: ep.PacketSize(),
		Data:      data,
		Timeout:   d.host.cfg.Timeout,
	}, nil
}

type dataTransferFunc func(context.Context, hal.DataRequest, *uint8) (pkg.TransferResult, int, error)

func (d *Device) dataTransfer(ctx context.Context, fn dataTransferFunc, kind hal.TransferType, endpoint uint8, data []byte) (int, error) {
	if err := d.checkAttached(); err != nil {
		return 0, err
	}
	req, err := d.dataRequest(endpoint, kind, data)
	if err != nil {
		return 0, err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	toggle := d.toggles[endpoint]
	result, n, err := fn(ctx, req, &toggle)
	d.toggles[endpoint] = toggle
	if err != nil {
		return n, fmt.Errorf("%v endpoint %#02x on device %d: %w (%v)", kind, endpoint, d.address, err, result)
	}
	return n, nil
}

// BulkTransfer performs a bulk transfer on endpoint. The direction
// follows bit 7 of the endpoint address.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.dataTransfer(ctx, d.host.hc.BulkTransfer, hal.TransferBulk, endpoint, data)
}

// InterruptTransfer performs one interrupt transfer and waits for it.
func (d *Device) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.dataTransfer(ctx, d.host.hc.SyncInterruptTransfer, hal.TransferInterrupt, endpoint, data)
}

// StartInterrupt starts a periodic interrupt pipe on endpoint. The
// endpoint's descriptor supplies the poll interval and report length.
// cb runs on the controller's timer and may call back into d. When cb
// returns an error matching pkg.ErrCancelled the pipe is stopped as by
// StopInterrupt.
func (d *Device) StartInterrupt(endpoint uint8, cb hal.InterruptCallback) error {
	if err := d.checkAttached(); err != nil {
		return err
	}
	if cb == nil {
		return fmt.Errorf("%w: nil callback", pkg.ErrInvalidParameter)
	}
	ep := d.GetEndpoint(endpoint)
	if ep == nil || ep.TransferType() != hal.TransferInterrupt || !ep.IsIn() {
		return fmt.Errorf("%w: no interrupt IN endpoint %#02x", pkg.ErrInvalidParameter, endpoint)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	toggle := d.toggles[endpoint]
	err := d.host.hc.AsyncInterruptTransfer(hal.InterruptRequest{
		Address:      d.address,
		Endpoint:     endpoint,
		Speed:        d.speed,
		MaxPacket:    ep.PacketSize(),
		Start:        true,
		Toggle:       &toggle,
		PollInterval: ep.PollInterval(d.speed),
		Length:       int(ep.PacketSize()),
		Callback: func(data []byte, result pkg.TransferResult) error {
			err := cb(data, result)
			if !errors.Is(err, pkg.ErrCancelled) {
				return err
			}
			if serr := d.StopInterrupt(endpoint); serr != nil && !errors.Is(serr, pkg.ErrNotFound) {
				return serr
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	d.interrupts[endpoint] = struct{}{}

	pkg.LogDebug(pkg.ComponentHost, "interrupt pipe started",
		"address", d.address,
		"endpoint", endpoint,
		"interval", ep.PollInterval(d.speed))
	return nil
}

// StopInterrupt cancels the interrupt pipe on endpoint and keeps its data
// toggle for later transfers.
func (d *Device) StopInterrupt(endpoint uint8) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.stopInterrupt(endpoint)
}

func (d *Device) stopInterrupt(endpoint uint8) error {
	toggle := d.toggles[endpoint]
	err := d.host.hc.AsyncInterruptTransfer(hal.InterruptRequest{
		Address:  d.address,
		Endpoint: endpoint,
		Toggle:   &toggle,
	})
	if err != nil && !errors.Is(err, pkg.ErrNotFound) {
		return err
	}
	delete(d.interrupts, endpoint)
	if err == nil {
		d.toggles[endpoint] = toggle
	}
	return err
}

// Close cancels the device's interrupt pipes and marks it detached.
func (d *Device) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var errs []error
	for ep := range d.interrupts {
		if err := d.stopInterrupt(ep); err != nil && !errors.Is(err, pkg.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	d.state = DeviceStateDetached
	return errors.Join(errs...)
}

// parseDeviceDescriptor parses a device descriptor from raw bytes.
// Returns true if successful.
func (d *Device) parseDeviceDescriptor(data []byte) bool {
	return ParseDeviceDescriptor(data, &d.descriptor)
}

// parseConfigurationTree parses the full configuration descriptor tree.
func (d *Device) parseConfigurationTree(data []byte) bool {
	if !ParseConfigurationDescriptor(data, &d.config) {
		return false
	}

	d.interfaces = make([]InterfaceDescriptor, 0, d.config.NumInterfaces)
	d.endpoints = make([]EndpointDescriptor, 0, MaxEndpointsPerInterface)
	d.classDescriptors = [MaxInterfacesPerConfiguration][][]byte{}

	end := min(len(data), int(d.config.TotalLength))
	current := -1

	for offset := ConfigurationDescriptorSize; offset+2 <= end; {
		length := int(data[offset])
		if length < 2 || offset+length > end {
			break
		}
		desc := data[offset : offset+length]

		switch desc[1] {
		case DescriptorTypeInterface:
			var iface InterfaceDescriptor
			if ParseInterfaceDescriptor(desc, &iface) {
				d.interfaces = append(d.interfaces, iface)
				current = len(d.interfaces) - 1
			}

		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if ParseEndpointDescriptor(desc, &ep) {
				d.endpoints = append(d.endpoints, ep)
			}

		default:
			if current >= 0 && current < MaxInterfacesPerConfiguration {
				d.classDescriptors[current] = append(d.classDescriptors[current],
					append([]byte(nil), desc...))
			}
		}

		offset += length
	}
	return true
}

// GetDescriptor performs a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}

	return d.ControlTransfer(ctx, setup, data)
}

// ReadString reads string descriptor index in language langID.
func (d *Device) ReadString(ctx context.Context, index uint8, langID uint16) (string, error) {
	var buf [255]byte
	n, err := d.GetDescriptor(ctx, DescriptorTypeString, index, langID, buf[:])
	if err != nil {
		return "", err
	}
	s, ok := ParseStringDescriptor(buf[:n])
	if !ok {
		return "", fmt.Errorf("%w: malformed string descriptor %d", pkg.ErrDeviceError, index)
	}
	return s, nil
}

// GetStatus performs a GET_STATUS request.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}

	if _, err := d.ControlTransfer(ctx, setup, buf[:]); err != nil {
		return 0, err
	}

	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// ClearFeature performs a CLEAR_FEATURE request.
func (d *Device) ClearFeature(ctx context.Context, feature uint16) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestClearFeature,
		Value:       feature,
	}

	_, err := d.ControlTransfer(ctx, setup, nil)
	return err
}

// SetFeature performs a SET_FEATURE request.
func (d *Device) SetFeature(ctx context.Context, feature uint16) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetFeature,
		Value:       feature,
	}

	_, err := d.ControlTransfer(ctx, setup, nil)
	return err
}

// ClearEndpointHalt clears the halt condition on an endpoint and resets
// its data toggle.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}

	if _, err := d.ControlTransfer(ctx, setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	delete(d.toggles, endpoint)
	d.mutex.Unlock()
	return nil
}
