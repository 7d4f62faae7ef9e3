package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")

	// ErrCompanionPort indicates a port was released to the companion
	// controller because its device is not high speed.
	ErrCompanionPort = errors.New("port released to companion controller")
)

// setAddressRecovery is the wait after SET_ADDRESS before the device must
// answer at its new address (tDSETADDR).
const setAddressRecovery = 2 * time.Millisecond

// enumeratePort resets a connected root port and enumerates the device on
// it. A port that is not enabled after reset holds a full- or low-speed
// device and is released to the companion controller.
func (h *Host) enumeratePort(ctx context.Context, port int, st hal.PortStatus) (*Device, error) {
	// Low speed is visible on the line before reset.
	if st.Speed == hal.SpeedLow {
		return nil, h.release(port, st.Speed)
	}

	if err := h.hc.SetPortFeature(port, hal.PortFeatureReset); err != nil {
		return nil, err
	}
	h.cfg.Sleep(h.cfg.ResetHold)
	if err := h.hc.ClearPortFeature(port, hal.PortFeatureReset); err != nil {
		return nil, err
	}
	if err := h.hc.ClearPortFeature(port, hal.PortFeatureResetChange); err != nil {
		return nil, err
	}

	st, err := h.hc.PortStatus(port)
	if err != nil {
		return nil, err
	}
	if !st.Connected {
		return nil, fmt.Errorf("%w: device left during reset", ErrEnumerationFailed)
	}
	if !st.Enabled {
		return nil, h.release(port, st.Speed)
	}

	h.cfg.Sleep(h.cfg.ResetRecovery)

	return h.enumerateDevice(ctx, port, st.Speed)
}

// release hands a port to the companion controller.
func (h *Host) release(port int, speed hal.Speed) error {
	if err := h.hc.SetPortFeature(port, hal.PortFeatureOwner); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentHost, "port released to companion", "port", port, "speed", speed)
	return ErrCompanionPort
}

// enumerateDevice performs the USB enumeration sequence for a device in
// the default state.
func (h *Host) enumerateDevice(ctx context.Context, port int, speed hal.Speed) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port, "speed", speed)

	dev := newDevice(h, port, speed)

	// Read the first 8 bytes of the device descriptor to learn
	// bMaxPacketSize0.
	var buf [MaxDescriptorSize]byte
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return nil, err
	}
	if n < 8 {
		return nil, fmt.Errorf("%w: short device descriptor (%d bytes)", ErrEnumerationFailed, n)
	}
	if !validMaxPacketSize0(speed, buf[7]) {
		return nil, fmt.Errorf("%w: bMaxPacketSize0 %d invalid at %v", ErrEnumerationFailed, buf[7], speed)
	}
	dev.maxPacket0 = uint16(buf[7])

	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", dev.maxPacket0)

	address := h.allocateAddress()
	if address == 0 {
		return nil, ErrNoAddress
	}

	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetAddress,
		Value:       uint16(address),
	}
	if _, err := dev.ControlTransfer(ctx, setup, nil); err != nil {
		return nil, err
	}
	h.cfg.Sleep(setAddressRecovery)

	dev.address = address
	dev.setState(DeviceStateAddress)

	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", address)

	n, err = dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return nil, err
	}
	if !dev.parseDeviceDescriptor(buf[:n]) {
		return nil, fmt.Errorf("%w: malformed device descriptor", ErrEnumerationFailed)
	}

	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	if dev.descriptor.NumConfigurations == 0 {
		return dev, nil
	}

	// Read the configuration header first to get the total length.
	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return nil, err
	}
	var hdr ConfigurationDescriptor
	if !ParseConfigurationDescriptor(buf[:n], &hdr) {
		return nil, fmt.Errorf("%w: malformed configuration descriptor", ErrEnumerationFailed)
	}

	total := min(int(hdr.TotalLength), len(buf))
	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total])
	if err != nil {
		return nil, err
	}
	if !dev.parseConfigurationTree(buf[:n]) {
		return nil, fmt.Errorf("%w: malformed configuration descriptor", ErrEnumerationFailed)
	}

	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", dev.config.NumInterfaces,
		"numEndpoints", len(dev.endpoints),
		"configValue", dev.config.ConfigurationValue)

	// Strings are optional.
	if err := h.readStringDescriptors(ctx, dev); err != nil {
		pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "error", err)
	}

	if dev.config.ConfigurationValue > 0 {
		if err := dev.SetConfiguration(ctx, dev.config.ConfigurationValue); err != nil {
			return nil, err
		}
	}

	return dev, nil
}

// readStringDescriptors reads and caches the manufacturer, product and
// serial number strings in the device's first language.
func (h *Host) readStringDescriptors(ctx context.Context, dev *Device) error {
	indices := []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	}
	if indices[0] == 0 && indices[1] == 0 && indices[2] == 0 {
		return nil
	}

	langID := uint16(LangIDUSEnglish)
	var buf [255]byte
	n, err := dev.GetDescriptor(ctx, DescriptorTypeString, 0, 0, buf[:])
	if err != nil {
		return err
	}
	if ids := ParseLanguageIDs(buf[:n]); len(ids) > 0 {
		langID = ids[0]
	}

	var errs []error
	for _, index := range indices {
		if index == 0 || int(index) >= len(dev.strings) {
			continue
		}
		s, err := dev.ReadString(ctx, index, langID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dev.strings[index] = s
		pkg.LogDebug(pkg.ComponentHost, "string descriptor", "index", index, "value", s)
	}
	return errors.Join(errs...)
}
