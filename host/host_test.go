package host

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/host/hal/ehci"
	"github.com/ardnew/ehci/host/hal/ehci/ehcisim"
	"github.com/ardnew/ehci/pkg"
)

// bench is a Host driving an EHCI driver over a simulated controller with
// a gadget on port 1.
type bench struct {
	sim    *ehcisim.Controller
	gadget *ehcisim.Gadget
	timer  *ehcisim.ManualTimer
	hc     *ehci.Controller
	host   *Host
}

func newBench(t *testing.T, gcfg ehcisim.GadgetConfig) *bench {
	t.Helper()

	sim := ehcisim.New(ehcisim.Options{})
	g := ehcisim.NewGadget(gcfg)
	require.NoError(t, sim.Attach(1, g))

	timer := &ehcisim.ManualTimer{}
	hc, err := ehci.New(ehci.Config{
		Regs:         sim,
		Memory:       sim.Memory(),
		Timer:        timer,
		Stall:        sim.Stall,
		PollInterval: 125 * time.Microsecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { hc.Close() })

	h := New(hc, Config{
		Timeout:      50 * time.Millisecond,
		ScanInterval: time.Millisecond,
		Sleep:        sim.Advance,
	})
	return &bench{sim: sim, gadget: g, timer: timer, hc: hc, host: h}
}

// enumerate scans once and returns the device on port 1.
func (b *bench) enumerate(t *testing.T) *Device {
	t.Helper()
	require.NoError(t, b.host.Scan(context.Background()))
	dev := b.host.PortDevice(1)
	require.NotNil(t, dev, "no device on port 1")
	return dev
}

// stallFunction is a high-speed function that stalls every transaction.
type stallFunction struct{}

func (stallFunction) Speed() hal.Speed { return hal.SpeedHigh }
func (stallFunction) Address() uint8   { return 0 }
func (stallFunction) Reset()           {}

func (stallFunction) Transact(*ehcisim.Transaction) ehcisim.Handshake {
	return ehcisim.HandshakeStall
}

func TestScan_EnumeratesHighSpeedDevice(t *testing.T) {
	b := newBench(t, ehcisim.GadgetConfig{VendorID: 0xcafe, ProductID: 0x0042, Product: "Widget"})

	var connected []*Device
	b.host.SetOnDeviceConnect(func(d *Device) { connected = append(connected, d) })

	dev := b.enumerate(t)

	assert.Equal(t, hal.DeviceAddress(1), dev.Address())
	assert.Equal(t, 1, dev.Port())
	assert.Equal(t, hal.SpeedHigh, dev.Speed())
	assert.Equal(t, uint16(64), dev.MaxPacketSize0())
	assert.Equal(t, uint16(0xcafe), dev.VendorID())
	assert.Equal(t, uint16(0x0042), dev.ProductID())
	assert.Equal(t, "ardnew", dev.Manufacturer())
	assert.Equal(t, "Widget", dev.Product())
	assert.Empty(t, dev.SerialNumber())
	assert.Equal(t, DeviceStateConfigured, dev.State())
	assert.Equal(t, uint8(1), dev.GetConfiguration())
	assert.Len(t, dev.Interfaces(), 1)
	assert.Len(t, dev.Endpoints(), 3)

	assert.Equal(t, uint8(1), b.gadget.Address())
	assert.Equal(t, uint8(1), b.gadget.Configuration())

	assert.Equal(t, []*Device{dev}, connected)
	assert.Same(t, dev, b.host.GetDevice(1))
	assert.Equal(t, []*Device{dev}, b.host.Devices())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.host.WaitDevice(ctx)
	require.NoError(t, err)
	assert.Same(t, dev, got)

	st, err := b.hc.PortStatus(1)
	require.NoError(t, err)
	assert.False(t, st.ConnectChange)
	assert.False(t, st.ResetChange)

	// A second scan leaves the device alone.
	b.sim.ClearTrace()
	require.NoError(t, b.host.Scan(context.Background()))
	assert.Same(t, dev, b.host.PortDevice(1))
	assert.Empty(t, b.sim.Trace())
}

func TestScan_ReleasesSlowDevices(t *testing.T) {
	for _, speed := range []hal.Speed{hal.SpeedFull, hal.SpeedLow} {
		t.Run(speed.String(), func(t *testing.T) {
			b := newBench(t, ehcisim.GadgetConfig{Speed: speed})

			require.NoError(t, b.host.Scan(context.Background()))
			assert.Nil(t, b.host.PortDevice(1))
			assert.Empty(t, b.host.Devices())

			st, err := b.hc.PortStatus(1)
			require.NoError(t, err)
			assert.True(t, st.Owner)
			assert.Empty(t, b.sim.Trace())
		})
	}
}

func TestScan_DetachAndReattach(t *testing.T) {
	b := newBench(t, ehcisim.GadgetConfig{})
	dev := b.enumerate(t)

	var gone []*Device
	b.host.SetOnDeviceDisconnect(func(d *Device) { gone = append(gone, d) })

	b.sim.Detach(1)
	require.NoError(t, b.host.Scan(context.Background()))
	assert.Equal(t, DeviceStateDetached, dev.State())
	assert.Equal(t, []*Device{dev}, gone)
	assert.Nil(t, b.host.GetDevice(1))
	assert.Empty(t, b.host.Devices())

	st, err := b.hc.PortStatus(1)
	require.NoError(t, err)
	assert.False(t, st.ConnectChange)
	assert.False(t, st.EnableChange)

	_, err = dev.GetStatus(context.Background())
	assert.ErrorIs(t, err, pkg.ErrInvalidState)

	require.NoError(t, b.sim.Attach(1, ehcisim.NewGadget(ehcisim.GadgetConfig{})))
	again := b.enumerate(t)
	assert.NotSame(t, dev, again)
	assert.Equal(t, hal.DeviceAddress(2), again.Address())
}

func TestScan_FailedEnumerationNotRetried(t *testing.T) {
	b := newBench(t, ehcisim.GadgetConfig{})
	b.sim.Detach(1)
	require.NoError(t, b.sim.Attach(2, stallFunction{}))

	err := b.host.Scan(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pkg.ErrDeviceError)
	assert.Contains(t, err.Error(), "port 2")
	assert.Nil(t, b.host.PortDevice(2))

	b.sim.ClearTrace()
	require.NoError(t, b.host.Scan(context.Background()))
	assert.Empty(t, b.sim.Trace())
}

func TestScan_Cancelled(t *testing.T) {
	b := newBench(t, ehcisim.GadgetConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.host.Scan(ctx), context.Canceled)
	assert.Nil(t, b.host.PortDevice(1))
}

func TestDevice_StandardRequests(t *testing.T) {
	b := newBench(t, ehcisim.GadgetConfig{})
	dev := b.enumerate(t)
	ctx := context.Background()

	status, err := dev.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), status)

	s, err := dev.ReadString(ctx, 2, LangIDUSEnglish)
	require.NoError(t, err)
	assert.Equal(t, "EHCI Gadget", s)

	_, err = dev.ReadString(ctx, 9, LangIDUSEnglish)
	assert.ErrorIs(t, err, pkg.ErrDeviceError)

	// The default pipe recovers from a stall on the next SETUP.
	stored := bytes.Repeat([]byte{0x5a}, 100)
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeVendor | RequestTypeDevice,
		Request:     ehcisim.VendorStore,
		Length:      uint16(len(stored)),
	}
	n, err := dev.ControlTransfer(ctx, setup, stored)
	require.NoError(t, err)
	assert.Equal(t, len(stored), n)

	got := make([]byte, len(stored))
	setup.RequestType = RequestTypeIn | RequestTypeVendor | RequestTypeDevice
	n, err = dev.ControlTransfer(ctx, setup, got)
	require.NoError(t, err)
	assert.Equal(t, stored, got[:n])

	require.NoError(t, dev.SetConfiguration(ctx, 0))
	assert.Equal(t, DeviceStateAddress, dev.State())
	assert.Equal(t, uint8(0), b.gadget.Configuration())
	assert.Error(t, dev.SetConfiguration(ctx, 2))
	assert.Equal(t, DeviceStateAddress, dev.State())
}

func TestPipe_Loopback(t *testing.T) {
	b := newBench(t, ehcisim.GadgetConfig{})
	dev := b.enumerate(t)
	ctx := context.Background()

	p, err := NewPipe(dev, ehcisim.BulkInEndpoint, ehcisim.BulkOutEndpoint)
	require.NoError(t, err)
	assert.Same(t, dev, p.Device())

	data := make([]byte, 1500)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := p.Write(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, uint8(1), dev.Toggle(ehcisim.BulkOutEndpoint))

	buf := make([]byte, 2048)
	n, err = p.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, data, buf[:n])
	assert.Equal(t, uint8(1), dev.Toggle(ehcisim.BulkInEndpoint))

	// Small reads are served from one buffered packet.
	_, err = p.Write(ctx, []byte("0123456789"))
	require.NoError(t, err)
	small := make([]byte, 4)
	var got []byte
	for i := 0; i < 3; i++ {
		n, err := p.Read(ctx, small)
		require.NoError(t, err)
		got = append(got, small[:n]...)
	}
	assert.Equal(t, "0123456789", string(got))
	assert.Zero(t, b.gadget.ToggleErrors())

	// Nothing left to read.
	_, err = p.Read(ctx, small)
	assert.ErrorIs(t, err, pkg.ErrTimeout)

	_, err = NewPipe(dev, ehcisim.BulkOutEndpoint, ehcisim.BulkInEndpoint)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = NewPipe(dev, ehcisim.InterruptEndpoint, ehcisim.BulkOutEndpoint)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestDevice_ClearEndpointHalt(t *testing.T) {
	b := newBench(t, ehcisim.GadgetConfig{})
	dev := b.enumerate(t)
	ctx := context.Background()

	_, err := dev.BulkTransfer(ctx, ehcisim.BulkOutEndpoint, []byte{1})
	require.NoError(t, err)
	require.Equal(t, uint8(1), dev.Toggle(ehcisim.BulkOutEndpoint))

	b.gadget.SetFault(ehcisim.BulkOutEndpoint, ehcisim.FaultStall)
	_, err = dev.BulkTransfer(ctx, ehcisim.BulkOutEndpoint, []byte{2})
	assert.ErrorIs(t, err, pkg.ErrDeviceError)

	require.NoError(t, dev.ClearEndpointHalt(ctx, ehcisim.BulkOutEndpoint))
	assert.Equal(t, uint8(0), dev.Toggle(ehcisim.BulkOutEndpoint))

	_, err = dev.BulkTransfer(ctx, ehcisim.BulkOutEndpoint, []byte{3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 3}, b.gadget.Loopback())
	assert.Zero(t, b.gadget.ToggleErrors())

	_, err = dev.BulkTransfer(ctx, 0x05, []byte{1})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = dev.InterruptTransfer(ctx, ehcisim.BulkOutEndpoint, []byte{1})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestDevice_InterruptTransfer(t *testing.T) {
	b := newBench(t, ehcisim.GadgetConfig{ReportSize: 4})
	dev := b.enumerate(t)

	b.gadget.QueueReport([]byte{1, 2, 3, 4})
	buf := make([]byte, 4)
	n, err := dev.InterruptTransfer(context.Background(), ehcisim.InterruptEndpoint, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[:n])
	assert.Equal(t, uint8(1), dev.Toggle(ehcisim.InterruptEndpoint))
}

func TestDevice_InterruptPipe(t *testing.T) {
	b := newBench(t, ehcisim.GadgetConfig{})
	dev := b.enumerate(t)

	var reports [][]byte
	cb := func(data []byte, result pkg.TransferResult) error {
		if result == pkg.ResultOK {
			reports = append(reports, append([]byte(nil), data...))
		}
		return nil
	}

	assert.ErrorIs(t, dev.StartInterrupt(ehcisim.BulkInEndpoint, cb), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, dev.StartInterrupt(ehcisim.InterruptEndpoint, nil), pkg.ErrInvalidParameter)

	require.NoError(t, dev.StartInterrupt(ehcisim.InterruptEndpoint, cb))
	assert.True(t, b.timer.Running())

	b.gadget.QueueReport([]byte{0x02, 0, 0x04})
	b.sim.Advance(10 * time.Millisecond)
	b.timer.Fire()
	assert.Equal(t, [][]byte{{0x02, 0, 0x04}}, reports)

	require.NoError(t, dev.StopInterrupt(ehcisim.InterruptEndpoint))
	assert.False(t, b.timer.Running())
	assert.Equal(t, uint8(1), dev.Toggle(ehcisim.InterruptEndpoint))
	assert.ErrorIs(t, dev.StopInterrupt(ehcisim.InterruptEndpoint), pkg.ErrNotFound)

	// Detaching the device cancels its pipes.
	require.NoError(t, dev.StartInterrupt(ehcisim.InterruptEndpoint, cb))
	b.sim.Detach(1)
	require.NoError(t, b.host.Scan(context.Background()))
	assert.False(t, b.timer.Running())
	assert.ErrorIs(t, dev.StartInterrupt(ehcisim.InterruptEndpoint, cb), pkg.ErrInvalidState)
}

func TestDevice_InterruptPipeCancelledByCallback(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(dev *Device) error
	}{
		{"returns ErrCancelled", func(*Device) error { return pkg.ErrCancelled }},
		{"calls StopInterrupt", func(dev *Device) error { return dev.StopInterrupt(ehcisim.InterruptEndpoint) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t, ehcisim.GadgetConfig{})
			dev := b.enumerate(t)

			calls := 0
			require.NoError(t, dev.StartInterrupt(ehcisim.InterruptEndpoint, func([]byte, pkg.TransferResult) error {
				calls++
				return tt.cancel(dev)
			}))

			b.gadget.QueueReport([]byte{1})
			b.sim.Advance(10 * time.Millisecond)
			require.True(t, b.timer.Fire())

			assert.Equal(t, 1, calls)
			assert.False(t, b.timer.Running())
			assert.Equal(t, uint8(1), dev.Toggle(ehcisim.InterruptEndpoint))
			assert.ErrorIs(t, dev.StopInterrupt(ehcisim.InterruptEndpoint), pkg.ErrNotFound)

			// A restarted pipe continues the toggle sequence.
			var got [][]byte
			require.NoError(t, dev.StartInterrupt(ehcisim.InterruptEndpoint, func(data []byte, result pkg.TransferResult) error {
				got = append(got, append([]byte(nil), data...))
				return nil
			}))
			b.gadget.QueueReport([]byte{2})
			b.sim.Advance(10 * time.Millisecond)
			require.True(t, b.timer.Fire())

			assert.Equal(t, [][]byte{{2}}, got)
			assert.Equal(t, 0, b.gadget.ToggleErrors())
			require.NoError(t, dev.StopInterrupt(ehcisim.InterruptEndpoint))
			assert.Equal(t, uint8(0), dev.Toggle(ehcisim.InterruptEndpoint))
		})
	}
}

func TestHost_StartStop(t *testing.T) {
	b := newBench(t, ehcisim.GadgetConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, b.host.Start(ctx))
	assert.True(t, b.host.IsRunning())
	assert.ErrorIs(t, b.host.Start(ctx), pkg.ErrInvalidState)

	dev, err := b.host.WaitDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, DeviceStateConfigured, dev.State())

	require.NoError(t, b.host.Stop())
	assert.False(t, b.host.IsRunning())
	assert.Equal(t, DeviceStateDetached, dev.State())
	assert.Empty(t, b.host.Devices())
	require.NoError(t, b.host.Stop())
}

func TestHost_WaitDeviceTimeout(t *testing.T) {
	h := New(nil, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.WaitDevice(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHost_AllocateAddress(t *testing.T) {
	h := New(nil, Config{})

	assert.Equal(t, hal.DeviceAddress(1), h.allocateAddress())

	h.devices[1] = &Device{address: 2}
	assert.Equal(t, hal.DeviceAddress(3), h.allocateAddress())

	// Allocation wraps and skips addresses in use.
	h.nextAddress = MaxDevices
	assert.Equal(t, hal.DeviceAddress(MaxDevices), h.allocateAddress())
	assert.Equal(t, hal.DeviceAddress(1), h.allocateAddress())
	assert.Equal(t, hal.DeviceAddress(3), h.allocateAddress())

	for i := range h.devices {
		h.devices[i] = &Device{address: hal.DeviceAddress(i + 1)}
	}
	assert.Zero(t, h.allocateAddress())
}

func TestHost_GetDeviceBounds(t *testing.T) {
	h := New(nil, Config{})
	assert.Nil(t, h.GetDevice(0))
	assert.Nil(t, h.GetDevice(MaxDevices+1))
	assert.Nil(t, h.GetDevice(5))
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultResetHold, cfg.ResetHold)
	assert.Equal(t, DefaultResetRecovery, cfg.ResetRecovery)
	assert.Equal(t, DefaultScanInterval, cfg.ScanInterval)
	assert.NotNil(t, cfg.Sleep)
}
