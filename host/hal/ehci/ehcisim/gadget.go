package ehcisim

import (
	"encoding/binary"
	"sync"
	"unicode/utf16"

	"github.com/ardnew/ehci/host/hal"
)

// Gadget endpoint numbers.
const (
	BulkOutEndpoint   = 0x01 // Loopback sink
	BulkInEndpoint    = 0x82 // Loopback source
	InterruptEndpoint = 0x83 // Report source
)

// Vendor requests understood by a Gadget.
const (
	VendorStore = 0x01 // OUT: store the data stage; IN: return what was stored
)

// Fault is a response a Gadget endpoint gives in place of its normal one.
type Fault uint8

// Endpoint faults.
const (
	FaultNone   Fault = iota
	FaultStall        // Answer STALL
	FaultNAK          // Answer NAK forever
	FaultError        // Do not answer; the controller sees a transaction error
	FaultBabble       // Answer IN with more data than requested
)

// GadgetConfig describes a Gadget's identity.
type GadgetConfig struct {
	Speed        hal.Speed // Defaults to high speed
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	ReportSize   int // Interrupt endpoint max packet; defaults to 8
}

type controlStage uint8

const (
	stageIdle controlStage = iota
	stageDataIn
	stageDataOut
	stageStatusIn  // Host reads a zero-length status packet
	stageStatusOut // Host writes a zero-length status packet
)

// Gadget is a simulated vendor-class USB function with a default control
// pipe, a bulk loopback pair and an interrupt IN report endpoint. It
// implements Function.
type Gadget struct {
	mu  sync.Mutex
	cfg GadgetConfig

	address        uint8
	pendingAddress int // -1 when none
	configuration  uint8

	stage     controlStage
	setup     hal.SetupPacket
	ctrlIn    []byte
	ctrlOut   []byte
	ctrlStall bool
	stored    []byte

	loop    []byte
	reports [][]byte

	toggles      map[uint8]uint8 // endpoint address -> expected toggle
	faults       map[uint8]Fault // endpoint address -> fault
	toggleErrors int

	device []byte
	config []byte
	str    [][]byte
}

var _ Function = (*Gadget)(nil)

// NewGadget returns a Gadget in the default state at address 0.
func NewGadget(cfg GadgetConfig) *Gadget {
	if cfg.Speed == hal.SpeedUnknown {
		cfg.Speed = hal.SpeedHigh
	}
	if cfg.ReportSize <= 0 {
		cfg.ReportSize = 8
	}
	if cfg.VendorID == 0 {
		cfg.VendorID = 0x1209
	}
	if cfg.ProductID == 0 {
		cfg.ProductID = 0x0001
	}
	if cfg.Manufacturer == "" {
		cfg.Manufacturer = "ardnew"
	}
	if cfg.Product == "" {
		cfg.Product = "EHCI Gadget"
	}

	g := &Gadget{
		cfg:            cfg,
		pendingAddress: -1,
		toggles:        make(map[uint8]uint8),
		faults:         make(map[uint8]Fault),
	}
	g.buildDescriptors()
	return g
}

// =============================================================================
// Descriptors
// =============================================================================

func (g *Gadget) maxPacket0() int {
	if g.cfg.Speed == hal.SpeedLow {
		return 8
	}
	return 64
}

func (g *Gadget) bulkMaxPacket() int {
	if g.cfg.Speed == hal.SpeedHigh {
		return 512
	}
	return 64
}

func (g *Gadget) buildDescriptors() {
	g.device = []byte{
		18, 0x01, // bLength, DEVICE
		0x00, 0x02, // bcdUSB 2.00
		0x00, 0x00, 0x00, // class, subclass, protocol
		byte(g.maxPacket0()),
		byte(g.cfg.VendorID), byte(g.cfg.VendorID >> 8),
		byte(g.cfg.ProductID), byte(g.cfg.ProductID >> 8),
		0x00, 0x01, // bcdDevice 1.00
		1, 2, 0, // iManufacturer, iProduct, iSerialNumber
		1, // bNumConfigurations
	}

	bulk := g.bulkMaxPacket()
	interval := byte(10)
	if g.cfg.Speed == hal.SpeedHigh {
		interval = 4
	}
	g.config = []byte{
		9, 0x02, 39, 0, 1, 1, 0, 0x80, 50, // CONFIGURATION
		9, 0x04, 0, 0, 3, 0xff, 0, 0, 0, // INTERFACE, vendor class
		7, 0x05, BulkOutEndpoint, 0x02, byte(bulk), byte(bulk >> 8), 0,
		7, 0x05, BulkInEndpoint, 0x02, byte(bulk), byte(bulk >> 8), 0,
		7, 0x05, InterruptEndpoint, 0x03, byte(g.cfg.ReportSize), byte(g.cfg.ReportSize >> 8), interval,
	}

	g.str = [][]byte{
		{4, 0x03, 0x09, 0x04}, // LANGID en-US
		stringDescriptor(g.cfg.Manufacturer),
		stringDescriptor(g.cfg.Product),
	}
}

func stringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2+2*len(units))
	b[0] = byte(len(b))
	b[1] = 0x03
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2+2*i:], u)
	}
	return b
}

// =============================================================================
// Function
// =============================================================================

// Speed implements Function.
func (g *Gadget) Speed() hal.Speed { return g.cfg.Speed }

// Address implements Function.
func (g *Gadget) Address() uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.address
}

// Reset implements Function.
func (g *Gadget) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.address = 0
	g.pendingAddress = -1
	g.configuration = 0
	g.stage = stageIdle
	g.ctrlStall = false
	g.loop = nil
	clear(g.toggles)
}

// Transact implements Function.
func (g *Gadget) Transact(t *Transaction) Handshake {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t.Endpoint == 0 {
		return g.control(t)
	}

	epAddr := t.Endpoint
	if t.PID == PIDIn {
		epAddr |= hal.EndpointDirIn
	}

	switch g.faults[epAddr] {
	case FaultStall:
		return HandshakeStall
	case FaultNAK:
		return HandshakeNAK
	case FaultError:
		return HandshakeError
	case FaultBabble:
		if t.PID == PIDIn {
			t.Data = make([]byte, t.MaxLen+1)
			return HandshakeACK
		}
	}

	if g.configuration == 0 {
		return HandshakeStall
	}

	switch {
	case epAddr == BulkOutEndpoint && t.PID == PIDOut:
		if g.checkToggle(epAddr, t.Toggle) {
			g.loop = append(g.loop, t.Data...)
		}
		return HandshakeACK

	case epAddr == BulkInEndpoint:
		if len(g.loop) == 0 {
			return HandshakeNAK
		}
		n := min(len(g.loop), t.MaxLen, g.bulkMaxPacket())
		t.Data = append([]byte(nil), g.loop[:n]...)
		g.loop = g.loop[n:]
		g.checkToggle(epAddr, t.Toggle)
		return HandshakeACK

	case epAddr == InterruptEndpoint:
		if len(g.reports) == 0 {
			return HandshakeNAK
		}
		r := g.reports[0]
		g.reports = g.reports[1:]
		n := min(len(r), t.MaxLen, g.cfg.ReportSize)
		t.Data = append([]byte(nil), r[:n]...)
		g.checkToggle(epAddr, t.Toggle)
		return HandshakeACK
	}
	return HandshakeStall
}

// checkToggle compares a data packet's toggle with the one the endpoint
// expects and advances it. A mismatched packet is a retransmission the
// function acknowledges but ignores.
func (g *Gadget) checkToggle(ep uint8, toggle uint8) bool {
	want := g.toggles[ep]
	if toggle != want {
		g.toggleErrors++
		return false
	}
	g.toggles[ep] = want ^ 1
	return true
}

// =============================================================================
// Default Control Pipe
// =============================================================================

func (g *Gadget) control(t *Transaction) Handshake {
	switch t.PID {
	case PIDSetup:
		return g.controlSetup(t)
	case PIDIn:
		return g.controlIn(t)
	default:
		return g.controlOut(t)
	}
}

func (g *Gadget) controlSetup(t *Transaction) Handshake {
	var s hal.SetupPacket
	if !hal.ParseSetupPacket(t.Data, &s) {
		return HandshakeError
	}
	g.setup = s
	g.ctrlStall = false
	g.ctrlOut = g.ctrlOut[:0]

	if s.RequestType&hal.EndpointDirIn != 0 {
		data, ok := g.request(s, nil)
		if !ok {
			g.ctrlStall = true
			g.stage = stageDataIn
			return HandshakeACK
		}
		if len(data) > int(s.Length) {
			data = data[:s.Length]
		}
		g.ctrlIn = data
		g.stage = stageDataIn
		return HandshakeACK
	}

	if s.Length > 0 {
		g.stage = stageDataOut
	} else {
		g.finishOut()
	}
	return HandshakeACK
}

// finishOut runs a host-to-device request once its data stage is in.
func (g *Gadget) finishOut() {
	if _, ok := g.request(g.setup, g.ctrlOut); !ok {
		g.ctrlStall = true
	}
	g.stage = stageStatusIn
}

func (g *Gadget) controlIn(t *Transaction) Handshake {
	if g.ctrlStall {
		return HandshakeStall
	}

	switch g.stage {
	case stageDataIn:
		n := min(len(g.ctrlIn), t.MaxLen, g.maxPacket0())
		t.Data = append([]byte(nil), g.ctrlIn[:n]...)
		g.ctrlIn = g.ctrlIn[n:]
		return HandshakeACK

	case stageStatusIn:
		t.Data = nil
		g.stage = stageIdle
		if g.pendingAddress >= 0 {
			g.address = uint8(g.pendingAddress)
			g.pendingAddress = -1
		}
		return HandshakeACK
	}
	return HandshakeStall
}

func (g *Gadget) controlOut(t *Transaction) Handshake {
	if g.ctrlStall {
		return HandshakeStall
	}

	switch g.stage {
	case stageDataOut:
		g.ctrlOut = append(g.ctrlOut, t.Data...)
		if len(g.ctrlOut) >= int(g.setup.Length) {
			g.finishOut()
		}
		return HandshakeACK

	case stageDataIn, stageStatusOut:
		g.stage = stageIdle
		return HandshakeACK
	}
	return HandshakeStall
}

// request handles a standard or vendor request. For device-to-host
// requests it returns the data stage. It reports false for requests the
// function does not support.
func (g *Gadget) request(s hal.SetupPacket, out []byte) ([]byte, bool) {
	const (
		reqGetStatus        = 0x00
		reqClearFeature     = 0x01
		reqSetAddress       = 0x05
		reqGetDescriptor    = 0x06
		reqGetConfiguration = 0x08
		reqSetConfiguration = 0x09
	)

	switch s.RequestType & 0x60 {
	case 0x40: // vendor
		if s.Request != VendorStore {
			return nil, false
		}
		if s.RequestType&hal.EndpointDirIn != 0 {
			return append([]byte(nil), g.stored...), true
		}
		g.stored = append([]byte(nil), out...)
		return nil, true
	case 0x00:
	default:
		return nil, false
	}

	switch s.Request {
	case reqGetStatus:
		return []byte{0, 0}, true

	case reqGetDescriptor:
		switch s.Value >> 8 {
		case 0x01:
			return append([]byte(nil), g.device...), true
		case 0x02:
			return append([]byte(nil), g.config...), true
		case 0x03:
			i := int(s.Value & 0xff)
			if i >= len(g.str) {
				return nil, false
			}
			return append([]byte(nil), g.str[i]...), true
		}
		return nil, false

	case reqGetConfiguration:
		return []byte{g.configuration}, true

	case reqSetAddress:
		if s.Value > hal.MaxDeviceAddress {
			return nil, false
		}
		g.pendingAddress = int(s.Value)
		return nil, true

	case reqSetConfiguration:
		if s.Value > 1 {
			return nil, false
		}
		g.configuration = uint8(s.Value)
		delete(g.toggles, BulkOutEndpoint)
		delete(g.toggles, BulkInEndpoint)
		delete(g.toggles, InterruptEndpoint)
		return nil, true

	case reqClearFeature:
		// ENDPOINT_HALT on an endpoint recipient.
		if s.RequestType&0x1f != 0x02 || s.Value != 0 {
			return nil, false
		}
		ep := uint8(s.Index)
		delete(g.faults, ep)
		delete(g.toggles, ep)
		return nil, true
	}
	return nil, false
}

// =============================================================================
// Test Controls
// =============================================================================

// QueueReport queues one interrupt IN report.
func (g *Gadget) QueueReport(r []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reports = append(g.reports, append([]byte(nil), r...))
}

// PendingReports returns the number of queued, undelivered reports.
func (g *Gadget) PendingReports() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reports)
}

// Loopback returns the bytes received on the bulk OUT endpoint that have
// not been read back.
func (g *Gadget) Loopback() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]byte(nil), g.loop...)
}

// SetFault makes an endpoint answer with f until cleared with FaultNone or
// a CLEAR_FEATURE(ENDPOINT_HALT) request.
func (g *Gadget) SetFault(ep uint8, f Fault) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f == FaultNone {
		delete(g.faults, ep)
		return
	}
	g.faults[ep] = f
}

// ToggleErrors returns the number of data packets whose toggle did not
// match the endpoint's sequence.
func (g *Gadget) ToggleErrors() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.toggleErrors
}

// Configuration returns the active configuration value.
func (g *Gadget) Configuration() uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.configuration
}
