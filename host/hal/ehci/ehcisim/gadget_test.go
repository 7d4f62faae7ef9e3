package ehcisim

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/ehci/host/hal"
)

// gadgetControl runs one control transfer against g directly and returns
// the data stage and the first non-ACK handshake.
func gadgetControl(g *Gadget, s hal.SetupPacket, out []byte) ([]byte, Handshake) {
	raw := make([]byte, hal.SetupPacketSize)
	s.MarshalTo(raw)

	if h := g.Transact(&Transaction{PID: PIDSetup, Data: raw}); h != HandshakeACK {
		return nil, h
	}

	var in []byte
	status := PIDIn
	switch {
	case s.RequestType&hal.EndpointDirIn != 0:
		status = PIDOut
		for len(in) < int(s.Length) {
			t := &Transaction{PID: PIDIn, MaxLen: int(s.Length) - len(in)}
			if h := g.Transact(t); h != HandshakeACK {
				return in, h
			}
			in = append(in, t.Data...)
			if len(t.Data) < 64 {
				break
			}
		}
	case len(out) > 0:
		for len(out) > 0 {
			n := min(len(out), 64)
			if h := g.Transact(&Transaction{PID: PIDOut, Data: out[:n]}); h != HandshakeACK {
				return nil, h
			}
			out = out[n:]
		}
	}

	return in, g.Transact(&Transaction{PID: status})
}

func configured(t *testing.T, cfg GadgetConfig) *Gadget {
	t.Helper()
	g := NewGadget(cfg)
	if _, h := gadgetControl(g, hal.SetupPacket{Request: 0x09, Value: 1}, nil); h != HandshakeACK {
		t.Fatalf("SET_CONFIGURATION: %v", h)
	}
	return g
}

func TestGadget_Descriptors(t *testing.T) {
	g := NewGadget(GadgetConfig{VendorID: 0xcafe, ProductID: 0x0042, Product: "Hi"})

	dev, h := gadgetControl(g, hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 64}, nil)
	if h != HandshakeACK {
		t.Fatalf("GET_DESCRIPTOR(device): %v", h)
	}
	if len(dev) != 18 || dev[7] != 64 || dev[8] != 0xfe || dev[9] != 0xca || dev[10] != 0x42 {
		t.Errorf("device descriptor = %x", dev)
	}

	// A short request truncates the descriptor.
	cfg, h := gadgetControl(g, hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0200, Length: 9}, nil)
	if h != HandshakeACK || len(cfg) != 9 || cfg[2] != 39 {
		t.Errorf("config header = %x, %v", cfg, h)
	}

	str, h := gadgetControl(g, hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0302, Length: 255}, nil)
	if h != HandshakeACK {
		t.Fatalf("GET_DESCRIPTOR(string): %v", h)
	}
	if diff := cmp.Diff([]byte{6, 0x03, 'H', 0, 'i', 0}, str); diff != "" {
		t.Errorf("product string mismatch (-want +got):\n%s", diff)
	}

	if _, h := gadgetControl(g, hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0309, Length: 255}, nil); h != HandshakeStall {
		t.Errorf("missing string descriptor: %v, want STALL", h)
	}
}

func TestGadget_EndpointPacketSizes(t *testing.T) {
	tests := []struct {
		speed hal.Speed
		ep0   byte
		bulk  byte
	}{
		{hal.SpeedHigh, 64, 0x00}, // 512 = 0x0200
		{hal.SpeedFull, 64, 64},
		{hal.SpeedLow, 8, 64},
	}
	for _, tt := range tests {
		t.Run(tt.speed.String(), func(t *testing.T) {
			g := NewGadget(GadgetConfig{Speed: tt.speed})
			if g.device[7] != tt.ep0 {
				t.Errorf("bMaxPacketSize0 = %d, want %d", g.device[7], tt.ep0)
			}
			if g.config[9+9+4] != tt.bulk {
				t.Errorf("bulk wMaxPacketSize low byte = %d, want %d", g.config[22], tt.bulk)
			}
		})
	}
}

func TestGadget_SetAddressAfterStatus(t *testing.T) {
	g := NewGadget(GadgetConfig{})

	raw := make([]byte, hal.SetupPacketSize)
	s := hal.SetupPacket{Request: 0x05, Value: 7}
	s.MarshalTo(raw)
	if h := g.Transact(&Transaction{PID: PIDSetup, Data: raw}); h != HandshakeACK {
		t.Fatalf("SETUP: %v", h)
	}
	if g.Address() != 0 {
		t.Error("address changed before the status stage")
	}
	if h := g.Transact(&Transaction{PID: PIDIn}); h != HandshakeACK {
		t.Fatalf("status: %v", h)
	}
	if g.Address() != 7 {
		t.Errorf("Address() = %d, want 7", g.Address())
	}

	g.Reset()
	if g.Address() != 0 || g.Configuration() != 0 {
		t.Error("Reset did not return to the default state")
	}
}

func TestGadget_VendorStore(t *testing.T) {
	g := NewGadget(GadgetConfig{})
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i * 3)
	}

	if _, h := gadgetControl(g, hal.SetupPacket{RequestType: 0x40, Request: VendorStore, Length: 100}, data); h != HandshakeACK {
		t.Fatalf("vendor OUT: %v", h)
	}
	got, h := gadgetControl(g, hal.SetupPacket{RequestType: 0xc0, Request: VendorStore, Length: 100}, nil)
	if h != HandshakeACK {
		t.Fatalf("vendor IN: %v", h)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("stored data mismatch (-want +got):\n%s", diff)
	}

	if _, h := gadgetControl(g, hal.SetupPacket{RequestType: 0x40, Request: 0x7f}, nil); h != HandshakeStall {
		t.Errorf("unknown vendor request: %v, want STALL", h)
	}
	// A new SETUP clears the stall.
	if _, h := gadgetControl(g, hal.SetupPacket{RequestType: 0x80, Request: 0x00, Length: 2}, nil); h != HandshakeACK {
		t.Errorf("GET_STATUS after stall: %v", h)
	}
}

func TestGadget_BulkLoopback(t *testing.T) {
	g := NewGadget(GadgetConfig{})

	// Unconfigured endpoints stall.
	if h := g.Transact(&Transaction{Endpoint: 1, PID: PIDOut, Data: []byte{1}}); h != HandshakeStall {
		t.Errorf("unconfigured OUT: %v, want STALL", h)
	}

	g = configured(t, GadgetConfig{})
	if h := g.Transact(&Transaction{Endpoint: 2, PID: PIDIn, MaxLen: 512}); h != HandshakeNAK {
		t.Errorf("empty IN: %v, want NAK", h)
	}

	g.Transact(&Transaction{Endpoint: 1, PID: PIDOut, Toggle: 0, Data: []byte{1, 2, 3}})
	// A repeated toggle is a retransmission and is dropped.
	g.Transact(&Transaction{Endpoint: 1, PID: PIDOut, Toggle: 0, Data: []byte{1, 2, 3}})
	g.Transact(&Transaction{Endpoint: 1, PID: PIDOut, Toggle: 1, Data: []byte{4, 5}})
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5}, g.Loopback()); diff != "" {
		t.Errorf("loopback mismatch (-want +got):\n%s", diff)
	}
	if g.ToggleErrors() != 1 {
		t.Errorf("ToggleErrors() = %d, want 1", g.ToggleErrors())
	}

	in := &Transaction{Endpoint: 2, PID: PIDIn, MaxLen: 2}
	if h := g.Transact(in); h != HandshakeACK {
		t.Fatalf("IN: %v", h)
	}
	if diff := cmp.Diff([]byte{1, 2}, in.Data); diff != "" {
		t.Errorf("IN data mismatch (-want +got):\n%s", diff)
	}
	if len(g.Loopback()) != 3 {
		t.Errorf("loopback left %d bytes, want 3", len(g.Loopback()))
	}
}

func TestGadget_InterruptReports(t *testing.T) {
	g := configured(t, GadgetConfig{ReportSize: 4})

	if h := g.Transact(&Transaction{Endpoint: 3, PID: PIDIn, MaxLen: 4}); h != HandshakeNAK {
		t.Errorf("idle report: %v, want NAK", h)
	}

	g.QueueReport([]byte{1, 2, 3, 4, 5, 6})
	g.QueueReport([]byte{9})
	if g.PendingReports() != 2 {
		t.Fatalf("PendingReports() = %d", g.PendingReports())
	}

	first := &Transaction{Endpoint: 3, PID: PIDIn, MaxLen: 8}
	g.Transact(first)
	second := &Transaction{Endpoint: 3, PID: PIDIn, MaxLen: 8, Toggle: 1}
	g.Transact(second)

	if diff := cmp.Diff([][]byte{{1, 2, 3, 4}, {9}}, [][]byte{first.Data, second.Data}); diff != "" {
		t.Errorf("reports mismatch (-want +got):\n%s", diff)
	}
	if g.PendingReports() != 0 || g.ToggleErrors() != 0 {
		t.Errorf("pending %d, toggle errors %d", g.PendingReports(), g.ToggleErrors())
	}
}

func TestGadget_Faults(t *testing.T) {
	g := configured(t, GadgetConfig{})

	tests := []struct {
		fault Fault
		pid   PID
		ep    uint8
		want  Handshake
	}{
		{FaultStall, PIDOut, BulkOutEndpoint, HandshakeStall},
		{FaultNAK, PIDIn, BulkInEndpoint, HandshakeNAK},
		{FaultError, PIDIn, InterruptEndpoint, HandshakeError},
	}
	for _, tt := range tests {
		g.SetFault(tt.ep, tt.fault)
		if h := g.Transact(&Transaction{Endpoint: tt.ep & 0x0f, PID: tt.pid, MaxLen: 8}); h != tt.want {
			t.Errorf("fault %d on %#02x: %v, want %v", tt.fault, tt.ep, h, tt.want)
		}
	}

	g.SetFault(BulkInEndpoint, FaultBabble)
	g.Transact(&Transaction{Endpoint: 1, PID: PIDOut, Data: []byte{1}})
	babble := &Transaction{Endpoint: 2, PID: PIDIn, MaxLen: 8}
	if h := g.Transact(babble); h != HandshakeACK || len(babble.Data) != 9 {
		t.Errorf("babble: %v with %d bytes", h, len(babble.Data))
	}

	// CLEAR_FEATURE(ENDPOINT_HALT) clears an endpoint's fault.
	if _, h := gadgetControl(g, hal.SetupPacket{RequestType: 0x02, Request: 0x01, Index: uint16(BulkOutEndpoint)}, nil); h != HandshakeACK {
		t.Fatalf("CLEAR_FEATURE: %v", h)
	}
	if h := g.Transact(&Transaction{Endpoint: 1, PID: PIDOut, Data: []byte{2}}); h != HandshakeACK {
		t.Errorf("OUT after clear: %v", h)
	}

	g.SetFault(InterruptEndpoint, FaultNone)
	if h := g.Transact(&Transaction{Endpoint: 3, PID: PIDIn, MaxLen: 8}); h != HandshakeNAK {
		t.Errorf("interrupt after clear: %v, want NAK", h)
	}
}
