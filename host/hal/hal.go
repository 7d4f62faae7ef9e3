package hal

import (
	"context"
	"time"

	"github.com/ardnew/ehci/pkg"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// Direction is the data stage direction of a transfer.
type Direction uint8

// Data directions.
const (
	DirectionNone Direction = iota // No data stage
	DirectionIn                    // Device to host
	DirectionOut                   // Host to device
)

// String returns a short direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	case DirectionNone:
		return "none"
	default:
		return "invalid"
	}
}

// EndpointDirIn is the direction bit of an endpoint address.
const EndpointDirIn = 0x80

// Translator identifies the transaction translator a full- or low-speed
// device sits behind. The zero value means the device is attached directly
// to a root port and no split transactions are needed.
type Translator struct {
	HubAddress uint8 // Address of the high-speed hub holding the TT
	PortNumber uint8 // Hub port the device is attached to
}

// IsZero reports whether no translator is in use.
func (t Translator) IsZero() bool {
	return t.HubAddress == 0 && t.PortNumber == 0
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// DeviceAddress represents a USB device address (0-127).
type DeviceAddress uint8

// MaxDeviceAddress is the highest assignable USB device address.
const MaxDeviceAddress = 127

// State is the run state of a host controller.
type State uint8

// Controller states.
const (
	StateHalt        State = iota // Schedules are not executed
	StateOperational              // Controller is running
	StateSuspend                  // Controller is suspended
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateHalt:
		return "halt"
	case StateOperational:
		return "operational"
	case StateSuspend:
		return "suspend"
	default:
		return "unknown"
	}
}

// ResetMode selects the kind of controller reset.
type ResetMode uint8

// Reset modes.
const (
	ResetGlobal          ResetMode = 1 << iota // Reset the whole bus
	ResetHostController                        // Reset the controller only
	ResetGlobalWithDebug                       // Global reset that preserves a debug port
	ResetHostWithDebug                         // Controller reset that preserves a debug port
)

// PortFeature selects a root-hub port feature to set or clear.
type PortFeature uint8

// Root-hub port features (USB 2.0 Specification, Table 11-17).
const (
	PortFeatureEnable            PortFeature = 1
	PortFeatureSuspend           PortFeature = 2
	PortFeatureOverCurrent       PortFeature = 3
	PortFeatureReset             PortFeature = 4
	PortFeaturePower             PortFeature = 8
	PortFeatureOwner             PortFeature = 13
	PortFeatureConnectChange     PortFeature = 16
	PortFeatureEnableChange      PortFeature = 17
	PortFeatureSuspendChange     PortFeature = 18
	PortFeatureOverCurrentChange PortFeature = 19
	PortFeatureResetChange       PortFeature = 20
)

// PortStatus represents the status of a host port.
type PortStatus struct {
	Connected         bool  // Device is connected
	Enabled           bool  // Port is enabled
	Suspended         bool  // Port is suspended
	OverCurrent       bool  // Over-current condition detected
	Reset             bool  // Port is being reset
	PowerOn           bool  // Port has power applied
	Owner             bool  // Port is owned by a companion controller
	Speed             Speed // Connected device speed
	ConnectChange     bool  // Connection status has changed
	EnableChange      bool  // Enable status has changed
	OverCurrentChange bool  // Over-current status has changed
	ResetChange       bool  // Reset has completed
}

// Capability describes a host controller.
type Capability struct {
	MaxSpeed Speed // Fastest speed the controller supports
	Ports    int   // Number of root-hub ports
	Is64Bit  bool  // Controller can address memory above 4 GB
}

// ControlRequest describes a control transfer.
type ControlRequest struct {
	Address    DeviceAddress
	Speed      Speed
	MaxPacket  uint16
	Setup      SetupPacket
	Direction  Direction
	Data       []byte        // Data stage buffer; len(Data) is the data length
	Timeout    time.Duration // Zero waits without bound
	Translator Translator
}

// DataRequest describes a bulk or synchronous interrupt transfer. The
// endpoint address carries the direction in bit 7.
type DataRequest struct {
	Address    DeviceAddress
	Endpoint   uint8
	Speed      Speed
	MaxPacket  uint16
	Data       []byte
	Timeout    time.Duration // Zero waits without bound
	Translator Translator
}

// InterruptCallback receives data from an asynchronous interrupt pipe.
// The data slice is only valid for the duration of the call. The callback
// may call back into the controller. Returning an error matching
// pkg.ErrCancelled cancels the pipe; any other error is logged and the pipe
// stays armed.
type InterruptCallback func(data []byte, result pkg.TransferResult) error

// InterruptRequest starts or cancels an asynchronous interrupt pipe.
//
// When Start is true all fields are used and Toggle seeds the data toggle.
// The controller keeps Toggle and writes the final data toggle through it
// when the pipe is removed, including when its callback cancels it.
// When Start is false only Address, Endpoint and Toggle are used; the final
// data toggle of the cancelled pipe is written through Toggle.
type InterruptRequest struct {
	Address      DeviceAddress
	Endpoint     uint8
	Speed        Speed
	MaxPacket    uint16
	Start        bool
	Toggle       *uint8
	PollInterval time.Duration // Rounded to whole frames
	Length       int
	Translator   Translator
	Callback     InterruptCallback
}

// HostController is the interface a USB2 host-controller driver exposes
// to the upper USB stack.
//
// Transfer methods return the result bitmask, the number of bytes moved,
// and an error that wraps pkg.ErrInvalidParameter, pkg.ErrOutOfResources,
// pkg.ErrTimeout or pkg.ErrDeviceError.
type HostController interface {
	// Capability returns the controller's capabilities.
	Capability() Capability

	// Reset resets the controller and reinitializes its schedules.
	Reset(mode ResetMode) error

	// State returns the current controller state.
	State() (State, error)

	// SetState moves the controller into the given state.
	SetState(state State) error

	// ControlTransfer performs a control transfer on endpoint 0.
	ControlTransfer(ctx context.Context, req ControlRequest) (pkg.TransferResult, int, error)

	// BulkTransfer performs a bulk transfer. The data toggle is read from
	// and written back through toggle.
	BulkTransfer(ctx context.Context, req DataRequest, toggle *uint8) (pkg.TransferResult, int, error)

	// SyncInterruptTransfer performs a single interrupt transfer and waits
	// for it to complete.
	SyncInterruptTransfer(ctx context.Context, req DataRequest, toggle *uint8) (pkg.TransferResult, int, error)

	// AsyncInterruptTransfer starts or cancels a periodic interrupt pipe.
	AsyncInterruptTransfer(req InterruptRequest) error

	// IsochronousTransfer is not supported.
	IsochronousTransfer(ctx context.Context, req DataRequest) (pkg.TransferResult, error)

	// AsyncIsochronousTransfer is not supported.
	AsyncIsochronousTransfer(req DataRequest, callback InterruptCallback) error

	// PortStatus returns the status of a root-hub port (1-indexed).
	PortStatus(port int) (PortStatus, error)

	// SetPortFeature sets a root-hub port feature.
	SetPortFeature(port int, feature PortFeature) error

	// ClearPortFeature clears a root-hub port feature.
	ClearPortFeature(port int, feature PortFeature) error
}
