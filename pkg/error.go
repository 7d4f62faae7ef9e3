package pkg

import (
	"errors"
	"strings"
)

// Driver errors.
var (
	// ErrInvalidParameter indicates a malformed request, rejected before any
	// pool or hardware access.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrOutOfResources indicates descriptor pool or DMA mapping exhaustion.
	ErrOutOfResources = errors.New("out of resources")

	// ErrDeviceError indicates the controller or the device reported an error.
	// The accompanying TransferResult identifies the condition.
	ErrDeviceError = errors.New("device error")

	// ErrTimeout indicates a bounded wait exceeded its budget.
	ErrTimeout = errors.New("timeout")

	// ErrUnsupported indicates an operation this driver does not implement.
	ErrUnsupported = errors.New("unsupported")

	// ErrNotFound indicates no matching asynchronous request exists.
	ErrNotFound = errors.New("not found")

	// ErrCancelled indicates a cancelled transfer. An interrupt callback
	// returning an error matching ErrCancelled cancels its own pipe.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrInvalidState indicates the controller is not in a state that permits
	// the operation.
	ErrInvalidState = errors.New("invalid controller state")
)

// TransferResult is a bitmask describing how a transfer ended.
// The zero value means the transfer completed without error.
type TransferResult uint32

// Transfer result bits.
const (
	ResultNotExecute  TransferResult = 1 << iota // Transfer was never started
	ResultStall                                  // Endpoint returned STALL
	ResultBuffer                                 // Data buffer overrun/underrun
	ResultBabble                                 // Babble detected
	ResultNAK                                    // NAK received
	ResultCRC                                    // CRC or transaction error
	ResultTimeout                                // Bounded wait expired
	ResultBitStuff                               // Bit stuffing error
	ResultSystemError                            // Controller halted or host system error
)

// ResultOK is the result of a transfer that completed without error.
const ResultOK TransferResult = 0

var resultNames = [...]string{
	"not-execute",
	"stall",
	"buffer",
	"babble",
	"nak",
	"crc",
	"timeout",
	"bitstuff",
	"system",
}

// String returns a '|'-separated list of the set bits, or "ok".
func (r TransferResult) String() string {
	if r == ResultOK {
		return "ok"
	}
	var sb strings.Builder
	for i, name := range resultNames {
		if r&(1<<i) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(name)
	}
	if rest := r &^ (1<<len(resultNames) - 1); rest != 0 {
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString("unknown")
	}
	return sb.String()
}

// Err returns the sentinel error matching the result class: nil for
// ResultOK, ErrTimeout for a timeout, and ErrDeviceError otherwise.
func (r TransferResult) Err() error {
	switch {
	case r == ResultOK:
		return nil
	case r&ResultTimeout != 0:
		return ErrTimeout
	default:
		return ErrDeviceError
	}
}
