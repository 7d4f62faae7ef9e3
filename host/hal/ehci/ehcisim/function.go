package ehcisim

import (
	"fmt"

	"github.com/ardnew/ehci/host/hal"
)

// PID is the token packet identifier of a transaction.
type PID uint8

// Token packet identifiers, numbered as in a QTD token.
const (
	PIDOut   PID = 0
	PIDIn    PID = 1
	PIDSetup PID = 2
)

func (p PID) String() string {
	switch p {
	case PIDOut:
		return "OUT"
	case PIDIn:
		return "IN"
	case PIDSetup:
		return "SETUP"
	default:
		return fmt.Sprintf("PID(%d)", uint8(p))
	}
}

// Handshake is a function's response to one transaction.
type Handshake uint8

// Handshakes. HandshakeError models a corrupted or missing response, which
// the controller counts against the QTD's error counter.
const (
	HandshakeACK Handshake = iota
	HandshakeNAK
	HandshakeStall
	HandshakeError
)

func (h Handshake) String() string {
	switch h {
	case HandshakeACK:
		return "ACK"
	case HandshakeNAK:
		return "NAK"
	case HandshakeStall:
		return "STALL"
	case HandshakeError:
		return "ERROR"
	default:
		return fmt.Sprintf("Handshake(%d)", uint8(h))
	}
}

// Transaction is one token, data and handshake exchange between the
// controller and a function.
type Transaction struct {
	Address  uint8
	Endpoint uint8
	PID      PID
	Toggle   uint8

	// Data carries the OUT or SETUP payload, or the IN payload returned by
	// the function.
	Data []byte

	// MaxLen is the most bytes the controller accepts for an IN.
	MaxLen int

	Handshake Handshake
}

// Function is a USB device attached to a simulated root port.
type Function interface {
	// Speed returns the speed the function connects at.
	Speed() hal.Speed

	// Address returns the function's current bus address.
	Address() uint8

	// Reset returns the function to the default state at address 0.
	Reset()

	// Transact performs one transaction addressed to the function. For IN
	// transactions it stores the response payload in t.Data.
	Transact(t *Transaction) Handshake
}
