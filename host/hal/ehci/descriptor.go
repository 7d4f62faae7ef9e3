package ehci

import (
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/ehci/host/hal"
)

// =============================================================================
// Hardware Layouts (EHCI 1.0, Section 3.5-3.6 and Appendix B)
// =============================================================================

// HardwareQTD is the controller-visible layout of a queue element transfer
// descriptor, including the 64-bit extended buffer pointers.
type HardwareQTD struct {
	Next    uint32
	AltNext uint32
	Token   uint32
	Page    [QTDPages]uint32
	PageHi  [QTDPages]uint32
}

// HardwareQH is the controller-visible layout of a queue head. The overlay
// mirrors the QTD currently being executed.
type HardwareQH struct {
	Link    uint32
	EpChar  uint32
	EpCap   uint32
	CurQTD  uint32
	Overlay HardwareQTD
}

// Sizes of the hardware layouts and of the pool blocks holding them.
const (
	HardwareQTDSize = int(unsafe.Sizeof(HardwareQTD{}))
	HardwareQHSize  = int(unsafe.Sizeof(HardwareQH{}))

	qtdBlockSize = 64
	qhBlockSize  = 128
)

// Each pool block holds its hardware layout.
var (
	_ [qtdBlockSize - HardwareQTDSize]struct{}
	_ [qhBlockSize - HardwareQHSize]struct{}
)

// QTDPages is the number of buffer page pointers in a QTD.
const QTDPages = 5

// QTDMaxBuffer is the payload ceiling of one QTD whose buffer starts on a
// page boundary.
const QTDMaxBuffer = QTDPages * PageSize

// Link pointer bits.
const (
	LinkTerminate = 0x00000001
	LinkTypeQH    = 0x00000002
	LinkTypeMask  = 0x00000006
	LinkAddrMask  = 0xffffffe0
)

// QTD token bits.
const (
	TokenPing       = 0x00000001 // Ping state / periodic split error
	TokenSplitState = 0x00000002 // Split transaction state
	TokenMissedUF   = 0x00000004 // Missed micro-frame
	TokenXactErr    = 0x00000008 // Transaction error
	TokenBabble     = 0x00000010 // Babble detected
	TokenBufferErr  = 0x00000020 // Data buffer error
	TokenHalted     = 0x00000040 // Halted
	TokenActive     = 0x00000080 // Active
	TokenStatusMask = 0x000000ff

	TokenErrorMask = TokenXactErr | TokenBabble | TokenBufferErr

	TokenPIDShift   = 8
	TokenPIDMask    = 0x00000300
	TokenCErrShift  = 10
	TokenCErrMask   = 0x00000c00
	TokenCPageShift = 12
	TokenCPageMask  = 0x00007000
	TokenIOC        = 0x00008000
	TokenBytesShift = 16
	TokenBytesMask  = 0x7fff0000
	TokenToggle     = 0x80000000
)

// QTD packet identifiers.
const (
	PIDOut   = 0
	PIDIn    = 1
	PIDSetup = 2
)

// Queue head endpoint characteristics (dword 1).
const (
	EpCharAddrMask      = 0x0000007f
	EpCharInactivate    = 0x00000080
	EpCharEndpointShift = 8
	EpCharEndpointMask  = 0x00000f00
	EpCharSpeedShift    = 12
	EpCharSpeedMask     = 0x00003000
	EpCharDTC           = 0x00004000 // Data toggle comes from the QTD
	EpCharHead          = 0x00008000 // Head of reclamation list
	EpCharMaxPktShift   = 16
	EpCharMaxPktMask    = 0x07ff0000
	EpCharControl       = 0x08000000 // Non-high-speed control endpoint
	EpCharNakRLShift    = 28
)

// Endpoint speed encodings.
const (
	EpSpeedFull = 0
	EpSpeedLow  = 1
	EpSpeedHigh = 2
)

// Queue head endpoint capabilities (dword 2).
const (
	EpCapSMaskMask    = 0x000000ff
	EpCapCMaskShift   = 8
	EpCapCMaskMask    = 0x0000ff00
	EpCapHubAddrShift = 16
	EpCapPortShift    = 23
	EpCapMultShift    = 30
)

const (
	qtdMaxErr      = 3
	qhNakReload    = 3
	qhMult         = 1
	qhSMaskFrame0  = 0x01
	qhCMaskSplit   = 0x1c // micro-frames 2, 3 and 4
	maxPacketLimit = 0x7ff
	maxQTDBytes    = 0x7fff
)

// Load32 atomically reads a descriptor word shared with the controller.
func Load32(p *uint32) uint32 { return atomic.LoadUint32(p) }

// Store32 atomically writes a descriptor word shared with the controller.
func Store32(p *uint32, v uint32) { atomic.StoreUint32(p, v) }

// QHLink returns a horizontal link pointer to the queue head at phys.
func QHLink(phys uint64) uint32 {
	return uint32(phys)&LinkAddrMask | LinkTypeQH
}

// QTDLink returns a QTD link pointer to the QTD at phys.
func QTDLink(phys uint64) uint32 {
	return uint32(phys) & LinkAddrMask
}

// TokenBytes returns the bytes-to-transfer field of a token.
func TokenBytes(tok uint32) int {
	return int(tok&TokenBytesMask) >> TokenBytesShift
}

// TokenPID returns the packet identifier of a token.
func TokenPID(tok uint32) uint8 {
	return uint8((tok & TokenPIDMask) >> TokenPIDShift)
}

func makeToken(pid uint8, length int, toggle uint8, ioc bool) uint32 {
	tok := uint32(TokenActive) |
		uint32(pid)<<TokenPIDShift |
		uint32(qtdMaxErr)<<TokenCErrShift |
		uint32(length)<<TokenBytesShift
	if toggle&1 != 0 {
		tok |= TokenToggle
	}
	if ioc {
		tok |= TokenIOC
	}
	return tok
}

// =============================================================================
// Software Descriptors
// =============================================================================

// qtd is the software view of one transfer descriptor.
type qtd struct {
	hw   *HardwareQTD
	phys uint64
	next *qtd

	pid      uint8
	dataPhys uint64
	length   int
	toggle   uint8
}

// schedule identifies which hardware schedule a queue head is linked into.
type schedule uint8

const (
	scheduleNone schedule = iota
	scheduleAsync
	schedulePeriodic
)

func (s schedule) String() string {
	switch s {
	case scheduleAsync:
		return "async"
	case schedulePeriodic:
		return "periodic"
	default:
		return "none"
	}
}

// endpoint holds the parameters a queue head is built from.
type endpoint struct {
	address    hal.DeviceAddress
	number     uint8
	dir        hal.Direction
	speed      hal.Speed
	maxPacket  uint16
	toggle     uint8
	interval   int // frames, periodic only
	translator hal.Translator
	kind       hal.TransferType
}

// queueHead is the software view of a queue head.
type queueHead struct {
	hw   *HardwareQH
	phys uint64
	ep   endpoint

	qtds  *qtd       // first QTD of the chain
	next  *queueHead // horizontal link, owned by the list the QH is in
	sched schedule

	interval int // frames between services, periodic only
	phase    int // first frame-list slot, periodic only
}

// setBuffer points the QTD's page pointers at length bytes starting at
// phys. The caller guarantees the range fits in QTDPages pages.
func (q *qtd) setBuffer(phys uint64, length int) {
	q.dataPhys = phys
	q.length = length

	base := phys &^ (PageSize - 1)
	Store32(&q.hw.Page[0], uint32(phys))
	Store32(&q.hw.PageHi[0], uint32(phys>>32))
	for i := 1; i < QTDPages; i++ {
		p := base + uint64(i)*PageSize
		if p >= phys+uint64(length) {
			Store32(&q.hw.Page[i], 0)
			Store32(&q.hw.PageHi[i], 0)
			continue
		}
		Store32(&q.hw.Page[i], uint32(p))
		Store32(&q.hw.PageHi[i], uint32(p>>32))
	}
}

// arm resets the QTD token so the controller executes it again from the
// start of its buffer.
func (q *qtd) arm(toggle uint8) {
	q.toggle = toggle & 1
	ioc := q.next == nil
	Store32(&q.hw.Page[0], uint32(q.dataPhys))
	Store32(&q.hw.PageHi[0], uint32(q.dataPhys>>32))
	Store32(&q.hw.Token, makeToken(q.pid, q.length, q.toggle, ioc))
}

// remaining returns the bytes the controller has not yet transferred.
func (q *qtd) remaining() int {
	n := TokenBytes(Load32(&q.hw.Token))
	if n > q.length {
		return q.length
	}
	return n
}

// packets returns the number of packets needed to move n bytes.
func packets(n int, maxPacket uint16) int {
	if n == 0 || maxPacket == 0 {
		return 1
	}
	return (n + int(maxPacket) - 1) / int(maxPacket)
}

// attach points the queue head's overlay at its first QTD so the
// controller fetches the chain on its next visit. The data toggle and ping
// state of the overlay are preserved.
func (qh *queueHead) attach() {
	hw := qh.hw
	Store32(&hw.CurQTD, LinkTerminate)
	Store32(&hw.Overlay.AltNext, LinkTerminate)
	for i := 0; i < QTDPages; i++ {
		Store32(&hw.Overlay.Page[i], 0)
		Store32(&hw.Overlay.PageHi[i], 0)
	}
	Store32(&hw.Overlay.Token, Load32(&hw.Overlay.Token)&(TokenToggle|TokenPing))
	if qh.qtds == nil {
		Store32(&hw.Overlay.Next, LinkTerminate)
		return
	}
	Store32(&hw.Overlay.Next, QTDLink(qh.qtds.phys))
}

// overlayToggle returns the data toggle the controller will use next.
func (qh *queueHead) overlayToggle() uint8 {
	if Load32(&qh.hw.Overlay.Token)&TokenToggle != 0 {
		return 1
	}
	return 0
}

// lastQTD returns the final QTD of the chain.
func (qh *queueHead) lastQTD() *qtd {
	q := qh.qtds
	for q != nil && q.next != nil {
		q = q.next
	}
	return q
}
