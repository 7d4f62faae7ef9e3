package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg"
)

// maxPipeChunk bounds the data handed to one bulk transfer by a Pipe.
const maxPipeChunk = 16 * 1024

// Pipe provides a buffered, bidirectional byte stream over a pair of bulk
// endpoints.
type Pipe struct {
	device *Device
	epIn   uint8
	epOut  uint8

	readBuf []byte
	readPos int
	readLen int

	mu sync.Mutex
}

// NewPipe creates a pipe over the bulk endpoints epIn and epOut of dev's
// current configuration.
func NewPipe(dev *Device, epIn, epOut uint8) (*Pipe, error) {
	in := dev.GetEndpoint(epIn)
	if in == nil || !in.IsIn() || in.TransferType() != hal.TransferBulk {
		return nil, fmt.Errorf("%w: no bulk IN endpoint %#02x", pkg.ErrInvalidParameter, epIn)
	}
	out := dev.GetEndpoint(epOut)
	if out == nil || out.IsIn() || out.TransferType() != hal.TransferBulk {
		return nil, fmt.Errorf("%w: no bulk OUT endpoint %#02x", pkg.ErrInvalidParameter, epOut)
	}
	return &Pipe{
		device:  dev,
		epIn:    epIn,
		epOut:   epOut,
		readBuf: make([]byte, in.PacketSize()),
	}, nil
}

// Read reads data from the IN endpoint. Bytes of a packet that do not fit
// in data are kept for the next Read.
func (p *Pipe) Read(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readPos < p.readLen {
		n := copy(data, p.readBuf[p.readPos:p.readLen])
		p.readPos += n
		return n, nil
	}

	// Large reads go straight to the caller's buffer.
	if len(data) >= len(p.readBuf) {
		return p.device.BulkTransfer(ctx, p.epIn, data[:min(len(data), maxPipeChunk)])
	}

	n, err := p.device.BulkTransfer(ctx, p.epIn, p.readBuf)
	if err != nil {
		return 0, err
	}

	p.readLen = n
	p.readPos = copy(data, p.readBuf[:n])
	return p.readPos, nil
}

// Write writes data to the OUT endpoint.
func (p *Pipe) Write(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for len(data) > 0 {
		n := min(len(data), maxPipeChunk)
		written, err := p.device.BulkTransfer(ctx, p.epOut, data[:n])
		total += written
		if err != nil {
			return total, err
		}
		data = data[n:]
	}

	return total, nil
}

// Device returns the device this pipe is connected to.
func (p *Pipe) Device() *Device {
	return p.device
}
