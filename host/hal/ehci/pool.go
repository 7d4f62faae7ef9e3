package ehci

import (
	"fmt"
	"unsafe"

	"github.com/ardnew/ehci/pkg"
)

// pool hands out fixed-size, aligned blocks of DMA memory for queue heads
// and transfer descriptors. Blocks never cross a page boundary. Every page
// lives in the same 4 GB segment so that 32-bit link pointers plus the
// CTRLDSSEGMENT register can address all of them.
type pool struct {
	mem   Memory
	slabs []*slab

	segment    uint32
	hasSegment bool
	allow64    bool
}

// slab is one page carved into equal blocks.
type slab struct {
	buf   Buffer
	size  int
	free  []int
	inUse int
}

func newPool(mem Memory, allow64 bool) *pool {
	return &pool{mem: mem, allow64: allow64}
}

// alloc returns a zeroed block of the given size class.
func (p *pool) alloc(size int) (unsafe.Pointer, uint64, error) {
	for _, s := range p.slabs {
		if s.size == size && len(s.free) > 0 {
			return s.take()
		}
	}

	s, err := p.grow(size)
	if err != nil {
		return nil, 0, err
	}
	return s.take()
}

// page allocates one page inside the pool's segment.
func (p *pool) page() (Buffer, error) {
	buf, err := p.mem.AllocPages(1)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: descriptor page: %v", pkg.ErrOutOfResources, err)
	}

	seg := uint32(buf.Phys >> 32)
	switch {
	case !p.allow64 && seg != 0:
		p.mem.FreePages(buf)
		return Buffer{}, fmt.Errorf("%w: descriptor page %#x above 4 GB", pkg.ErrOutOfResources, buf.Phys)
	case p.hasSegment && seg != p.segment:
		p.mem.FreePages(buf)
		return Buffer{}, fmt.Errorf("%w: descriptor page %#x outside segment %#x", pkg.ErrOutOfResources, buf.Phys, p.segment)
	}
	p.segment, p.hasSegment = seg, true
	return buf, nil
}

func (p *pool) grow(size int) (*slab, error) {
	buf, err := p.page()
	if err != nil {
		return nil, err
	}

	n := PageSize / size
	s := &slab{buf: buf, size: size, free: make([]int, 0, n)}
	for i := n - 1; i >= 0; i-- {
		s.free = append(s.free, i)
	}
	p.slabs = append(p.slabs, s)

	pkg.LogDebug(pkg.ComponentPool, "pool page added", "phys", fmt.Sprintf("%#x", buf.Phys), "block", size)
	return s, nil
}

func (s *slab) take() (unsafe.Pointer, uint64, error) {
	i := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.inUse++

	off := i * s.size
	b := s.buf.Bytes[off : off+s.size]
	clear(b)
	return unsafe.Pointer(&b[0]), s.buf.Phys + uint64(off), nil
}

// free returns the block at phys to its slab.
func (p *pool) free(phys uint64) {
	for _, s := range p.slabs {
		if phys < s.buf.Phys || phys >= s.buf.Phys+PageSize {
			continue
		}
		off := int(phys - s.buf.Phys)
		clear(s.buf.Bytes[off : off+s.size])
		s.free = append(s.free, off/s.size)
		s.inUse--
		return
	}
	panic(fmt.Sprintf("ehci: free of unknown descriptor %#x", phys))
}

// inUse returns the number of live blocks.
func (p *pool) inUse() int {
	n := 0
	for _, s := range p.slabs {
		n += s.inUse
	}
	return n
}

// close releases every page. Outstanding blocks become invalid.
func (p *pool) close() error {
	var first error
	for _, s := range p.slabs {
		if err := p.mem.FreePages(s.buf); err != nil && first == nil {
			first = err
		}
	}
	p.slabs = nil
	p.hasSegment = false
	return first
}

// allocQTD returns a zeroed QTD block.
func (p *pool) allocQTD() (*qtd, error) {
	ptr, phys, err := p.alloc(qtdBlockSize)
	if err != nil {
		return nil, err
	}
	return &qtd{hw: (*HardwareQTD)(ptr), phys: phys}, nil
}

// allocQH returns a zeroed queue head block.
func (p *pool) allocQH() (*queueHead, error) {
	ptr, phys, err := p.alloc(qhBlockSize)
	if err != nil {
		return nil, err
	}
	return &queueHead{hw: (*HardwareQH)(ptr), phys: phys}, nil
}
