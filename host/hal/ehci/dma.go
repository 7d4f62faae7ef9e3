package ehci

import (
	"fmt"
	"sync"

	"github.com/ardnew/ehci/pkg"
)

// PageSize is the size of a DMA page and of a QTD buffer page.
const PageSize = 4096

// Buffer is a physically contiguous, page-aligned region of memory the
// controller can reach. Phys is the bus address of Bytes[0] and stays
// stable for the lifetime of the buffer.
type Buffer struct {
	Bytes []byte
	Phys  uint64
}

// Memory allocates DMA-visible pages.
type Memory interface {
	// AllocPages returns n physically contiguous pages.
	AllocPages(n int) (Buffer, error)

	// FreePages releases pages returned by AllocPages.
	FreePages(b Buffer) error
}

// MapDirection is the direction of a DMA mapping from the controller's
// point of view.
type MapDirection uint8

// Mapping directions.
const (
	MapBusMasterRead  MapDirection = iota // Controller reads host memory (OUT)
	MapBusMasterWrite                     // Controller writes host memory (IN)
)

// Mapping is a caller buffer made visible to the controller.
type Mapping struct {
	Phys uint64
	Len  int

	data   []byte
	bounce Buffer
	dir    MapDirection
}

// Mapper makes caller buffers visible to the controller.
type Mapper interface {
	// Map makes data visible to the controller for the given direction.
	Map(data []byte, dir MapDirection) (Mapping, error)

	// Flush makes data written by the controller visible in the mapped
	// caller buffer.
	Flush(m *Mapping) error

	// Unmap flushes and releases a mapping.
	Unmap(m *Mapping) error
}

// =============================================================================
// Bounce Mapper
// =============================================================================

// BounceMapper maps caller buffers by copying them through pages
// allocated from a Memory. It suits backends whose caller memory has no
// stable bus address, such as the Go heap.
type BounceMapper struct {
	mem Memory
	mu  sync.Mutex
	out int // live mappings
}

// NewBounceMapper returns a Mapper that bounces through mem.
func NewBounceMapper(mem Memory) *BounceMapper {
	return &BounceMapper{mem: mem}
}

// Map implements Mapper.
func (b *BounceMapper) Map(data []byte, dir MapDirection) (Mapping, error) {
	m := Mapping{Len: len(data), data: data, dir: dir}
	if len(data) == 0 {
		return m, nil
	}

	pages := (len(data) + PageSize - 1) / PageSize
	buf, err := b.mem.AllocPages(pages)
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: map %d bytes: %v", pkg.ErrOutOfResources, len(data), err)
	}
	if dir != MapBusMasterWrite {
		copy(buf.Bytes, data)
	}

	m.bounce = buf
	m.Phys = buf.Phys

	b.mu.Lock()
	b.out++
	b.mu.Unlock()
	return m, nil
}

// Flush implements Mapper.
func (b *BounceMapper) Flush(m *Mapping) error {
	if m.bounce.Bytes == nil || m.dir == MapBusMasterRead {
		return nil
	}
	copy(m.data, m.bounce.Bytes[:m.Len])
	return nil
}

// Unmap implements Mapper.
func (b *BounceMapper) Unmap(m *Mapping) error {
	if m.bounce.Bytes == nil {
		return nil
	}
	if err := b.Flush(m); err != nil {
		return err
	}
	err := b.mem.FreePages(m.bounce)
	m.bounce = Buffer{}

	b.mu.Lock()
	b.out--
	b.mu.Unlock()
	return err
}

// Outstanding returns the number of live mappings.
func (b *BounceMapper) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out
}
