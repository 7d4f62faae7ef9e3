package ehcisim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/ehci/host/hal/ehci"
	"github.com/ardnew/ehci/pkg"
)

// Memory is a simulated physical address space: a fixed arena of pages
// mapped at a configurable bus address. It implements ehci.Memory.
type Memory struct {
	mu    sync.Mutex
	base  uint64
	arena []byte
	used  []bool
	live  int
}

var _ ehci.Memory = (*Memory)(nil)

// NewMemory returns an arena of the given number of pages whose first
// byte has bus address base. base is rounded down to a page boundary.
func NewMemory(pages int, base uint64) *Memory {
	// Back the arena with 64-bit words so descriptor words are aligned
	// for atomic access.
	words := make([]uint64, pages*ehci.PageSize/8)
	return &Memory{
		base:  base &^ (ehci.PageSize - 1),
		arena: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), pages*ehci.PageSize),
		used:  make([]bool, pages),
	}
}

// Base returns the bus address of the first page.
func (m *Memory) Base() uint64 { return m.base }

// AllocPages implements ehci.Memory with a first-fit search.
func (m *Memory) AllocPages(n int) (ehci.Buffer, error) {
	if n <= 0 {
		return ehci.Buffer{}, fmt.Errorf("%w: %d pages", pkg.ErrInvalidParameter, n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run := 0
	for i := range m.used {
		if m.used[i] {
			run = 0
			continue
		}
		run++
		if run < n {
			continue
		}

		first := i - n + 1
		for j := first; j <= i; j++ {
			m.used[j] = true
		}
		m.live += n

		off := first * ehci.PageSize
		b := m.arena[off : off+n*ehci.PageSize : off+n*ehci.PageSize]
		clear(b)
		return ehci.Buffer{Bytes: b, Phys: m.base + uint64(off)}, nil
	}
	return ehci.Buffer{}, fmt.Errorf("%w: no run of %d free pages", pkg.ErrOutOfResources, n)
}

// FreePages implements ehci.Memory.
func (m *Memory) FreePages(b ehci.Buffer) error {
	if b.Phys < m.base || len(b.Bytes) == 0 {
		return fmt.Errorf("%w: buffer %#x not from this arena", pkg.ErrInvalidParameter, b.Phys)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	first := int((b.Phys - m.base) / ehci.PageSize)
	n := len(b.Bytes) / ehci.PageSize
	if first+n > len(m.used) {
		return fmt.Errorf("%w: buffer %#x not from this arena", pkg.ErrInvalidParameter, b.Phys)
	}
	for i := first; i < first+n; i++ {
		if !m.used[i] {
			return fmt.Errorf("%w: double free of page %#x", pkg.ErrInvalidState, m.base+uint64(i*ehci.PageSize))
		}
		m.used[i] = false
	}
	m.live -= n
	return nil
}

// PagesInUse returns the number of allocated pages.
func (m *Memory) PagesInUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// offset translates a bus address range into an arena offset.
func (m *Memory) offset(phys uint64, n int) (int, bool) {
	if phys < m.base {
		return 0, false
	}
	off := phys - m.base
	if off+uint64(n) > uint64(len(m.arena)) {
		return 0, false
	}
	return int(off), true
}

// Read32 atomically reads the word at phys.
func (m *Memory) Read32(phys uint64) (uint32, bool) {
	off, ok := m.offset(phys, 4)
	if !ok || off%4 != 0 {
		return 0, false
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.arena[off]))), true
}

// Write32 atomically writes the word at phys.
func (m *Memory) Write32(phys uint64, v uint32) bool {
	off, ok := m.offset(phys, 4)
	if !ok || off%4 != 0 {
		return false
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.arena[off])), v)
	return true
}

// Bytes returns the n bytes at phys.
func (m *Memory) Bytes(phys uint64, n int) ([]byte, bool) {
	off, ok := m.offset(phys, n)
	if !ok {
		return nil, false
	}
	return m.arena[off : off+n], true
}
