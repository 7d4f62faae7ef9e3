//go:build linux

package ehcilinux

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/ehci/host/hal/ehci"
	"github.com/ardnew/ehci/pkg"
)

// DMAMemory is an arena of locked pages with known physical addresses.
// It implements ehci.Memory.
type DMAMemory struct {
	mu    sync.Mutex
	arena []byte
	phys  []uint64
	used  []bool
}

var _ ehci.Memory = (*DMAMemory)(nil)

// NewDMAMemory locks an arena of the given number of pages and resolves
// their physical addresses. Reading physical frame numbers requires
// CAP_SYS_ADMIN.
func NewDMAMemory(pages int) (m *DMAMemory, err error) {
	if pages <= 0 {
		return nil, fmt.Errorf("%w: %d pages", pkg.ErrInvalidParameter, pages)
	}

	arena, err := unix.Mmap(-1, 0, pages*ehci.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_LOCKED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap DMA arena: %w", err)
	}
	defer func() {
		if err != nil {
			unix.Munmap(arena)
		}
	}()

	// A forked child must not take copy-on-write pages away from the
	// controller.
	if err = unix.Madvise(arena, unix.MADV_DONTFORK); err != nil {
		return nil, fmt.Errorf("madvise DMA arena: %w", err)
	}

	phys, err := translate(arena, pages)
	if err != nil {
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentHAL, "DMA arena locked", "pages", pages, "first", fmt.Sprintf("%#x", phys[0]))
	return &DMAMemory{arena: arena, phys: phys, used: make([]bool, pages)}, nil
}

// translate reads the physical address of every page of arena.
func translate(arena []byte, pages int) ([]uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("open pagemap: %w", err)
	}
	defer f.Close()

	base := uint64(uintptr(unsafe.Pointer(&arena[0])))
	phys := make([]uint64, pages)
	var entry [pagemapEntry]byte
	for i := range phys {
		va := base + uint64(i*ehci.PageSize)
		if _, err := f.ReadAt(entry[:], int64(va/ehci.PageSize)*pagemapEntry); err != nil {
			return nil, fmt.Errorf("read pagemap: %w", err)
		}
		pfn, ok := decodePagemap(entry[:])
		if !ok {
			return nil, fmt.Errorf("%w: no frame number for page %d (need CAP_SYS_ADMIN)", pkg.ErrDeviceError, i)
		}
		phys[i] = pfn * ehci.PageSize
	}
	return phys, nil
}

// AllocPages implements ehci.Memory.
func (m *DMAMemory) AllocPages(n int) (ehci.Buffer, error) {
	if n <= 0 {
		return ehci.Buffer{}, fmt.Errorf("%w: %d pages", pkg.ErrInvalidParameter, n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	first := findRun(m.used, m.phys, ehci.PageSize, n)
	if first < 0 {
		return ehci.Buffer{}, fmt.Errorf("%w: no contiguous run of %d pages", pkg.ErrOutOfResources, n)
	}
	for i := first; i < first+n; i++ {
		m.used[i] = true
	}

	off := first * ehci.PageSize
	b := m.arena[off : off+n*ehci.PageSize : off+n*ehci.PageSize]
	clear(b)
	return ehci.Buffer{Bytes: b, Phys: m.phys[first]}, nil
}

// FreePages implements ehci.Memory.
func (m *DMAMemory) FreePages(b ehci.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := -1
	for i, p := range m.phys {
		if p == b.Phys {
			first = i
			break
		}
	}
	n := len(b.Bytes) / ehci.PageSize
	if first < 0 || n == 0 || first+n > len(m.used) {
		return fmt.Errorf("%w: buffer %#x not from this arena", pkg.ErrInvalidParameter, b.Phys)
	}
	for i := first; i < first+n; i++ {
		if !m.used[i] {
			return fmt.Errorf("%w: double free of page %#x", pkg.ErrInvalidState, m.phys[i])
		}
		m.used[i] = false
	}
	return nil
}

// Close unlocks and releases the arena. Every buffer must have been freed.
func (m *DMAMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.arena == nil {
		return nil
	}
	err := unix.Munmap(m.arena)
	m.arena = nil
	return err
}
