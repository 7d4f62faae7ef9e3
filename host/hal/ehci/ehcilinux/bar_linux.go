//go:build linux

package ehcilinux

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/ehci/host/hal/ehci"
	"github.com/ardnew/ehci/pkg"
)

// minBARSize covers the capability registers, the operational registers
// and the PORTSC array.
const minBARSize = 0x100

// BAR is an EHCI register window mapped from a PCI memory BAR. It
// implements ehci.Registers.
type BAR struct {
	path string
	mem  []byte
}

var _ ehci.Registers = (*BAR)(nil)

// OpenBAR maps the first memory BAR of the PCI function at dev.
func OpenBAR(dev string) (*BAR, error) {
	path, err := resourcePath(dev)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open BAR: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat BAR: %w", err)
	}
	size := int(fi.Size())
	if size < minBARSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", pkg.ErrDeviceError, path, size)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	pkg.LogInfo(pkg.ComponentHAL, "BAR mapped", "path", path, "size", size)
	return &BAR{path: path, mem: mem}, nil
}

func (b *BAR) word(off uint32) *uint32 {
	if b.mem == nil || off%4 != 0 || int(off)+4 > len(b.mem) {
		panic(fmt.Sprintf("ehcilinux: register access at %#x outside %s", off, b.path))
	}
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

// Read32 implements ehci.Registers.
func (b *BAR) Read32(off uint32) uint32 {
	return atomic.LoadUint32(b.word(off))
}

// Write32 implements ehci.Registers.
func (b *BAR) Write32(off uint32, val uint32) {
	atomic.StoreUint32(b.word(off), val)
}

// Close unmaps the window.
func (b *BAR) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}
