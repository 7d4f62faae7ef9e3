package ehcilinux

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ardnew/ehci/pkg"
)

// pagemap entry fields, see Documentation/admin-guide/mm/pagemap.rst.
const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
	pagemapEntry   = 8
)

// decodePagemap returns the page frame number in a pagemap entry. A page
// that is not present, or whose frame number is hidden from an
// unprivileged reader, reports false.
func decodePagemap(b []byte) (uint64, bool) {
	if len(b) < pagemapEntry {
		return 0, false
	}
	v := binary.LittleEndian.Uint64(b)
	if v&pagemapPresent == 0 {
		return 0, false
	}
	pfn := v & pagemapPFNMask
	return pfn, pfn != 0
}

// findRun returns the first index of n free pages whose physical
// addresses are consecutive, or -1.
func findRun(used []bool, phys []uint64, pageSize uint64, n int) int {
	run := 0
	for i := range used {
		switch {
		case used[i]:
			run = 0
			continue
		case run > 0 && phys[i] != phys[i-1]+pageSize:
			run = 0
		}
		run++
		if run == n {
			return i - n + 1
		}
	}
	return -1
}

// resourcePath resolves the BAR 0 resource file for dev, which may name a
// PCI function directory in sysfs or the resource file itself.
func resourcePath(dev string) (string, error) {
	if dev == "" {
		return "", fmt.Errorf("%w: empty device path", pkg.ErrInvalidParameter)
	}
	if strings.HasPrefix(filepath.Base(dev), "resource") {
		return dev, nil
	}
	if !strings.Contains(dev, string(filepath.Separator)) {
		// A bare PCI address such as 0000:00:1d.0.
		dev = filepath.Join(SysfsPCIPath, dev)
	}
	return filepath.Join(dev, "resource0"), nil
}
