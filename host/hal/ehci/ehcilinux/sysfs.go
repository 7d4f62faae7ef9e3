package ehcilinux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ardnew/ehci/pkg"
)

// ClassEHCI is the PCI class code of a USB2 EHCI host controller: serial
// bus controller, USB, EHCI programming interface.
const ClassEHCI = 0x0c0320

// SysfsPCIPath is the sysfs directory listing PCI functions.
const SysfsPCIPath = "/sys/bus/pci/devices"

// PCI configuration space command register.
const (
	pciCommand       = 0x04
	pciCommandMemory = 1 << 1
	pciCommandMaster = 1 << 2
)

// PCIFunction describes a PCI function found in sysfs.
type PCIFunction struct {
	Path     string // sysfs directory
	Address  string // Domain:bus:device.function
	VendorID uint16
	DeviceID uint16
	Class    uint32
	Driver   string // Bound kernel driver, or "" if none
}

// FindControllers lists the EHCI functions under root, which is normally
// SysfsPCIPath, ordered by address.
func FindControllers(root string) ([]PCIFunction, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var found []PCIFunction
	for _, entry := range entries {
		fn, err := ReadFunction(filepath.Join(root, entry.Name()))
		if err != nil {
			// Skip functions we can't parse
			continue
		}
		if fn.Class == ClassEHCI {
			found = append(found, fn)
		}
	}

	slices.SortFunc(found, func(a, b PCIFunction) int {
		return strings.Compare(a.Address, b.Address)
	})
	return found, nil
}

// ReadFunction reads the identity of the PCI function at a sysfs path.
func ReadFunction(path string) (PCIFunction, error) {
	fn := PCIFunction{
		Path:    path,
		Address: filepath.Base(path),
	}

	class, err := readSysfsHex(filepath.Join(path, "class"), 32)
	if err != nil {
		return fn, err
	}
	fn.Class = uint32(class)

	vendor, err := readSysfsHex(filepath.Join(path, "vendor"), 16)
	if err != nil {
		return fn, err
	}
	fn.VendorID = uint16(vendor)

	device, err := readSysfsHex(filepath.Join(path, "device"), 16)
	if err != nil {
		return fn, err
	}
	fn.DeviceID = uint16(device)

	if link, err := os.Readlink(filepath.Join(path, "driver")); err == nil {
		fn.Driver = filepath.Base(link)
	}

	return fn, nil
}

// Unbind detaches the kernel driver from the function. A function without
// a driver is left alone.
func (f PCIFunction) Unbind() error {
	if f.Driver == "" {
		return nil
	}
	err := os.WriteFile(filepath.Join(f.Path, "driver", "unbind"), []byte(f.Address), 0)
	if err != nil {
		return fmt.Errorf("unbind %s from %s: %w", f.Address, f.Driver, err)
	}
	pkg.LogInfo(pkg.ComponentHAL, "kernel driver unbound", "function", f.Address, "driver", f.Driver)
	return nil
}

// EnableBusMaster turns on memory decoding and bus mastering in the
// function's command register, without which the controller can neither
// be programmed nor reach its schedules.
func (f PCIFunction) EnableBusMaster() error {
	file, err := os.OpenFile(filepath.Join(f.Path, "config"), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open config space: %w", err)
	}
	defer file.Close()

	var b [2]byte
	if _, err := file.ReadAt(b[:], pciCommand); err != nil {
		return fmt.Errorf("read command register: %w", err)
	}
	cmd := binary.LittleEndian.Uint16(b[:])
	want := cmd | pciCommandMemory | pciCommandMaster
	if want == cmd {
		return nil
	}
	binary.LittleEndian.PutUint16(b[:], want)
	if _, err := file.WriteAt(b[:], pciCommand); err != nil {
		return fmt.Errorf("write command register: %w", err)
	}

	pkg.LogDebug(pkg.ComponentHAL, "bus mastering enabled", "function", f.Address,
		"command", fmt.Sprintf("%#04x", want))
	return nil
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

// readSysfsString reads a string from a sysfs attribute file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsHex reads a hexadecimal value from a sysfs attribute file.
func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, bitSize)
	if err != nil {
		return 0, errors.Join(fs.ErrInvalid, err)
	}
	return v, nil
}
