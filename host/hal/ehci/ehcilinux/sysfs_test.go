package ehcilinux

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeFunction creates a sysfs-like PCI function directory under root.
func fakeFunction(t *testing.T, root, addr, class, vendor, device, driver string) string {
	t.Helper()
	dir := filepath.Join(root, addr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, val := range map[string]string{"class": class, "vendor": vendor, "device": device} {
		if val == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(val+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "config"), make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if driver != "" {
		drv := filepath.Join(root, "drivers", driver)
		if err := os.MkdirAll(drv, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(drv, filepath.Join(dir, "driver")); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(drv, "unbind"), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestFindControllers(t *testing.T) {
	root := t.TempDir()
	devices := filepath.Join(root, "devices")

	fakeFunction(t, devices, "0000:00:1d.0", "0x0c0320", "0x8086", "0x293a", "ehci-pci")
	fakeFunction(t, devices, "0000:00:1a.7", "0x0c0320", "0x8086", "0x293c", "")
	fakeFunction(t, devices, "0000:00:1d.1", "0x0c0300", "0x8086", "0x2935", "uhci_hcd")
	fakeFunction(t, devices, "0000:00:02.0", "0x030000", "0x8086", "0x2a42", "i915")
	fakeFunction(t, devices, "0000:00:1f.0", "bogus", "0x8086", "0x2917", "")
	fakeFunction(t, devices, "0000:00:1f.2", "0x0c0320", "", "0x2929", "")

	got, err := FindControllers(devices)
	if err != nil {
		t.Fatalf("FindControllers() error = %v", err)
	}

	want := []PCIFunction{
		{
			Path: filepath.Join(devices, "0000:00:1a.7"), Address: "0000:00:1a.7",
			VendorID: 0x8086, DeviceID: 0x293c, Class: ClassEHCI,
		},
		{
			Path: filepath.Join(devices, "0000:00:1d.0"), Address: "0000:00:1d.0",
			VendorID: 0x8086, DeviceID: 0x293a, Class: ClassEHCI, Driver: "ehci-pci",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("controllers mismatch (-want +got):\n%s", diff)
	}

	if _, err := FindControllers(filepath.Join(root, "missing")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing root error = %v", err)
	}
}

func TestReadFunction_Invalid(t *testing.T) {
	root := t.TempDir()
	dir := fakeFunction(t, root, "0000:00:1f.0", "0x0c0320", "zz", "0x2917", "")

	if _, err := ReadFunction(dir); !errors.Is(err, fs.ErrInvalid) {
		t.Errorf("ReadFunction() error = %v, want %v", err, fs.ErrInvalid)
	}
}

func TestPCIFunction_Unbind(t *testing.T) {
	root := t.TempDir()
	dir := fakeFunction(t, root, "0000:00:1d.0", "0x0c0320", "0x8086", "0x293a", "ehci-pci")

	fn, err := ReadFunction(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := fn.Unbind(); err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "drivers", "ehci-pci", "unbind"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "0000:00:1d.0" {
		t.Errorf("unbind wrote %q", got)
	}

	// Nothing to do without a driver.
	if err := (PCIFunction{Path: filepath.Join(root, "none")}).Unbind(); err != nil {
		t.Errorf("Unbind() without driver error = %v", err)
	}
}

func TestPCIFunction_EnableBusMaster(t *testing.T) {
	root := t.TempDir()
	dir := fakeFunction(t, root, "0000:00:1d.0", "0x0c0320", "0x8086", "0x293a", "")

	config := filepath.Join(dir, "config")
	raw := make([]byte, 64)
	binary.LittleEndian.PutUint16(raw[pciCommand:], 0x0400) // interrupts disabled
	if err := os.WriteFile(config, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	fn := PCIFunction{Path: dir, Address: "0000:00:1d.0"}
	for i := 0; i < 2; i++ {
		if err := fn.EnableBusMaster(); err != nil {
			t.Fatalf("EnableBusMaster() error = %v", err)
		}
	}

	raw, err := os.ReadFile(config)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint16(raw[pciCommand:]); got != 0x0406 {
		t.Errorf("command = %#04x, want 0x0406", got)
	}

	if err := (PCIFunction{Path: filepath.Join(root, "none")}).EnableBusMaster(); err == nil {
		t.Error("EnableBusMaster() without config space succeeded")
	}
}
