package hwids

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Default database locations.
var (
	USBPaths = []string{
		"/usr/share/hwdata/usb.ids",
		"/var/lib/usbutils/usb.ids",
		"/usr/share/misc/usb.ids",
	}
	PCIPaths = []string{
		"/usr/share/hwdata/pci.ids",
		"/usr/share/misc/pci.ids",
		"/usr/share/pci.ids",
	}
)

// Database caches vendor and device names from an ID database.
type Database struct {
	vendors map[uint16]string // vendor ID -> name
	devices map[uint32]string // vendor<<16 | device -> name
	loaded  bool
	mu      sync.RWMutex
	paths   []string
}

// NewUSB returns a database of USB vendors and products.
func NewUSB() *Database {
	return NewWithPaths(USBPaths)
}

// NewPCI returns a database of PCI vendors and devices.
func NewPCI() *Database {
	return NewWithPaths(PCIPaths)
}

// NewWithPaths returns a database loaded from the first readable path.
func NewWithPaths(paths []string) *Database {
	return &Database{
		vendors: make(map[uint16]string),
		devices: make(map[uint32]string),
		paths:   paths,
	}
}

// Load parses the first database file that can be opened. Later calls do
// nothing. It reports whether a file was found.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return len(db.vendors) > 0
	}
	// Mark as loaded even if no file is found to prevent repeated searches.
	db.loaded = true

	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = db.parse(f)
		f.Close()
		return err == nil
	}
	return false
}

// Parse merges the entries read from r into the database.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.parse(r)
}

func (db *Database) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var vendor uint16
	inVendor := false

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.devices[uint32(vendor)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vendor = id
			db.vendors[id] = name
		}
	}
	return scanner.Err()
}

// entry splits "xxxx  Name" into its ID and name.
func entry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(line[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Vendor returns the name of a vendor, or "" if unknown.
func (db *Database) Vendor(vendor uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vendor]
}

// Device returns the name of a vendor's device, or "" if unknown.
func (db *Database) Device(vendor, device uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.devices[uint32(vendor)<<16|uint32(device)]
}

// Describe formats the known names of a device followed by its IDs.
func (db *Database) Describe(vendor, device uint16) string {
	ids := fmt.Sprintf("[%04x:%04x]", vendor, device)
	names := strings.TrimSpace(db.Vendor(vendor) + " " + db.Device(vendor, device))
	if names == "" {
		return ids
	}
	return names + " " + ids
}

// IsLoaded returns true if Load has been called.
func (db *Database) IsLoaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}

// Len returns the number of vendors and devices in the database.
func (db *Database) Len() (vendors, devices int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors), len(db.devices)
}
