package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/ardnew/ehci/host"
	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/pkg/hwids"
)

// printController writes the controller capabilities and a port table.
func printController(w io.Writer, hc hal.HostController) error {
	caps := hc.Capability()
	state, err := hc.State()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "controller: %d ports, %s, 64-bit %t, %s\n", caps.Ports, caps.MaxSpeed, caps.Is64Bit, state)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tSTATUS\tSPEED")
	for port := 1; port <= caps.Ports; port++ {
		st, err := hc.PortStatus(port)
		if err != nil {
			return err
		}
		speed := "-"
		if st.Connected {
			speed = st.Speed.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", port, portFlags(st), speed)
	}
	return tw.Flush()
}

// portFlags summarizes a port status as a list of set conditions.
func portFlags(st hal.PortStatus) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{st.PowerOn, "power"},
		{st.Connected, "connected"},
		{st.Enabled, "enabled"},
		{st.Suspended, "suspended"},
		{st.Owner, "companion"},
		{st.OverCurrent, "over-current"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	if len(flags) == 0 {
		return "off"
	}
	return strings.Join(flags, ",")
}

// printDevice writes one line describing an enumerated device.
func printDevice(w io.Writer, dev *host.Device, db *hwids.Database) {
	fmt.Fprintf(w, "port %d: address %d, %s, %s", dev.Port(), dev.Address(), dev.Speed(),
		db.Describe(dev.VendorID(), dev.ProductID()))
	if p := dev.Product(); p != "" {
		fmt.Fprintf(w, " %q", p)
	}
	fmt.Fprintln(w)
}

// syncWriter serializes writes from the interrupt callback and the
// command goroutine.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
