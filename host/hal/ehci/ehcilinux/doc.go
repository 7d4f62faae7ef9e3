// Package ehcilinux provides Linux backends for the ehci driver: a
// register window over a PCI memory BAR and DMA memory locked in RAM.
//
// # Discovery
//
// [FindControllers] lists the PCI functions whose class code is
// [ClassEHCI]. Before handing one to the driver, detach the kernel's
// driver and let the function master the bus:
//
//	fns, err := ehcilinux.FindControllers(ehcilinux.SysfsPCIPath)
//	...
//	if err := fns[0].Unbind(); err != nil { ... }
//	if err := fns[0].EnableBusMaster(); err != nil { ... }
//
// # Registers
//
// [OpenBAR] maps the resource0 file of an EHCI function from sysfs:
//
//	bar, err := ehcilinux.OpenBAR("/sys/bus/pci/devices/0000:00:1d.0")
//
// The caller needs CAP_SYS_ADMIN.
//
// # Memory
//
// [NewDMAMemory] reserves an arena of anonymous pages locked in RAM and
// resolves their physical addresses through /proc/self/pagemap. Requests
// for several pages are served only from runs that are contiguous in
// physical memory as well.
//
// Bus addresses equal physical addresses, so an IOMMU in translating mode
// is not supported.
//
// # Timer
//
// [Timer] drives interrupt pipes from a timerfd instead of a Go ticker,
// so expirations are counted by the kernel's monotonic clock.
package ehcilinux
