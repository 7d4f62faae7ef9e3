// Package hwids looks up vendor and device names in the hwdata ID
// databases shipped with most Linux distributions.
//
// usb.ids and pci.ids share one format: a vendor line holds a four-digit
// hexadecimal ID and a name, and each following line indented by one tab
// holds a device (product) ID and name. Deeper indentation (interfaces,
// subsystems) and class sections are skipped.
//
//	db := hwids.NewPCI()
//	db.Load()
//	fmt.Println(db.Describe(0x8086, 0x293a))
//
// A missing database is not an error; lookups return empty strings and
// Describe falls back to the bare IDs. All methods are safe for concurrent
// use.
package hwids
