// Package platform defines the collaborators the transport consumes:
// DMA-safe memory with virtual-to-physical translation, and the PCI device
// surface (BAR mapping and config space). Implementations live alongside:
// a memory-backed one for tests and device models, and a sysfs-backed one
// for real hardware.
package platform

import (
	"errors"
	"unsafe"
)

// ErrTranslation is returned by Vtophys when a virtual address has no
// physical mapping.
var ErrTranslation = errors.New("platform: no physical translation")

// DMABuffer is a pinned, physically contiguous allocation.
type DMABuffer struct {
	B    []byte
	Phys uint64
}

// Memory is the DMA-safe allocator and address translator.
type Memory interface {
	// Zalloc returns a zeroed allocation of size bytes whose physical
	// address is aligned to align (a power of two).
	Zalloc(size, align uint64) (*DMABuffer, error)

	// Free releases an allocation returned by Zalloc.
	Free(b *DMABuffer)

	// Vtophys translates a virtual address to a bus address.
	Vtophys(p unsafe.Pointer) (uint64, error)
}

// BarMapping is a mapped PCI base address register.
type BarMapping struct {
	B    []byte
	Phys uint64
	Size uint64
}

// PCIID identifies a device function.
type PCIID struct {
	Vendor uint16
	Device uint16
}

// BarObserver is implemented by device models that want to observe BAR
// register stores, the way emulated MMIO dispatch does. Real devices see
// stores through the mapping itself and do not implement it.
type BarObserver interface {
	OnBarWrite(bar, off uint32)
}

// Device is the PCI device surface consumed by controller bring-up.
type Device interface {
	// MapBar maps base address register bar.
	MapBar(bar uint32) (*BarMapping, error)

	// UnmapBar releases a mapping returned by MapBar.
	UnmapBar(bar uint32, m *BarMapping) error

	// CfgRead32 reads a 32-bit config-space register at byte offset off.
	CfgRead32(off uint32) (uint32, error)

	// CfgWrite32 writes a 32-bit config-space register at byte offset off.
	CfgWrite32(val, off uint32) error

	// ID returns the vendor and device identifiers.
	ID() PCIID
}
