package platform

import (
	"fmt"
	"sync"
	"unsafe"
)

// MemPlatform is a memory-backed Memory implementation with a synthetic,
// deterministic physical address space. It backs unit tests and device
// models: allocations land at predictable bus addresses, external buffers
// can be bound at chosen addresses, and a device model can look up the
// host slice behind any bus address it is handed.
type MemPlatform struct {
	mu       sync.Mutex
	regions  []memRegion
	nextPhys uint64
}

type memRegion struct {
	b    []byte
	phys uint64
}

// NewMemPlatform creates a memory platform whose first allocation lands at
// basePhys.
func NewMemPlatform(basePhys uint64) *MemPlatform {
	return &MemPlatform{nextPhys: basePhys}
}

// Zalloc implements Memory.
func (m *MemPlatform) Zalloc(size, align uint64) (*DMABuffer, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("platform: alignment %d is not a power of two", align)
	}
	// Over-allocate so the slice start can be aligned in host memory too;
	// 64-bit fields inside rings and scratch need natural alignment.
	raw := make([]byte, size+align)
	off := uint64(0)
	if rem := uint64(uintptr(unsafe.Pointer(&raw[0]))) & (align - 1); rem != 0 {
		off = align - rem
	}
	b := raw[off : off+size : off+size]

	m.mu.Lock()
	defer m.mu.Unlock()
	phys := (m.nextPhys + align - 1) &^ (align - 1)
	m.nextPhys = phys + size
	m.regions = append(m.regions, memRegion{b: b, phys: phys})
	return &DMABuffer{B: b, Phys: phys}, nil
}

// Free implements Memory.
func (m *MemPlatform) Free(buf *DMABuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regions {
		if len(r.b) > 0 && len(buf.B) > 0 && &r.b[0] == &buf.B[0] {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return
		}
	}
}

// Bind registers an externally owned buffer at a chosen bus address so
// Vtophys can translate pointers into it.
func (m *MemPlatform) Bind(b []byte, phys uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = append(m.regions, memRegion{b: b, phys: phys})
}

// Vtophys implements Memory.
func (m *MemPlatform) Vtophys(p unsafe.Pointer) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := uintptr(p)
	for _, r := range m.regions {
		base := uintptr(unsafe.Pointer(&r.b[0]))
		if addr >= base && addr < base+uintptr(len(r.b)) {
			return r.phys + uint64(addr-base), nil
		}
	}
	return 0, ErrTranslation
}

// Slice returns the host memory behind a bus address, as a device model
// doing DMA would see it. It panics when the range is unmapped; a model
// touching unmapped bus addresses is a bug in the caller.
func (m *MemPlatform) Slice(phys uint64, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if phys >= r.phys && phys+uint64(n) <= r.phys+uint64(len(r.b)) {
			off := phys - r.phys
			return r.b[off : off+uint64(n)]
		}
	}
	panic(fmt.Sprintf("platform: no mapping for bus address %#x+%d", phys, n))
}

// MemDevice is a memory-backed Device with in-memory BARs and config
// space. Tests hand its BAR0 to an mmio window and drive registers from
// both sides.
type MemDevice struct {
	bars map[uint32]*BarMapping
	cfg  [256]byte
	id   PCIID
}

// NewMemDevice creates a device with a BAR0 of bar0Size bytes at physical
// address bar0Phys.
func NewMemDevice(bar0Size, bar0Phys uint64) *MemDevice {
	d := &MemDevice{bars: make(map[uint32]*BarMapping)}
	d.AddBar(0, bar0Size, bar0Phys)
	return d
}

// AddBar registers an additional BAR.
func (d *MemDevice) AddBar(bar uint32, size, phys uint64) *BarMapping {
	m := &BarMapping{B: make([]byte, size), Phys: phys, Size: size}
	d.bars[bar] = m
	return m
}

// Bar returns the backing mapping for a BAR, for test-side register access.
func (d *MemDevice) Bar(bar uint32) *BarMapping {
	return d.bars[bar]
}

// SetID sets the vendor/device identifiers.
func (d *MemDevice) SetID(id PCIID) {
	d.id = id
}

// MapBar implements Device.
func (d *MemDevice) MapBar(bar uint32) (*BarMapping, error) {
	m, ok := d.bars[bar]
	if !ok {
		return nil, fmt.Errorf("platform: BAR %d not present", bar)
	}
	return m, nil
}

// UnmapBar implements Device.
func (d *MemDevice) UnmapBar(bar uint32, m *BarMapping) error {
	if _, ok := d.bars[bar]; !ok {
		return fmt.Errorf("platform: BAR %d not present", bar)
	}
	return nil
}

// CfgRead32 implements Device.
func (d *MemDevice) CfgRead32(off uint32) (uint32, error) {
	if off+4 > uint32(len(d.cfg)) {
		return 0, fmt.Errorf("platform: config read at %#x out of range", off)
	}
	return uint32(d.cfg[off]) | uint32(d.cfg[off+1])<<8 |
		uint32(d.cfg[off+2])<<16 | uint32(d.cfg[off+3])<<24, nil
}

// CfgWrite32 implements Device.
func (d *MemDevice) CfgWrite32(val, off uint32) error {
	if off+4 > uint32(len(d.cfg)) {
		return fmt.Errorf("platform: config write at %#x out of range", off)
	}
	d.cfg[off] = byte(val)
	d.cfg[off+1] = byte(val >> 8)
	d.cfg[off+2] = byte(val >> 16)
	d.cfg[off+3] = byte(val >> 24)
	return nil
}

// ID implements Device.
func (d *MemDevice) ID() PCIID {
	return d.id
}
