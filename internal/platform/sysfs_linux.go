//go:build linux

package platform

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SysfsDevice drives a PCI function through sysfs: BARs are mapped from
// the resourceN files and config space goes through the config file. The
// device must be unbound from its kernel driver (or bound to vfio/uio)
// before user-space bring-up.
type SysfsDevice struct {
	bdf  string // e.g. "0000:03:00.0"
	path string
}

// NewSysfsDevice opens the sysfs node for a PCI address in
// domain:bus:device.function form.
func NewSysfsDevice(bdf string) (*SysfsDevice, error) {
	path := "/sys/bus/pci/devices/" + bdf
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("pci device %s: %w", bdf, err)
	}
	return &SysfsDevice{bdf: bdf, path: path}, nil
}

// BDF returns the PCI address.
func (d *SysfsDevice) BDF() string {
	return d.bdf
}

// barInfo reads line bar of the sysfs resource table: "start end flags".
func (d *SysfsDevice) barInfo(bar uint32) (phys, size uint64, err error) {
	f, err := os.Open(d.path + "/resource")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for i := uint32(0); sc.Scan(); i++ {
		if i != bar {
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			return 0, 0, fmt.Errorf("pci %s: malformed resource line %d", d.bdf, bar)
		}
		start, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return 0, 0, err
		}
		end, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return 0, 0, err
		}
		if end < start {
			return 0, 0, fmt.Errorf("pci %s: BAR %d not implemented", d.bdf, bar)
		}
		return start, end - start + 1, nil
	}
	return 0, 0, fmt.Errorf("pci %s: no resource line for BAR %d", d.bdf, bar)
}

// MapBar implements Device.
func (d *SysfsDevice) MapBar(bar uint32) (*BarMapping, error) {
	phys, size, err := d.barInfo(bar)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(fmt.Sprintf("%s/resource%d", d.path, bar), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pci %s: mmap BAR %d: %w", d.bdf, bar, err)
	}
	return &BarMapping{B: b, Phys: phys, Size: size}, nil
}

// UnmapBar implements Device.
func (d *SysfsDevice) UnmapBar(bar uint32, m *BarMapping) error {
	return unix.Munmap(m.B)
}

// CfgRead32 implements Device.
func (d *SysfsDevice) CfgRead32(off uint32) (uint32, error) {
	f, err := os.Open(d.path + "/config")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var buf [4]byte
	if _, err := f.ReadAt(buf[:], int64(off)); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// CfgWrite32 implements Device.
func (d *SysfsDevice) CfgWrite32(val, off uint32) error {
	f, err := os.OpenFile(d.path+"/config", os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := [4]byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
	_, err = f.WriteAt(buf[:], int64(off))
	return err
}

// ID implements Device.
func (d *SysfsDevice) ID() PCIID {
	rd := func(name string) uint16 {
		b, err := os.ReadFile(d.path + "/" + name)
		if err != nil {
			return 0
		}
		v, _ := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 16)
		return uint16(v)
	}
	return PCIID{Vendor: rd("vendor"), Device: rd("device")}
}

// PagemapMemory allocates pinned anonymous pages and translates them
// through /proc/self/pagemap. Each allocation is a single mlocked mapping;
// allocations larger than one page are only physically contiguous when
// backed by hugepages, so callers on real hardware should run with
// hugepage-backed heaps for multi-page rings.
type PagemapMemory struct {
	mu      sync.Mutex
	regions []memRegion
}

// NewPagemapMemory creates the allocator. It requires CAP_IPC_LOCK (for
// mlock) and readable /proc/self/pagemap (root since Linux 4.0).
func NewPagemapMemory() *PagemapMemory {
	return &PagemapMemory{}
}

// Zalloc implements Memory.
func (m *PagemapMemory) Zalloc(size, align uint64) (*DMABuffer, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("platform: alignment %d is not a power of two", align)
	}
	pg := uint64(os.Getpagesize())
	mapLen := (size + pg - 1) &^ (pg - 1)
	b, err := unix.Mmap(-1, 0, int(mapLen),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("platform: dma alloc %d: %w", size, err)
	}
	// Touch so the pages are resident before translation.
	for i := uint64(0); i < mapLen; i += pg {
		b[i] = 0
	}
	phys, err := m.Vtophys(unsafe.Pointer(&b[0]))
	if err != nil {
		unix.Munmap(b)
		return nil, err
	}
	if phys&(align-1) != 0 {
		unix.Munmap(b)
		return nil, fmt.Errorf("platform: dma alloc landed at %#x, alignment %d unsatisfied", phys, align)
	}
	buf := &DMABuffer{B: b[:size:size], Phys: phys}
	m.mu.Lock()
	m.regions = append(m.regions, memRegion{b: b, phys: phys})
	m.mu.Unlock()
	return buf, nil
}

// Free implements Memory.
func (m *PagemapMemory) Free(buf *DMABuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regions {
		if len(buf.B) > 0 && &r.b[0] == &buf.B[0] {
			unix.Munmap(r.b)
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return
		}
	}
}

// Vtophys implements Memory via /proc/self/pagemap.
func (m *PagemapMemory) Vtophys(p unsafe.Pointer) (uint64, error) {
	pg := uint64(os.Getpagesize())
	vaddr := uint64(uintptr(p))

	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var entry [8]byte
	if _, err := f.ReadAt(entry[:], int64(vaddr/pg*8)); err != nil {
		return 0, err
	}
	v := uint64(entry[0]) | uint64(entry[1])<<8 | uint64(entry[2])<<16 | uint64(entry[3])<<24 |
		uint64(entry[4])<<32 | uint64(entry[5])<<40 | uint64(entry[6])<<48 | uint64(entry[7])<<56
	if v&(1<<63) == 0 {
		return 0, ErrTranslation
	}
	pfn := v & ((1 << 55) - 1)
	if pfn == 0 {
		return 0, ErrTranslation
	}
	return pfn*pg + vaddr%pg, nil
}
