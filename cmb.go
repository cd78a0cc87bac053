package nvme

import (
	"github.com/behrlich/go-nvme/internal/platform"
	"github.com/behrlich/go-nvme/internal/wire"
)

// cmbRegion describes a mapped controller memory buffer. The buffer is
// bump-allocated and never freed; allocation is one-shot per queue pair
// during bring-up and the region's lifetime ends with the controller.
type cmbRegion struct {
	bar     *platform.BarMapping
	bir     uint32
	virt    []byte
	phys    uint64
	size    uint64
	current uint64 // next free offset inside the BAR
}

// mapCMB discovers and maps the controller memory buffer. Discovery is
// best-effort: any failure leaves the CMB unavailable and forces the
// CMB-SQ option off rather than failing bring-up.
func (c *Controller) mapCMB() {
	sz := wire.CMBSZ(c.regs.Read32(wire.RegCMBSZ))
	loc := wire.CMBLOC(c.regs.Read32(wire.RegCMBLOC))

	if sz.SZ() == 0 {
		c.disableCMB()
		return
	}

	bir := loc.BIR()
	// Values 0 2 3 4 5 are valid for BAR
	if bir > 5 || bir == 1 {
		c.disableCMB()
		return
	}

	unit := sz.Unit()
	size := unit * sz.SZ()
	offset := unit * loc.OFST()

	bar, err := c.dev.MapBar(bir)
	if err != nil || bar == nil {
		c.disableCMB()
		return
	}

	if offset > bar.Size || size > bar.Size-offset {
		c.dev.UnmapBar(bir, bar)
		c.disableCMB()
		return
	}

	c.cmb = cmbRegion{
		bar:     bar,
		bir:     bir,
		virt:    bar.B,
		phys:    bar.Phys,
		size:    size,
		current: offset,
	}

	if !sz.SQS() {
		c.opts.UseCMBSQs = false
	}
}

func (c *Controller) disableCMB() {
	c.cmb = cmbRegion{}
	c.opts.UseCMBSQs = false
}

func (c *Controller) unmapCMB() {
	if c.cmb.bar != nil {
		c.dev.UnmapBar(c.cmb.bir, c.cmb.bar)
		c.cmb = cmbRegion{}
	}
}

// cmbAlloc reserves length bytes at the requested power-of-two alignment
// and returns the offset inside the BAR. There is no free.
func (c *Controller) cmbAlloc(length, align uint64) (uint64, bool) {
	if c.cmb.virt == nil {
		return 0, false
	}
	offset := (c.cmb.current + align - 1) &^ (align - 1)
	if offset+length > c.cmb.size {
		return 0, false
	}
	c.cmb.current = offset + length
	return offset, true
}

// AllocSQ implements queue.CMBAllocator: it carves a submission ring out
// of the CMB at ring alignment when the option is on and space remains.
func (c *Controller) AllocSQ(size uint64) ([]byte, uint64, bool) {
	if !c.opts.UseCMBSQs {
		return nil, 0, false
	}
	offset, ok := c.cmbAlloc(size, 0x1000)
	if !ok {
		return nil, 0, false
	}
	return c.cmb.virt[offset : offset+size], c.cmb.phys + offset, true
}
