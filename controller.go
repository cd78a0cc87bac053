// Package nvme drives NVMe controllers over PCIe from user space: BAR0
// register access, admin and I/O queue pairs polled through MMIO
// doorbells, and PRP/SGL payload description, without kernel mediation.
//
// PCI enumeration, DMA-safe memory and address translation come from the
// platform collaborators; see internal/platform.
package nvme

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/behrlich/go-nvme/internal/constants"
	"github.com/behrlich/go-nvme/internal/logging"
	"github.com/behrlich/go-nvme/internal/mmio"
	"github.com/behrlich/go-nvme/internal/platform"
	"github.com/behrlich/go-nvme/internal/queue"
	"github.com/behrlich/go-nvme/internal/wire"
)

// Controller is one NVMe controller function with its mapped registers,
// its admin queue pair and the I/O queue pairs created through it.
type Controller struct {
	dev  platform.Device
	mem  platform.Memory
	opts Options

	regs *mmio.Window
	bar0 *platform.BarMapping

	cap       wire.CAP
	strideU32 uint32

	cmb cmbRegion

	adminq *queue.Pair

	procs processRegistry

	resetting atomic.Bool

	log *logging.Logger
}

// New constructs a controller over a probed PCI function: maps BAR0,
// discovers the CMB best-effort, enables bus mastering, derives the
// doorbell stride from CAP and builds the admin queue pair. On failure the
// partial controller is torn down in reverse order.
func New(dev platform.Device, mem platform.Memory, opts Options) (*Controller, error) {
	c := &Controller{
		dev:  dev,
		mem:  mem,
		opts: opts,
		log:  logging.Default(),
	}

	bar0, err := dev.MapBar(0)
	if err != nil {
		return nil, WrapError("MAP_BAR", ErrCodeBringUpFailed, err)
	}
	c.bar0 = bar0
	if obs, ok := dev.(platform.BarObserver); ok {
		c.regs = mmio.NewObservedWindow(bar0.B, func(off uint32) { obs.OnBarWrite(0, off) })
	} else {
		c.regs = mmio.NewWindow(bar0.B)
	}

	c.mapCMB()

	// Enable PCI bus mastering and mask INTx; completions are polled.
	cmdReg, err := dev.CfgRead32(4)
	if err != nil {
		c.teardown()
		return nil, WrapError("CFG_READ", ErrCodeBringUpFailed, err)
	}
	cmdReg |= 0x404
	if err := dev.CfgWrite32(cmdReg, 4); err != nil {
		c.teardown()
		return nil, WrapError("CFG_WRITE", ErrCodeBringUpFailed, err)
	}

	c.cap = wire.CAP(c.regs.Read64(wire.RegCAP))

	// Doorbell stride is 2^(dstrd + 2) bytes; we track multiples of 4, so
	// drop the + 2.
	c.strideU32 = 1 << c.cap.DSTRD()

	c.adminq, err = queue.New(queue.Config{
		ID:        0,
		Entries:   constants.AdminEntries,
		Prio:      wire.QPrioUrgent,
		Mem:       mem,
		Regs:      c.regs,
		StrideU32: c.strideU32,
		CMB:       nil, // the admin SQ always lives in host memory
		Ctrlr:     c,
		Router:    c,
		Log:       c.log,
	})
	if err != nil {
		c.teardown()
		return nil, WrapError("ADMIN_QPAIR", ErrCodeOutOfMemory, err)
	}

	c.procs.register(os.Getpid())

	return c, nil
}

// Destruct tears the controller down: admin queue first, then the CMB and
// BAR mappings.
func (c *Controller) Destruct() {
	if c.adminq != nil {
		c.adminq.Destroy()
		c.adminq = nil
	}
	c.teardown()
}

func (c *Controller) teardown() {
	c.unmapCMB()
	if c.bar0 != nil {
		c.dev.UnmapBar(0, c.bar0)
		c.bar0 = nil
		c.regs = nil
	}
}

// Enable programs the admin queue registers and sets CC.EN. The caller
// polls CSTS.RDY before issuing admin commands.
func (c *Controller) Enable() error {
	if c.adminq == nil {
		return NewError("ENABLE", ErrCodeBringUpFailed, "no admin queue")
	}

	c.SetReg8(wire.RegASQ, c.adminq.CmdBusAddr())
	c.SetReg8(wire.RegACQ, c.adminq.CplBusAddr())

	// asqs and acqs are 0-based.
	aqa := wire.MakeAQA(c.adminq.Entries()-1, c.adminq.Entries()-1)
	c.SetReg4(wire.RegAQA, uint32(aqa))

	cc := wire.CC(c.GetReg4(wire.RegCC))
	c.SetReg4(wire.RegCC, uint32(cc.WithEN(true)))

	return nil
}

// GetReg4 reads a 32-bit controller register.
func (c *Controller) GetReg4(off uint32) uint32 {
	c.checkRegOffset(off, 4)
	return c.regs.Read32(off)
}

// GetReg8 reads a 64-bit controller register.
func (c *Controller) GetReg8(off uint32) uint64 {
	c.checkRegOffset(off, 8)
	return c.regs.Read64(off)
}

// SetReg4 writes a 32-bit controller register.
func (c *Controller) SetReg4(off uint32, v uint32) {
	c.checkRegOffset(off, 4)
	c.regs.Write32(off, v)
}

// SetReg8 writes a 64-bit controller register.
func (c *Controller) SetReg8(off uint32, v uint64) {
	c.checkRegOffset(off, 8)
	c.regs.Write64(off, v)
}

func (c *Controller) checkRegOffset(off, width uint32) {
	if off+width > wire.RegisterBlockSize {
		panic(fmt.Sprintf("nvme: register access at %#x outside register block", off))
	}
}

// Cap returns the cached controller capabilities.
func (c *Controller) Cap() wire.CAP {
	return c.cap
}

// PCIID returns the vendor and device identifiers of the function.
func (c *Controller) PCIID() platform.PCIID {
	return c.dev.ID()
}

// MaxXferSize returns the largest transfer size offered for one command:
// one page per scratch list entry. A transfer of that size that starts
// mid-page spans one page more, which the PRP embedded in the command
// covers.
func (c *Controller) MaxXferSize() uint32 {
	return constants.MaxPRPListEntries * constants.PageSize
}

// AdminQueue returns the admin queue pair.
func (c *Controller) AdminQueue() *queue.Pair {
	return c.adminq
}

// SubmitAdminRequest submits a request on the admin queue.
func (c *Controller) SubmitAdminRequest(req *queue.Request) error {
	return c.adminq.Submit(req)
}

// ProcessAdminCompletions polls the admin completion queue.
func (c *Controller) ProcessAdminCompletions(max uint32) int {
	return c.adminq.Process(max)
}

// SetResetting flags a controller-level reset in progress; queue pairs
// defer submissions until it clears and the pairs are re-enabled.
func (c *Controller) SetResetting(v bool) {
	c.resetting.Store(v)
}

// IsResetting implements queue.Controller.
func (c *Controller) IsResetting() bool {
	return c.resetting.Load()
}

// SGLSupported implements queue.Controller.
func (c *Controller) SGLSupported() bool {
	return c.opts.EnableSGL
}

// RetryLimit implements queue.Controller.
func (c *Controller) RetryLimit() uint8 {
	return c.opts.RetryCount
}
