package nvme

import (
	"encoding/binary"
	"unsafe"

	"github.com/behrlich/go-nvme/internal/platform"
	"github.com/behrlich/go-nvme/internal/wire"
)

// simDevice is a device model behind the platform interfaces: it watches
// doorbell stores, consumes submission entries out of guest memory and
// posts completions with correct phase tags, the way an emulated NVMe
// function does. CREATE/DELETE of I/O queues maintains per-queue state so
// I/O submissions complete too.
type simDevice struct {
	*platform.MemDevice
	mem *platform.MemPlatform

	sqs map[uint16]*simSQ
	cqs map[uint16]*simCQ

	// failSQCreate makes the next CREATE_IO_SQ fail with a generic error.
	failSQCreate bool

	// adminOps records admin opcodes in processing order.
	adminOps []uint8
}

type simSQ struct {
	base    uint64
	entries uint16
	head    uint16
	cqid    uint16
}

type simCQ struct {
	base    uint64
	entries uint16
	tail    uint16
	phase   uint8
}

const (
	simBarSize  = 0x2000
	simBar0Phys = 0xF000_0000
)

func newSimDevice(mem *platform.MemPlatform) *simDevice {
	d := &simDevice{
		MemDevice: platform.NewMemDevice(simBarSize, simBar0Phys),
		mem:       mem,
		sqs:       make(map[uint16]*simSQ),
		cqs:       make(map[uint16]*simCQ),
	}
	// CAP: MQES=2047, DSTRD=0
	binary.LittleEndian.PutUint64(d.Bar(0).B[wire.RegCAP:], 2047)
	return d
}

func (d *simDevice) reg32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(d.Bar(0).B[off:])
}

func (d *simDevice) reg64(off uint32) uint64 {
	return binary.LittleEndian.Uint64(d.Bar(0).B[off:])
}

// OnBarWrite implements platform.BarObserver; only submission doorbells
// trigger processing.
func (d *simDevice) OnBarWrite(bar, off uint32) {
	if bar != 0 || off < wire.RegDoorbellBase {
		return
	}
	idx := (off - wire.RegDoorbellBase) / 4
	qid := uint16(idx / 2)
	if idx%2 == 1 {
		// Head doorbell; nothing for the model to do.
		return
	}
	d.processSQ(qid, uint16(d.reg32(off)))
}

// processSQ consumes submission entries up to the new tail.
func (d *simDevice) processSQ(qid uint16, tail uint16) {
	sq := d.lookupSQ(qid)
	if sq == nil {
		return
	}
	for sq.head != tail {
		raw := d.mem.Slice(sq.base+uint64(sq.head)*64, 64)
		cmd := *(*wire.Command)(unsafe.Pointer(&raw[0]))
		sq.head++
		if sq.head == sq.entries {
			sq.head = 0
		}
		d.execute(qid, sq, &cmd)
	}
}

func (d *simDevice) lookupSQ(qid uint16) *simSQ {
	if sq, ok := d.sqs[qid]; ok {
		return sq
	}
	if qid != 0 {
		return nil
	}
	// The admin queue is registered through ASQ/ACQ/AQA, not commands.
	asq := d.reg64(wire.RegASQ)
	acq := d.reg64(wire.RegACQ)
	if asq == 0 || acq == 0 {
		return nil
	}
	aqa := wire.AQA(d.reg32(wire.RegAQA))
	d.sqs[0] = &simSQ{base: asq, entries: aqa.ASQS() + 1, cqid: 0}
	d.cqs[0] = &simCQ{base: acq, entries: aqa.ACQS() + 1, phase: 1}
	return d.sqs[0]
}

func (d *simDevice) execute(qid uint16, sq *simSQ, cmd *wire.Command) {
	sct, sc := wire.SCTGeneric, wire.SCSuccess

	if qid == 0 {
		d.adminOps = append(d.adminOps, cmd.Opc)
		switch cmd.Opc {
		case wire.OpcCreateIOCQ:
			id := uint16(cmd.Cdw10)
			d.cqs[id] = &simCQ{
				base:    cmd.DPtr.PRP1,
				entries: uint16(cmd.Cdw10>>16) + 1,
				phase:   1,
			}
		case wire.OpcCreateIOSQ:
			if d.failSQCreate {
				sct, sc = wire.SCTGeneric, wire.SCInternalError
				break
			}
			id := uint16(cmd.Cdw10)
			d.sqs[id] = &simSQ{
				base:    cmd.DPtr.PRP1,
				entries: uint16(cmd.Cdw10>>16) + 1,
				cqid:    uint16(cmd.Cdw11 >> 16),
			}
		case wire.OpcDeleteIOSQ:
			delete(d.sqs, uint16(cmd.Cdw10))
		case wire.OpcDeleteIOCQ:
			delete(d.cqs, uint16(cmd.Cdw10))
		}
	}

	cq := d.cqs[sq.cqid]
	if cq == nil {
		return
	}

	var cpl wire.Completion
	cpl.CID = cmd.CID
	cpl.SQID = qid
	cpl.SQHead = sq.head
	cpl.SetStatus(sct, sc, false)
	cpl.SetPhase(cq.phase)

	dst := d.mem.Slice(cq.base+uint64(cq.tail)*16, 16)
	*(*wire.Completion)(unsafe.Pointer(&dst[0])) = cpl

	cq.tail++
	if cq.tail == cq.entries {
		cq.tail = 0
		cq.phase ^= 1
	}
}

// newSimController brings up a controller over a fresh sim device.
func newSimController(opts Options) (*Controller, *simDevice, *platform.MemPlatform, error) {
	mem := platform.NewMemPlatform(0x10_0000)
	dev := newSimDevice(mem)
	ctrlr, err := New(dev, mem, opts)
	return ctrlr, dev, mem, err
}
