package queue

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/behrlich/go-nvme/internal/constants"
	"github.com/behrlich/go-nvme/internal/platform"
	"github.com/behrlich/go-nvme/internal/wire"
)

const nilIdx = -1

// Tracker is the per-in-flight-command record. Identity is the index in
// the pool's array: CID never changes after construction. The descriptor
// scratch is one DMA page, so a PRP list built into it cannot cross a page
// boundary, and its bus address is precomputed because translation may be
// expensive.
type Tracker struct {
	next int
	prev int

	Req        *Request
	CID        uint16
	Active     bool
	ScratchBus uint64

	scratch []byte
}

// setPRP writes PRP list entry i into the scratch page.
func (t *Tracker) setPRP(i int, addr uint64) {
	binary.LittleEndian.PutUint64(t.scratch[i*8:], addr)
}

// PRP reads PRP list entry i back; used on the verification side.
func (t *Tracker) PRP(i int) uint64 {
	return binary.LittleEndian.Uint64(t.scratch[i*8:])
}

// setSGL writes SGL descriptor i into the scratch page.
func (t *Tracker) setSGL(i int, d wire.SGLDescriptor) {
	*(*wire.SGLDescriptor)(unsafe.Pointer(&t.scratch[i*16])) = d
}

// SGL reads SGL descriptor i back.
func (t *Tracker) SGL(i int) wire.SGLDescriptor {
	return *(*wire.SGLDescriptor)(unsafe.Pointer(&t.scratch[i*16]))
}

// trackerPool owns the tracker array and threads free and outstanding
// lists through index links. The array is the owner; the lists are views.
type trackerPool struct {
	tr  []Tracker
	buf *platform.DMABuffer

	freeHead int
	outHead  int
}

func newTrackerPool(mem platform.Memory, n uint16) (*trackerPool, error) {
	buf, err := mem.Zalloc(uint64(n)*constants.TrackerSize, constants.TrackerSize)
	if err != nil {
		return nil, err
	}

	p := &trackerPool{
		tr:       make([]Tracker, n),
		buf:      buf,
		freeHead: nilIdx,
		outHead:  nilIdx,
	}
	for i := int(n) - 1; i >= 0; i-- {
		off := uint64(i) * constants.TrackerSize
		p.tr[i] = Tracker{
			next:       p.freeHead,
			prev:       nilIdx,
			CID:        uint16(i),
			ScratchBus: buf.Phys + off,
			scratch:    buf.B[off : off+constants.TrackerSize],
		}
		if p.freeHead != nilIdx {
			p.tr[p.freeHead].prev = i
		}
		p.freeHead = i
	}
	return p, nil
}

func (p *trackerPool) destroy(mem platform.Memory) {
	if p.buf != nil {
		mem.Free(p.buf)
		p.buf = nil
	}
}

// acquire pops the free-list head and moves it to the outstanding list.
// Returns nil when no tracker is free.
func (p *trackerPool) acquire() *Tracker {
	i := p.freeHead
	if i == nilIdx {
		return nil
	}
	tr := &p.tr[i]
	p.freeHead = tr.next
	if p.freeHead != nilIdx {
		p.tr[p.freeHead].prev = nilIdx
	}

	tr.next = p.outHead
	tr.prev = nilIdx
	if p.outHead != nilIdx {
		p.tr[p.outHead].prev = i
	}
	p.outHead = i
	return tr
}

// release removes a tracker from the outstanding list and pushes it onto
// the free list.
func (p *trackerPool) release(tr *Tracker) {
	i := int(tr.CID)
	if tr.prev != nilIdx {
		p.tr[tr.prev].next = tr.next
	} else {
		p.outHead = tr.next
	}
	if tr.next != nilIdx {
		p.tr[tr.next].prev = tr.prev
	}

	tr.next = p.freeHead
	tr.prev = nilIdx
	if p.freeHead != nilIdx {
		p.tr[p.freeHead].prev = i
	}
	p.freeHead = i
}

// byCID is the O(1) completion-path lookup.
func (p *trackerPool) byCID(cid uint16) *Tracker {
	if int(cid) >= len(p.tr) {
		panic(fmt.Sprintf("queue: cid %d outside tracker pool of %d", cid, len(p.tr)))
	}
	return &p.tr[cid]
}

// outstanding snapshots the outstanding list in list order.
func (p *trackerPool) outstanding() []*Tracker {
	var trs []*Tracker
	for i := p.outHead; i != nilIdx; i = p.tr[i].next {
		trs = append(trs, &p.tr[i])
	}
	return trs
}

// freeLen walks the free list; test and accounting use only.
func (p *trackerPool) freeLen() int {
	n := 0
	for i := p.freeHead; i != nilIdx; i = p.tr[i].next {
		n++
	}
	return n
}
