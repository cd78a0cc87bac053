package queue

import (
	"fmt"
	"unsafe"

	"github.com/behrlich/go-nvme/internal/constants"
	"github.com/behrlich/go-nvme/internal/wire"
)

// failRequestBadTranslation aborts a request whose payload could not be
// translated or described, completing it synchronously with INVALID_FIELD
// and do-not-retry.
func (p *Pair) failRequestBadTranslation(tr *Tracker) {
	p.manualCompleteTracker(tr, wire.SCTGeneric, wire.SCInvalidField, true, true)
}

// pageCount returns the number of physical pages a transfer of size bytes
// spans when its first byte sits unaligned bytes into a page.
func pageCount(size, unaligned uint32) uint32 {
	nseg := size >> constants.PageShift
	modulo := size & (constants.PageSize - 1)
	if modulo != 0 || unaligned != 0 {
		nseg += 1 + (modulo+unaligned-1)>>constants.PageShift
	}
	return nseg
}

// buildContigRequest fills the command's PRP fields for a virtually
// contiguous payload: prp1 always, prp2 directly for a two-page transfer,
// and the tracker scratch list beyond that.
func (p *Pair) buildContigRequest(req *Request, tr *Tracker) error {
	base := unsafe.Pointer(&req.Payload.Contig[req.PayloadOffset])

	phys, err := p.mem.Vtophys(base)
	if err != nil {
		p.failRequestBadTranslation(tr)
		return fmt.Errorf("queue %d: payload translation: %w", p.id, err)
	}

	unaligned := uint32(phys & (constants.PageSize - 1))
	nseg := pageCount(req.PayloadSize, unaligned)
	if nseg > constants.MaxPRPListEntries+1 {
		p.failRequestBadTranslation(tr)
		return fmt.Errorf("queue %d: payload spans %d pages, max %d",
			p.id, nseg, constants.MaxPRPListEntries+1)
	}

	if req.Payload.Meta != nil {
		mptr, err := p.mem.Vtophys(unsafe.Pointer(&req.Payload.Meta[req.MDOffset]))
		if err != nil {
			p.failRequestBadTranslation(tr)
			return fmt.Errorf("queue %d: metadata translation: %w", p.id, err)
		}
		req.Cmd.MPtr = mptr
	}

	req.Cmd.SetPSDT(wire.PSDTPRP)
	req.Cmd.DPtr.PRP1 = phys

	if nseg == 2 {
		second := unsafe.Add(base, constants.PageSize-uintptr(unaligned))
		prp2, err := p.mem.Vtophys(second)
		if err != nil {
			p.failRequestBadTranslation(tr)
			return fmt.Errorf("queue %d: payload translation: %w", p.id, err)
		}
		req.Cmd.DPtr.PRP2 = prp2
	} else if nseg > 2 {
		req.Cmd.DPtr.PRP2 = tr.ScratchBus
		for cur := uint32(1); cur < nseg; cur++ {
			seg := unsafe.Add(base, uintptr(cur)*constants.PageSize-uintptr(unaligned))
			pa, err := p.mem.Vtophys(seg)
			if err != nil {
				p.failRequestBadTranslation(tr)
				return fmt.Errorf("queue %d: payload translation: %w", p.id, err)
			}
			tr.setPRP(int(cur-1), pa)
		}
	}

	return nil
}

// buildHWSGLRequest emits one DATA_BLOCK descriptor per gather segment
// into the tracker scratch. A single-segment transfer is described inline
// in the command and leaves the scratch untouched; anything longer hangs
// one LAST_SEGMENT off the command pointing at the scratch list.
func (p *Pair) buildHWSGLRequest(req *Request, tr *Tracker) error {
	if req.Payload.ResetFn == nil || req.Payload.NextFn == nil {
		p.failRequestBadTranslation(tr)
		return fmt.Errorf("queue %d: gather payload without walk callbacks", p.id)
	}
	req.Payload.ResetFn(req.Payload.Arg, req.PayloadOffset)

	req.Cmd.SetPSDT(wire.PSDTSGLMPtrSGL)

	remaining := req.PayloadSize
	nseg := 0
	var first wire.SGLDescriptor

	for remaining > 0 {
		if nseg >= constants.MaxSGLDescriptors {
			p.failRequestBadTranslation(tr)
			return fmt.Errorf("queue %d: gather list needs more than %d descriptors",
				p.id, constants.MaxSGLDescriptors)
		}

		seg, err := req.Payload.NextFn(req.Payload.Arg)
		if err != nil || len(seg) == 0 {
			p.failRequestBadTranslation(tr)
			return fmt.Errorf("queue %d: gather walk failed: %w", p.id, err)
		}

		phys, err := p.mem.Vtophys(unsafe.Pointer(&seg[0]))
		if err != nil {
			p.failRequestBadTranslation(tr)
			return fmt.Errorf("queue %d: gather translation: %w", p.id, err)
		}

		length := uint32(len(seg))
		if length > remaining {
			length = remaining
		}
		remaining -= length

		var d wire.SGLDescriptor
		d.SetType(wire.SGLTypeDataBlock)
		d.Address = phys
		d.Length = length
		if nseg == 0 {
			first = d
		} else {
			if nseg == 1 {
				tr.setSGL(0, first)
			}
			tr.setSGL(nseg, d)
		}
		nseg++
	}

	if nseg == 1 {
		// The whole transfer fits one descriptor, which rides in the
		// command itself. The scratch list is unused.
		var sgl1 wire.SGLDescriptor
		sgl1.SetType(wire.SGLTypeDataBlock)
		sgl1.Address = first.Address
		sgl1.Length = first.Length
		req.Cmd.DPtr.SetSGL1(sgl1)
	} else {
		var sgl1 wire.SGLDescriptor
		sgl1.SetType(wire.SGLTypeLastSegment)
		sgl1.Address = tr.ScratchBus
		sgl1.Length = uint32(nseg) * uint32(unsafe.Sizeof(wire.SGLDescriptor{}))
		req.Cmd.DPtr.SetSGL1(sgl1)
	}

	return nil
}

// buildPRPGatherRequest describes a gather-list payload with PRPs for
// devices without SGL support. Every segment's physical address must be
// 4-byte aligned and every non-final segment must end on a page boundary;
// anything else cannot be expressed as a PRP chain and fails the request.
//
// The bookkeeping mirrors the contiguous path per segment: prp1 and the
// head unalignment come from the first segment, and once the running page
// count passes two, previously direct prp2 values migrate into the scratch
// list ahead of the pages still arriving.
func (p *Pair) buildPRPGatherRequest(req *Request, tr *Tracker) error {
	if req.Payload.ResetFn == nil || req.Payload.NextFn == nil {
		p.failRequestBadTranslation(tr)
		return fmt.Errorf("queue %d: gather payload without walk callbacks", p.id)
	}
	req.Payload.ResetFn(req.Payload.Arg, req.PayloadOffset)

	remaining := req.PayloadSize
	totalNseg := uint32(0)
	lastNseg := uint32(0)
	sgeCount := 0
	prp2 := uint64(0)

	for remaining > 0 {
		seg, err := req.Payload.NextFn(req.Payload.Arg)
		if err != nil || len(seg) == 0 {
			p.failRequestBadTranslation(tr)
			return fmt.Errorf("queue %d: gather walk failed: %w", p.id, err)
		}

		phys, err := p.mem.Vtophys(unsafe.Pointer(&seg[0]))
		if err != nil {
			p.failRequestBadTranslation(tr)
			return fmt.Errorf("queue %d: gather translation: %w", p.id, err)
		}

		length := uint32(len(seg))
		if phys&0x3 != 0 ||
			(length < remaining && (phys+uint64(length))&(constants.PageSize-1) != 0) {
			p.failRequestBadTranslation(tr)
			return fmt.Errorf("queue %d: gather segment at %#x+%d is not prp compatible",
				p.id, phys, length)
		}

		transferred := length
		if transferred > remaining {
			transferred = remaining
		}

		unaligned := uint32(phys & (constants.PageSize - 1))
		nseg := pageCount(transferred, unaligned)

		if totalNseg == 0 {
			req.Cmd.SetPSDT(wire.PSDTPRP)
			req.Cmd.DPtr.PRP1 = phys
			phys -= uint64(unaligned)
		}

		totalNseg += nseg
		sgeCount++
		remaining -= transferred

		if totalNseg > constants.MaxPRPListEntries+1 {
			p.failRequestBadTranslation(tr)
			return fmt.Errorf("queue %d: gather payload spans %d pages, max %d",
				p.id, totalNseg, constants.MaxPRPListEntries+1)
		}

		if totalNseg == 2 {
			if sgeCount == 1 {
				req.Cmd.DPtr.PRP2 = phys + constants.PageSize
			} else if sgeCount == 2 {
				req.Cmd.DPtr.PRP2 = phys
			}
			// prp2 may yet migrate into the scratch list if more pages
			// arrive.
			prp2 = req.Cmd.DPtr.PRP2
		} else if totalNseg > 2 {
			cur := uint32(0)
			if sgeCount == 1 {
				cur = 1
			}
			req.Cmd.DPtr.PRP2 = tr.ScratchBus
			for cur < nseg {
				if prp2 != 0 {
					tr.setPRP(0, prp2)
					tr.setPRP(int(lastNseg+1), phys+uint64(cur)*constants.PageSize)
				} else {
					tr.setPRP(int(lastNseg), phys+uint64(cur)*constants.PageSize)
				}
				lastNseg++
				cur++
			}
		}
	}

	return nil
}
