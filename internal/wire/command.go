// Package wire defines the NVMe register layout and the DMA structures
// shared with the device: submission entries, completion entries, PRP
// entries and SGL descriptors. All structures are little-endian on the
// wire; field layout of the Go structs is the wire layout, so they may be
// copied into DMA rings directly.
package wire

import "unsafe"

// Admin opcodes used by the transport.
const (
	OpcDeleteIOSQ        uint8 = 0x00
	OpcCreateIOSQ        uint8 = 0x01
	OpcDeleteIOCQ        uint8 = 0x04
	OpcCreateIOCQ        uint8 = 0x05
	OpcAsyncEventRequest uint8 = 0x0C
)

// PSDT values, stored in bits 6-7 of the command Flags byte.
const (
	PSDTPRP         uint8 = 0x0
	PSDTSGLMPtrCont uint8 = 0x1
	PSDTSGLMPtrSGL  uint8 = 0x2
)

// Queue priority values for CREATE_IO_SQ (QPRIO field).
const (
	QPrioUrgent uint8 = 0x0
	QPrioHigh   uint8 = 0x1
	QPrioMedium uint8 = 0x2
	QPrioLow    uint8 = 0x3
)

// Command is a 64-byte submission queue entry.
//
//	CDW0:  opcode [7:0], fuse [9:8], psdt [15:14], cid [31:16]
//	CDW6-9 hold the data pointer (two PRPs or one SGL descriptor)
type Command struct {
	Opc   uint8
	Flags uint8 // fuse in bits 0-1, psdt in bits 6-7
	CID   uint16
	NSID  uint32
	Cdw2  uint32
	Cdw3  uint32
	MPtr  uint64
	DPtr  DataPointer
	Cdw10 uint32
	Cdw11 uint32
	Cdw12 uint32
	Cdw13 uint32
	Cdw14 uint32
	Cdw15 uint32
}

// Submission entries are exactly 64 bytes.
var _ [64]byte = [unsafe.Sizeof(Command{})]byte{}

// SetPSDT stores the PRP/SGL selector in the command flags.
func (c *Command) SetPSDT(psdt uint8) {
	c.Flags = (c.Flags &^ 0xC0) | (psdt << 6)
}

// PSDT extracts the PRP/SGL selector from the command flags.
func (c *Command) PSDT() uint8 {
	return c.Flags >> 6
}

// DataPointer is the 16-byte DPTR field: either two PRP entries or, when
// PSDT selects SGL addressing, a single inline SGL descriptor.
type DataPointer struct {
	PRP1 uint64
	PRP2 uint64
}

var _ [16]byte = [unsafe.Sizeof(DataPointer{})]byte{}

// SetSGL1 overlays an SGL descriptor onto the data pointer.
func (d *DataPointer) SetSGL1(s SGLDescriptor) {
	*(*SGLDescriptor)(unsafe.Pointer(d)) = s
}

// SGL1 reads the data pointer as an SGL descriptor.
func (d *DataPointer) SGL1() SGLDescriptor {
	return *(*SGLDescriptor)(unsafe.Pointer(d))
}
