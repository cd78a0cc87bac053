package wire

// Byte offsets of the MMIO controller registers in BAR0.
const (
	RegCAP    uint32 = 0x00 // controller capabilities (8 bytes)
	RegVS     uint32 = 0x08 // version
	RegINTMS  uint32 = 0x0C // interrupt mask set
	RegINTMC  uint32 = 0x10 // interrupt mask clear
	RegCC     uint32 = 0x14 // controller configuration
	RegCSTS   uint32 = 0x1C // controller status
	RegAQA    uint32 = 0x24 // admin queue attributes
	RegASQ    uint32 = 0x28 // admin submission queue base (8 bytes)
	RegACQ    uint32 = 0x30 // admin completion queue base (8 bytes)
	RegCMBLOC uint32 = 0x38 // controller memory buffer location
	RegCMBSZ  uint32 = 0x3C // controller memory buffer size

	// RegDoorbellBase is the first doorbell (queue 0 SQ tail). Doorbells
	// are interleaved sq_tdbl, cq_hdbl per queue at the CAP.DSTRD stride.
	RegDoorbellBase uint32 = 0x1000

	// RegisterBlockSize is the size of the fixed register block before the
	// doorbell array; typed get/set accessors stay within it.
	RegisterBlockSize uint32 = 0x1000
)

// SQTDBLOffset returns the byte offset of the submission tail doorbell for
// a queue. strideU32 is the doorbell stride in 32-bit units (1 << CAP.DSTRD).
func SQTDBLOffset(qid uint16, strideU32 uint32) uint32 {
	return RegDoorbellBase + (2*uint32(qid)+0)*strideU32*4
}

// CQHDBLOffset returns the byte offset of the completion head doorbell.
func CQHDBLOffset(qid uint16, strideU32 uint32) uint32 {
	return RegDoorbellBase + (2*uint32(qid)+1)*strideU32*4
}

// CAP is the 8-byte controller capabilities register.
type CAP uint64

// MQES returns the maximum queue entries supported, zero-based.
func (c CAP) MQES() uint16 {
	return uint16(c & 0xFFFF)
}

// TO returns the worst-case CC.EN transition timeout in 500ms units.
func (c CAP) TO() uint8 {
	return uint8(c >> 24)
}

// DSTRD returns the doorbell stride exponent; the stride between adjacent
// doorbells is 2^(2+DSTRD) bytes.
func (c CAP) DSTRD() uint8 {
	return uint8((c >> 32) & 0xF)
}

// CC is the controller configuration register.
type CC uint32

// WithEN returns the configuration with the enable bit set or cleared.
func (c CC) WithEN(en bool) CC {
	if en {
		return c | 1
	}
	return c &^ 1
}

// EN reports the enable bit.
func (c CC) EN() bool {
	return c&1 != 0
}

// CSTS is the controller status register.
type CSTS uint32

// RDY reports the ready bit.
func (c CSTS) RDY() bool {
	return c&1 != 0
}

// CFS reports the controller fatal status bit.
func (c CSTS) CFS() bool {
	return c&2 != 0
}

// AQA is the admin queue attributes register: ASQS in bits 0-11 and ACQS
// in bits 16-27, both zero-based.
type AQA uint32

// MakeAQA encodes zero-based admin submission and completion queue sizes.
func MakeAQA(asqs, acqs uint16) AQA {
	return AQA(uint32(asqs&0xFFF) | uint32(acqs&0xFFF)<<16)
}

// ASQS returns the zero-based admin submission queue size.
func (a AQA) ASQS() uint16 {
	return uint16(a & 0xFFF)
}

// ACQS returns the zero-based admin completion queue size.
func (a AQA) ACQS() uint16 {
	return uint16((a >> 16) & 0xFFF)
}

// CMBLOC is the controller memory buffer location register.
type CMBLOC uint32

// BIR returns the BAR indicator; 0 and 2..5 are valid, 1 is not.
func (c CMBLOC) BIR() uint32 {
	return uint32(c & 0x7)
}

// OFST returns the offset of the CMB inside the BAR, in size units.
func (c CMBLOC) OFST() uint64 {
	return uint64(c >> 12)
}

// CMBSZ is the controller memory buffer size register.
type CMBSZ uint32

// SQS reports whether submission queues may be placed in the CMB.
func (c CMBSZ) SQS() bool {
	return c&1 != 0
}

// SZU returns the size unit exponent; the unit is 2^(12+4*SZU) bytes,
// covering 4KB through 64GB.
func (c CMBSZ) SZU() uint32 {
	return uint32((c >> 8) & 0xF)
}

// SZ returns the CMB size in size units.
func (c CMBSZ) SZ() uint64 {
	return uint64(c >> 12)
}

// Unit returns the size unit in bytes.
func (c CMBSZ) Unit() uint64 {
	return uint64(1) << (12 + 4*c.SZU())
}
