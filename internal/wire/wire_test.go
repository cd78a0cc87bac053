package wire

import (
	"testing"
	"unsafe"
)

// Test structure sizes match the NVMe wire layout
func TestStructSizes(t *testing.T) {
	tests := []struct {
		name     string
		size     uintptr
		expected int
	}{
		{"Command", unsafe.Sizeof(Command{}), 64},
		{"Completion", unsafe.Sizeof(Completion{}), 16},
		{"SGLDescriptor", unsafe.Sizeof(SGLDescriptor{}), 16},
		{"DataPointer", unsafe.Sizeof(DataPointer{}), 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int(tt.size) != tt.expected {
				t.Errorf("%s size = %d, want %d", tt.name, tt.size, tt.expected)
			}
		})
	}
}

func TestCommandPSDT(t *testing.T) {
	var cmd Command
	cmd.Flags = 0x03 // fuse bits must survive

	cmd.SetPSDT(PSDTSGLMPtrSGL)
	if cmd.PSDT() != PSDTSGLMPtrSGL {
		t.Errorf("PSDT() = %d, want %d", cmd.PSDT(), PSDTSGLMPtrSGL)
	}
	if cmd.Flags&0x03 != 0x03 {
		t.Errorf("SetPSDT clobbered fuse bits: flags = %#02x", cmd.Flags)
	}

	cmd.SetPSDT(PSDTPRP)
	if cmd.PSDT() != PSDTPRP {
		t.Errorf("PSDT() = %d, want %d", cmd.PSDT(), PSDTPRP)
	}
}

func TestCompletionStatus(t *testing.T) {
	var cpl Completion
	cpl.SetPhase(1)
	cpl.SetStatus(SCTGeneric, SCInvalidField, true)

	if cpl.Phase() != 1 {
		t.Errorf("Phase() = %d, want 1", cpl.Phase())
	}
	if cpl.SCT() != SCTGeneric {
		t.Errorf("SCT() = %d, want %d", cpl.SCT(), SCTGeneric)
	}
	if cpl.SC() != SCInvalidField {
		t.Errorf("SC() = %d, want %d", cpl.SC(), SCInvalidField)
	}
	if !cpl.DNR() {
		t.Error("DNR() = false, want true")
	}
	if !cpl.IsError() {
		t.Error("IsError() = false, want true")
	}
	if cpl.RequestsRetry() {
		t.Error("RequestsRetry() = true with DNR set")
	}
}

func TestCompletionRetry(t *testing.T) {
	tests := []struct {
		name  string
		sct   uint8
		sc    uint8
		dnr   bool
		retry bool
	}{
		{"success", SCTGeneric, SCSuccess, false, false},
		{"namespace not ready", SCTGeneric, SCNamespaceNotReady, false, true},
		{"aborted by request", SCTGeneric, SCAbortedByRequest, false, true},
		{"aborted by request dnr", SCTGeneric, SCAbortedByRequest, true, false},
		{"aborted sq deletion", SCTGeneric, SCAbortedSQDeletion, false, false},
		{"invalid field", SCTGeneric, SCInvalidField, false, false},
		{"media error", SCTMediaError, SCSuccess, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cpl Completion
			cpl.SetStatus(tt.sct, tt.sc, tt.dnr)
			if got := cpl.RequestsRetry(); got != tt.retry {
				t.Errorf("RequestsRetry() = %v, want %v", got, tt.retry)
			}
		})
	}
}

func TestDataPointerSGLOverlay(t *testing.T) {
	var d DataPointer
	var sgl SGLDescriptor
	sgl.SetType(SGLTypeLastSegment)
	sgl.Address = 0xdeadb000
	sgl.Length = 3 * 16

	d.SetSGL1(sgl)
	back := d.SGL1()
	if back.Type() != SGLTypeLastSegment {
		t.Errorf("Type() = %d, want %d", back.Type(), SGLTypeLastSegment)
	}
	if back.Address != 0xdeadb000 || back.Length != 48 {
		t.Errorf("round trip = {%#x %d}, want {%#x %d}", back.Address, back.Length, uint64(0xdeadb000), 48)
	}
}

func TestCAPFields(t *testing.T) {
	// MQES=1023, TO=30, DSTRD=2
	cap := CAP(1023) | CAP(30)<<24 | CAP(2)<<32

	if cap.MQES() != 1023 {
		t.Errorf("MQES() = %d, want 1023", cap.MQES())
	}
	if cap.TO() != 30 {
		t.Errorf("TO() = %d, want 30", cap.TO())
	}
	if cap.DSTRD() != 2 {
		t.Errorf("DSTRD() = %d, want 2", cap.DSTRD())
	}
}

func TestAQA(t *testing.T) {
	aqa := MakeAQA(127, 127)
	if aqa.ASQS() != 127 || aqa.ACQS() != 127 {
		t.Errorf("AQA round trip = %d/%d, want 127/127", aqa.ASQS(), aqa.ACQS())
	}
	if uint32(aqa) != 127|127<<16 {
		t.Errorf("AQA raw = %#x", uint32(aqa))
	}
}

func TestCMBRegisters(t *testing.T) {
	// szu=1 (64KB units), sz=8, sqs set
	sz := CMBSZ(1 | 1<<8 | 8<<12)
	if !sz.SQS() {
		t.Error("SQS() = false")
	}
	if sz.Unit() != 64*1024 {
		t.Errorf("Unit() = %d, want %d", sz.Unit(), 64*1024)
	}
	if sz.SZ() != 8 {
		t.Errorf("SZ() = %d, want 8", sz.SZ())
	}

	loc := CMBLOC(2 | 4<<12)
	if loc.BIR() != 2 {
		t.Errorf("BIR() = %d, want 2", loc.BIR())
	}
	if loc.OFST() != 4 {
		t.Errorf("OFST() = %d, want 4", loc.OFST())
	}
}

func TestDoorbellOffsets(t *testing.T) {
	tests := []struct {
		qid    uint16
		stride uint32
		sq     uint32
		cq     uint32
	}{
		{0, 1, 0x1000, 0x1004},
		{1, 1, 0x1008, 0x100C},
		{1, 2, 0x1010, 0x1018},
		{3, 1, 0x1018, 0x101C},
	}

	for _, tt := range tests {
		if got := SQTDBLOffset(tt.qid, tt.stride); got != tt.sq {
			t.Errorf("SQTDBLOffset(%d, %d) = %#x, want %#x", tt.qid, tt.stride, got, tt.sq)
		}
		if got := CQHDBLOffset(tt.qid, tt.stride); got != tt.cq {
			t.Errorf("CQHDBLOffset(%d, %d) = %#x, want %#x", tt.qid, tt.stride, got, tt.cq)
		}
	}
}
