package nvme

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-nvme/internal/platform"
	"github.com/behrlich/go-nvme/internal/wire"
)

// cmbSim builds a sim device advertising a CMB: 8 units of 64KB in BAR2,
// starting one unit into the BAR.
func cmbSim(t *testing.T, mem *platform.MemPlatform) *simDevice {
	t.Helper()
	dev := newSimDevice(mem)

	bar2 := dev.AddBar(2, 1024*1024, 0xD000_0000)
	mem.Bind(bar2.B, bar2.Phys)

	// CMBSZ: sqs=1, szu=1 (64KB), sz=8; CMBLOC: bir=2, ofst=1
	binary.LittleEndian.PutUint32(dev.Bar(0).B[wire.RegCMBSZ:], 1|1<<8|8<<12)
	binary.LittleEndian.PutUint32(dev.Bar(0).B[wire.RegCMBLOC:], 2|1<<12)
	return dev
}

func TestCMBMapping(t *testing.T) {
	mem := platform.NewMemPlatform(0x10_0000)
	dev := cmbSim(t, mem)

	opts := DefaultOptions()
	opts.UseCMBSQs = true
	ctrlr, err := New(dev, mem, opts)
	require.NoError(t, err)
	defer ctrlr.Destruct()

	assert.NotNil(t, ctrlr.cmb.bar)
	assert.Equal(t, uint32(2), ctrlr.cmb.bir)
	assert.Equal(t, uint64(8*64*1024), ctrlr.cmb.size)
	assert.Equal(t, uint64(64*1024), ctrlr.cmb.current, "bump offset starts at OFST")
	assert.True(t, ctrlr.opts.UseCMBSQs)
}

func TestCMBAlloc(t *testing.T) {
	mem := platform.NewMemPlatform(0x10_0000)
	dev := cmbSim(t, mem)

	opts := DefaultOptions()
	opts.UseCMBSQs = true
	ctrlr, err := New(dev, mem, opts)
	require.NoError(t, err)
	defer ctrlr.Destruct()

	off1, ok := ctrlr.cmbAlloc(100, 0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x10000), off1)

	// The next allocation rounds up past the first.
	off2, ok := ctrlr.cmbAlloc(0x1000, 0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x11000), off2)

	// Exhaustion fails without moving the offset.
	_, ok = ctrlr.cmbAlloc(8*64*1024, 0x1000)
	assert.False(t, ok)
	off3, ok := ctrlr.cmbAlloc(16, 16)
	require.True(t, ok)
	assert.Equal(t, uint64(0x12000), off3)
}

// An I/O queue pair places its submission ring in the CMB when the option
// is on; the completion ring always stays in host memory.
func TestCMBSubmissionQueuePlacement(t *testing.T) {
	mem := platform.NewMemPlatform(0x10_0000)
	dev := cmbSim(t, mem)

	opts := DefaultOptions()
	opts.UseCMBSQs = true
	ctrlr, err := New(dev, mem, opts)
	require.NoError(t, err)
	defer ctrlr.Destruct()
	require.NoError(t, ctrlr.Enable())

	ioq, err := ctrlr.CreateIOQueuePair(1, wire.QPrioMedium)
	require.NoError(t, err)

	assert.True(t, ioq.SQInCMB())
	assert.Zero(t, ioq.CmdBusAddr()&0xFFF, "ring alignment")
	assert.GreaterOrEqual(t, ioq.CmdBusAddr(), uint64(0xD000_0000))
	assert.Less(t, ioq.CplBusAddr(), uint64(0xD000_0000))

	require.NoError(t, ctrlr.DeleteIOQueuePair(ioq))
}

func TestCMBDisabledWhenAbsent(t *testing.T) {
	ctrlr, _, _, err := newSimController(Options{UseCMBSQs: true, RetryCount: 4, IOQueueEntries: 256})
	require.NoError(t, err)
	defer ctrlr.Destruct()

	assert.Nil(t, ctrlr.cmb.bar)
	assert.False(t, ctrlr.opts.UseCMBSQs, "CMBSZ.SZ == 0 forces the option off")
}

func TestCMBInvalidBIR(t *testing.T) {
	mem := platform.NewMemPlatform(0x10_0000)
	dev := cmbSim(t, mem)
	// BIR 1 is reserved.
	binary.LittleEndian.PutUint32(dev.Bar(0).B[wire.RegCMBLOC:], 1|1<<12)

	opts := DefaultOptions()
	opts.UseCMBSQs = true
	ctrlr, err := New(dev, mem, opts)
	require.NoError(t, err)
	defer ctrlr.Destruct()

	assert.Nil(t, ctrlr.cmb.bar)
	assert.False(t, ctrlr.opts.UseCMBSQs)
}

func TestCMBRejectsOversizedRegion(t *testing.T) {
	mem := platform.NewMemPlatform(0x10_0000)
	dev := cmbSim(t, mem)
	// sz=32 units of 64KB = 2MB, larger than the 1MB BAR.
	binary.LittleEndian.PutUint32(dev.Bar(0).B[wire.RegCMBSZ:], 1|1<<8|32<<12)

	opts := DefaultOptions()
	opts.UseCMBSQs = true
	ctrlr, err := New(dev, mem, opts)
	require.NoError(t, err)
	defer ctrlr.Destruct()

	assert.Nil(t, ctrlr.cmb.bar)
	assert.False(t, ctrlr.opts.UseCMBSQs)
}

func TestCMBWithoutSQSupport(t *testing.T) {
	mem := platform.NewMemPlatform(0x10_0000)
	dev := cmbSim(t, mem)
	// sqs bit clear: region maps but SQ placement is off.
	binary.LittleEndian.PutUint32(dev.Bar(0).B[wire.RegCMBSZ:], 1<<8|8<<12)

	opts := DefaultOptions()
	opts.UseCMBSQs = true
	ctrlr, err := New(dev, mem, opts)
	require.NoError(t, err)
	defer ctrlr.Destruct()

	assert.NotNil(t, ctrlr.cmb.bar)
	assert.False(t, ctrlr.opts.UseCMBSQs)
}
