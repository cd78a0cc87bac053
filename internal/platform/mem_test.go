package platform

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemPlatformZalloc(t *testing.T) {
	mem := NewMemPlatform(0x100000)

	buf, err := mem.Zalloc(4096, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x100000), buf.Phys)
	assert.Len(t, buf.B, 4096)
	assert.Zero(t, buf.Phys&4095)

	// Next allocation lands above the first, at its own alignment.
	buf2, err := mem.Zalloc(100, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, buf2.Phys, buf.Phys+4096)
	assert.Zero(t, buf2.Phys&63)

	_, err = mem.Zalloc(16, 3)
	assert.Error(t, err, "non power-of-two alignment must fail")
}

func TestMemPlatformVtophys(t *testing.T) {
	mem := NewMemPlatform(0x100000)
	buf, err := mem.Zalloc(8192, 4096)
	require.NoError(t, err)

	phys, err := mem.Vtophys(unsafe.Pointer(&buf.B[0]))
	require.NoError(t, err)
	assert.Equal(t, buf.Phys, phys)

	phys, err = mem.Vtophys(unsafe.Pointer(&buf.B[4100]))
	require.NoError(t, err)
	assert.Equal(t, buf.Phys+4100, phys)

	var outside [16]byte
	_, err = mem.Vtophys(unsafe.Pointer(&outside[0]))
	assert.ErrorIs(t, err, ErrTranslation)
}

func TestMemPlatformBindAndSlice(t *testing.T) {
	mem := NewMemPlatform(0x100000)

	ext := make([]byte, 4096)
	mem.Bind(ext, 0x10000)

	phys, err := mem.Vtophys(unsafe.Pointer(&ext[64]))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10040), phys)

	// The device-model view resolves back to the same bytes.
	ext[100] = 0xAB
	s := mem.Slice(0x10000+100, 1)
	assert.Equal(t, byte(0xAB), s[0])

	assert.Panics(t, func() { mem.Slice(0xdead0000, 4) })
}

func TestMemDeviceConfigSpace(t *testing.T) {
	dev := NewMemDevice(0x2000, 0xF0000000)

	require.NoError(t, dev.CfgWrite32(0x0406, 4))
	v, err := dev.CfgRead32(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0406), v)

	m, err := dev.MapBar(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xF0000000), m.Phys)
	assert.Equal(t, uint64(0x2000), m.Size)

	_, err = dev.MapBar(3)
	assert.Error(t, err)
}
