package bittorrent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytestringRoundTrip(t *testing.T) {
	raw := make([]byte, Size)
	for i := range raw {
		raw[i] = byte(i * 7)
	}

	id, err := FromBytestring(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, id.ToBytestring())
}

func TestFromBytestringRejectsWrongLength(t *testing.T) {
	_, err := FromBytestring(make([]byte, Size-1))
	assert.Error(t, err)
}

func TestHexRoundTrip(t *testing.T) {
	id, err := Generate(net.ParseIP("93.184.216.34"))
	require.NoError(t, err)

	hexed := id.ToHex()
	assert.Len(t, hexed, 40)

	back, err := FromHex(hexed)
	require.NoError(t, err)
	assert.Equal(t, id, back)
}

func TestBitOrderingMSBFirst(t *testing.T) {
	var id NodeID
	id.SetBit(0, true)
	assert.Equal(t, byte(0x80), id[0])
	assert.True(t, id.Bit(0))
	assert.False(t, id.Bit(1))

	id.SetBit(7, true)
	assert.Equal(t, byte(0x81), id[0])
}

func TestGenerateIsDeterministicGivenFixedByte19(t *testing.T) {
	addr := net.ParseIP("203.0.113.7")

	a, err := generateWithSeed(addr, 0x42)
	require.NoError(t, err)
	b, err := generateWithSeed(addr, 0x42)
	require.NoError(t, err)

	assert.Equal(t, a[0], b[0])
	assert.Equal(t, a[1], b[1])
	assert.Equal(t, a[2]&0xe0, b[2]&0xe0)
	assert.Equal(t, byte(0x42), a[19])
}

func TestRandomMatchesStencilPrefix(t *testing.T) {
	var stencil NodeID
	for i := range stencil {
		stencil[i] = 0xAB
	}

	out, err := Random(stencil, 12)
	require.NoError(t, err)

	assert.Equal(t, stencil[0], out[0])
	// top nibble of byte 1 must match, bottom nibble is random
	assert.Equal(t, stencil[1]&0xf0, out[1]&0xf0)
}

func TestGenerateRejectsInvalidAddress(t *testing.T) {
	_, err := Generate(nil)
	assert.Error(t, err)
}
