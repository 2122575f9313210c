package pcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

func TestEncodeSaturates(t *testing.T) {
	buf := make([]byte, 2)
	Encode(types.PCMFormatS16LE, buf, 1.0)
	assert.Equal(t, 32767.0/32768, Decode(types.PCMFormatS16LE, buf))
	Encode(types.PCMFormatS16LE, buf, -3)
	assert.Equal(t, -1.0, Decode(types.PCMFormatS16LE, buf))

	buf = make([]byte, 3)
	Encode(types.PCMFormatS24BE, buf, -0.5)
	assert.Equal(t, -0.5, Decode(types.PCMFormatS24BE, buf))

	buf = make([]byte, 1)
	Encode(types.PCMFormatU8, buf, 0)
	assert.Equal(t, byte(0x80), buf[0])
}

func TestSlices(t *testing.T) {
	src := []float64{0, 0.25, -0.25, 0.5}
	raw := make([]byte, 4*4+1)
	require.Equal(t, 4, EncodeSlice(types.PCMFormatFloat32BE, raw, src))

	dst := make([]float64, 8)
	require.Equal(t, 4, DecodeSlice(types.PCMFormatFloat32BE, dst, raw))
	assert.Equal(t, src, dst[:4])
}
