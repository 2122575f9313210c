// Package pcm converts raw PCM samples to and from float64 values
// in the range [-1, 1].
package pcm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

// Decode returns the value of the sample at the beginning of p.
func Decode(f types.PCMFormat, p []byte) float64 {
	switch f {
	case types.PCMFormatU8:
		return (float64(p[0]) - 128) / 128
	case types.PCMFormatS16LE:
		return float64(int16(binary.LittleEndian.Uint16(p))) / 32768
	case types.PCMFormatS16BE:
		return float64(int16(binary.BigEndian.Uint16(p))) / 32768
	case types.PCMFormatS24LE:
		return float64(signExtend24(uint32(p[0])|uint32(p[1])<<8|uint32(p[2])<<16)) / 8388608
	case types.PCMFormatS24BE:
		return float64(signExtend24(uint32(p[2])|uint32(p[1])<<8|uint32(p[0])<<16)) / 8388608
	case types.PCMFormatS32LE:
		return float64(int32(binary.LittleEndian.Uint32(p))) / 2147483648
	case types.PCMFormatS32BE:
		return float64(int32(binary.BigEndian.Uint32(p))) / 2147483648
	case types.PCMFormatS64LE:
		return float64(int64(binary.LittleEndian.Uint64(p))) / 9223372036854775808
	case types.PCMFormatS64BE:
		return float64(int64(binary.BigEndian.Uint64(p))) / 9223372036854775808
	case types.PCMFormatFloat32LE:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(p)))
	case types.PCMFormatFloat32BE:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(p)))
	case types.PCMFormatFloat64LE:
		return math.Float64frombits(binary.LittleEndian.Uint64(p))
	case types.PCMFormatFloat64BE:
		return math.Float64frombits(binary.BigEndian.Uint64(p))
	default:
		panic(fmt.Sprintf("unknown format: %v", f))
	}
}

func signExtend24(v uint32) int32 {
	if v&0x800000 != 0 {
		v |= 0xff000000
	}
	return int32(v)
}

// Encode writes v into the beginning of p. Integer formats saturate.
func Encode(f types.PCMFormat, p []byte, v float64) {
	switch f {
	case types.PCMFormatU8:
		p[0] = byte(quantize(v, 128) + 128)
	case types.PCMFormatS16LE:
		binary.LittleEndian.PutUint16(p, uint16(int16(quantize(v, 32768))))
	case types.PCMFormatS16BE:
		binary.BigEndian.PutUint16(p, uint16(int16(quantize(v, 32768))))
	case types.PCMFormatS24LE:
		val := int32(quantize(v, 8388608))
		p[0] = byte(val)
		p[1] = byte(val >> 8)
		p[2] = byte(val >> 16)
	case types.PCMFormatS24BE:
		val := int32(quantize(v, 8388608))
		p[0] = byte(val >> 16)
		p[1] = byte(val >> 8)
		p[2] = byte(val)
	case types.PCMFormatS32LE:
		binary.LittleEndian.PutUint32(p, uint32(int32(quantize(v, 2147483648))))
	case types.PCMFormatS32BE:
		binary.BigEndian.PutUint32(p, uint32(int32(quantize(v, 2147483648))))
	case types.PCMFormatS64LE:
		binary.LittleEndian.PutUint64(p, uint64(quantize64(v)))
	case types.PCMFormatS64BE:
		binary.BigEndian.PutUint64(p, uint64(quantize64(v)))
	case types.PCMFormatFloat32LE:
		binary.LittleEndian.PutUint32(p, math.Float32bits(float32(v)))
	case types.PCMFormatFloat32BE:
		binary.BigEndian.PutUint32(p, math.Float32bits(float32(v)))
	case types.PCMFormatFloat64LE:
		binary.LittleEndian.PutUint64(p, math.Float64bits(v))
	case types.PCMFormatFloat64BE:
		binary.BigEndian.PutUint64(p, math.Float64bits(v))
	default:
		panic(fmt.Sprintf("unknown format: %v", f))
	}
}

func quantize(v float64, scale float64) int64 {
	q := math.Round(v * scale)
	if q > scale-1 {
		q = scale - 1
	}
	if q < -scale {
		q = -scale
	}
	return int64(q)
}

func quantize64(v float64) int64 {
	switch {
	case v >= 1:
		return math.MaxInt64
	case v <= -1:
		return math.MinInt64
	}
	return int64(math.Round(v * 9223372036854775808))
}

// DecodeSlice decodes every whole sample of src into dst and returns
// the amount of decoded samples.
func DecodeSlice(f types.PCMFormat, dst []float64, src []byte) int {
	sampleSize := int(f.Size())
	count := min(len(dst), len(src)/sampleSize)
	for idx := range count {
		dst[idx] = Decode(f, src[idx*sampleSize:])
	}
	return count
}

// EncodeSlice encodes src into dst and returns the amount of encoded samples.
func EncodeSlice(f types.PCMFormat, dst []byte, src []float64) int {
	sampleSize := int(f.Size())
	count := min(len(src), len(dst)/sampleSize)
	for idx := range count {
		Encode(f, dst[idx*sampleSize:], src[idx])
	}
	return count
}
