package types

import (
	"fmt"
	"strings"
)

type PCMFormat uint

const (
	PCMFormatUndefined = PCMFormat(iota)
	PCMFormatU8
	PCMFormatS16LE
	PCMFormatS16BE
	PCMFormatS24LE
	PCMFormatS24BE
	PCMFormatS32LE
	PCMFormatS32BE
	PCMFormatS64LE
	PCMFormatS64BE
	PCMFormatFloat32LE
	PCMFormatFloat32BE
	PCMFormatFloat64LE
	PCMFormatFloat64BE
	endOfPCMFormat
)

// Size returns the size of a single sample in bytes.
func (f PCMFormat) Size() uint {
	switch f {
	case PCMFormatU8:
		return 1
	case PCMFormatS16LE, PCMFormatS16BE:
		return 2
	case PCMFormatS24LE, PCMFormatS24BE:
		return 3
	case PCMFormatS32LE, PCMFormatS32BE, PCMFormatFloat32LE, PCMFormatFloat32BE:
		return 4
	case PCMFormatS64LE, PCMFormatS64BE, PCMFormatFloat64LE, PCMFormatFloat64BE:
		return 8
	default:
		return 0
	}
}

// Silence returns the byte representation of one silent sample.
func (f PCMFormat) Silence() []byte {
	if f == PCMFormatU8 {
		return []byte{0x80}
	}
	return make([]byte, f.Size())
}

func (f PCMFormat) String() string {
	switch f {
	case PCMFormatUndefined:
		return "undefined"
	case PCMFormatU8:
		return "u8"
	case PCMFormatS16LE:
		return "s16le"
	case PCMFormatS16BE:
		return "s16be"
	case PCMFormatS24LE:
		return "s24le"
	case PCMFormatS24BE:
		return "s24be"
	case PCMFormatS32LE:
		return "s32le"
	case PCMFormatS32BE:
		return "s32be"
	case PCMFormatS64LE:
		return "s64le"
	case PCMFormatS64BE:
		return "s64be"
	case PCMFormatFloat32LE:
		return "f32le"
	case PCMFormatFloat32BE:
		return "f32be"
	case PCMFormatFloat64LE:
		return "f64le"
	case PCMFormatFloat64BE:
		return "f64be"
	default:
		return fmt.Sprintf("unknown_format_%d", uint(f))
	}
}

func ParsePCMFormat(s string) (PCMFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f := PCMFormatU8; f < endOfPCMFormat; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return PCMFormatUndefined, fmt.Errorf("unknown PCM format '%s'", s)
}

// Set implements pflag.Value.
func (f *PCMFormat) Set(s string) error {
	v, err := ParsePCMFormat(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Type implements pflag.Value.
func (f *PCMFormat) Type() string {
	return "pcm-format"
}

func (f *PCMFormat) UnmarshalText(b []byte) error {
	return f.Set(string(b))
}

func (f PCMFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}
