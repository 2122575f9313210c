package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/jfreymuth/oggvorbis"
)

// NewVorbisReader decodes an Ogg/Vorbis stream into interleaved
// float32 little-endian PCM.
func NewVorbisReader(rawReader io.Reader) (io.Reader, Format, error) {
	oggReader, err := oggvorbis.NewReader(rawReader)
	if err != nil {
		return nil, Format{}, fmt.Errorf("unable to initialize a vorbis reader: %w", err)
	}
	return newReaderFromFloat32Reader(oggReader), Format{
		Channels:   Channel(oggReader.Channels()),
		SampleRate: SampleRate(oggReader.SampleRate()),
		PCMFormat:  PCMFormatFloat32LE,
	}, nil
}

type float32Reader interface {
	Read(p []float32) (int, error)
}

type readerFromFloat32Reader struct {
	backend float32Reader
	buffer  []float32
}

func newReaderFromFloat32Reader(backend float32Reader) *readerFromFloat32Reader {
	return &readerFromFloat32Reader{
		backend: backend,
	}
}

func (r *readerFromFloat32Reader) Read(p []byte) (int, error) {
	count := len(p) / 4
	if count == 0 {
		return 0, fmt.Errorf("the buffer is too small: %d < 4", len(p))
	}
	if cap(r.buffer) < count {
		r.buffer = make([]float32, count)
	}
	buf := r.buffer[:count]
	n, err := r.backend.Read(buf)
	for idx, v := range buf[:n] {
		binary.LittleEndian.PutUint32(p[idx*4:], math.Float32bits(v))
	}
	return n * 4, err
}
