package spectral

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/echocancel/pkg/audio/pcm"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
	"github.com/xaionaro-go/echocancel/pkg/echocanceller"
)

func initEngine(t *testing.T, args echocanceller.Args) (*EchoCanceller, echocanceller.BlockSpec) {
	ec, err := echocanceller.New(Name, args)
	require.NoError(t, err)
	require.NoError(t, echocanceller.CheckMode(ec))

	r, err := ec.Init(
		context.Background(),
		types.Format{Channels: 2, SampleRate: 16000, PCMFormat: types.PCMFormatS16LE},
		types.Format{Channels: 1, SampleRate: 16000, PCMFormat: types.PCMFormatS16LE},
		10*time.Millisecond,
	)
	require.NoError(t, err)
	assert.Equal(t, uint(128), r.FramesPerBlock)
	assert.Equal(t, types.PCMFormatFloat32LE, r.Output.PCMFormat)

	spec, err := r.BlockSpec()
	require.NoError(t, err)
	return ec.(*EchoCanceller), spec
}

func energy(samples []float64) float64 {
	var sum float64
	for _, v := range samples {
		sum += v * v
	}
	return sum
}

func TestSpectralSilentPlaybackDelaysByOneBlock(t *testing.T) {
	ctx := context.Background()
	ec, spec := initEngine(t, nil)
	defer ec.Close()

	samplesPerBlock := int(spec.FramesPerBlock) * 2
	rng := rand.New(rand.NewPCG(5, 6))
	playback := make([]byte, spec.PlaybackBlockBytes())
	capture := make([]byte, spec.CaptureBlockBytes())
	output := make([]byte, spec.OutputBlockBytes())
	prev := make([]float64, samplesPerBlock)
	cur := make([]float64, samplesPerBlock)
	out := make([]float64, samplesPerBlock)
	for block := range 5 {
		for idx := range cur {
			cur[idx] = rng.Float64() - 0.5
		}
		pcm.EncodeSlice(types.PCMFormatFloat32LE, capture, cur)
		ec.Run(ctx, capture, playback, output)
		pcm.DecodeSlice(types.PCMFormatFloat32LE, out, output)
		for idx := range out {
			assert.InDelta(t, prev[idx], out[idx], 1e-5, "block %d sample %d", block, idx)
		}
		// the capture went through float32 once
		pcm.DecodeSlice(types.PCMFormatFloat32LE, prev, capture)
	}
}

func TestSpectralSuppressesEcho(t *testing.T) {
	ctx := context.Background()
	ec, spec := initEngine(t, echocanceller.Args{"floor": "0.01"})
	defer ec.Close()

	frames := int(spec.FramesPerBlock)
	rng := rand.New(rand.NewPCG(7, 8))
	playback := make([]byte, spec.PlaybackBlockBytes())
	capture := make([]byte, spec.CaptureBlockBytes())
	output := make([]byte, spec.OutputBlockBytes())
	far := make([]float64, frames)
	near := make([]float64, frames*2)
	out := make([]float64, frames*2)
	var nearEnergy, outEnergy float64
	for block := range 100 {
		for frame := range frames {
			far[frame] = rng.Float64() - 0.5
			near[frame*2] = 0.5 * far[frame]
			near[frame*2+1] = 0.25 * far[frame]
		}
		pcm.EncodeSlice(types.PCMFormatFloat32LE, playback, far)
		pcm.EncodeSlice(types.PCMFormatFloat32LE, capture, near)
		ec.Run(ctx, capture, playback, output)
		pcm.DecodeSlice(types.PCMFormatFloat32LE, out, output)
		if block >= 50 {
			nearEnergy += energy(near)
			outEnergy += energy(out)
		}
	}
	assert.Less(t, outEnergy, nearEnergy/100)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(echocanceller.Args{"smoothing": "0.5"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Smoothing)
	assert.Equal(t, DefaultConfig().Floor, cfg.Floor)

	for _, args := range []echocanceller.Args{
		{"smoothing": "1"},
		{"floor": "2"},
		{"overestimation": "0"},
		{"filter_length": "10"},
	} {
		_, err := ParseConfig(args)
		assert.Error(t, err, args.String())
	}
}

func TestSpectralTooSmallBlock(t *testing.T) {
	ec := New(DefaultConfig())
	_, err := ec.Init(
		context.Background(),
		types.Format{Channels: 1, SampleRate: 100, PCMFormat: types.PCMFormatS16LE},
		types.Format{Channels: 1, SampleRate: 100, PCMFormat: types.PCMFormatS16LE},
		time.Millisecond,
	)
	assert.Error(t, err)
	assert.NoError(t, ec.Close())
	assert.Error(t, ec.Close())
}
