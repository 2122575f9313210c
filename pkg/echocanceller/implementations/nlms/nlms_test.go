package nlms

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

func energy(samples []float64) float64 {
	var sum float64
	for _, v := range samples {
		sum += v * v
	}
	return sum
}

func initEngine(t *testing.T, args echocanceller.Args, channels types.Channel) (*EchoCanceller, echocanceller.BlockSpec) {
	ec, err := echocanceller.New(Name, args)
	require.NoError(t, err)
	require.NoError(t, echocanceller.CheckMode(ec))

	r, err := ec.Init(
		context.Background(),
		types.Format{Channels: channels, SampleRate: 8000, PCMFormat: types.PCMFormatS16LE},
		types.Format{Channels: 2, SampleRate: 48000, PCMFormat: types.PCMFormatS16LE},
		10*time.Millisecond,
	)
	require.NoError(t, err)
	assert.Equal(t, types.PCMFormatFloat32LE, r.Capture.PCMFormat)
	assert.Equal(t, types.SampleRate(8000), r.Playback.SampleRate)
	assert.Equal(t, types.Channel(2), r.Playback.Channels)
	assert.Equal(t, r.Capture, r.Output)
	assert.Equal(t, uint(80), r.FramesPerBlock)

	spec, err := r.BlockSpec()
	require.NoError(t, err)
	return ec.(*EchoCanceller), spec
}

func TestNLMSConverges(t *testing.T) {
	ctx := context.Background()
	ec, spec := initEngine(t, echocanceller.Args{"filter_length": "64", "step": "0.5"}, 1)
	defer ec.Close()

	const (
		blocks   = 100
		echoLag  = 5
		echoGain = 0.5
	)
	frames := int(spec.FramesPerBlock)
	rng := rand.New(rand.NewPCG(1, 2))
	far := make([]float64, blocks*frames)
	for idx := range far {
		far[idx] = rng.Float64() - 0.5
	}

	var nearAll, outAll []float64
	playback := make([]byte, spec.PlaybackBlockBytes())
	capture := make([]byte, spec.CaptureBlockBytes())
	output := make([]byte, spec.OutputBlockBytes())
	stereo := make([]float64, frames*2)
	near := make([]float64, frames)
	out := make([]float64, frames)
	for block := range blocks {
		for frame := range frames {
			idx := block*frames + frame
			stereo[frame*2] = far[idx]
			stereo[frame*2+1] = far[idx]
			if idx >= echoLag {
				near[frame] = echoGain * far[idx-echoLag]
			} else {
				near[frame] = 0
			}
		}
		pcm.EncodeSlice(types.PCMFormatFloat32LE, playback, stereo)
		pcm.EncodeSlice(types.PCMFormatFloat32LE, capture, near)

		ec.Play(ctx, playback)
		ec.Record(ctx, capture, output)

		pcm.DecodeSlice(types.PCMFormatFloat32LE, out, output)
		nearAll = append(nearAll, near...)
		outAll = append(outAll, out...)
	}

	tail := len(nearAll) - 10*frames
	assert.Less(t, energy(outAll[tail:]), energy(nearAll[tail:])/100)
}

func TestNLMSSetDrift(t *testing.T) {
	ctx := context.Background()
	ec, spec := initEngine(t, echocanceller.Args{"filter_length": "8"}, 2)
	defer ec.Close()

	ec.SetDrift(0.01)
	playback := make([]byte, spec.PlaybackBlockBytes())
	capture := make([]byte, spec.CaptureBlockBytes())
	output := make([]byte, spec.OutputBlockBytes())
	for range 10 {
		ec.Play(ctx, playback)
		ec.Record(ctx, capture, output)
	}
	assert.InDelta(t, 10*80*1.01, ec.readPos, 1e-6)

	ec.SetDrift(1)
	assert.Equal(t, 1+maxDrift, ec.rate)
	ec.SetDrift(-1)
	assert.Equal(t, 1-maxDrift, ec.rate)
}

func TestNLMSDelayArg(t *testing.T) {
	ec, _ := initEngine(t, echocanceller.Args{"delay": "5ms"}, 1)
	defer ec.Close()
	assert.Len(t, ec.far, 40)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(echocanceller.Args{"probe": "true", "probe_length": "500ms"})
	require.NoError(t, err)
	assert.True(t, cfg.Probe)
	assert.Equal(t, 500*time.Millisecond, cfg.ProbeLength)
	assert.Equal(t, DefaultConfig().FilterLength, cfg.FilterLength)

	for _, args := range []echocanceller.Args{
		{"step": "2"},
		{"step": "abc"},
		{"filter_length": "0"},
		{"delay": "-1ms"},
		{"unknown": "1"},
	} {
		_, err := ParseConfig(args)
		assert.Error(t, err, args.String())
	}
}

func TestNLMSClose(t *testing.T) {
	ec := New(DefaultConfig())
	assert.NoError(t, ec.Close())
	assert.Error(t, ec.Close())
}

func TestNLMSProbe(t *testing.T) {
	ctx := context.Background()
	ec, spec := initEngine(t, echocanceller.Args{
		"filter_length": "32",
		"step":          "0.5",
		"probe":         "true",
		"probe_length":  "500ms",
	}, 1)
	defer ec.Close()

	const echoLag = 100
	frames := int(spec.FramesPerBlock)
	rng := rand.New(rand.NewPCG(3, 4))
	var far []float64
	playback := make([]byte, spec.PlaybackBlockBytes())
	capture := make([]byte, spec.CaptureBlockBytes())
	output := make([]byte, spec.OutputBlockBytes())
	stereo := make([]float64, frames*2)
	near := make([]float64, frames)
	out := make([]float64, frames)
	var lastNear, lastOut float64
	for block := range 200 {
		for frame := range frames {
			v := rng.Float64() - 0.5
			far = append(far, v)
			stereo[frame*2] = v
			stereo[frame*2+1] = v
			idx := block*frames + frame
			if idx >= echoLag {
				near[frame] = 0.5 * far[idx-echoLag]
			} else {
				near[frame] = 0
			}
		}
		pcm.EncodeSlice(types.PCMFormatFloat32LE, playback, stereo)
		pcm.EncodeSlice(types.PCMFormatFloat32LE, capture, near)
		ec.Play(ctx, playback)
		ec.Record(ctx, capture, output)
		pcm.DecodeSlice(types.PCMFormatFloat32LE, out, output)
		lastNear, lastOut = energy(near), energy(out)
	}
	assert.Nil(t, ec.probe)
	assert.Less(t, lastOut, lastNear/100)
}
