package null

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
	"github.com/xaionaro-go/echocancel/pkg/echocanceller"
)

func TestNull(t *testing.T) {
	ctx := context.Background()

	ec, err := echocanceller.New(Name, echocanceller.Args{})
	require.NoError(t, err)
	require.NoError(t, echocanceller.CheckMode(ec))

	capture := types.Format{Channels: 1, SampleRate: 8000, PCMFormat: types.PCMFormatS16LE}
	playback := types.Format{Channels: 2, SampleRate: 48000, PCMFormat: types.PCMFormatFloat32LE}
	r, err := ec.Init(ctx, capture, playback, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, capture, r.Output)
	assert.Equal(t, playback, r.Playback)
	assert.Equal(t, uint(80), r.FramesPerBlock)

	spec, err := r.BlockSpec()
	require.NoError(t, err)
	in := make([]byte, spec.CaptureBlockBytes())
	for idx := range in {
		in[idx] = byte(idx)
	}
	out := make([]byte, spec.OutputBlockBytes())
	ec.(echocanceller.Combined).Run(ctx, in, make([]byte, spec.PlaybackBlockBytes()), out)
	assert.Equal(t, in, out)

	assert.NoError(t, ec.Close())
	assert.Error(t, ec.Close())
}

func TestNullUnknownArgs(t *testing.T) {
	_, err := echocanceller.New(Name, echocanceller.Args{"step": "1"})
	assert.Error(t, err)
}
