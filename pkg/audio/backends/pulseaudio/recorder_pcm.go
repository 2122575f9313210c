package pulseaudio

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/jfreymuth/pulse"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

// RecordFragmentDuration is the amount of audio the server accumulates
// before delivering it; it is the dominant part of the capture latency.
const RecordFragmentDuration = 10 * time.Millisecond

type RecorderPCM struct {
	PulseClient *pulse.Client
}

var _ types.RecorderPCM = (*RecorderPCM)(nil)

func NewRecorderPCM() (*RecorderPCM, error) {
	c, err := pulse.NewClient()
	if err != nil {
		return nil, fmt.Errorf("unable to open a client to Pulse: %w", err)
	}
	return &RecorderPCM{
		PulseClient: c,
	}, nil
}

func (r *RecorderPCM) Close() error {
	r.PulseClient.Close()
	return nil
}

func (r *RecorderPCM) Ping(context.Context) error {
	_, err := r.PulseClient.DefaultSource()
	return err
}

func (r *RecorderPCM) RecordPCM(
	ctx context.Context,
	sampleRate types.SampleRate,
	channels types.Channel,
	format types.PCMFormat,
	rawWriter io.Writer,
) (_ types.RecordStream, _err error) {
	logger.Tracef(ctx, "RecordPCM")
	defer func() { logger.Tracef(ctx, "/RecordPCM: %v", _err) }()

	pulseFormat, err := pulseFormat(format)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize a writer for Pulse: %w", err)
	}
	chanMap, err := channelMap(channels)
	if err != nil {
		return nil, err
	}

	fragmentSize := types.Format{
		Channels:   channels,
		SampleRate: sampleRate,
		PCMFormat:  format,
	}.BytesForDuration(RecordFragmentDuration)

	stream, err := r.PulseClient.NewRecord(
		pulseWriter{pulseFormat: pulseFormat, Writer: rawWriter},
		pulse.RecordSampleRate(int(sampleRate)),
		pulse.RecordChannels(chanMap),
		pulse.RecordBufferFragmentSize(uint32(fragmentSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize a recording: %w", err)
	}

	stream.Start()
	if stream.Error() != nil {
		return nil, fmt.Errorf("an error occurred during recording: %w", stream.Error())
	}

	return newRecordStream(r.PulseClient, stream, RecordFragmentDuration), nil
}
