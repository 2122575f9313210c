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

type PlayerPCM struct {
	PulseClient *pulse.Client
}

var _ types.PlayerPCM = (*PlayerPCM)(nil)

func NewPlayerPCM() (*PlayerPCM, error) {
	c, err := pulse.NewClient()
	if err != nil {
		return nil, fmt.Errorf("unable to open a client to Pulse: %w", err)
	}
	return &PlayerPCM{
		PulseClient: c,
	}, nil
}

func (p *PlayerPCM) Close() error {
	p.PulseClient.Close()
	return nil
}

func (p *PlayerPCM) Ping(context.Context) error {
	_, err := p.PulseClient.DefaultSink()
	return err
}

func (p *PlayerPCM) PlayPCM(
	ctx context.Context,
	sampleRate types.SampleRate,
	channels types.Channel,
	format types.PCMFormat,
	bufferSize time.Duration,
	rawReader io.Reader,
) (_ types.PlayStream, _err error) {
	logger.Tracef(ctx, "PlayPCM")
	defer func() { logger.Tracef(ctx, "/PlayPCM: %v", _err) }()

	pulseFormat, err := pulseFormat(format)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize a reader for Pulse: %w", err)
	}
	chanMap, err := channelMap(channels)
	if err != nil {
		return nil, err
	}

	stream, err := p.PulseClient.NewPlayback(
		pulseReader{pulseFormat: pulseFormat, Reader: rawReader},
		pulse.PlaybackLatency(bufferSize.Seconds()),
		pulse.PlaybackSampleRate(int(sampleRate)),
		pulse.PlaybackChannels(chanMap),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize a playback: %w", err)
	}

	stream.Start()
	if stream.Error() != nil {
		return nil, fmt.Errorf("an error occurred during playback: %w", stream.Error())
	}

	return newPlayStream(p.PulseClient, stream, bufferSize), nil
}
