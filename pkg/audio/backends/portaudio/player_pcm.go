package portaudio

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/gordonklaus/portaudio"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

type PlayerPCM struct{}

var _ types.PlayerPCM = (*PlayerPCM)(nil)

func NewPlayerPCM() (*PlayerPCM, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	return &PlayerPCM{}, nil
}

func (*PlayerPCM) Close() error {
	return portaudio.Terminate()
}

func (*PlayerPCM) Ping(
	ctx context.Context,
) error {
	info, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return err
	}
	logger.Debugf(ctx, "device info: %#+v", info)
	return nil
}

func (*PlayerPCM) PlayPCM(
	ctx context.Context,
	sampleRate types.SampleRate,
	channels types.Channel,
	format types.PCMFormat,
	bufferSize time.Duration,
	reader io.Reader,
) (_ types.PlayStream, _err error) {
	logger.Tracef(ctx, "PlayPCM")
	defer func() { logger.Tracef(ctx, "/PlayPCM: %v", _err) }()

	s, err := openStreamForFormat(ctx, directionPlayback, sampleRate, channels, format, bufferSize)
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx, func(ctx context.Context) error {
		return s.playbackLoop(ctx, reader)
	}); err != nil {
		_ = s.PortAudioStream.Close()
		return nil, fmt.Errorf("unable to post-initialize the stream: %w", err)
	}
	return s, nil
}
