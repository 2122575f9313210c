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

const (
	RecordBufferSize = 10 * time.Millisecond
)

type RecorderPCM struct{}

var _ types.RecorderPCM = (*RecorderPCM)(nil)

func NewRecorderPCM() (*RecorderPCM, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	return &RecorderPCM{}, nil
}

func (*RecorderPCM) Close() error {
	return portaudio.Terminate()
}

func (*RecorderPCM) Ping(
	ctx context.Context,
) error {
	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return err
	}
	logger.Debugf(ctx, "device info: %#+v", info)

	if devices, err := portaudio.Devices(); err == nil {
		for idx, device := range devices {
			logger.Tracef(ctx, "devices[%d]: %#+v", idx, device)
		}
	}
	return nil
}

func (*RecorderPCM) RecordPCM(
	ctx context.Context,
	sampleRate types.SampleRate,
	channels types.Channel,
	format types.PCMFormat,
	writer io.Writer,
) (_ types.RecordStream, _err error) {
	logger.Tracef(ctx, "RecordPCM")
	defer func() { logger.Tracef(ctx, "/RecordPCM: %v", _err) }()

	s, err := openStreamForFormat(ctx, directionRecord, sampleRate, channels, format, RecordBufferSize)
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx, func(ctx context.Context) error {
		return s.recordLoop(ctx, writer)
	}); err != nil {
		_ = s.PortAudioStream.Close()
		return nil, fmt.Errorf("unable to post-initialize the stream: %w", err)
	}
	return s, nil
}
