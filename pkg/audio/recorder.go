package audio

import (
	"context"
	"io"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/echocancel/pkg/audio/registry"
)

type Recorder struct {
	RecorderPCM
}

func NewRecorder(recorderPCM RecorderPCM) *Recorder {
	return &Recorder{
		RecorderPCM: recorderPCM,
	}
}

var lastSuccessfulRecorderFactory lastSuccessful[registry.RecorderPCMFactory]

func NewRecorderAuto(
	ctx context.Context,
) *Recorder {
	recorder, err := autoSelect(
		ctx,
		&lastSuccessfulRecorderFactory,
		registry.RecorderFactories(),
		registry.RecorderPCMFactory.NewRecorderPCM,
	)
	if err != nil {
		logger.Infof(ctx, "was unable to initialize any PCM recorder: %v", err)
		return NewRecorder(RecorderPCMDummy{})
	}
	return NewRecorder(recorder)
}

func (a *Recorder) RecordFormat(
	ctx context.Context,
	format Format,
	pcmWriter io.Writer,
) (RecordStream, error) {
	return a.RecorderPCM.RecordPCM(
		ctx,
		format.SampleRate,
		format.Channels,
		format.PCMFormat,
		pcmWriter,
	)
}
