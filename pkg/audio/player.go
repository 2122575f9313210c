package audio

import (
	"context"
	"io"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/echocancel/pkg/audio/registry"
)

const BufferSize = 100 * time.Millisecond

type Player struct {
	PlayerPCM
}

func NewPlayer(playerPCM PlayerPCM) *Player {
	return &Player{
		PlayerPCM: playerPCM,
	}
}

var lastSuccessfulPlayerFactory lastSuccessful[registry.PlayerPCMFactory]

// NewPlayerAuto returns the first working player by backend priority,
// or a dummy player if none works.
func NewPlayerAuto(
	ctx context.Context,
) *Player {
	player, err := autoSelect(
		ctx,
		&lastSuccessfulPlayerFactory,
		registry.PlayerFactories(),
		registry.PlayerPCMFactory.NewPlayerPCM,
	)
	if err != nil {
		logger.Infof(ctx, "was unable to initialize any PCM player: %v", err)
		return NewPlayer(PlayerPCMDummy{})
	}
	return NewPlayer(player)
}

// PlayFormat is PlayPCM with the stream parameters taken from a Format.
func (a *Player) PlayFormat(
	ctx context.Context,
	format Format,
	bufferSize time.Duration,
	pcmReader io.Reader,
) (PlayStream, error) {
	return a.PlayerPCM.PlayPCM(
		ctx,
		format.SampleRate,
		format.Channels,
		format.PCMFormat,
		bufferSize,
		pcmReader,
	)
}
