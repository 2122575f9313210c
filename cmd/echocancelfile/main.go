package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strings"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/datacounter"
	"github.com/xaionaro-go/echocancel/pkg/audio"
	"github.com/xaionaro-go/echocancel/pkg/audio/resampler"
	"github.com/xaionaro-go/echocancel/pkg/echocanceller"
	_ "github.com/xaionaro-go/echocancel/pkg/echocanceller/implementations/nlms"
	_ "github.com/xaionaro-go/echocancel/pkg/echocanceller/implementations/null"
	_ "github.com/xaionaro-go/echocancel/pkg/echocanceller/implementations/spectral"
	"github.com/xaionaro-go/echocancel/pkg/echocancelstream"
	"github.com/xaionaro-go/observability"
)

func main() {
	loggerLevel := logger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "Log level")
	configPath := pflag.String("config", "", "path to a yaml config file")
	engineFlag := pflag.String("engine", echocancelstream.DefaultEngine, fmt.Sprintf("echo canceller, one of: %v", echocanceller.Names()))
	engineArgsFlag := pflag.String("engine-args", "", "echo canceller arguments, e.g. \"step=0.5 filter_length=512\"")
	captureRate := pflag.Uint("rate", 48000, "sample rate of the raw capture file")
	captureChannels := pflag.Uint("channels", 1, "channels of the raw capture file")
	captureFormat := audio.PCMFormatS16LE
	pflag.Var(&captureFormat, "format", "sample format of the raw capture file")
	playbackRate := pflag.Uint("playback-rate", 48000, "sample rate of the playback file if it is raw")
	playbackChannels := pflag.Uint("playback-channels", 1, "channels of the playback file if it is raw")
	playbackFormat := audio.PCMFormatS16LE
	pflag.Var(&playbackFormat, "playback-format", "sample format of the playback file if it is raw")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	pflag.Parse()

	if pflag.NArg() != 3 {
		panic(fmt.Errorf("expected exactly three arguments: <capture-raw-file> <playback-file> <output-raw-file>"))
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	cfg := echocancelstream.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = echocancelstream.LoadConfig(*configPath)
		assertNoError(err)
	}
	if pflag.CommandLine.Changed("engine") || *configPath == "" {
		cfg.Engine = *engineFlag
	}
	if pflag.CommandLine.Changed("engine-args") {
		cfg.EngineArgs = *engineArgsFlag
	}

	captureFile, err := os.Open(pflag.Arg(0))
	assertNoError(err)
	defer captureFile.Close()
	captureFmt := audio.Format{
		Channels:   audio.Channel(*captureChannels),
		SampleRate: audio.SampleRate(*captureRate),
		PCMFormat:  captureFormat,
	}

	playbackFile, err := os.Open(pflag.Arg(1))
	assertNoError(err)
	defer playbackFile.Close()
	var (
		playbackReader io.Reader = playbackFile
		playbackFmt              = audio.Format{
			Channels:   audio.Channel(*playbackChannels),
			SampleRate: audio.SampleRate(*playbackRate),
			PCMFormat:  playbackFormat,
		}
	)
	if strings.EqualFold(filepath.Ext(pflag.Arg(1)), ".ogg") {
		playbackReader, playbackFmt, err = audio.NewVorbisReader(playbackFile)
		assertNoError(err)
	}

	args, err := echocanceller.ParseArgs(cfg.EngineArgs)
	assertNoError(err)
	engine, err := echocanceller.New(cfg.Engine, args)
	assertNoError(err)

	outputFile, err := os.Create(pflag.Arg(2))
	assertNoError(err)
	defer outputFile.Close()
	wc := datacounter.NewWriterCounter(outputFile)
	output := bufio.NewWriter(wc)

	var writeErr error
	processor, err := echocancelstream.NewProcessor(
		ctx,
		cfg,
		engine,
		captureFmt,
		playbackFmt,
		func(ctx context.Context, block []byte) {
			if writeErr != nil {
				return
			}
			_, writeErr = output.Write(block)
		},
		nil,
	)
	assertNoError(err)
	defer func() {
		assertNoError(processor.Close(ctx))
	}()
	logger.Infof(ctx, "capture: %s; playback: %s; output: %s",
		processor.CaptureFormat(), processor.PlaybackFormat(), processor.OutputFormat())

	captureReader, err := resampler.NewResampler(captureFmt, captureFile, processor.CaptureFormat())
	assertNoError(err)
	playbackReader, err = resampler.NewResampler(playbackFmt, playbackReader, processor.PlaybackFormat())
	assertNoError(err)

	blockSpec := processor.BlockSpec()
	captureBuf := make([]byte, blockSpec.CaptureBlockBytes())
	playbackBuf := make([]byte, blockSpec.PlaybackBlockBytes())
	playbackActive := true
	blocks := 0
	for {
		n, err := io.ReadFull(captureReader, captureBuf)
		if n == 0 {
			if errors.Is(err, io.EOF) {
				break
			}
			assertNoError(err)
		}

		playbackEnded := false
		if playbackActive {
			m, err := io.ReadFull(playbackReader, playbackBuf)
			if m > 0 {
				processor.PushPlayback(ctx, playbackBuf[:m])
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				playbackEnded = true
			default:
				assertNoError(err)
			}
		}

		processor.PushCapture(ctx, captureBuf[:n])
		assertNoError(writeErr)
		blocks++

		if playbackEnded {
			logger.Debugf(ctx, "the playback ended after %d blocks", blocks)
			processor.SetPlaybackActive(ctx, false)
			playbackActive = false
		}

		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			assertNoError(err)
		}
	}

	assertNoError(output.Flush())
	logger.Infof(ctx, "processed %d blocks, written %d bytes", blocks, wc.Count())
}

func assertNoError(err error) {
	if err != nil {
		panic(err)
	}
}
