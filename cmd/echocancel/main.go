package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/datacounter"
	"github.com/xaionaro-go/echocancel/pkg/audio"
	_ "github.com/xaionaro-go/echocancel/pkg/audio/backends/portaudio"
	"github.com/xaionaro-go/echocancel/pkg/audio/backends/pulseaudio"
	"github.com/xaionaro-go/echocancel/pkg/audio/resampler"
	"github.com/xaionaro-go/echocancel/pkg/clocksync"
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
	frameSizeFlag := pflag.Duration("frame-size", echocancelstream.DefaultFrameSize, "the duration of a processing block")
	adjustTimeFlag := pflag.Duration("adjust-time", clocksync.DefaultInterval, "the period of the clock synchronization, 0 disables it")
	adjustThresholdFlag := pflag.Duration("adjust-threshold", clocksync.DefaultThreshold, "the tolerated positive alignment error")
	captureRate := pflag.Uint("rate", 48000, "capture sample rate")
	captureChannels := pflag.Uint("channels", 1, "capture channels")
	captureFormat := audio.PCMFormatS16LE
	pflag.Var(&captureFormat, "format", "capture sample format")
	metricsAddr := pflag.String("metrics-listen-addr", "", "an address to serve prometheus metrics on")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	tailDuration := pflag.Duration("tail", time.Second, "how long to keep recording after the playback ended")
	pflag.Parse()

	if pflag.NArg() != 2 {
		panic(fmt.Errorf("expected exactly two arguments: <playback-ogg-file> <output-raw-file>"))
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	ctx, cancelFn := signal.NotifyContext(ctx, os.Interrupt)
	defer cancelFn()

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
	if pflag.CommandLine.Changed("frame-size") {
		cfg.FrameSize = *frameSizeFlag
	}
	if pflag.CommandLine.Changed("adjust-time") {
		cfg.AdjustTime = *adjustTimeFlag
	}
	if pflag.CommandLine.Changed("adjust-threshold") {
		cfg.AdjustThreshold = *adjustThresholdFlag
	}
	logger.Debugf(ctx, "config: %#+v", cfg)

	promRegistry := prometheus.NewRegistry()
	metrics, err := echocancelstream.NewMetrics(promRegistry)
	assertNoError(err)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(*metricsAddr, mux)) })
	}

	playbackFile, err := os.Open(pflag.Arg(0))
	assertNoError(err)
	defer playbackFile.Close()
	playbackReader, playbackFormat, err := audio.NewVorbisReader(playbackFile)
	assertNoError(err)

	stream, err := echocancelstream.New(
		ctx,
		cfg,
		audio.Format{
			Channels:   audio.Channel(*captureChannels),
			SampleRate: audio.SampleRate(*captureRate),
			PCMFormat:  captureFormat,
		},
		playbackFormat,
		echocancelstream.WithMetrics(metrics),
	)
	assertNoError(err)
	defer stream.Close()
	logger.Infof(ctx, "capture: %s; playback: %s; output: %s",
		stream.CaptureFormat(), stream.PlaybackFormat(), stream.OutputFormat())

	playbackReader, err = resampler.NewResampler(playbackFormat, playbackReader, stream.PlaybackFormat())
	assertNoError(err)

	outputFile, err := os.Create(pflag.Arg(1))
	assertNoError(err)
	defer outputFile.Close()
	wc := datacounter.NewWriterCounter(outputFile)
	observability.Go(ctx, func(ctx context.Context) {
		_, err := io.Copy(wc, stream)
		if err != nil {
			logger.Errorf(ctx, "unable to write the output: %v", err)
		}
	})

	recorder := audio.NewRecorderAuto(ctx)
	defer recorder.Close()

	logger.Tracef(ctx, "recorder.RecordFormat")
	streamRecord, err := recorder.RecordFormat(ctx, stream.CaptureFormat(), stream)
	logger.Tracef(ctx, "/recorder.RecordFormat: %v", err)
	assertNoError(err)
	defer func() {
		assertNoError(streamRecord.Close())
	}()
	if latencyReporter, ok := streamRecord.(audio.LatencyReporter); ok {
		stream.SetCaptureLatencyReporter(latencyReporter)
	}

	player := audio.NewPlayerAuto(ctx)
	defer player.Close()

	tap := stream.PlaybackReader(playbackReader)
	logger.Tracef(ctx, "player.PlayFormat")
	streamPlay, err := player.PlayFormat(ctx, stream.PlaybackFormat(), audio.BufferSize, tap)
	logger.Tracef(ctx, "/player.PlayFormat: %v", err)
	assertNoError(err)
	defer streamPlay.Close()
	if latencyReporter, ok := streamPlay.(audio.LatencyReporter); ok {
		stream.SetPlaybackLatencyReporter(latencyReporter)
	}

	observability.Go(ctx, func(ctx context.Context) {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				logger.Debugf(ctx, "written: %d", wc.Count())
				if pulseStreamRecord, ok := streamRecord.(*pulseaudio.RecordStream); ok {
					logger.Debugf(ctx, "record stream status: running:%v, closed:%v, err:%v", pulseStreamRecord.Running(), pulseStreamRecord.Closed(), pulseStreamRecord.Error())
				}
			}
		}
	})

	logger.Infof(ctx, "started (%T -> %T -> %T)", player.PlayerPCM, recorder.RecorderPCM, stream)
	if err := streamPlay.Drain(); err != nil {
		logger.Errorf(ctx, "unable to drain the playback: %v", err)
	}
	assertNoError(tap.Close())

	select {
	case <-ctx.Done():
	case <-time.After(*tailDuration):
	}
	logger.Infof(ctx, "finished, written %d bytes", wc.Count())
}

func assertNoError(err error) {
	if err != nil {
		panic(err)
	}
}
