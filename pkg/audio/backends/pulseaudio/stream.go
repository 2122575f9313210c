package pulseaudio

import (
	"fmt"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

func closeSafely(stop, close func(), client *pulse.Client) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("got a panic: %v", r)
		}
	}()
	stop()
	close()
	client.Close()
	return
}

type PlayStream struct {
	Client *pulse.Client
	*pulse.PlaybackStream
	latency time.Duration
}

var _ types.PlayStream = (*PlayStream)(nil)
var _ types.LatencyReporter = (*PlayStream)(nil)

func newPlayStream(
	client *pulse.Client,
	pulseStream *pulse.PlaybackStream,
	latency time.Duration,
) *PlayStream {
	return &PlayStream{
		Client:         client,
		PlaybackStream: pulseStream,
		latency:        latency,
	}
}

// Latency returns the requested server-side buffer length.
func (stream *PlayStream) Latency() time.Duration {
	return stream.latency
}

func (stream *PlayStream) Drain() error {
	stream.PlaybackStream.Drain()
	if stream.Error() != nil {
		return fmt.Errorf("an error occurred during playback: %w", stream.Error())
	}
	if stream.Underflow() {
		return fmt.Errorf("underflow")
	}
	return nil
}

func (stream *PlayStream) Close() error {
	return closeSafely(stream.PlaybackStream.Stop, stream.PlaybackStream.Close, stream.Client)
}

type RecordStream struct {
	Client *pulse.Client
	*pulse.RecordStream
	latency time.Duration
}

var _ types.RecordStream = (*RecordStream)(nil)
var _ types.LatencyReporter = (*RecordStream)(nil)

func newRecordStream(
	client *pulse.Client,
	pulseStream *pulse.RecordStream,
	latency time.Duration,
) *RecordStream {
	return &RecordStream{
		Client:       client,
		RecordStream: pulseStream,
		latency:      latency,
	}
}

func (stream *RecordStream) Latency() time.Duration {
	return stream.latency
}

func (stream *RecordStream) Close() error {
	return closeSafely(stream.RecordStream.Stop, stream.RecordStream.Close, stream.Client)
}
