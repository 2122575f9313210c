package echocancelstream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/datacounter"
	"github.com/xaionaro-go/echocancel/pkg/clocksync"
)

// playbackTap is run by the playback context: it forwards every rendered
// chunk to the capture context and serves the playback snapshots.
type playbackTap struct {
	stream     *Stream
	generation uint64
	counter    *datacounter.WriterCounter
	rewound    atomic.Uint64
	requests   chan chan<- clocksync.PlaybackSnapshot
	closeOnce  sync.Once
}

// poster posts a copy of every written chunk to the capture context.
type poster struct {
	stream     *Stream
	generation uint64
}

func (p poster) Write(b []byte) (int, error) {
	data := make([]byte, len(b))
	copy(data, b)
	if err := p.stream.inbox.Post(playbackData{Generation: p.generation, Data: data}); err != nil {
		return 0, err
	}
	return len(b), nil
}

// newPlaybackTap creates a tap and makes it the current one. The capture
// context learns about it before receiving any of its data.
func newPlaybackTap(s *Stream) *playbackTap {
	generation := s.tapGeneration.Add(1)
	t := &playbackTap{
		stream:     s,
		generation: generation,
		counter:    datacounter.NewWriterCounter(poster{stream: s, generation: generation}),
		requests:   make(chan chan<- clocksync.PlaybackSnapshot, 1),
	}
	if err := s.inbox.Post(playbackAttach{Generation: generation}); err != nil {
		logger.Debugf(s.ctx, "unable to post the playback attach: %v", err)
	}
	s.tap.Store(t)
	return t
}

// sendCounter is the amount of bytes posted to the capture context,
// minus the rewound ones.
func (t *playbackTap) sendCounter() uint64 {
	return t.counter.Count() - t.rewound.Load()
}

func (t *playbackTap) forward(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := t.counter.Write(b)
	return err
}

func (t *playbackTap) serveSnapshots() {
	for {
		select {
		case reply := <-t.requests:
			reply <- clocksync.PlaybackSnapshot{
				Now:         time.Now(),
				Latency:     t.stream.playbackLatency(),
				SendCounter: t.sendCounter(),
				Generation:  t.generation,
			}
		default:
			return
		}
	}
}

func (t *playbackTap) rewind(n uint64) {
	n = min(n, t.sendCounter())
	t.rewound.Add(n)
	if err := t.stream.inbox.Post(playbackRewind{Generation: t.generation, Bytes: n}); err != nil {
		logger.Debugf(t.stream.ctx, "unable to post a playback rewind: %v", err)
	}
}

func (t *playbackTap) stop() {
	t.closeOnce.Do(func() {
		t.serveSnapshots()
		t.stream.detachTap(t)
		if err := t.stream.inbox.Post(playbackState{Generation: t.generation, Active: false}); err != nil {
			logger.Debugf(t.stream.ctx, "unable to post the playback stop: %v", err)
		}
	})
}

// snapshot requests a playback snapshot from the playback context.
func (t *playbackTap) snapshot(ctx context.Context) (clocksync.PlaybackSnapshot, error) {
	reply := make(chan clocksync.PlaybackSnapshot, 1)
	select {
	case t.requests <- reply:
	case <-ctx.Done():
		return clocksync.PlaybackSnapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return clocksync.PlaybackSnapshot{}, ctx.Err()
	}
}

// PlaybackReader is to be given to a player instead of the original
// reader. Everything read through it is treated as played.
type PlaybackReader struct {
	*playbackTap
	Reader io.Reader
}

var _ io.ReadCloser = (*PlaybackReader)(nil)

func (r *PlaybackReader) Read(p []byte) (int, error) {
	r.serveSnapshots()
	n, err := r.Reader.Read(p)
	if fwdErr := r.forward(p[:n]); fwdErr != nil {
		return n, fwdErr
	}
	r.serveSnapshots()
	if err == io.EOF {
		r.stop()
	}
	return n, err
}

// Rewind reports that the last n bytes returned by Read will not be played.
func (r *PlaybackReader) Rewind(n uint64) {
	r.rewind(n)
}

// Close detaches the tap (playback is considered stopped) and closes
// the original reader if it is an io.Closer.
func (r *PlaybackReader) Close() error {
	r.stop()
	if c, ok := r.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// PlaybackWriter wraps a writer which renders the playback.
type PlaybackWriter struct {
	*playbackTap
	Writer io.Writer
}

var _ io.WriteCloser = (*PlaybackWriter)(nil)

func (w *PlaybackWriter) Write(p []byte) (int, error) {
	w.serveSnapshots()
	n, err := w.Writer.Write(p)
	if fwdErr := w.forward(p[:n]); fwdErr != nil && err == nil {
		err = fwdErr
	}
	w.serveSnapshots()
	return n, err
}

// Rewind reports that the last n bytes written will not be played.
func (w *PlaybackWriter) Rewind(n uint64) {
	w.rewind(n)
}

func (w *PlaybackWriter) Close() error {
	w.stop()
	if c, ok := w.Writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
