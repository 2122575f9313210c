package echocancelstream

import (
	"errors"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrEngineInit    = errors.New("unable to initialize the echo canceller")
	ErrNoPlayback    = errors.New("no playback stream is attached")
	ErrClosed        = errors.New("the stream is closed")
)
