package types

import (
	"io"
	"time"
)

type Stream interface {
	io.Closer
}

type PlayStream interface {
	Stream
	Drain() error
}

type RecordStream interface {
	Stream
}

// LatencyReporter is implemented by streams that know how long it takes
// a sample to travel between the application and the device.
type LatencyReporter interface {
	Latency() time.Duration
}
