package echocancelstream

import (
	"time"

	"github.com/xaionaro-go/echocancel/pkg/clocksync"
)

// message is a request to the capture context.
type message interface {
	isMessage()
}

// Generation fields identify the playback tap a message came from;
// zero means the message does not belong to any tap.

type playbackAttach struct {
	Generation uint64
}

type playbackData struct {
	Generation uint64
	Data       []byte
}

type playbackRewind struct {
	Generation uint64
	Bytes      uint64
}

type playbackState struct {
	Generation uint64
	Active     bool
}

type captureSnapshotRequest struct {
	Reply chan<- clocksync.CaptureSnapshot
}

type applyDiffTime struct {
	Diff time.Duration
}

func (playbackAttach) isMessage()         {}
func (playbackData) isMessage()           {}
func (playbackRewind) isMessage()         {}
func (playbackState) isMessage()          {}
func (captureSnapshotRequest) isMessage() {}
func (applyDiffTime) isMessage()          {}
