package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DeviceOpener asks the runtime/OS for capture device access. Opening
// is long-latency and may be denied; the manager wraps failures in
// MediaAccessError.
type DeviceOpener interface {
	OpenCapture(ctx context.Context) (audio, video *webrtc.TrackLocalStaticRTP, stop func(), err error)
}

// LocalMedia is the single shared capture stream. Connections hold a
// reference, never ownership: track start/stop happens here exactly
// once regardless of how many connections attach it.
type LocalMedia struct {
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	micOn atomic.Bool
	camOn atomic.Bool

	mu      sync.Mutex
	refs    int
	stop    func()
	stopped bool
}

func newLocalMedia(audio, video *webrtc.TrackLocalStaticRTP, stop func()) *LocalMedia {
	lm := &LocalMedia{audio: audio, video: video, stop: stop}
	lm.micOn.Store(true)
	lm.camOn.Store(true)
	return lm
}

// ToggleMic flips the mic-enabled flag without renegotiating any
// connection and returns the resulting state.
func (lm *LocalMedia) ToggleMic() bool {
	for {
		cur := lm.micOn.Load()
		if lm.micOn.CompareAndSwap(cur, !cur) {
			return !cur
		}
	}
}

// ToggleCamera flips the camera-enabled flag and returns the
// resulting state.
func (lm *LocalMedia) ToggleCamera() bool {
	for {
		cur := lm.camOn.Load()
		if lm.camOn.CompareAndSwap(cur, !cur) {
			return !cur
		}
	}
}

func (lm *LocalMedia) MicOn() bool    { return lm.micOn.Load() }
func (lm *LocalMedia) CameraOn() bool { return lm.camOn.Load() }

// Retain registers one more connection referencing the stream.
func (lm *LocalMedia) Retain() {
	lm.mu.Lock()
	lm.refs++
	lm.mu.Unlock()
}

// Release drops one reference. The capture device stops when the last
// reference goes away, and only then.
func (lm *LocalMedia) Release() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.refs > 0 {
		lm.refs--
	}
	if lm.refs == 0 && !lm.stopped {
		lm.stopped = true
		if lm.stop != nil {
			lm.stop()
		}
		log.Info().Str("module", "media").Msg("local capture stopped")
	}
}

func (lm *LocalMedia) Refs() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.refs
}

func (lm *LocalMedia) Stopped() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.stopped
}
