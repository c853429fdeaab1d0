package callsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	trackStreamID     = "callhub"
)

// opusSilence is a single Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var (
	// ErrNoCamera is returned by Acquire when video is requested from a source without a camera.
	ErrNoCamera = errors.New("no camera available")

	// ErrNoMicrophone is returned by Acquire when audio is requested from a source without a microphone.
	ErrNoMicrophone = errors.New("no microphone available")
)

// SyntheticSource stands in for capture devices on a headless peer. The
// microphone sends Opus silence while enabled. The camera track is negotiated
// but carries no frames.
type SyntheticSource struct {
	HasCamera     bool
	HasMicrophone bool
}

// Acquire implements MediaSource.
func (s SyntheticSource) Acquire(_ context.Context, c Constraints) ([]Track, error) {
	if c.Video && !s.HasCamera {
		return nil, ErrNoCamera
	}
	if c.Audio && !s.HasMicrophone {
		return nil, ErrNoMicrophone
	}

	var tracks []Track
	if c.Audio {
		t, err := newSyntheticTrack(KindAudio, webrtc.MimeTypeOpus)
		if err != nil {
			return nil, err
		}
		go t.pumpSilence()
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := newSyntheticTrack(KindVideo, webrtc.MimeTypeVP8)
		if err != nil {
			stopAll(tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func stopAll(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}

type syntheticTrack struct {
	kind    string
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newSyntheticTrack(kind, mimeType string) (*syntheticTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, kind, trackStreamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &syntheticTrack{kind: kind, local: local, stop: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *syntheticTrack) Kind() string { return t.kind }

func (t *syntheticTrack) Enabled() bool { return t.enabled.Load() }

func (t *syntheticTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *syntheticTrack) TrackLocal() webrtc.TrackLocal { return t.local }

// Stopped reports whether Stop has been called.
func (t *syntheticTrack) Stopped() bool { return t.stopped.Load() }

func (t *syntheticTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		close(t.stop)
	})
}

func (t *syntheticTrack) pumpSilence() {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			// unbound tracks discard the sample
			_ = t.local.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration})
		}
	}
}
