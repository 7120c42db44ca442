package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Stats counts what passed through a track.
type Stats struct {
	Packets uint64
	Bytes   uint64
}

// Track is one audio or video track of a stream.
//
// A local track wraps a Pion sample track fed by a capture pump. Disabling it
// stops samples from reaching the connection, which is how mute and video-off
// work without renegotiating. A remote track wraps what the peer sent; the
// peer session feeds its counters.
type Track struct {
	id   string
	kind Kind

	local  *webrtc.TrackLocalStaticSample
	remote *webrtc.TrackRemote

	enabled atomic.Bool
	stopped atomic.Bool

	stopOnce sync.Once
	onStop   func()

	packets atomic.Uint64
	bytes   atomic.Uint64
}

// NewLocalTrack creates a sample track of the given kind belonging to
// streamID. onStop, if set, runs once when the track is stopped and is where
// capture devices are released.
func NewLocalTrack(kind Kind, streamID string, onStop func()) (*Track, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	id := fmt.Sprintf("%s-%s", kind, uuid.NewString())
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	t := &Track{id: id, kind: kind, local: local, onStop: onStop}
	t.enabled.Store(true)
	return t, nil
}

// NewRemoteTrack wraps a track received from the peer.
func NewRemoteTrack(remote *webrtc.TrackRemote) *Track {
	t := &Track{id: remote.ID(), kind: KindOf(remote.Kind()), remote: remote}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string { return t.id }

func (t *Track) Kind() Kind { return t.kind }

// Local returns the Pion track to attach to a connection, or nil for remote
// tracks.
func (t *Track) Local() webrtc.TrackLocal {
	if t.local == nil {
		return nil
	}
	return t.local
}

// Remote returns the underlying Pion remote track, or nil for local tracks.
func (t *Track) Remote() *webrtc.TrackRemote { return t.remote }

func (t *Track) IsLocal() bool { return t.local != nil }

func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled is idempotent and has no signaling side effect.
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// WriteSample forwards one encoded sample to the connection. Samples are
// dropped while the track is disabled or stopped.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if t.local == nil {
		return fmt.Errorf("track %s is not a local track", t.id)
	}
	if !t.enabled.Load() || t.stopped.Load() {
		return nil
	}
	if err := t.local.WriteSample(s); err != nil {
		return err
	}
	t.AddStats(1, len(s.Data))
	return nil
}

// AddStats records packets and bytes carried by the track.
func (t *Track) AddStats(packets, bytes int) {
	t.packets.Add(uint64(packets))
	t.bytes.Add(uint64(bytes))
}

func (t *Track) Stats() Stats {
	return Stats{Packets: t.packets.Load(), Bytes: t.bytes.Load()}
}

// Stop ends the track. It is safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

func (t *Track) Stopped() bool { return t.stopped.Load() }
