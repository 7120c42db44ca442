package media

import (
	"sync"

	"github.com/google/uuid"
)

// Stream groups the tracks of one side of a call.
type Stream struct {
	id string

	mu      sync.Mutex
	tracks  []*Track
	stopped bool
}

// NewStream creates a stream. An empty id gets a random one.
func NewStream(id string, tracks ...*Track) *Stream {
	if id == "" {
		id = uuid.NewString()
	}
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// AddTrack appends t. Tracks added after Stop are stopped immediately.
func (s *Stream) AddTrack(t *Track) {
	s.mu.Lock()
	stopped := s.stopped
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()

	if stopped {
		t.Stop()
	}
}

// Tracks returns a copy of the stream's tracks in insertion order.
func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []*Track { return s.byKind(KindAudio) }

func (s *Stream) VideoTracks() []*Track { return s.byKind(KindVideo) }

func (s *Stream) byKind(kind Kind) []*Track {
	var out []*Track
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// SetAudioEnabled toggles every audio track.
func (s *Stream) SetAudioEnabled(enabled bool) {
	for _, t := range s.AudioTracks() {
		t.SetEnabled(enabled)
	}
}

// SetVideoEnabled toggles every video track.
func (s *Stream) SetVideoEnabled(enabled bool) {
	for _, t := range s.VideoTracks() {
		t.SetEnabled(enabled)
	}
}

// Stats sums the counters of all tracks.
func (s *Stream) Stats() Stats {
	var total Stats
	for _, t := range s.Tracks() {
		st := t.Stats()
		total.Packets += st.Packets
		total.Bytes += st.Bytes
	}
	return total
}

// Stop stops every track. Repeated calls are no-ops.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := append([]*Track(nil), s.tracks...)
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
