package media

import (
	"context"
	"sync/atomic"
)

// NullSource hands out tracks that never carry samples. Negotiation and
// connectivity behave as with real devices, so it serves tests and hosts
// without capture hardware.
type NullSource struct {
	acquired atomic.Int64
}

func (s *NullSource) Acquire(ctx context.Context, callType CallType) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream := NewStream("")
	audio, err := NewLocalTrack(KindAudio, stream.ID(), nil)
	if err != nil {
		return nil, err
	}
	stream.AddTrack(audio)

	if callType.HasVideo() {
		video, err := NewLocalTrack(KindVideo, stream.ID(), nil)
		if err != nil {
			return nil, err
		}
		stream.AddTrack(video)
	}

	s.acquired.Add(1)
	return stream, nil
}

// Acquired returns how many streams have been handed out.
func (s *NullSource) Acquired() int64 {
	return s.acquired.Load()
}
