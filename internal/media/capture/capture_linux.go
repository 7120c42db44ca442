//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

func (s *Source) acquire(ctx context.Context, callType media.CallType) (*media.Stream, error) {
	if err := s.checkDevices(callType); err != nil {
		return nil, err
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 encoder: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if callType.HasVideo() {
		c := s.constraints
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some webcams produce frames the VP8 encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: c.Width}
			mc.Height = prop.IntRanged{Max: c.Height}
			mc.FrameRate = prop.FloatRanged{Max: float32(c.FrameRate)}
		}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		ms, err := mediadevices.GetUserMedia(constraints)
		done <- result{stream: ms, err: err}
	}()

	var ms mediadevices.MediaStream
	select {
	case res := <-done:
		if res.err != nil {
			kind := media.KindAudio
			if callType.HasVideo() {
				kind = media.KindVideo
			}
			return nil, deviceError(kind, res.err)
		}
		ms = res.stream
	case <-ctx.Done():
		// Release the devices once the driver returns.
		go func() {
			if res := <-done; res.err == nil {
				closeAll(res.stream.GetTracks())
			}
		}()
		return nil, ctx.Err()
	}

	stream, err := s.wrap(ms, callType)
	if err != nil {
		closeAll(ms.GetTracks())
		return nil, err
	}
	return stream, nil
}

// checkDevices fails early when a required device is absent.
func (s *Source) checkDevices(callType media.CallType) error {
	var audio, video int
	for _, d := range mediadevices.EnumerateDevices() {
		s.logger.Debug("media device", "kind", d.Kind, "label", d.Label)
		switch d.Kind {
		case mediadevices.AudioInput:
			audio++
		case mediadevices.VideoInput:
			video++
		}
	}

	if audio == 0 {
		return &media.DeviceAccessError{Kind: media.KindAudio, Err: media.ErrNoDevice}
	}
	if callType.HasVideo() && video == 0 {
		return &media.DeviceAccessError{Kind: media.KindVideo, Err: media.ErrNoDevice}
	}
	return nil
}

// wrap pairs every captured track with a sample track and starts its encode
// pump.
func (s *Source) wrap(ms mediadevices.MediaStream, callType media.CallType) (*media.Stream, error) {
	stream := media.NewStream("")

	for _, mt := range ms.GetTracks() {
		kind := media.KindOf(mt.Kind())
		if kind == media.KindVideo && !callType.HasVideo() {
			mt.Close()
			continue
		}

		mime := webrtc.MimeTypeOpus
		if kind == media.KindVideo {
			mime = webrtc.MimeTypeVP8
		}

		reader, err := mt.NewEncodedReader(mime)
		if err != nil {
			stream.Stop()
			return nil, deviceError(kind, fmt.Errorf("open %s encoder: %w", mime, err))
		}

		mt.OnEnded(func(err error) {
			if err != nil {
				s.logger.Warn("capture track ended", "kind", kind, "error", err)
			}
		})

		captured := mt
		track, err := media.NewLocalTrack(kind, stream.ID(), func() {
			reader.Close()
			captured.Close()
		})
		if err != nil {
			reader.Close()
			stream.Stop()
			return nil, err
		}
		stream.AddTrack(track)

		go s.pump(reader, track)
	}

	if len(stream.AudioTracks()) == 0 {
		stream.Stop()
		return nil, &media.DeviceAccessError{Kind: media.KindAudio, Err: errors.New("microphone produced no track")}
	}
	if callType.HasVideo() && len(stream.VideoTracks()) == 0 {
		stream.Stop()
		return nil, &media.DeviceAccessError{Kind: media.KindVideo, Err: errors.New("camera produced no track")}
	}

	s.logger.Info("local media captured", "call_type", callType, "tracks", len(stream.Tracks()))
	return stream, nil
}

// pump moves encoded frames into the sample track until the reader closes.
func (s *Source) pump(reader mediadevices.EncodedReadCloser, track *media.Track) {
	frameDur := videoDuration(s.constraints.FrameRate)

	for {
		buf, release, err := reader.Read()
		if err != nil {
			if !track.Stopped() {
				s.logger.Debug("encoder stopped", "track", track.ID(), "error", err)
			}
			return
		}

		dur := frameDur
		if track.Kind() == media.KindAudio {
			dur = audioDuration(buf.Samples)
		}

		err = track.WriteSample(pionmedia.Sample{Data: buf.Data, Duration: dur})
		release()
		if err != nil {
			s.logger.Debug("write sample failed", "track", track.ID(), "error", err)
		}
	}
}

func closeAll(tracks []mediadevices.Track) {
	for _, t := range tracks {
		t.Close()
	}
}
