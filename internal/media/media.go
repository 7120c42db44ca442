// Package media holds the local and remote media model of a call: call types,
// tracks that can be enabled and disabled without renegotiation, streams that
// group them, and the Source contract for acquiring capture devices.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// CallType is fixed for the lifetime of one call.
type CallType string

const (
	Audio CallType = "audio"
	Video CallType = "video"
)

// ParseCallType accepts "audio" or "video" in any case.
func ParseCallType(s string) (CallType, error) {
	switch CallType(strings.ToLower(strings.TrimSpace(s))) {
	case Audio:
		return Audio, nil
	case Video:
		return Video, nil
	default:
		return "", fmt.Errorf("invalid call type %q: must be audio or video", s)
	}
}

// HasVideo reports whether the call type carries a video track.
func (t CallType) HasVideo() bool {
	return t == Video
}

func (t CallType) String() string {
	return string(t)
}

// Kind is the media kind of a single track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// CodecType maps the kind to Pion's codec type.
func (k Kind) CodecType() webrtc.RTPCodecType {
	if k == KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// KindOf maps a Pion codec type back to a Kind.
func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// Constraints are the capture hints used when opening a camera. Values are
// upper bounds; the device may deliver less.
type Constraints struct {
	Width     int
	Height    int
	FrameRate float64
}

func DefaultConstraints() Constraints {
	return Constraints{Width: 640, Height: 480, FrameRate: 30}
}

// Source acquires local capture for a call. Audio is always requested; video
// only for Video calls. Failures to open a device are reported as
// *DeviceAccessError.
type Source interface {
	Acquire(ctx context.Context, callType CallType) (*Stream, error)
}

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoDevice         = errors.New("no capture device")
)

// DeviceAccessError reports that a capture device could not be opened.
// It is distinct from network failures so callers can surface it separately.
type DeviceAccessError struct {
	Kind Kind
	Err  error
}

func (e *DeviceAccessError) Error() string {
	return fmt.Sprintf("cannot access %s device: %v", e.Kind, e.Err)
}

func (e *DeviceAccessError) Unwrap() error {
	return e.Err
}

// IsDeviceAccess reports whether err is, or wraps, a *DeviceAccessError.
func IsDeviceAccess(err error) bool {
	var de *DeviceAccessError
	return errors.As(err, &de)
}
