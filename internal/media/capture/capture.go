// Package capture opens the local camera and microphone and feeds encoded
// frames into media tracks.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BioHazard786/warpcall/internal/media"
)

const (
	opusClockRate     = 48000
	defaultAudioFrame = 20 * time.Millisecond
	videoBitRate      = 1_000_000
	defaultVideoFPS   = 30
)

// Source acquires capture devices. It implements media.Source.
type Source struct {
	constraints media.Constraints
	logger      *slog.Logger
}

type Option func(*Source)

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Source that opens devices with the given hints. Zero fields
// fall back to media.DefaultConstraints.
func New(c media.Constraints, opts ...Option) *Source {
	def := media.DefaultConstraints()
	if c.Width <= 0 {
		c.Width = def.Width
	}
	if c.Height <= 0 {
		c.Height = def.Height
	}
	if c.FrameRate <= 0 {
		c.FrameRate = def.FrameRate
	}

	s := &Source{constraints: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "capture")
	return s
}

// Constraints returns the hints devices are opened with.
func (s *Source) Constraints() media.Constraints {
	return s.constraints
}

// Acquire opens the microphone and, for video calls, the camera.
func (s *Source) Acquire(ctx context.Context, callType media.CallType) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.acquire(ctx, callType)
}

// deviceError classifies a driver failure as a permission or missing-device
// problem for the given kind.
func deviceError(kind media.Kind, err error) error {
	var de *media.DeviceAccessError
	if errors.As(err, &de) {
		return err
	}

	reason := media.ErrNoDevice
	msg := strings.ToLower(err.Error())
	if errors.Is(err, os.ErrPermission) || strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted") {
		reason = media.ErrPermissionDenied
	}
	return &media.DeviceAccessError{Kind: kind, Err: errors.Join(reason, err)}
}

// audioDuration converts an Opus sample count into playout time.
func audioDuration(samples uint32) time.Duration {
	if samples == 0 {
		return defaultAudioFrame
	}
	return time.Duration(samples) * time.Second / opusClockRate
}

func videoDuration(fps float64) time.Duration {
	if fps <= 0 {
		fps = defaultVideoFPS
	}
	return time.Duration(float64(time.Second) / fps)
}
