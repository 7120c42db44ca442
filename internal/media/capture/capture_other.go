//go:build !linux

package capture

import (
	"context"
	"fmt"
	"runtime"

	"github.com/BioHazard786/warpcall/internal/media"
)

// Camera and microphone drivers are only wired for linux.
func (s *Source) acquire(_ context.Context, callType media.CallType) (*media.Stream, error) {
	s.logger.Warn("local capture unavailable", "os", runtime.GOOS, "call_type", callType)
	return nil, &media.DeviceAccessError{
		Kind: media.KindAudio,
		Err:  fmt.Errorf("%w: capture is not supported on %s", media.ErrNoDevice, runtime.GOOS),
	}
}
