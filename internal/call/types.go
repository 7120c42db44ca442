package call

import (
	"fmt"
	"time"

	"github.com/BioHazard786/warpcall/internal/media"
)

type CallType = media.CallType

const (
	Audio = media.Audio
	Video = media.Video
)

// Status is the live state of the one call a Manager can hold.
type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusRinging
	StatusConnected
	// StatusEnded only appears in the Update that reports a finished call.
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Session is a snapshot of the current call.
type Session struct {
	Status         Status
	CallID         string
	CallType       CallType
	RemotePeerID   string
	RemotePeerName string
	IsInitiator    bool

	// Negotiating is set between call acceptance and the peer connection
	// coming up. A callee shows StatusConnected while still negotiating.
	Negotiating bool

	StartedAt   time.Time
	ConnectedAt time.Time
}

// Active reports whether the session holds a live call.
func (s Session) Active() bool {
	return s.Status != StatusIdle && s.Status != StatusEnded
}

// EndReason says why a call returned to idle.
type EndReason int

const (
	ReasonNone EndReason = iota
	ReasonRejected
	ReasonEnded
	ReasonError
	ReasonDevice
	ReasonConnectivity
	ReasonTimeout
)

func (r EndReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRejected:
		return "rejected"
	case ReasonEnded:
		return "ended"
	case ReasonError:
		return "error"
	case ReasonDevice:
		return "device"
	case ReasonConnectivity:
		return "connectivity"
	case ReasonTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("EndReason(%d)", int(r))
	}
}

// Update is published on every observable change. Reason and Err are only
// meaningful when Session.Status is StatusEnded, except that relay errors
// received while idle carry Err as well.
type Update struct {
	Session            Session
	Reason             EndReason
	Err                error
	Muted              bool
	VideoOff           bool
	SignalingConnected bool
}

// Ended reports whether the update closes a call.
func (u Update) Ended() bool {
	return u.Session.Status == StatusEnded
}
