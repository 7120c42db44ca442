package call

import (
	"log/slog"
	"time"

	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

// resources is everything one call acquires beyond its Session record.
// release is the only place any of it is freed.
type resources struct {
	peer   PeerSession
	local  *media.Stream
	remote *media.Stream
	buffer CandidateBuffer

	ringTimer        *time.Timer
	negotiationTimer *time.Timer

	acquiring  bool
	offerSent  bool
	answerSent bool

	muted    bool
	videoOff bool
}

// release stops both streams, closes the peer session, clears buffered
// candidates, stops timers and resets every flag. It is idempotent.
func (r *resources) release(logger *slog.Logger) {
	r.stopRingTimer()
	r.stopNegotiationTimer()

	if r.local != nil {
		r.local.Stop()
	}
	if r.remote != nil {
		r.remote.Stop()
	}
	if r.peer != nil {
		if err := r.peer.Close(); err != nil {
			logger.Warn("closing peer session", "error", err)
		}
	}

	*r = resources{}
}

// applyFlags pushes mute and video-off onto the local stream.
func (r *resources) applyFlags() {
	if r.local == nil {
		return
	}
	r.local.SetAudioEnabled(!r.muted)
	r.local.SetVideoEnabled(!r.videoOff)
}

func (r *resources) stopRingTimer() {
	if r.ringTimer != nil {
		r.ringTimer.Stop()
		r.ringTimer = nil
	}
}

func (r *resources) stopNegotiationTimer() {
	if r.negotiationTimer != nil {
		r.negotiationTimer.Stop()
		r.negotiationTimer = nil
	}
}

// teardown returns the manager to idle. Every path out of a call ends here.
func (m *Manager) teardown() {
	m.gen++
	m.res.release(m.logger)
	m.session = Session{Status: StatusIdle}
	m.storeSnapshot()
}

// terminate ends the live call with reason. Subscribers get one update with
// status ended describing the finished call, then the idle state. Calling it
// while idle only repeats the teardown.
func (m *Manager) terminate(reason EndReason, err error) {
	ended := m.session
	if !ended.Active() {
		m.teardown()
		return
	}
	ended.Status = StatusEnded
	if ended.IsInitiator && ended.CallID == "" {
		m.abandoned++
	}

	if err != nil {
		m.logger.Warn("call ended", "call_id", ended.CallID, "reason", reason, "error", err)
	} else {
		m.logger.Info("call ended", "call_id", ended.CallID, "reason", reason)
	}

	m.teardown()
	m.emit(Update{Session: ended, Reason: reason, Err: err})
	m.publish()
}

func (m *Manager) armRingTimer() {
	if m.ringTimeout <= 0 {
		return
	}
	g := m.gen
	m.res.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		m.postGen(g, m.handleRingTimeout)
	})
}

func (m *Manager) handleRingTimeout() {
	switch {
	case m.session.Status == StatusRinging:
		m.sendControl(signaling.NewCallReject(m.session.CallID))
		m.terminate(ReasonTimeout, nil)
	case m.session.Status == StatusCalling && !m.session.Negotiating:
		m.sendControl(signaling.NewCallEnd(m.session.CallID))
		m.terminate(ReasonTimeout, ErrNoAnswer)
	}
}

func (m *Manager) armNegotiationTimer() {
	if m.negotiationTimeout <= 0 {
		return
	}
	g := m.gen
	m.res.negotiationTimer = time.AfterFunc(m.negotiationTimeout, func() {
		m.postGen(g, m.handleNegotiationTimeout)
	})
}

func (m *Manager) handleNegotiationTimeout() {
	if !m.session.Negotiating {
		return
	}
	m.abort(ReasonConnectivity, WrapError("negotiate", ErrConnectivity, "timed out waiting for peer connection"))
}

// abort ends a call that failed locally, telling the other side first.
func (m *Manager) abort(reason EndReason, err error) {
	m.sendControl(signaling.NewCallEnd(m.session.CallID))
	m.terminate(reason, err)
}
