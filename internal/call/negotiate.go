package call

import (
	"time"

	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/peer"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

// createPeer builds the peer session for the live call. Its callbacks are
// tagged with the current generation so nothing from a finished call can
// reach a later one.
func (m *Manager) createPeer() error {
	if m.res.peer != nil {
		return nil
	}

	g := m.gen
	remoteID := m.session.RemotePeerID
	callID := m.session.CallID

	h := peer.Handlers{
		OnLocalCandidate: func(c peer.Candidate) {
			m.postGen(g, func() { m.sendCandidate(remoteID, callID, c) })
		},
		OnRemoteStream: func(s *media.Stream) {
			m.postGen(g, func() {
				m.res.remote = s
				m.logger.Info("remote stream", "stream_id", s.ID(), "tracks", len(s.Tracks()))
				m.publish()
			})
		},
		OnConnectionStateChange: func(state peer.ConnectionState) {
			m.postGen(g, func() { m.handlePeerState(state) })
		},
	}

	p, err := m.newPeer(m.session.CallType, h)
	if err != nil {
		return err
	}
	m.res.peer = p
	m.logger.Debug("peer session created", "call_id", callID)
	return nil
}

func (m *Manager) sendCandidate(remoteID, callID string, c peer.Candidate) {
	msg, err := signaling.NewICECandidate(remoteID, c)
	if err != nil {
		m.logger.Warn("encoding local candidate", "error", err)
		return
	}
	msg.CallID = callID
	if err := m.sig.Send(msg); err != nil {
		m.logger.Debug("failed to send candidate", "error", err)
	}
}

// startAcquire opens local capture in the background. The result is handed
// back to the run loop, which decides whether the call still wants it.
func (m *Manager) startAcquire() {
	if m.res.acquiring || m.res.local != nil {
		return
	}
	m.res.acquiring = true

	g := m.gen
	ctx := m.runCtx
	callType := m.session.CallType

	go func() {
		stream, err := m.source.Acquire(ctx, callType)
		delivered := m.post(ctx, func() { m.handleAcquired(g, stream, err) })
		if !delivered && stream != nil {
			stream.Stop()
		}
	}()
}

func (m *Manager) handleAcquired(g uint64, stream *media.Stream, err error) {
	if g != m.gen {
		if stream != nil {
			m.logger.Debug("releasing capture for ended call")
			stream.Stop()
		}
		return
	}
	m.res.acquiring = false

	if err != nil {
		m.abort(ReasonDevice, NewError("acquire media", err))
		return
	}

	m.res.local = stream
	m.res.applyFlags()
	if err := m.res.peer.AttachLocalStream(stream); err != nil {
		m.abort(ReasonError, NewError("attach local stream", err))
		return
	}
	m.logger.Info("local media ready", "tracks", len(stream.Tracks()))
	m.negotiate()
	m.publish()
}

// negotiate produces this side's description once everything it depends on
// is in place. The caller offers after capture is attached; the callee
// answers after both the offer and capture are in.
func (m *Manager) negotiate() {
	if m.res.peer == nil || m.res.local == nil {
		return
	}

	if m.session.IsInitiator {
		if m.res.offerSent {
			return
		}
		sdp, err := m.res.peer.CreateOffer()
		if err != nil {
			m.abort(ReasonError, NewError("create offer", err))
			return
		}
		m.res.offerSent = true
		m.sendDescription(signaling.NewOffer(m.session.RemotePeerID, sdp))
		return
	}

	if m.res.answerSent || !m.res.peer.HasRemoteDescription() {
		return
	}
	sdp, err := m.res.peer.CreateAnswer()
	if err != nil {
		m.abort(ReasonError, NewError("create answer", err))
		return
	}
	m.res.answerSent = true
	m.sendDescription(signaling.NewAnswer(m.session.RemotePeerID, sdp))
}

func (m *Manager) sendDescription(msg *signaling.Message) {
	msg.CallID = m.session.CallID
	if err := m.sig.Send(msg); err != nil {
		m.terminate(ReasonConnectivity, WrapError("send "+msg.Type, ErrSignalingLost, err.Error()))
		return
	}
	m.logger.Debug("sent description", "type", msg.Type, "call_id", msg.CallID)
}

func (m *Manager) handlePeerState(state peer.ConnectionState) {
	switch {
	case state == peer.StateConnected:
		if m.session.Status == StatusConnected && !m.session.Negotiating {
			return
		}
		m.res.stopNegotiationTimer()
		m.session.Status = StatusConnected
		m.session.Negotiating = false
		m.session.ConnectedAt = time.Now()
		m.logger.Info("call connected", "call_id", m.session.CallID, "peer", m.session.RemotePeerID)
		m.publish()

	case state.Terminal():
		m.abort(ReasonConnectivity, WrapError("peer connection", ErrConnectivity, string(state)))

	default:
		m.logger.Debug("peer state", "state", state)
	}
}
