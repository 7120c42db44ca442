package call

import (
	"time"

	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/peer"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

func (m *Manager) handleSignalingEvent(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventConnected:
		m.sigConnected = true
		m.logger.Debug("relay connected")
		m.publish()

	case signaling.EventDisconnected:
		m.sigConnected = false
		// A call that has not finished negotiating cannot complete without
		// the relay. An established call keeps its media path.
		if m.session.Active() && (m.session.Status != StatusConnected || m.session.Negotiating) {
			m.terminate(ReasonConnectivity, ErrSignalingLost)
		} else {
			m.publish()
		}
		// The relay forgets our pending requests along with the connection.
		m.abandoned = 0
		m.dead = nil

	case signaling.EventMessage:
		if ev.Message != nil {
			m.handleMessage(ev.Message)
		}
	}
}

func (m *Manager) handleMessage(msg *signaling.Message) {
	if m.isDead(msg) {
		if msg.Type == signaling.TypeCallAccepted {
			m.sendControl(signaling.NewCallEnd(msg.CallID))
		}
		return
	}
	switch msg.Type {
	case signaling.TypeIncomingCall:
		m.onIncomingCall(msg)
	case signaling.TypeCallRinging:
		m.onRinging(msg)
	case signaling.TypeCallAccepted:
		m.onAccepted(msg)
	case signaling.TypeCallRejected:
		if m.isCurrent(msg) {
			m.terminate(ReasonRejected, nil)
		}
	case signaling.TypeCallEnded:
		if m.isCurrent(msg) {
			m.terminate(ReasonEnded, nil)
		}
	case signaling.TypeCallError:
		m.onCallError(msg)
	case signaling.TypeOffer:
		m.onOffer(msg)
	case signaling.TypeAnswer:
		m.onAnswer(msg)
	case signaling.TypeICECandidate:
		m.onCandidate(msg)
	default:
		m.logger.Debug("ignoring message", "type", msg.Type)
	}
}

// isCurrent reports whether msg belongs to the live call. Messages without a
// call id are attributed to it.
func (m *Manager) isCurrent(msg *signaling.Message) bool {
	if !m.session.Active() {
		m.logger.Debug("ignoring message while idle", "type", msg.Type)
		return false
	}
	if msg.CallID != "" && m.session.CallID != "" && msg.CallID != m.session.CallID {
		m.logger.Debug("ignoring message for another call", "type", msg.Type, "call_id", msg.CallID)
		return false
	}
	return true
}

// fromRemote reports whether negotiation data came from the live call's peer.
func (m *Manager) fromRemote(msg *signaling.Message) bool {
	if !m.isCurrent(msg) {
		return false
	}
	if msg.SenderID != "" && msg.SenderID != m.session.RemotePeerID {
		m.logger.Debug("ignoring message from unexpected sender", "type", msg.Type, "sender", msg.SenderID)
		return false
	}
	return true
}

func (m *Manager) onIncomingCall(msg *signaling.Message) {
	if m.session.Active() {
		if msg.CallID == m.session.CallID {
			return
		}
		m.logger.Info("busy, rejecting incoming call", "call_id", msg.CallID, "caller", msg.CallerID)
		m.sendControl(signaling.NewCallReject(msg.CallID))
		return
	}

	callType, err := media.ParseCallType(msg.CallType)
	if err != nil {
		m.logger.Warn("incoming call with unknown type, treating as audio", "call_type", msg.CallType)
		callType = Audio
	}

	m.gen++
	m.session = Session{
		Status:         StatusRinging,
		CallID:         msg.CallID,
		CallType:       callType,
		RemotePeerID:   msg.CallerID,
		RemotePeerName: msg.CallerName,
		StartedAt:      time.Now(),
	}
	m.armRingTimer()
	m.logger.Info("incoming call", "call_id", msg.CallID, "caller", msg.CallerID, "call_type", callType)
	m.publish()
}

// claimAbandoned matches a call-ringing against the oldest request that was
// hung up before its id arrived, and ends that call on the relay.
func (m *Manager) claimAbandoned(msg *signaling.Message) bool {
	if m.abandoned == 0 || msg.CallID == "" {
		return false
	}
	m.abandoned--
	if m.dead == nil {
		m.dead = make(map[string]struct{})
	}
	m.dead[msg.CallID] = struct{}{}
	m.logger.Debug("ending abandoned call", "call_id", msg.CallID)
	m.sendControl(signaling.NewCallEnd(msg.CallID))
	return true
}

// isDead reports whether msg is for a call that was abandoned before it had
// an id. Terminal messages retire the id.
func (m *Manager) isDead(msg *signaling.Message) bool {
	if _, ok := m.dead[msg.CallID]; !ok || msg.CallID == "" {
		return false
	}
	switch msg.Type {
	case signaling.TypeCallRejected, signaling.TypeCallEnded, signaling.TypeCallError:
		delete(m.dead, msg.CallID)
	}
	m.logger.Debug("ignoring message for abandoned call", "type", msg.Type, "call_id", msg.CallID)
	return true
}

func (m *Manager) onRinging(msg *signaling.Message) {
	if m.claimAbandoned(msg) {
		return
	}
	if m.session.Status != StatusCalling || !m.session.IsInitiator {
		m.logger.Debug("ignoring call-ringing", "status", m.session.Status)
		return
	}
	if m.session.CallID != "" {
		return
	}
	m.session.CallID = msg.CallID
	m.publish()
}

func (m *Manager) onAccepted(msg *signaling.Message) {
	if m.session.Status != StatusCalling || !m.session.IsInitiator || m.session.Negotiating {
		m.logger.Debug("ignoring call-accepted", "status", m.session.Status)
		return
	}
	if m.session.CallID == "" || msg.CallID != m.session.CallID {
		m.logger.Debug("ignoring call-accepted for another call", "call_id", msg.CallID)
		return
	}

	m.res.stopRingTimer()
	m.session.Negotiating = true
	m.armNegotiationTimer()
	m.logger.Info("call accepted", "call_id", m.session.CallID)

	if err := m.createPeer(); err != nil {
		m.abort(ReasonError, NewError("create peer session", err))
		return
	}
	m.startAcquire()
	m.publish()
}

func (m *Manager) onCallError(msg *signaling.Message) {
	err := &RelayError{Message: msg.Message}
	if msg.CallID == "" && m.abandoned > 0 {
		// The relay refused a request that was already hung up.
		m.abandoned--
		m.logger.Debug("relay error for abandoned call", "message", msg.Message)
		return
	}
	if !m.session.Active() {
		m.logger.Warn("relay error", "message", msg.Message)
		m.storeSnapshot()
		m.emit(Update{Session: m.session, Reason: ReasonError, Err: err})
		return
	}
	if !m.isCurrent(msg) {
		return
	}
	refused := m.session.IsInitiator && m.session.CallID == ""
	m.terminate(ReasonError, err)
	if refused {
		// The error answered the request itself; no call-ringing will follow.
		m.abandoned--
	}
}

func (m *Manager) onOffer(msg *signaling.Message) {
	if !m.fromRemote(msg) {
		return
	}
	if m.session.IsInitiator {
		m.logger.Warn("ignoring offer, we are the caller")
		return
	}
	if m.session.Status != StatusConnected || !m.session.Negotiating {
		m.logger.Debug("ignoring offer", "status", m.session.Status)
		return
	}
	if m.res.peer != nil && m.res.peer.HasRemoteDescription() {
		m.logger.Debug("ignoring repeated offer")
		return
	}

	if m.res.peer == nil {
		if err := m.createPeer(); err != nil {
			m.abort(ReasonError, NewError("create peer session", err))
			return
		}
		m.startAcquire()
	}

	if err := m.res.peer.SetRemoteDescription(msg.SDP, peer.KindOffer); err != nil {
		m.abort(ReasonError, NewError("apply offer", err))
		return
	}
	m.drainCandidates()
	m.negotiate()
}

func (m *Manager) onAnswer(msg *signaling.Message) {
	if !m.fromRemote(msg) {
		return
	}
	if !m.session.IsInitiator || m.res.peer == nil || !m.res.offerSent {
		m.logger.Debug("ignoring unexpected answer")
		return
	}
	if m.res.peer.HasRemoteDescription() {
		m.logger.Debug("ignoring repeated answer")
		return
	}

	if err := m.res.peer.SetRemoteDescription(msg.SDP, peer.KindAnswer); err != nil {
		m.abort(ReasonError, NewError("apply answer", err))
		return
	}
	m.drainCandidates()
}

func (m *Manager) onCandidate(msg *signaling.Message) {
	if !m.fromRemote(msg) {
		return
	}

	var c peer.Candidate
	if err := msg.DecodeCandidate(&c); err != nil {
		m.logger.Warn("dropping malformed candidate", "error", err)
		return
	}

	if m.res.buffer.IsReady(m.res.peer) {
		if err := m.res.peer.AddCandidate(c); err != nil {
			m.logger.Debug("candidate rejected", "error", err)
		}
		return
	}
	m.res.buffer.Push(c)
}

func (m *Manager) drainCandidates() {
	n := m.res.buffer.Len()
	if n == 0 {
		return
	}
	if err := m.res.buffer.DrainInto(m.res.peer); err != nil {
		m.logger.Debug("some buffered candidates were rejected", "error", err)
	}
	m.logger.Debug("applied buffered candidates", "count", n)
}
