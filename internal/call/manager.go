// Package call runs the lifecycle of a single one-to-one call: it interprets
// relay messages, drives the peer session and candidate buffer, and exposes
// the actions a user interface needs.
//
// All call state is owned by one goroutine, started with Run. Relay events,
// peer callbacks, timers and caller actions are all funneled into it through
// a mailbox; nothing else mutates a call.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/peer"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

const (
	mailboxSize = 128
	updateSize  = 64
)

// Signaler is the relay connection. *signaling.Client implements it.
type Signaler interface {
	Send(*signaling.Message) error
	IsConnected() bool
	Events() <-chan signaling.Event
}

// PeerSession is the negotiated connection of one call. *peer.Session
// implements it.
type PeerSession interface {
	AttachLocalStream(*media.Stream) error
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetRemoteDescription(sdp string, kind peer.DescriptionKind) error
	HasRemoteDescription() bool
	AddCandidate(peer.Candidate) error
	RemoteStream() *media.Stream
	Close() error
}

// PeerFactory builds the peer session for a call. Handlers must be wired
// into the session it returns.
type PeerFactory func(callType CallType, h peer.Handlers) (PeerSession, error)

// NewPeerFactory returns a factory producing *peer.Session values.
func NewPeerFactory(cfg peer.Config, logger *slog.Logger) PeerFactory {
	return func(callType CallType, h peer.Handlers) (PeerSession, error) {
		s, err := peer.New(callType, cfg, h, peer.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDisplayName sets the name sent to the callee with a call request.
func WithDisplayName(name string) Option {
	return func(m *Manager) { m.displayName = name }
}

// WithRingTimeout bounds how long a call may ring unanswered. Zero disables.
func WithRingTimeout(d time.Duration) Option {
	return func(m *Manager) { m.ringTimeout = d }
}

// WithNegotiationTimeout bounds how long an accepted call may take to
// connect. Zero disables.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(m *Manager) { m.negotiationTimeout = d }
}

// Manager is the call state machine.
type Manager struct {
	sig     Signaler
	source  media.Source
	newPeer PeerFactory
	logger  *slog.Logger

	displayName        string
	ringTimeout        time.Duration
	negotiationTimeout time.Duration

	mailbox chan func()
	updates chan Update
	done    chan struct{}
	running atomic.Bool
	runCtx  context.Context

	// Owned by the run loop.
	session      Session
	gen          uint64
	res          resources
	sigConnected bool

	// Call requests hung up before the relay assigned them an id, and the
	// ids they turned out to have. The relay answers requests in order.
	abandoned int
	dead      map[string]struct{}

	mu   sync.RWMutex
	snap snapshot
}

// snapshot is what readers outside the run loop see.
type snapshot struct {
	session            Session
	local              *media.Stream
	remote             *media.Stream
	muted              bool
	videoOff           bool
	signalingConnected bool
}

// NewManager creates a manager. Call Run to start it.
func NewManager(sig Signaler, source media.Source, newPeer PeerFactory, opts ...Option) *Manager {
	m := &Manager{
		sig:     sig,
		source:  source,
		newPeer: newPeer,
		logger:  slog.Default(),
		mailbox: make(chan func(), mailboxSize),
		updates: make(chan Update, updateSize),
		done:    make(chan struct{}),
		runCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "call")
	return m
}

// Run processes events until ctx is done. A call still live at that point is
// hung up. Updates is closed when Run returns.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("call manager already running")
	}
	m.runCtx = ctx

	defer func() {
		close(m.done)
		close(m.updates)
	}()

	m.sigConnected = m.sig.IsConnected()
	m.publish()

	events := m.sig.Events()
	for {
		select {
		case <-ctx.Done():
			if m.session.Active() {
				m.hangup()
			}
			return nil

		case fn := <-m.mailbox:
			fn()

		case ev, ok := <-events:
			if !ok {
				events = nil
				m.handleSignalingEvent(signaling.Event{Kind: signaling.EventDisconnected})
				continue
			}
			m.handleSignalingEvent(ev)
		}
	}
}

// Updates delivers state changes. Slow consumers miss updates; the latest
// state is always available from the accessors.
func (m *Manager) Updates() <-chan Update {
	return m.updates
}

// post queues fn for the run loop. It fails once the manager has stopped.
func (m *Manager) post(ctx context.Context, fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.mailbox <- fn:
		return true
	case <-m.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// postGen queues fn for callbacks belonging to call generation g. The
// closure is dropped if that call has ended by the time it runs.
func (m *Manager) postGen(g uint64, fn func()) bool {
	return m.post(context.Background(), func() {
		if g != m.gen {
			m.logger.Debug("dropping event for ended call")
			return
		}
		fn()
	})
}

// do runs fn on the run loop and waits for its result.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !m.post(ctx, func() { reply <- fn() }) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrManagerClosed
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

// StartCall rings targetID. It fails without changing state when a call is
// already live or the relay is unreachable.
func (m *Manager) StartCall(ctx context.Context, targetID, targetName string, callType CallType) error {
	return m.do(ctx, func() error {
		if targetID == "" {
			return ErrInvalidTarget
		}
		if callType != Audio && callType != Video {
			return WrapError("start call", ErrInvalidTarget, "unknown call type "+string(callType))
		}
		if m.session.Active() {
			m.logger.Warn("dropping start-call, call in progress", "target", targetID, "status", m.session.Status)
			return ErrCallInProgress
		}
		if !m.sig.IsConnected() {
			return ErrSignalingUnavailable
		}
		if err := m.sig.Send(signaling.NewCallRequest(targetID, m.displayName, callType.String())); err != nil {
			return WrapError("start call", ErrSignalingUnavailable, err.Error())
		}

		m.gen++
		m.session = Session{
			Status:         StatusCalling,
			CallType:       callType,
			RemotePeerID:   targetID,
			RemotePeerName: targetName,
			IsInitiator:    true,
			StartedAt:      time.Now(),
		}
		m.armRingTimer()
		m.logger.Info("calling", "target", targetID, "call_type", callType)
		m.publish()
		return nil
	})
}

// AcceptCall answers the ringing call. Negotiation starts when the caller's
// offer arrives.
func (m *Manager) AcceptCall(ctx context.Context) error {
	return m.do(ctx, func() error {
		switch m.session.Status {
		case StatusRinging:
		case StatusIdle:
			return ErrNoIncomingCall
		default:
			m.logger.Warn("dropping accept-call", "status", m.session.Status)
			return ErrCallInProgress
		}
		if !m.sig.IsConnected() {
			return ErrSignalingUnavailable
		}
		if err := m.sig.Send(signaling.NewCallAccept(m.session.CallID)); err != nil {
			return WrapError("accept call", ErrSignalingUnavailable, err.Error())
		}

		m.res.stopRingTimer()
		m.session.Status = StatusConnected
		m.session.Negotiating = true
		m.armNegotiationTimer()
		m.logger.Info("accepted call", "call_id", m.session.CallID, "caller", m.session.RemotePeerID)
		m.publish()
		return nil
	})
}

// RejectCall declines the live call and tears it down.
func (m *Manager) RejectCall(ctx context.Context) error {
	return m.do(ctx, func() error {
		if !m.session.Active() {
			return ErrNoActiveCall
		}
		m.sendControl(signaling.NewCallReject(m.session.CallID))
		m.terminate(ReasonNone, nil)
		return nil
	})
}

// EndCall hangs up the live call. A ringing incoming call is rejected.
func (m *Manager) EndCall(ctx context.Context) error {
	return m.do(ctx, func() error {
		if !m.session.Active() {
			return ErrNoActiveCall
		}
		m.hangup()
		return nil
	})
}

// hangup tells the other side the call is over, if it knows the call id,
// and tears down.
func (m *Manager) hangup() {
	if m.session.Status == StatusRinging {
		m.sendControl(signaling.NewCallReject(m.session.CallID))
	} else {
		m.sendControl(signaling.NewCallEnd(m.session.CallID))
	}
	m.terminate(ReasonNone, nil)
}

// sendControl sends a call control message best effort. Messages for calls
// the relay has not assigned an id to yet are dropped.
func (m *Manager) sendControl(msg *signaling.Message) {
	if msg.CallID == "" {
		m.logger.Debug("no call id yet, not sending", "type", msg.Type)
		return
	}
	if err := m.sig.Send(msg); err != nil {
		m.logger.Warn("failed to send", "type", msg.Type, "error", err)
	}
}

// ToggleMute flips the microphone and returns whether it is now muted. It
// fails with ErrNoActiveCall while idle.
func (m *Manager) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := m.do(ctx, func() error {
		if !m.session.Active() {
			return ErrNoActiveCall
		}
		m.res.muted = !m.res.muted
		m.res.applyFlags()
		muted = m.res.muted
		m.publish()
		return nil
	})
	return muted, err
}

// ToggleVideo flips the camera and returns whether video is now off.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	var off bool
	err := m.do(ctx, func() error {
		if !m.session.Active() {
			return ErrNoActiveCall
		}
		m.res.videoOff = !m.res.videoOff
		m.res.applyFlags()
		off = m.res.videoOff
		m.publish()
		return nil
	})
	return off, err
}

func (m *Manager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.session
}

// LocalStream returns the captured stream of the live call, or nil.
func (m *Manager) LocalStream() *media.Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.local
}

// RemoteStream returns the peer's stream once a track has arrived, or nil.
func (m *Manager) RemoteStream() *media.Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.remote
}

func (m *Manager) Muted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.muted
}

func (m *Manager) VideoOff() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.videoOff
}

func (m *Manager) SignalingConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.signalingConnected
}

// storeSnapshot copies run loop state for readers.
func (m *Manager) storeSnapshot() {
	m.mu.Lock()
	m.snap = snapshot{
		session:            m.session,
		local:              m.res.local,
		remote:             m.res.remote,
		muted:              m.res.muted,
		videoOff:           m.res.videoOff,
		signalingConnected: m.sigConnected,
	}
	m.mu.Unlock()
}

// publish refreshes the snapshot and emits an update for it.
func (m *Manager) publish() {
	m.storeSnapshot()
	m.emit(Update{Session: m.session})
}

func (m *Manager) emit(u Update) {
	u.Muted = m.res.muted
	u.VideoOff = m.res.videoOff
	u.SignalingConnected = m.sigConnected

	select {
	case m.updates <- u:
	default:
		m.logger.Warn("update channel full, dropping update", "status", u.Session.Status)
	}
}
