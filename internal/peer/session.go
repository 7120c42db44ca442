// Package peer wraps one negotiated WebRTC connection of a call.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

const rtpBufferSize = 1500

var (
	ErrRemoteDescriptionNotSet = errors.New("remote description not set")
	ErrNoRemoteOffer           = errors.New("no remote offer to answer")
	ErrClosed                  = errors.New("peer session closed")
)

// Candidate is a trickled ICE candidate as exchanged over signaling.
type Candidate = pion.ICECandidateInit

// DescriptionKind says which half of the offer/answer exchange an SDP is.
type DescriptionKind string

const (
	KindOffer  DescriptionKind = "offer"
	KindAnswer DescriptionKind = "answer"
)

func (k DescriptionKind) sdpType() (pion.SDPType, error) {
	switch k {
	case KindOffer:
		return pion.SDPTypeOffer, nil
	case KindAnswer:
		return pion.SDPTypeAnswer, nil
	default:
		return 0, fmt.Errorf("unsupported description kind %q", k)
	}
}

type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

func stateFromPion(s pion.PeerConnectionState) ConnectionState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return StateConnecting
	case pion.PeerConnectionStateConnected:
		return StateConnected
	case pion.PeerConnectionStateDisconnected:
		return StateDisconnected
	case pion.PeerConnectionStateFailed:
		return StateFailed
	case pion.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Terminal reports whether the state ends the call.
func (s ConnectionState) Terminal() bool {
	return s == StateFailed || s == StateDisconnected
}

// Handlers receive the session's events. They run on Pion goroutines and
// must not block. Nil handlers are skipped.
type Handlers struct {
	OnLocalCandidate        func(Candidate)
	OnRemoteStream          func(*media.Stream)
	OnConnectionStateChange func(ConnectionState)
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session owns one peer connection. Buffering candidates that arrive before
// the remote description is the caller's job; AddCandidate refuses them.
type Session struct {
	pc       *pion.PeerConnection
	callType media.CallType
	handlers Handlers
	logger   *slog.Logger

	mu       sync.Mutex
	remote   *media.Stream
	attached bool
	closed   bool
}

// New creates the peer connection with the default codecs and interceptors.
func New(callType media.CallType, cfg Config, h Handlers, opts ...Option) (*Session, error) {
	s := &Session{callType: callType, handlers: h, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "peer", "call_type", callType)

	mediaEngine := &pion.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := pion.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAlive > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAlive)
	}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	api := pion.NewAPI(
		pion.WithMediaEngine(mediaEngine),
		pion.WithInterceptorRegistry(registry),
		pion.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:         cfg.ICEServers,
		ICETransportPolicy: cfg.ICETransportPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnTrack(s.handleTrack)
	pc.OnConnectionStateChange(s.handleStateChange)

	return s, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) handleLocalCandidate(c *pion.ICECandidate) {
	if c == nil || s.isClosed() || s.handlers.OnLocalCandidate == nil {
		return
	}
	s.handlers.OnLocalCandidate(c.ToJSON())
}

func (s *Session) handleStateChange(state pion.PeerConnectionState) {
	if s.isClosed() {
		return
	}
	s.logger.Debug("connection state", "state", state.String())
	if s.handlers.OnConnectionStateChange != nil {
		s.handlers.OnConnectionStateChange(stateFromPion(state))
	}
}

// handleTrack adds the remote track to the remote stream, announcing the
// stream on its first track only.
func (s *Session) handleTrack(remote *pion.TrackRemote, _ *pion.RTPReceiver) {
	track := media.NewRemoteTrack(remote)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	first := s.remote == nil
	if first {
		s.remote = media.NewStream(remote.StreamID())
	}
	stream := s.remote
	s.mu.Unlock()

	stream.AddTrack(track)
	s.logger.Info("remote track", "kind", track.Kind(), "codec", remote.Codec().MimeType)

	if track.Kind() == media.KindVideo {
		s.requestKeyFrame(remote)
	}
	go s.drain(track)

	if first && s.handlers.OnRemoteStream != nil {
		s.handlers.OnRemoteStream(stream)
	}
}

func (s *Session) requestKeyFrame(remote *pion.TrackRemote) {
	err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}})
	if err != nil {
		s.logger.Debug("keyframe request failed", "error", err)
	}
}

// drain reads the remote track until the connection closes, counting what
// arrives.
func (s *Session) drain(track *media.Track) {
	remote := track.Remote()
	buf := make([]byte, rtpBufferSize)

	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		if track.Stopped() {
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		track.AddStats(1, len(pkt.Payload))
	}
}

// readRTCP consumes the sender's RTCP so interceptors keep running.
func (s *Session) readRTCP(sender *pion.RTPSender, kind media.Kind) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				s.logger.Debug("peer requested keyframe", "kind", kind)
			}
		}
	}
}

// AttachLocalStream adds every track of stream to the connection. It is
// done once, before the local description is created.
func (s *Session) AttachLocalStream(stream *media.Stream) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.attached {
		s.mu.Unlock()
		return errors.New("local stream already attached")
	}
	s.attached = true
	s.mu.Unlock()

	for _, t := range stream.Tracks() {
		local := t.Local()
		if local == nil {
			continue
		}
		sender, err := s.pc.AddTrack(local)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go s.readRTCP(sender, t.Kind())
	}
	return nil
}

// CreateOffer sets and returns the local offer. Candidates trickle out
// through OnLocalCandidate afterwards.
func (s *Session) CreateOffer() (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return s.pc.LocalDescription().SDP, nil
}

// CreateAnswer answers the remote offer given to SetRemoteDescription.
func (s *Session) CreateAnswer() (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}

	remote := s.pc.RemoteDescription()
	if remote == nil || remote.Type != pion.SDPTypeOffer {
		return "", ErrNoRemoteOffer
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return s.pc.LocalDescription().SDP, nil
}

// SetRemoteDescription applies the counterpart's description. Buffered
// candidates can be added once it returns.
func (s *Session) SetRemoteDescription(sdp string, kind DescriptionKind) error {
	if s.isClosed() {
		return ErrClosed
	}

	typ, err := kind.sdpType()
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", kind, err)
	}
	return nil
}

// HasRemoteDescription reports whether candidates can be applied directly.
func (s *Session) HasRemoteDescription() bool {
	return s.pc.RemoteDescription() != nil
}

// AddCandidate applies one remote candidate.
func (s *Session) AddCandidate(c Candidate) error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.HasRemoteDescription() {
		return ErrRemoteDescriptionNotSet
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// RemoteStream returns the stream announced through OnRemoteStream, or nil.
func (s *Session) RemoteStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) CallType() media.CallType { return s.callType }

func (s *Session) ConnectionState() ConnectionState {
	return stateFromPion(s.pc.ConnectionState())
}

// Close closes the connection and stops the remote stream. Handlers are not
// called once Close has started. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	remote := s.remote
	s.mu.Unlock()

	if remote != nil {
		remote.Stop()
	}
	if err := s.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}
