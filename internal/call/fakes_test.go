package call

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/peer"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeSignaler records outbound messages. Its event channel is unbuffered,
// so a delivery returns only once the run loop has picked the event up.
type fakeSignaler struct {
	mu        sync.Mutex
	sent      []signaling.Message
	connected bool
	events    chan signaling.Event
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{connected: true, events: make(chan signaling.Event)}
}

func (s *fakeSignaler) Send(m *signaling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return signaling.ErrNotConnected
	}
	s.sent = append(s.sent, *m)
	return nil
}

func (s *fakeSignaler) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSignaler) Events() <-chan signaling.Event { return s.events }

func (s *fakeSignaler) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *fakeSignaler) messages(typ string) []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.Message
	for _, m := range s.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSignaler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// fakePeer stands in for a Pion session. Callbacks are fired from the test
// goroutine the way Pion fires them from its own.
type fakePeer struct {
	h peer.Handlers

	mu         sync.Mutex
	callType   CallType
	attached   *media.Stream
	offers     int
	answers    int
	remoteSDP  string
	remoteKind peer.DescriptionKind
	candidates []string
	closed     int
}

func (p *fakePeer) AttachLocalStream(s *media.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = s
	return nil
}

func (p *fakePeer) CreateOffer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return "offer-sdp", nil
}

func (p *fakePeer) CreateAnswer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteKind != peer.KindOffer {
		return "", peer.ErrNoRemoteOffer
	}
	p.answers++
	return "answer-sdp", nil
}

func (p *fakePeer) SetRemoteDescription(sdp string, kind peer.DescriptionKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = sdp
	p.remoteKind = kind
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSDP != ""
}

func (p *fakePeer) AddCandidate(c peer.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSDP == "" {
		return peer.ErrRemoteDescriptionNotSet
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) RemoteStream() *media.Stream { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) localStream() *media.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

func (p *fakePeer) setState(s peer.ConnectionState) {
	p.h.OnConnectionStateChange(s)
}

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakePeers) New(callType CallType, h peer.Handlers) (PeerSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{callType: callType, h: h}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// gatedSource holds every acquisition until released.
type gatedSource struct {
	release chan struct{}
	inner   media.NullSource

	mu      sync.Mutex
	streams []*media.Stream
}

func newGatedSource() *gatedSource {
	return &gatedSource{release: make(chan struct{})}
}

func (s *gatedSource) Acquire(ctx context.Context, callType CallType) (*media.Stream, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	stream, err := s.inner.Acquire(ctx, callType)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.streams = append(s.streams, stream)
	s.mu.Unlock()
	return stream, nil
}

func (s *gatedSource) open() { close(s.release) }

func (s *gatedSource) handedOut() []*media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*media.Stream(nil), s.streams...)
}

type failingSource struct {
	err error
}

func (s failingSource) Acquire(context.Context, CallType) (*media.Stream, error) {
	return nil, s.err
}

type harness struct {
	t     *testing.T
	m     *Manager
	sig   *fakeSignaler
	peers *fakePeers

	mu      sync.Mutex
	updates []Update
}

func newHarness(t *testing.T, source media.Source, opts ...Option) *harness {
	t.Helper()
	if source == nil {
		source = &media.NullSource{}
	}

	h := &harness{t: t, sig: newFakeSignaler(), peers: &fakePeers{}}
	opts = append([]Option{WithLogger(discard), WithDisplayName("Alice")}, opts...)
	h.m = NewManager(h.sig, source, h.peers.New, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.m.Run(ctx) }()

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for u := range h.m.Updates() {
			h.mu.Lock()
			h.updates = append(h.updates, u)
			h.mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		<-runDone
		<-collected
	})
	return h
}

func (h *harness) event(ev signaling.Event) {
	h.t.Helper()
	select {
	case h.sig.events <- ev:
	case <-time.After(waitFor):
		h.t.Fatal("run loop did not take event")
	}
	h.sync()
}

func (h *harness) deliver(msg *signaling.Message) {
	h.t.Helper()
	h.event(signaling.Event{Kind: signaling.EventMessage, Message: msg})
}

// sync waits until everything queued before it has been handled.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.m.do(context.Background(), func() error { return nil }))
}

func (h *harness) candidate(sender, callID, c string) *signaling.Message {
	h.t.Helper()
	msg, err := signaling.NewICECandidate("alice", peer.Candidate{Candidate: c})
	require.NoError(h.t, err)
	msg.SenderID = sender
	msg.CallID = callID
	return msg
}

func (h *harness) ended() []Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Update
	for _, u := range h.updates {
		if u.Ended() {
			out = append(out, u)
		}
	}
	return out
}

func (h *harness) waitEnded(n int) []Update {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.ended()) >= n }, waitFor, 5*time.Millisecond)
	return h.ended()
}

func (h *harness) waitSent(typ string, n int) []signaling.Message {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.sig.messages(typ)) >= n }, waitFor, 5*time.Millisecond,
		"waiting for %d %s message(s)", n, typ)
	return h.sig.messages(typ)
}

func (h *harness) waitStatus(s Status) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.m.Session().Status == s }, waitFor, 5*time.Millisecond,
		"waiting for status %s", s)
}
