package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/peer"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func msg(typ, callID string) *signaling.Message {
	return &signaling.Message{Type: typ, CallID: callID}
}

// dialBob starts a call to bob and walks it to the point where the offer is
// out. It returns the peer session created for the call.
func dialBob(t *testing.T, h *harness, callType CallType) *fakePeer {
	t.Helper()
	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", callType))
	h.deliver(msg(signaling.TypeCallRinging, "c1"))
	h.deliver(msg(signaling.TypeCallAccepted, "c1"))
	h.waitSent(signaling.TypeOffer, 1)
	p := h.peers.last()
	require.NotNil(t, p)
	return p
}

// ringFromCarol delivers an incoming call c2 from carol.
func ringFromCarol(t *testing.T, h *harness, callType CallType) {
	t.Helper()
	h.deliver(&signaling.Message{
		Type:       signaling.TypeIncomingCall,
		CallID:     "c2",
		CallerID:   "carol",
		CallerName: "Carol",
		CallType:   callType.String(),
	})
	require.Equal(t, StatusRinging, h.m.Session().Status)
}

func TestStartCallSendsRequest(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Video))

	s := h.m.Session()
	assert.Equal(t, StatusCalling, s.Status)
	assert.True(t, s.IsInitiator)
	assert.Equal(t, "bob", s.RemotePeerID)
	assert.Equal(t, "Bob", s.RemotePeerName)
	assert.Equal(t, Video, s.CallType)
	assert.Empty(t, s.CallID)

	reqs := h.sig.messages(signaling.TypeCallRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, "bob", reqs[0].TargetID)
	assert.Equal(t, "Alice", reqs[0].CallerName)
	assert.Equal(t, "video", reqs[0].CallType)
	assert.Zero(t, h.peers.count(), "no peer session before acceptance")
}

func TestCallerHappyPath(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Video))
	h.deliver(msg(signaling.TypeCallRinging, "c1"))
	assert.Equal(t, StatusCalling, h.m.Session().Status)
	assert.Equal(t, "c1", h.m.Session().CallID)

	h.deliver(msg(signaling.TypeCallAccepted, "c1"))
	assert.True(t, h.m.Session().Negotiating)
	assert.Equal(t, StatusCalling, h.m.Session().Status)

	offers := h.waitSent(signaling.TypeOffer, 1)
	assert.Equal(t, "bob", offers[0].TargetID)
	assert.Equal(t, "c1", offers[0].CallID)
	assert.Equal(t, "offer-sdp", offers[0].SDP)

	p := h.peers.last()
	require.Equal(t, 1, h.peers.count())
	assert.Equal(t, Video, p.callType)
	local := p.localStream()
	require.NotNil(t, local)
	assert.Len(t, local.VideoTracks(), 1)
	assert.Len(t, local.AudioTracks(), 1)

	// Candidates racing ahead of the answer wait in the buffer.
	h.deliver(h.candidate("bob", "c1", "k1"))
	h.deliver(h.candidate("bob", "c1", "k2"))
	assert.Empty(t, p.appliedCandidates())

	h.deliver(&signaling.Message{Type: signaling.TypeAnswer, CallID: "c1", SenderID: "bob", SDP: "answer-sdp"})
	assert.Equal(t, []string{"k1", "k2"}, p.appliedCandidates())

	h.deliver(h.candidate("bob", "c1", "k3"))
	assert.Equal(t, []string{"k1", "k2", "k3"}, p.appliedCandidates())

	p.h.OnRemoteStream(media.NewStream("remote"))
	p.setState(peer.StateConnected)
	h.sync()

	s := h.m.Session()
	assert.Equal(t, StatusConnected, s.Status)
	assert.False(t, s.Negotiating)
	assert.False(t, s.ConnectedAt.IsZero())
	require.NotNil(t, h.m.RemoteStream())
	assert.Equal(t, "remote", h.m.RemoteStream().ID())
	assert.Same(t, local, h.m.LocalStream())

	require.NoError(t, h.m.EndCall(ctx))

	ends := h.sig.messages(signaling.TypeCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "c1", ends[0].CallID)
	assert.Equal(t, StatusIdle, h.m.Session().Status)
	assert.Equal(t, 1, p.closeCount())
	assert.True(t, local.Stopped())
	assert.Nil(t, h.m.LocalStream())
	assert.Nil(t, h.m.RemoteStream())

	ended := h.waitEnded(1)
	assert.Equal(t, ReasonNone, ended[0].Reason)
	assert.Equal(t, "c1", ended[0].Session.CallID)
	assert.NoError(t, ended[0].Err)
}

func TestLocalCandidatesAreForwarded(t *testing.T) {
	h := newHarness(t, nil)
	p := dialBob(t, h, Audio)

	p.h.OnLocalCandidate(peer.Candidate{Candidate: "local-1"})
	sent := h.waitSent(signaling.TypeICECandidate, 1)
	assert.Equal(t, "bob", sent[0].TargetID)
	assert.Equal(t, "c1", sent[0].CallID)

	var c peer.Candidate
	require.NoError(t, sent[0].DecodeCandidate(&c))
	assert.Equal(t, "local-1", c.Candidate)
}

func TestCalleeRejects(t *testing.T) {
	h := newHarness(t, nil)
	ringFromCarol(t, h, Audio)

	s := h.m.Session()
	assert.Equal(t, "carol", s.RemotePeerID)
	assert.Equal(t, "Carol", s.RemotePeerName)
	assert.False(t, s.IsInitiator)

	require.NoError(t, h.m.RejectCall(ctx))

	rejects := h.sig.messages(signaling.TypeCallReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, "c2", rejects[0].CallID)
	assert.Equal(t, StatusIdle, h.m.Session().Status)
	assert.Zero(t, h.peers.count())
}

func TestCalleeAnswers(t *testing.T) {
	h := newHarness(t, nil)
	ringFromCarol(t, h, Video)

	// The caller's candidates can beat the offer.
	h.deliver(h.candidate("carol", "c2", "k1"))

	require.NoError(t, h.m.AcceptCall(ctx))
	accepts := h.sig.messages(signaling.TypeCallAccept)
	require.Len(t, accepts, 1)
	assert.Equal(t, "c2", accepts[0].CallID)

	s := h.m.Session()
	assert.Equal(t, StatusConnected, s.Status)
	assert.True(t, s.Negotiating)
	assert.Zero(t, h.peers.count(), "peer session waits for the offer")

	h.deliver(h.candidate("carol", "c2", "k2"))
	h.deliver(&signaling.Message{Type: signaling.TypeOffer, CallID: "c2", SenderID: "carol", SDP: "remote-offer"})

	p := h.peers.last()
	require.NotNil(t, p)
	assert.Equal(t, []string{"k1", "k2"}, p.appliedCandidates())

	answers := h.waitSent(signaling.TypeAnswer, 1)
	assert.Equal(t, "carol", answers[0].TargetID)
	assert.Equal(t, "c2", answers[0].CallID)
	assert.Equal(t, "answer-sdp", answers[0].SDP)

	p.setState(peer.StateConnected)
	h.sync()
	assert.False(t, h.m.Session().Negotiating)

	h.deliver(msg(signaling.TypeCallEnded, "c2"))
	assert.Equal(t, StatusIdle, h.m.Session().Status)
	assert.Equal(t, 1, p.closeCount())

	ended := h.waitEnded(1)
	assert.Equal(t, ReasonEnded, ended[0].Reason)
	assert.Empty(t, h.sig.messages(signaling.TypeCallEnd), "remote hangup is not echoed")
}

func TestDeviceDenied(t *testing.T) {
	denied := &media.DeviceAccessError{Kind: media.KindVideo, Err: media.ErrPermissionDenied}
	h := newHarness(t, failingSource{err: denied})

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Video))
	h.deliver(msg(signaling.TypeCallRinging, "c1"))
	h.deliver(msg(signaling.TypeCallAccepted, "c1"))
	h.waitStatus(StatusIdle)

	ended := h.waitEnded(1)
	assert.Equal(t, ReasonDevice, ended[0].Reason)
	assert.True(t, media.IsDeviceAccess(ended[0].Err))
	assert.ErrorIs(t, ended[0].Err, media.ErrPermissionDenied)

	assert.Empty(t, h.sig.messages(signaling.TypeOffer))
	require.Equal(t, 1, h.peers.count())
	assert.Equal(t, 1, h.peers.last().closeCount())
	assert.Len(t, h.sig.messages(signaling.TypeCallEnd), 1)
}

func TestHangupMidNegotiation(t *testing.T) {
	h := newHarness(t, nil)
	p := dialBob(t, h, Audio)

	require.NoError(t, h.m.EndCall(ctx))
	assert.Len(t, h.sig.messages(signaling.TypeCallEnd), 1)
	assert.Equal(t, 1, p.closeCount())

	// Late traffic for the dead call changes nothing.
	h.deliver(&signaling.Message{Type: signaling.TypeAnswer, CallID: "c1", SenderID: "bob", SDP: "late"})
	h.deliver(h.candidate("bob", "c1", "late"))

	assert.Equal(t, StatusIdle, h.m.Session().Status)
	assert.False(t, p.HasRemoteDescription())
	assert.Empty(t, p.appliedCandidates())
	assert.Equal(t, 1, h.peers.count())
}

func TestHangupBeforeCallIDIsSilent(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))
	require.NoError(t, h.m.EndCall(ctx))

	assert.Equal(t, StatusIdle, h.m.Session().Status)
	assert.Empty(t, h.sig.messages(signaling.TypeCallEnd))
	assert.Equal(t, 1, h.sig.count())
}

func TestAbandonedCallIsNotAdopted(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))
	require.NoError(t, h.m.EndCall(ctx))
	require.NoError(t, h.m.StartCall(ctx, "carol", "Carol", Audio))

	// An accept without a ringing first never starts negotiation.
	h.deliver(msg(signaling.TypeCallAccepted, "old"))
	s := h.m.Session()
	assert.Equal(t, StatusCalling, s.Status)
	assert.Empty(t, s.CallID)
	assert.False(t, s.Negotiating)
	assert.Zero(t, h.peers.count())

	// The first ringing answers the request that was hung up.
	h.deliver(msg(signaling.TypeCallRinging, "old"))
	ends := h.sig.messages(signaling.TypeCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "old", ends[0].CallID)
	assert.Empty(t, h.m.Session().CallID)

	h.deliver(msg(signaling.TypeCallAccepted, "old"))
	assert.Zero(t, h.peers.count())
	assert.Equal(t, "carol", h.m.Session().RemotePeerID)

	h.deliver(msg(signaling.TypeCallRinging, "c5"))
	assert.Equal(t, "c5", h.m.Session().CallID)
	h.deliver(msg(signaling.TypeCallAccepted, "c5"))

	offers := h.waitSent(signaling.TypeOffer, 1)
	assert.Equal(t, "carol", offers[0].TargetID)
	assert.Equal(t, "c5", offers[0].CallID)
	assert.Equal(t, 1, h.peers.count())
}

func TestAbandonedRequestRefusedByRelay(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))
	require.NoError(t, h.m.EndCall(ctx))
	require.NoError(t, h.m.StartCall(ctx, "carol", "Carol", Audio))

	h.deliver(&signaling.Message{Type: signaling.TypeCallError, Message: "user bob is not online"})
	assert.Equal(t, StatusCalling, h.m.Session().Status)

	h.deliver(msg(signaling.TypeCallRinging, "c5"))
	assert.Equal(t, "c5", h.m.Session().CallID)
	assert.Empty(t, h.sig.messages(signaling.TypeCallEnd))
}

func TestRefusedRequestIsNotAbandoned(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))
	h.deliver(&signaling.Message{Type: signaling.TypeCallError, Message: "user bob is not online"})
	require.Equal(t, StatusIdle, h.m.Session().Status)

	require.NoError(t, h.m.StartCall(ctx, "carol", "Carol", Audio))
	h.deliver(msg(signaling.TypeCallRinging, "c5"))
	assert.Equal(t, "c5", h.m.Session().CallID)
	assert.Empty(t, h.sig.messages(signaling.TypeCallEnd))
}

func TestSignalingDropForgetsAbandonedRequests(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))
	require.NoError(t, h.m.EndCall(ctx))

	h.sig.setConnected(false)
	h.event(signaling.Event{Kind: signaling.EventDisconnected})
	h.sig.setConnected(true)
	h.event(signaling.Event{Kind: signaling.EventConnected})

	require.NoError(t, h.m.StartCall(ctx, "carol", "Carol", Audio))
	h.deliver(msg(signaling.TypeCallRinging, "c5"))
	assert.Equal(t, "c5", h.m.Session().CallID)
}

func TestSignalingDropWhileIdle(t *testing.T) {
	h := newHarness(t, nil)
	require.Eventually(t, h.m.SignalingConnected, waitFor, 5*time.Millisecond)

	h.sig.setConnected(false)
	h.event(signaling.Event{Kind: signaling.EventDisconnected})
	assert.False(t, h.m.SignalingConnected())

	h.sig.setConnected(true)
	h.event(signaling.Event{Kind: signaling.EventConnected})
	assert.True(t, h.m.SignalingConnected())

	assert.Equal(t, StatusIdle, h.m.Session().Status)
	assert.Empty(t, h.ended())
	assert.Zero(t, h.sig.count())
}

func TestSignalingDropDuringSetup(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))

	h.sig.setConnected(false)
	h.event(signaling.Event{Kind: signaling.EventDisconnected})

	assert.Equal(t, StatusIdle, h.m.Session().Status)
	ended := h.waitEnded(1)
	assert.Equal(t, ReasonConnectivity, ended[0].Reason)
	assert.ErrorIs(t, ended[0].Err, ErrSignalingLost)
}

func TestSignalingDropKeepsEstablishedCall(t *testing.T) {
	h := newHarness(t, nil)
	p := dialBob(t, h, Audio)
	h.deliver(&signaling.Message{Type: signaling.TypeAnswer, CallID: "c1", SenderID: "bob", SDP: "answer-sdp"})
	p.setState(peer.StateConnected)
	h.sync()

	h.sig.setConnected(false)
	h.event(signaling.Event{Kind: signaling.EventDisconnected})

	assert.Equal(t, StatusConnected, h.m.Session().Status)
	assert.False(t, h.m.SignalingConnected())
	assert.Zero(t, p.closeCount())
}

func TestStartCallWhileBusy(t *testing.T) {
	h := newHarness(t, nil)
	dialBob(t, h, Audio)

	err := h.m.StartCall(ctx, "dave", "Dave", Video)
	require.ErrorIs(t, err, ErrCallInProgress)

	s := h.m.Session()
	assert.Equal(t, "bob", s.RemotePeerID)
	assert.Equal(t, "c1", s.CallID)
	assert.Equal(t, 1, h.peers.count())
	assert.Len(t, h.sig.messages(signaling.TypeCallRequest), 1)
}

func TestActionPreconditions(t *testing.T) {
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.m.AcceptCall(ctx), ErrNoIncomingCall)
	assert.ErrorIs(t, h.m.RejectCall(ctx), ErrNoActiveCall)
	assert.ErrorIs(t, h.m.EndCall(ctx), ErrNoActiveCall)
	assert.ErrorIs(t, h.m.StartCall(ctx, "", "", Audio), ErrInvalidTarget)
	assert.ErrorIs(t, h.m.StartCall(ctx, "bob", "Bob", CallType("screen")), ErrInvalidTarget)

	h.sig.setConnected(false)
	assert.ErrorIs(t, h.m.StartCall(ctx, "bob", "Bob", Audio), ErrSignalingUnavailable)
	assert.Equal(t, StatusIdle, h.m.Session().Status)

	h.sig.setConnected(true)
	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))
	assert.ErrorIs(t, h.m.AcceptCall(ctx), ErrCallInProgress)
}

func TestToggleMuteSendsNothing(t *testing.T) {
	h := newHarness(t, nil)
	p := dialBob(t, h, Video)
	local := p.localStream()
	require.NotNil(t, local)
	before := h.sig.count()

	muted, err := h.m.ToggleMute(ctx)
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, h.m.Muted())
	assert.False(t, local.AudioTracks()[0].Enabled())
	assert.True(t, local.VideoTracks()[0].Enabled())

	muted, err = h.m.ToggleMute(ctx)
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, local.AudioTracks()[0].Enabled())

	off, err := h.m.ToggleVideo(ctx)
	require.NoError(t, err)
	assert.True(t, off)
	assert.True(t, h.m.VideoOff())
	assert.False(t, local.VideoTracks()[0].Enabled())

	assert.Equal(t, before, h.sig.count())
	assert.Equal(t, 1, h.peers.count())
}

func TestToggleWhileIdle(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.m.ToggleMute(ctx)
	assert.ErrorIs(t, err, ErrNoActiveCall)
	_, err = h.m.ToggleVideo(ctx)
	assert.ErrorIs(t, err, ErrNoActiveCall)
	assert.False(t, h.m.Muted())
	assert.False(t, h.m.VideoOff())

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Video))
	assert.False(t, h.m.Muted())
	assert.False(t, h.m.VideoOff())
	assert.Equal(t, 1, h.sig.count())
}

func TestMuteBeforeCaptureApplies(t *testing.T) {
	source := newGatedSource()
	h := newHarness(t, source)

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))
	h.deliver(msg(signaling.TypeCallRinging, "c1"))
	h.deliver(msg(signaling.TypeCallAccepted, "c1"))

	muted, err := h.m.ToggleMute(ctx)
	require.NoError(t, err)
	require.True(t, muted)

	source.open()
	h.waitSent(signaling.TypeOffer, 1)
	streams := source.handedOut()
	require.Len(t, streams, 1)
	assert.False(t, streams[0].AudioTracks()[0].Enabled())
}

func TestBusyRejectsSecondIncomingCall(t *testing.T) {
	h := newHarness(t, nil)
	ringFromCarol(t, h, Audio)

	h.deliver(&signaling.Message{Type: signaling.TypeIncomingCall, CallID: "c9", CallerID: "dave", CallType: "audio"})

	rejects := h.sig.messages(signaling.TypeCallReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, "c9", rejects[0].CallID)

	s := h.m.Session()
	assert.Equal(t, StatusRinging, s.Status)
	assert.Equal(t, "c2", s.CallID)
	assert.Equal(t, "carol", s.RemotePeerID)

	// A repeat of the live call's own notification is not a second call.
	ringFromCarol(t, h, Audio)
	assert.Len(t, h.sig.messages(signaling.TypeCallReject), 1)
}

func TestUnknownIncomingCallTypeFallsBackToAudio(t *testing.T) {
	h := newHarness(t, nil)
	h.deliver(&signaling.Message{Type: signaling.TypeIncomingCall, CallID: "c2", CallerID: "carol", CallType: "hologram"})

	assert.Equal(t, StatusRinging, h.m.Session().Status)
	assert.Equal(t, Audio, h.m.Session().CallType)
}

func TestStaleMessagesIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ringFromCarol(t, h, Audio)
	require.NoError(t, h.m.AcceptCall(ctx))

	h.deliver(msg(signaling.TypeCallEnded, "c1"))
	h.deliver(msg(signaling.TypeCallRejected, "c1"))
	assert.Equal(t, StatusConnected, h.m.Session().Status)

	h.deliver(&signaling.Message{Type: signaling.TypeOffer, CallID: "c2", SenderID: "mallory", SDP: "x"})
	h.deliver(&signaling.Message{Type: signaling.TypeOffer, CallID: "c7", SenderID: "carol", SDP: "x"})
	assert.Zero(t, h.peers.count())

	h.deliver(h.candidate("mallory", "c2", "k1"))
	h.deliver(&signaling.Message{Type: signaling.TypeOffer, CallID: "c2", SenderID: "carol", SDP: "remote-offer"})
	p := h.peers.last()
	require.NotNil(t, p)
	assert.Empty(t, p.appliedCandidates())

	// A repeated offer does not renegotiate.
	h.waitSent(signaling.TypeAnswer, 1)
	h.deliver(&signaling.Message{Type: signaling.TypeOffer, CallID: "c2", SenderID: "carol", SDP: "again"})
	assert.Len(t, h.sig.messages(signaling.TypeAnswer), 1)
	assert.Equal(t, 1, h.peers.count())
}

func TestOfferWhileRingingIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ringFromCarol(t, h, Audio)

	h.deliver(&signaling.Message{Type: signaling.TypeOffer, CallID: "c2", SenderID: "carol", SDP: "early"})
	assert.Zero(t, h.peers.count())
	assert.Equal(t, StatusRinging, h.m.Session().Status)
}

func TestRemoteRejects(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))
	h.deliver(msg(signaling.TypeCallRinging, "c1"))
	h.deliver(msg(signaling.TypeCallRejected, "c1"))

	assert.Equal(t, StatusIdle, h.m.Session().Status)
	ended := h.waitEnded(1)
	assert.Equal(t, ReasonRejected, ended[0].Reason)
	assert.Equal(t, "bob", ended[0].Session.RemotePeerID)
}

func TestRelayErrorEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))
	h.deliver(&signaling.Message{Type: signaling.TypeCallError, Message: "user bob is not online"})

	assert.Equal(t, StatusIdle, h.m.Session().Status)
	ended := h.waitEnded(1)
	assert.Equal(t, ReasonError, ended[0].Reason)
	assert.ErrorIs(t, ended[0].Err, ErrRelay)
	assert.EqualError(t, ended[0].Err, "user bob is not online")
}

func TestRelayErrorWhileIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.deliver(&signaling.Message{Type: signaling.TypeCallError, Message: "unknown message type"})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, u := range h.updates {
			if errors.Is(u.Err, ErrRelay) {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, h.ended())
	assert.Equal(t, StatusIdle, h.m.Session().Status)
}

func TestPeerFailureEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	p := dialBob(t, h, Audio)
	p.setState(peer.StateConnected)
	h.sync()

	p.setState(peer.StateFailed)
	h.sync()

	assert.Equal(t, StatusIdle, h.m.Session().Status)
	assert.Equal(t, 1, p.closeCount())
	assert.Len(t, h.sig.messages(signaling.TypeCallEnd), 1)

	ended := h.waitEnded(1)
	assert.Equal(t, ReasonConnectivity, ended[0].Reason)
	assert.ErrorIs(t, ended[0].Err, ErrConnectivity)

	// Callbacks from the closed session are dropped.
	p.setState(peer.StateConnected)
	h.sync()
	assert.Equal(t, StatusIdle, h.m.Session().Status)
}

func TestPeerFactoryFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.peers.err = errors.New("no ICE agent")

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))
	h.deliver(msg(signaling.TypeCallRinging, "c1"))
	h.deliver(msg(signaling.TypeCallAccepted, "c1"))

	assert.Equal(t, StatusIdle, h.m.Session().Status)
	ended := h.waitEnded(1)
	assert.Equal(t, ReasonError, ended[0].Reason)
	var ce *CallError
	require.ErrorAs(t, ended[0].Err, &ce)
	assert.Equal(t, "create peer session", ce.Op)
}

func TestRingTimeout(t *testing.T) {
	t.Run("callee", func(t *testing.T) {
		h := newHarness(t, nil, WithRingTimeout(30*time.Millisecond))
		ringFromCarol(t, h, Audio)

		h.waitStatus(StatusIdle)
		rejects := h.sig.messages(signaling.TypeCallReject)
		require.Len(t, rejects, 1)
		assert.Equal(t, "c2", rejects[0].CallID)

		ended := h.waitEnded(1)
		assert.Equal(t, ReasonTimeout, ended[0].Reason)
		assert.NoError(t, ended[0].Err)
	})

	t.Run("caller", func(t *testing.T) {
		h := newHarness(t, nil, WithRingTimeout(30*time.Millisecond))
		require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Audio))
		h.deliver(msg(signaling.TypeCallRinging, "c1"))

		h.waitStatus(StatusIdle)
		assert.Len(t, h.sig.messages(signaling.TypeCallEnd), 1)

		ended := h.waitEnded(1)
		assert.Equal(t, ReasonTimeout, ended[0].Reason)
		assert.ErrorIs(t, ended[0].Err, ErrNoAnswer)
	})

	t.Run("stopped by accept", func(t *testing.T) {
		h := newHarness(t, nil, WithRingTimeout(30*time.Millisecond))
		ringFromCarol(t, h, Audio)
		require.NoError(t, h.m.AcceptCall(ctx))

		time.Sleep(100 * time.Millisecond)
		h.sync()
		assert.Equal(t, StatusConnected, h.m.Session().Status)
		assert.Empty(t, h.sig.messages(signaling.TypeCallReject))
	})
}

func TestNegotiationTimeout(t *testing.T) {
	h := newHarness(t, nil, WithNegotiationTimeout(150*time.Millisecond))
	p := dialBob(t, h, Audio)

	h.waitStatus(StatusIdle)
	assert.Equal(t, 1, p.closeCount())
	assert.Len(t, h.sig.messages(signaling.TypeCallEnd), 1)

	ended := h.waitEnded(1)
	assert.Equal(t, ReasonConnectivity, ended[0].Reason)
	assert.ErrorIs(t, ended[0].Err, ErrConnectivity)
}

func TestCaptureFinishingAfterHangupIsReleased(t *testing.T) {
	source := newGatedSource()
	h := newHarness(t, source)

	require.NoError(t, h.m.StartCall(ctx, "bob", "Bob", Video))
	h.deliver(msg(signaling.TypeCallRinging, "c1"))
	h.deliver(msg(signaling.TypeCallAccepted, "c1"))
	require.NoError(t, h.m.EndCall(ctx))

	source.open()
	require.Eventually(t, func() bool {
		streams := source.handedOut()
		return len(streams) == 1 && streams[0].Stopped()
	}, waitFor, 5*time.Millisecond)

	h.sync()
	assert.Nil(t, h.m.LocalStream())
	assert.Empty(t, h.sig.messages(signaling.TypeOffer))
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	p := dialBob(t, h, Audio)
	h.deliver(h.candidate("bob", "c1", "k1"))

	require.NoError(t, h.m.do(ctx, func() error {
		assert.Equal(t, 1, h.m.res.buffer.Len())
		h.m.terminate(ReasonNone, nil)
		h.m.terminate(ReasonNone, nil)
		h.m.teardown()
		return nil
	}))

	require.NoError(t, h.m.do(ctx, func() error {
		assert.Equal(t, StatusIdle, h.m.session.Status)
		assert.Nil(t, h.m.res.peer)
		assert.Nil(t, h.m.res.local)
		assert.Zero(t, h.m.res.buffer.Len())
		assert.Nil(t, h.m.res.ringTimer)
		assert.Nil(t, h.m.res.negotiationTimer)
		return nil
	}))

	assert.Equal(t, 1, p.closeCount())
	assert.Len(t, h.waitEnded(1), 1)
}

func TestRunCancelHangsUp(t *testing.T) {
	sig := newFakeSignaler()
	m := NewManager(sig, &media.NullSource{}, (&fakePeers{}).New, WithLogger(discard))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()

	require.NoError(t, m.StartCall(ctx, "bob", "Bob", Audio))
	sig.events <- signaling.Event{Kind: signaling.EventMessage, Message: msg(signaling.TypeCallRinging, "c1")}
	require.Eventually(t, func() bool { return m.Session().CallID == "c1" }, waitFor, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}

	assert.Len(t, sig.messages(signaling.TypeCallEnd), 1)
	assert.Equal(t, StatusIdle, m.Session().Status)
	assert.ErrorIs(t, m.EndCall(ctx), ErrManagerClosed)

	for range m.Updates() {
	}
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.sync()
	assert.Error(t, h.m.Run(ctx))
}
