package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"callhub/internal/app/event"
	"callhub/internal/app/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	Type string
	Req  event.CallRequest
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentEvent
	err  error
}

func (s *fakeSignaler) Send(eventType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	req, _ := payload.(event.CallRequest)
	s.sent = append(s.sent, sentEvent{Type: eventType, Req: req})
	return nil
}

func (s *fakeSignaler) events() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.sent...)
}

func (s *fakeSignaler) types() []string {
	var out []string
	for _, e := range s.events() {
		out = append(out, e.Type)
	}
	return out
}

func (s *fakeSignaler) last() sentEvent {
	events := s.events()
	if len(events) == 0 {
		return sentEvent{}
	}
	return events[len(events)-1]
}

type fakePeer struct {
	mu         sync.Mutex
	handlers   PeerHandlers
	tracks     []Track
	remote     json.RawMessage
	candidates []string
	earlyICE   int
	offers     int
	answers    int
	closed     bool
}

func (p *fakePeer) AddTracks(tracks []Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = tracks
	return nil
}

func (p *fakePeer) CreateOffer() (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (p *fakePeer) CreateAnswer() (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return nil, errors.New("answer without remote offer")
	}
	p.answers++
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (p *fakePeer) SetRemoteDescription(desc json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = desc
	return nil
}

func (p *fakePeer) AddICECandidate(candidate json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.earlyICE++
		return errors.New("remote description not set")
	}
	var c struct {
		Candidate string `json:"candidate"`
	}
	_ = json.Unmarshal(candidate, &c)
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeer(handlers PeerHandlers) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{handlers: handlers}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) latest() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeTrack struct {
	mu      sync.Mutex
	kind    string
	enabled bool
	stopped bool
}

func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeMedia struct {
	mu       sync.Mutex
	camera   bool
	mic      bool
	requests []Constraints
	tracks   []*fakeTrack
}

func (m *fakeMedia) Acquire(_ context.Context, c Constraints) ([]Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, c)
	if (c.Video && !m.camera) || (c.Audio && !m.mic) {
		return nil, errors.New("NotAllowedError")
	}
	var out []Track
	if c.Audio {
		t := &fakeTrack{kind: KindAudio, enabled: true}
		m.tracks = append(m.tracks, t)
		out = append(out, t)
	}
	if c.Video {
		t := &fakeTrack{kind: KindVideo, enabled: true}
		m.tracks = append(m.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

func (m *fakeMedia) allStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if !t.isStopped() {
			return false
		}
	}
	return true
}

type loggedCall struct {
	TargetID string
	Duration int
	CallType string
}

type fakeCallLog struct {
	mu    sync.Mutex
	calls []loggedCall
}

func (l *fakeCallLog) LogCall(_ context.Context, targetID string, duration int, callType string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, loggedCall{TargetID: targetID, Duration: duration, CallType: callType})
	return nil
}

func (l *fakeCallLog) logged() []loggedCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]loggedCall(nil), l.calls...)
}

type recorder struct {
	mu          sync.Mutex
	transitions []string
	incoming    []string
	ended       []Summary
	errs        []error
}

func (r *recorder) observer() Observer {
	return Observer{
		OnStateChange: func(from, to State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transitions = append(r.transitions, from.String()+"->"+to.String())
		},
		OnIncomingCall: func(fromID, _ string, _ string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.incoming = append(r.incoming, fromID)
		},
		OnEnded: func(s Summary) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ended = append(r.ended, s)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) endings() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Summary(nil), r.ended...)
}

type harness struct {
	m       *Machine
	sig     *fakeSignaler
	peers   *fakeFactory
	media   *fakeMedia
	calls   *fakeCallLog
	rec     *recorder
	clockMu sync.Mutex
	clock   time.Time
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sig:   &fakeSignaler{},
		peers: &fakeFactory{},
		media: &fakeMedia{camera: true, mic: true},
		calls: &fakeCallLog{},
		rec:   &recorder{},
		clock: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		SelfName: "Alice",
		Signaler: h.sig,
		Peers:    h.peers,
		Media:    h.media,
		CallLog:  h.calls,
		Observer: h.rec.observer(),
		Now:      h.now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.m = New(cfg)
	return h
}

func (h *harness) now() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.clock = h.clock.Add(d)
}

func (h *harness) deliver(t *testing.T, eventType string, sig event.CallSignal) {
	t.Helper()
	env, err := event.New(eventType, sig)
	require.NoError(t, err)
	h.m.HandleEvent(env)
}

func candidate(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"candidate":"c%d","sdpMid":"0"}`, n))
}

var sdp = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

// connectAsCaller drives the machine to Connected as the initiator calling bob.
func connectAsCaller(t *testing.T, h *harness) string {
	t.Helper()
	require.NoError(t, h.m.Initiate(context.Background(), "bob", CallTypeVideo))
	callID := h.m.CallID()
	h.deliver(t, event.TypeCallAccepted, event.CallSignal{From: "bob", TargetID: "bob", CallID: callID})
	h.deliver(t, event.TypeCallAnswer, event.CallSignal{From: "bob", CallID: callID, Description: sdp})
	require.Equal(t, StateConnected, h.m.State())
	return callID
}

// connectAsReceiver drives the machine to Connected as the receiver of a call from alice.
func connectAsReceiver(t *testing.T, h *harness) string {
	t.Helper()
	h.deliver(t, event.TypeIncomingCall, event.CallSignal{From: "alice", FromID: "alice", FromName: "Alice", CallID: "call-1", CallType: CallTypeVideo})
	require.NoError(t, h.m.Accept(context.Background()))
	h.deliver(t, event.TypeCallOffer, event.CallSignal{From: "alice", CallID: "call-1", Description: sdp})
	require.Equal(t, StateConnected, h.m.State())
	return "call-1"
}

func TestInitiateSendsOfferOnlyAfterAccept(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.Initiate(context.Background(), "bob", CallTypeVideo))
	assert.Equal(t, StateOutgoing, h.m.State())
	assert.Equal(t, "bob", h.m.Peer())

	first := h.sig.last()
	assert.Equal(t, event.TypeCallInitiate, first.Type)
	assert.Equal(t, "bob", first.Req.TargetID)
	assert.Equal(t, "Alice", first.Req.FromName)
	require.NotEmpty(t, first.Req.CallID)
	assert.Zero(t, h.peers.latest().offers, "no offer before acceptance")

	h.deliver(t, event.TypeCallAccepted, event.CallSignal{From: "bob", TargetID: "bob", CallID: first.Req.CallID})
	assert.Equal(t, StateConnecting, h.m.State())

	offer := h.sig.last()
	assert.Equal(t, event.TypeCallOffer, offer.Type)
	assert.Equal(t, "bob", offer.Req.TargetID)
	assert.Equal(t, first.Req.CallID, offer.Req.CallID)
	assert.True(t, event.HasValue(offer.Req.Description))

	// a repeated acceptance does not produce a second offer
	h.deliver(t, event.TypeCallAccepted, event.CallSignal{From: "bob", CallID: first.Req.CallID})
	assert.Equal(t, 1, h.peers.latest().offers)

	h.deliver(t, event.TypeCallAnswer, event.CallSignal{From: "bob", CallID: first.Req.CallID, Description: sdp})
	assert.Equal(t, StateConnected, h.m.State())

	assert.Equal(t, []string{"idle->outgoing", "outgoing->connecting", "connecting->connected"}, h.rec.transitions)
	assert.Equal(t, []string{event.TypeCallInitiate, event.TypeCallOffer}, h.sig.types())
}

func TestReceiverAnswersAfterAccept(t *testing.T) {
	h := newHarness(t)

	h.deliver(t, event.TypeIncomingCall, event.CallSignal{From: "alice", FromID: "alice", FromName: "Alice", CallID: "call-1", CallType: CallTypeVideo})
	assert.Equal(t, StateIncoming, h.m.State())
	assert.Equal(t, []string{"alice"}, h.rec.incoming)
	assert.Nil(t, h.peers.latest(), "media is acquired only on accept")

	require.NoError(t, h.m.Accept(context.Background()))
	assert.Equal(t, StateConnecting, h.m.State())
	accept := h.sig.last()
	assert.Equal(t, event.TypeCallAccept, accept.Type)
	assert.Equal(t, "alice", accept.Req.TargetID)
	assert.Equal(t, "call-1", accept.Req.CallID)

	h.deliver(t, event.TypeCallOffer, event.CallSignal{From: "alice", CallID: "call-1", Description: sdp})
	assert.Equal(t, StateConnected, h.m.State())

	answer := h.sig.last()
	assert.Equal(t, event.TypeCallAnswer, answer.Type)
	assert.Equal(t, "alice", answer.Req.TargetID)
	assert.True(t, event.HasValue(answer.Req.Description))
}

func TestOfferBeforeAcceptIsHeldUntilAccept(t *testing.T) {
	h := newHarness(t)

	h.deliver(t, event.TypeIncomingCall, event.CallSignal{From: "alice", CallID: "call-1"})
	h.deliver(t, event.TypeCallOffer, event.CallSignal{From: "alice", CallID: "call-1", Description: sdp})
	assert.Equal(t, StateIncoming, h.m.State())

	require.NoError(t, h.m.Accept(context.Background()))
	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, []string{event.TypeCallAccept, event.TypeCallAnswer}, h.sig.types())
}

func TestOfferWithoutIncomingCallStartsReceiverSession(t *testing.T) {
	h := newHarness(t)

	h.deliver(t, event.TypeCallOffer, event.CallSignal{From: "alice", FromName: "Alice", CallID: "call-9", Description: sdp})

	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, "alice", h.m.Peer())
	assert.Equal(t, "call-9", h.m.CallID())
	assert.Equal(t, []string{event.TypeCallAnswer}, h.sig.types())
}

func TestICEBufferedUntilRemoteDescriptionOnReceiver(t *testing.T) {
	h := newHarness(t)

	// candidates overtaking the incoming-call itself
	h.deliver(t, event.TypeCallICE, event.CallSignal{From: "alice", CallID: "call-1", Candidate: candidate(0)})
	h.deliver(t, event.TypeIncomingCall, event.CallSignal{From: "alice", CallID: "call-1"})
	h.deliver(t, event.TypeCallICE, event.CallSignal{From: "alice", CallID: "call-1", Candidate: candidate(1)})
	require.NoError(t, h.m.Accept(context.Background()))
	h.deliver(t, event.TypeCallICE, event.CallSignal{From: "alice", CallID: "call-1", Candidate: candidate(2)})

	peer := h.peers.latest()
	require.NotNil(t, peer)
	assert.Empty(t, peer.applied())

	h.deliver(t, event.TypeCallOffer, event.CallSignal{From: "alice", CallID: "call-1", Description: sdp})
	assert.Equal(t, []string{"c0", "c1", "c2"}, peer.applied())

	h.deliver(t, event.TypeCallICE, event.CallSignal{From: "alice", CallID: "call-1", Candidate: candidate(3)})
	assert.Equal(t, []string{"c0", "c1", "c2", "c3"}, peer.applied())
	assert.Zero(t, peer.earlyICE, "no candidate may reach the peer before its remote description")
}

func TestICEBufferedUntilAnswerOnCaller(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.Initiate(context.Background(), "bob", CallTypeVideo))
	callID := h.m.CallID()
	h.deliver(t, event.TypeCallAccepted, event.CallSignal{From: "bob", CallID: callID})

	// the callee's candidates race ahead of its answer
	h.deliver(t, event.TypeCallICE, event.CallSignal{From: "bob", CallID: callID, Candidate: candidate(1)})
	h.deliver(t, event.TypeCallICE, event.CallSignal{From: "bob", CallID: callID, Candidate: candidate(2)})

	peer := h.peers.latest()
	assert.Empty(t, peer.applied())
	assert.Equal(t, StateConnecting, h.m.State())

	h.deliver(t, event.TypeCallAnswer, event.CallSignal{From: "bob", CallID: callID, Description: sdp})
	assert.Equal(t, []string{"c1", "c2"}, peer.applied())
	assert.Zero(t, peer.earlyICE)
}

func TestLocalCandidatesAreSentToPeer(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.Initiate(context.Background(), "bob", CallTypeVideo))
	peer := h.peers.latest()
	peer.handlers.OnICECandidate(candidate(7))

	last := h.sig.last()
	assert.Equal(t, event.TypeCallICE, last.Type)
	assert.Equal(t, "bob", last.Req.TargetID)
	assert.Equal(t, h.m.CallID(), last.Req.CallID)
	assert.JSONEq(t, string(candidate(7)), string(last.Req.Candidate))
}

func TestSecondInitiateIsRejected(t *testing.T) {
	h := newHarness(t)
	callID := connectAsCaller(t, h)
	sent := len(h.sig.events())

	err := h.m.Initiate(context.Background(), "carol", CallTypeVideo)

	assert.ErrorIs(t, err, ErrCallInProgress)
	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, callID, h.m.CallID())
	assert.Equal(t, "bob", h.m.Peer())
	assert.Len(t, h.sig.events(), sent)
	assert.Len(t, h.peers.peers, 1)
}

func TestRemoteEndReleasesMediaWithoutEcho(t *testing.T) {
	h := newHarness(t)
	callID := connectAsReceiver(t, h)
	peer := h.peers.latest()
	sent := len(h.sig.events())

	h.deliver(t, event.TypeCallEnd, event.CallSignal{From: "alice", CallID: callID})

	assert.Equal(t, StateIdle, h.m.State())
	assert.Empty(t, h.m.CallID())
	assert.True(t, peer.isClosed())
	assert.True(t, h.media.allStopped())
	assert.Len(t, h.sig.events(), sent, "a received end is never echoed")

	endings := h.rec.endings()
	require.Len(t, endings, 1)
	assert.Equal(t, EndRemoteEnd, endings[0].Reason)
	assert.Empty(t, h.calls.logged(), "only the initiator reports the call")
}

func TestHangupNotifiesPeerAndLogsDuration(t *testing.T) {
	h := newHarness(t)
	callID := connectAsCaller(t, h)

	h.advance(5*time.Second + 400*time.Millisecond)
	require.NoError(t, h.m.Hangup())

	assert.Equal(t, StateIdle, h.m.State())
	end := h.sig.last()
	assert.Equal(t, event.TypeCallEnd, end.Type)
	assert.Equal(t, "bob", end.Req.TargetID)
	assert.Equal(t, callID, end.Req.CallID)
	assert.True(t, h.media.allStopped())

	assert.Equal(t, []loggedCall{{TargetID: "bob", Duration: 5, CallType: CallTypeVideo}}, h.calls.logged())
	endings := h.rec.endings()
	require.Len(t, endings, 1)
	assert.Equal(t, store.CallStatusCompleted, endings[0].Status)
	assert.Equal(t, EndHangup, endings[0].Reason)
}

func TestRejectedCallIsLoggedAsMissed(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.Initiate(context.Background(), "bob", CallTypeVideo))
	h.deliver(t, event.TypeCallRejected, event.CallSignal{From: "bob", CallID: h.m.CallID()})

	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, []loggedCall{{TargetID: "bob", Duration: 0, CallType: CallTypeVideo}}, h.calls.logged())

	endings := h.rec.endings()
	require.Len(t, endings, 1)
	assert.Equal(t, store.CallStatusMissed, endings[0].Status)
	assert.Equal(t, EndRejected, endings[0].Reason)
	assert.Equal(t, []string{event.TypeCallInitiate}, h.sig.types())
}

func TestRejectIncomingCall(t *testing.T) {
	h := newHarness(t)

	h.deliver(t, event.TypeIncomingCall, event.CallSignal{From: "alice", CallID: "call-1"})
	require.NoError(t, h.m.Reject())

	assert.Equal(t, StateIdle, h.m.State())
	reject := h.sig.last()
	assert.Equal(t, event.TypeCallReject, reject.Type)
	assert.Equal(t, "alice", reject.Req.TargetID)
	assert.Equal(t, "call-1", reject.Req.CallID)
}

func TestVideoFallsBackToAudioOnly(t *testing.T) {
	h := newHarness(t)
	h.media.camera = false

	require.NoError(t, h.m.Initiate(context.Background(), "bob", CallTypeVideo))

	assert.Equal(t, StateOutgoing, h.m.State())
	assert.Equal(t, []Constraints{{Audio: true, Video: true}, {Audio: true}}, h.media.requests)
	assert.Equal(t, CallTypeAudio, h.sig.last().Req.CallType)

	_, err := h.m.ToggleCamera()
	assert.ErrorIs(t, err, ErrTrackUnavailable)
}

func TestMediaFailureStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.media.camera = false
	h.media.mic = false

	err := h.m.Initiate(context.Background(), "bob", CallTypeVideo)

	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.Equal(t, "Could not access camera or microphone. Please check permissions.", err.Error())
	assert.Equal(t, StateIdle, h.m.State())
	assert.Empty(t, h.sig.events())
	assert.Empty(t, h.rec.transitions)
	require.Len(t, h.rec.errs, 1)
	assert.ErrorIs(t, h.rec.errs[0], ErrMediaUnavailable)
}

func TestAcceptMediaFailureRejectsCall(t *testing.T) {
	h := newHarness(t)
	h.media.mic = false

	h.deliver(t, event.TypeIncomingCall, event.CallSignal{From: "alice", CallID: "call-1"})
	err := h.m.Accept(context.Background())

	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, []string{event.TypeCallReject}, h.sig.types())
}

func TestEventsForOtherCallsAreIgnored(t *testing.T) {
	h := newHarness(t)
	callID := connectAsCaller(t, h)

	h.deliver(t, event.TypeCallEnd, event.CallSignal{From: "bob", CallID: "stale-call"})
	assert.Equal(t, StateConnected, h.m.State())

	h.deliver(t, event.TypeCallEnd, event.CallSignal{From: "mallory", CallID: callID})
	assert.Equal(t, StateConnected, h.m.State())

	h.deliver(t, event.TypeCallEnd, event.CallSignal{From: "bob", CallID: callID})
	assert.Equal(t, StateIdle, h.m.State())
}

func TestBusyRejectsSecondCaller(t *testing.T) {
	h := newHarness(t)
	callID := connectAsCaller(t, h)

	h.deliver(t, event.TypeIncomingCall, event.CallSignal{From: "carol", CallID: "call-c"})

	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, callID, h.m.CallID())
	reject := h.sig.last()
	assert.Equal(t, event.TypeCallReject, reject.Type)
	assert.Equal(t, "carol", reject.Req.TargetID)
	assert.Equal(t, "call-c", reject.Req.CallID)
	assert.Empty(t, h.rec.incoming)
}

func TestToggleMicKeepsState(t *testing.T) {
	h := newHarness(t)
	connectAsCaller(t, h)
	sent := len(h.sig.events())

	enabled, err := h.m.ToggleMic()
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, h.media.tracks[0].Enabled())

	enabled, err = h.m.ToggleMic()
	require.NoError(t, err)
	assert.True(t, enabled)

	enabled, err = h.m.ToggleCamera()
	require.NoError(t, err)
	assert.False(t, enabled)

	assert.Equal(t, StateConnected, h.m.State())
	assert.Len(t, h.sig.events(), sent, "toggling never renegotiates")
}

func TestOperationsWithoutCall(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.m.Accept(context.Background()), ErrNoActiveCall)
	assert.ErrorIs(t, h.m.Reject(), ErrNoActiveCall)
	assert.ErrorIs(t, h.m.Hangup(), ErrNoActiveCall)
	_, err := h.m.ToggleMic()
	assert.ErrorIs(t, err, ErrNoActiveCall)
	assert.ErrorIs(t, h.m.Initiate(context.Background(), "", CallTypeVideo), ErrInvalidTarget)
}

func TestRingTimeoutEndsOutgoingCall(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RingTimeout = 20 * time.Millisecond })

	require.NoError(t, h.m.Initiate(context.Background(), "bob", CallTypeAudio))

	require.Eventually(t, func() bool { return h.m.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, event.TypeCallEnd, h.sig.last().Type)
	require.Eventually(t, func() bool { return len(h.rec.endings()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, EndRingTimeout, h.rec.endings()[0].Reason)
}

func TestRingTimeoutStopsOnAccept(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RingTimeout = 20 * time.Millisecond })

	require.NoError(t, h.m.Initiate(context.Background(), "bob", CallTypeVideo))
	h.deliver(t, event.TypeCallAccepted, event.CallSignal{From: "bob", CallID: h.m.CallID()})

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateConnecting, h.m.State())
}

func TestRingTimeoutAfterCallIDIsLearned(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RingTimeout = 30 * time.Millisecond })

	h.deliver(t, event.TypeIncomingCall, event.CallSignal{From: "alice", FromName: "Alice", CallType: CallTypeAudio})
	require.Equal(t, StateIncoming, h.m.State())
	h.deliver(t, event.TypeCallICE, event.CallSignal{From: "alice", CallID: "late-id", Candidate: candidate(1)})
	require.Equal(t, "late-id", h.m.CallID())

	require.Eventually(t, func() bool { return h.m.State() == StateIdle }, time.Second, 5*time.Millisecond)
	reject := h.sig.last()
	assert.Equal(t, event.TypeCallReject, reject.Type)
	assert.Equal(t, "late-id", reject.Req.CallID)
	require.Eventually(t, func() bool { return len(h.rec.endings()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, EndRingTimeout, h.rec.endings()[0].Reason)
}

func TestPeerFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	callID := connectAsCaller(t, h)

	h.peers.latest().handlers.OnStateChange(PeerFailed)

	assert.Equal(t, StateIdle, h.m.State())
	end := h.sig.last()
	assert.Equal(t, event.TypeCallEnd, end.Type)
	assert.Equal(t, callID, end.Req.CallID)
	require.Len(t, h.rec.errs, 1)
	assert.Equal(t, EndFailed, h.rec.endings()[0].Reason)
}

func TestSignalerFailureOnInitiateReleasesMedia(t *testing.T) {
	h := newHarness(t)
	h.sig.err = errors.New("socket closed")

	err := h.m.Initiate(context.Background(), "bob", CallTypeVideo)

	require.Error(t, err)
	assert.Equal(t, StateIdle, h.m.State())
	assert.True(t, h.media.allStopped())
	assert.True(t, h.peers.latest().isClosed())
}
