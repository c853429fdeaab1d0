package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"callhub/internal/app/calllog"
	"callhub/internal/app/event"
	"callhub/internal/pkg/logx"
	"callhub/internal/pkg/randx"

	"github.com/rs/zerolog"
)

const (
	// maxEarlyCandidates bounds the candidates kept while no session exists.
	maxEarlyCandidates = 64

	// callLogTimeout bounds a single call log report.
	callLogTimeout = 10 * time.Second
)

// Config wires a Machine to its collaborators.
type Config struct {
	// SelfName is sent as the display name on call-initiate and call-offer.
	SelfName string

	Signaler Signaler
	Peers    PeerFactory
	Media    MediaSource

	// CallLog is optional. When set, the initiator reports every ended call.
	CallLog CallLogger

	Observer Observer

	// RingTimeout ends a call that is still ringing after this long. Zero disables it.
	RingTimeout time.Duration

	// Now is replaceable in tests.
	Now func() time.Time
}

// session is the state of the one active call.
type session struct {
	callID   string
	peerID   string
	peerName string
	role     Role
	callType string

	peer   PeerConnection
	tracks []Track

	// remoteSet is true once a remote description has been applied.
	remoteSet bool

	// pendingICE holds candidates received before remoteSet, in receipt order.
	pendingICE []json.RawMessage

	// pendingOffer is an offer that arrived before the local user accepted.
	pendingOffer json.RawMessage

	offerSent   bool
	connectedAt time.Time
	ringTimer   *time.Timer
}

// earlyICE holds candidates that arrived while Idle, before the call they belong to.
type earlyICE struct {
	from       string
	callID     string
	candidates []json.RawMessage
}

// Machine is the per-client call state machine. It is safe for concurrent use.
type Machine struct {
	cfg Config

	mu      sync.Mutex
	state   State
	session *session
	early   earlyICE

	// effects run after mu is released, in order.
	effects []func()

	logger zerolog.Logger
}

// New creates a Machine in the Idle state.
func New(cfg Config) *Machine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		cfg:    cfg,
		state:  StateIdle,
		logger: logx.Component("callsession"),
	}
}

// lock acquires the machine lock. Pair with unlock.
func (m *Machine) lock() {
	m.mu.Lock()
}

// unlock releases the lock, then runs the effects queued while it was held.
func (m *Machine) unlock() {
	effects := m.effects
	m.effects = nil
	m.mu.Unlock()

	for _, fn := range effects {
		fn()
	}
}

// after queues fn to run once the lock is released.
func (m *Machine) after(fn func()) {
	m.effects = append(m.effects, fn)
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peer returns the identity of the other party, or "" when Idle.
func (m *Machine) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.peerID
}

// CallID returns the id of the active call, or "" when Idle.
func (m *Machine) CallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.callID
}

func (m *Machine) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to

	callID := ""
	if m.session != nil {
		callID = m.session.callID
	}
	m.logger.Info().Str("from", from.String()).Str("to", to.String()).Str("call_id", callID).Msg("Call state changed.")

	if cb := m.cfg.Observer.OnStateChange; cb != nil {
		m.after(func() { cb(from, to) })
	}
}

func (m *Machine) reportError(err error) {
	if cb := m.cfg.Observer.OnError; cb != nil {
		m.after(func() { cb(err) })
	}
}

// Initiate starts an outgoing call to targetID. Local media is acquired and a
// peer connection created, then call-initiate is sent. The offer follows once
// the target accepts.
func (m *Machine) Initiate(ctx context.Context, targetID, callType string) error {
	m.lock()
	defer m.unlock()

	if m.state != StateIdle {
		return ErrCallInProgress
	}
	if targetID == "" {
		return ErrInvalidTarget
	}
	if callType != CallTypeAudio {
		callType = CallTypeVideo
	}

	s := &session{
		callID:   randx.CallID(),
		peerID:   targetID,
		role:     RoleInitiator,
		callType: callType,
	}

	if err := m.prepareMedia(ctx, s); err != nil {
		m.reportError(err)
		return err
	}

	err := m.cfg.Signaler.Send(event.TypeCallInitiate, event.CallRequest{
		TargetID: targetID,
		CallID:   s.callID,
		FromName: m.cfg.SelfName,
		CallType: s.callType,
	})
	if err != nil {
		releaseMedia(s)
		err = fmt.Errorf("send call-initiate: %w", err)
		m.reportError(err)
		return err
	}

	m.session = s
	m.dropEarly()
	m.setState(StateOutgoing)
	m.startRingTimer(s)
	return nil
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	m.lock()
	defer m.unlock()

	s := m.session
	if m.state != StateIncoming || s == nil {
		return ErrNoActiveCall
	}
	stopRingTimer(s)

	if err := m.prepareMedia(ctx, s); err != nil {
		_ = m.cfg.Signaler.Send(event.TypeCallReject, event.CallRequest{TargetID: s.peerID, CallID: s.callID})
		m.teardown(EndFailed)
		m.reportError(err)
		return err
	}

	if err := m.cfg.Signaler.Send(event.TypeCallAccept, event.CallRequest{TargetID: s.peerID, CallID: s.callID}); err != nil {
		m.fail(fmt.Errorf("send call-accept: %w", err))
		return err
	}

	m.setState(StateConnecting)

	if offer := s.pendingOffer; offer != nil {
		s.pendingOffer = nil
		m.applyOffer(s, offer)
	}
	return nil
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject() error {
	m.lock()
	defer m.unlock()

	s := m.session
	if m.state != StateIncoming || s == nil {
		return ErrNoActiveCall
	}

	if err := m.cfg.Signaler.Send(event.TypeCallReject, event.CallRequest{TargetID: s.peerID, CallID: s.callID}); err != nil {
		m.logger.Warn().Err(err).Str("call_id", s.callID).Msg("Failed to send call-reject.")
	}
	m.teardown(EndDeclined)
	return nil
}

// Hangup ends the active call in any state and tells the peer.
func (m *Machine) Hangup() error {
	m.lock()
	defer m.unlock()

	s := m.session
	if s == nil {
		return ErrNoActiveCall
	}

	m.sendEnd(s)
	m.teardown(EndHangup)
	return nil
}

// ToggleMic flips the enabled flag of the local audio track and returns the new value.
func (m *Machine) ToggleMic() (bool, error) {
	return m.toggle(KindAudio)
}

// ToggleCamera flips the enabled flag of the local video track and returns the new value.
func (m *Machine) ToggleCamera() (bool, error) {
	return m.toggle(KindVideo)
}

func (m *Machine) toggle(kind string) (bool, error) {
	m.lock()
	defer m.unlock()

	s := m.session
	if s == nil {
		return false, ErrNoActiveCall
	}

	found := false
	enabled := false
	for _, t := range s.tracks {
		if t.Kind() != kind {
			continue
		}
		enabled = !t.Enabled()
		t.SetEnabled(enabled)
		found = true
	}
	if !found {
		return false, ErrTrackUnavailable
	}

	m.logger.Info().Str("kind", kind).Bool("enabled", enabled).Str("call_id", s.callID).Msg("Local track toggled.")
	return enabled, nil
}

// HandleEvent applies one server event. Events unrelated to calls are ignored.
func (m *Machine) HandleEvent(env event.Envelope) {
	switch env.Type {
	case event.TypeIncomingCall, event.TypeCallAccepted, event.TypeCallRejected,
		event.TypeCallOffer, event.TypeCallAnswer, event.TypeCallICE, event.TypeCallEnd:
	default:
		return
	}

	var sig event.CallSignal
	if err := env.Decode(&sig); err != nil || sig.From == "" {
		m.logger.Warn().Err(err).Str("event", env.Type).Msg("Ignoring malformed call event.")
		return
	}

	m.lock()
	defer m.unlock()

	switch env.Type {
	case event.TypeIncomingCall:
		m.onIncomingCall(sig)
	case event.TypeCallAccepted:
		m.onAccepted(sig)
	case event.TypeCallRejected:
		m.onRemoteEnd(sig, EndRejected)
	case event.TypeCallOffer:
		m.onOffer(sig)
	case event.TypeCallAnswer:
		m.onAnswer(sig)
	case event.TypeCallICE:
		m.onICE(sig)
	case event.TypeCallEnd:
		m.onRemoteEnd(sig, EndRemoteEnd)
	}
}

// matches reports whether sig belongs to the active session.
func (m *Machine) matches(sig event.CallSignal) bool {
	s := m.session
	if s == nil || sig.From != s.peerID {
		return false
	}
	if sig.CallID != "" && s.callID != "" && sig.CallID != s.callID {
		return false
	}
	if s.callID == "" && sig.CallID != "" {
		s.callID = sig.CallID
	}
	return true
}

func (m *Machine) ignore(sig event.CallSignal, eventType, reason string) {
	m.logger.Debug().
		Str("event", eventType).
		Str("from", sig.From).
		Str("call_id", sig.CallID).
		Str("state", m.state.String()).
		Str("reason", reason).
		Msg("Ignoring call event.")
}

func (m *Machine) onIncomingCall(sig event.CallSignal) {
	if m.state != StateIdle {
		// busy: turn the caller away without disturbing the active call
		if err := m.cfg.Signaler.Send(event.TypeCallReject, event.CallRequest{TargetID: sig.From, CallID: sig.CallID}); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to send busy call-reject.")
		}
		m.ignore(sig, event.TypeIncomingCall, "busy")
		return
	}

	callType := sig.CallType
	if callType != CallTypeAudio {
		callType = CallTypeVideo
	}

	s := &session{
		callID:   sig.CallID,
		peerID:   sig.From,
		peerName: sig.FromName,
		role:     RoleReceiver,
		callType: callType,
	}
	m.session = s
	m.adoptEarly(s)
	m.setState(StateIncoming)
	m.startRingTimer(s)

	if cb := m.cfg.Observer.OnIncomingCall; cb != nil {
		from, name := sig.From, sig.FromName
		m.after(func() { cb(from, name, callType) })
	}
}

func (m *Machine) onAccepted(sig event.CallSignal) {
	if !m.matches(sig) || m.state != StateOutgoing {
		m.ignore(sig, event.TypeCallAccepted, "no outgoing call")
		return
	}
	s := m.session
	stopRingTimer(s)
	m.setState(StateConnecting)

	if s.offerSent {
		return
	}

	offer, err := s.peer.CreateOffer()
	if err != nil {
		m.fail(fmt.Errorf("create offer: %w", err))
		return
	}

	err = m.cfg.Signaler.Send(event.TypeCallOffer, event.CallRequest{
		TargetID:    s.peerID,
		CallID:      s.callID,
		FromName:    m.cfg.SelfName,
		CallType:    s.callType,
		Description: offer,
	})
	if err != nil {
		m.fail(fmt.Errorf("send call-offer: %w", err))
		return
	}
	s.offerSent = true
}

func (m *Machine) onOffer(sig event.CallSignal) {
	if !event.HasValue(sig.Description) {
		m.ignore(sig, event.TypeCallOffer, "missing description")
		return
	}

	if m.state == StateIdle {
		// an offer without a prior incoming-call starts a receiver session directly
		s := &session{
			callID:   sig.CallID,
			peerID:   sig.From,
			peerName: sig.FromName,
			role:     RoleReceiver,
			callType: CallTypeVideo,
		}
		if sig.CallType == CallTypeAudio {
			s.callType = CallTypeAudio
		}
		if err := m.prepareMedia(context.Background(), s); err != nil {
			_ = m.cfg.Signaler.Send(event.TypeCallReject, event.CallRequest{TargetID: s.peerID, CallID: s.callID})
			m.reportError(err)
			return
		}
		m.session = s
		m.adoptEarly(s)
		m.setState(StateConnecting)
		m.applyOffer(s, sig.Description)
		return
	}

	if !m.matches(sig) || m.session.role != RoleReceiver {
		m.ignore(sig, event.TypeCallOffer, "not from the caller")
		return
	}

	s := m.session
	switch m.state {
	case StateIncoming:
		s.pendingOffer = sig.Description
	case StateConnecting:
		m.applyOffer(s, sig.Description)
	default:
		m.ignore(sig, event.TypeCallOffer, "unexpected state")
	}
}

// applyOffer sets the remote offer, drains buffered candidates, and answers.
func (m *Machine) applyOffer(s *session, offer json.RawMessage) {
	if err := s.peer.SetRemoteDescription(offer); err != nil {
		m.fail(fmt.Errorf("set remote offer: %w", err))
		return
	}
	s.remoteSet = true

	m.drainICE(s)

	answer, err := s.peer.CreateAnswer()
	if err != nil {
		m.fail(fmt.Errorf("create answer: %w", err))
		return
	}

	err = m.cfg.Signaler.Send(event.TypeCallAnswer, event.CallRequest{
		TargetID:    s.peerID,
		CallID:      s.callID,
		Description: answer,
	})
	if err != nil {
		m.fail(fmt.Errorf("send call-answer: %w", err))
		return
	}

	m.markConnected(s)
}

func (m *Machine) onAnswer(sig event.CallSignal) {
	if !m.matches(sig) || m.session.role != RoleInitiator || !m.session.offerSent {
		m.ignore(sig, event.TypeCallAnswer, "no offer outstanding")
		return
	}
	s := m.session
	if s.remoteSet {
		m.ignore(sig, event.TypeCallAnswer, "duplicate answer")
		return
	}
	if !event.HasValue(sig.Description) {
		m.ignore(sig, event.TypeCallAnswer, "missing description")
		return
	}

	if err := s.peer.SetRemoteDescription(sig.Description); err != nil {
		m.fail(fmt.Errorf("set remote answer: %w", err))
		return
	}
	s.remoteSet = true

	m.drainICE(s)
	m.markConnected(s)
}

func (m *Machine) onICE(sig event.CallSignal) {
	if !event.HasValue(sig.Candidate) {
		return
	}

	if m.session == nil {
		m.bufferEarly(sig)
		return
	}
	if !m.matches(sig) {
		m.ignore(sig, event.TypeCallICE, "not from the peer")
		return
	}

	s := m.session
	if !s.remoteSet || s.peer == nil {
		s.pendingICE = append(s.pendingICE, sig.Candidate)
		return
	}

	if err := s.peer.AddICECandidate(sig.Candidate); err != nil {
		// a single bad candidate does not doom the call
		m.logger.Warn().Err(err).Str("call_id", s.callID).Msg("Failed to add ICE candidate.")
	}
}

// drainICE applies buffered candidates in receipt order.
func (m *Machine) drainICE(s *session) {
	pending := s.pendingICE
	s.pendingICE = nil

	for _, c := range pending {
		if err := s.peer.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Str("call_id", s.callID).Msg("Failed to add buffered ICE candidate.")
		}
	}
	if len(pending) > 0 {
		m.logger.Debug().Int("count", len(pending)).Str("call_id", s.callID).Msg("Drained buffered ICE candidates.")
	}
}

func (m *Machine) markConnected(s *session) {
	if s.connectedAt.IsZero() {
		s.connectedAt = m.cfg.Now()
	}
	m.setState(StateConnected)
}

func (m *Machine) onRemoteEnd(sig event.CallSignal, reason EndReason) {
	if !m.matches(sig) {
		m.ignore(sig, event.TypeCallEnd, "no matching call")
		return
	}
	m.teardown(reason)
}

// onPeerState reacts to transport failures reported by the peer connection.
func (m *Machine) onPeerState(callID string, state PeerState) {
	if state != PeerFailed {
		return
	}

	m.lock()
	defer m.unlock()

	if m.session == nil || m.session.callID != callID {
		return
	}
	m.fail(errors.New("peer connection failed"))
}

// prepareMedia acquires local media and creates the peer connection for s.
// Video calls fall back to audio-only; total failure returns ErrMediaUnavailable.
func (m *Machine) prepareMedia(ctx context.Context, s *session) error {
	tracks, err := m.acquire(ctx, s)
	if err != nil {
		return err
	}
	s.tracks = tracks

	target, callID, sig := s.peerID, s.callID, m.cfg.Signaler
	peer, err := m.cfg.Peers.NewPeer(PeerHandlers{
		// never takes the machine lock: pion may call it while Close holds internal locks
		OnICECandidate: func(candidate json.RawMessage) {
			if err := sig.Send(event.TypeCallICE, event.CallRequest{TargetID: target, CallID: callID, Candidate: candidate}); err != nil {
				m.logger.Debug().Err(err).Str("call_id", callID).Msg("Failed to send ICE candidate.")
			}
		},
		OnStateChange: func(state PeerState) {
			m.onPeerState(callID, state)
		},
	})
	if err != nil {
		releaseMedia(s)
		return fmt.Errorf("create peer connection: %w", err)
	}
	s.peer = peer

	if err := peer.AddTracks(tracks); err != nil {
		releaseMedia(s)
		return fmt.Errorf("add local tracks: %w", err)
	}
	return nil
}

func (m *Machine) acquire(ctx context.Context, s *session) ([]Track, error) {
	if s.callType == CallTypeVideo {
		tracks, err := m.cfg.Media.Acquire(ctx, Constraints{Audio: true, Video: true})
		if err == nil {
			return tracks, nil
		}
		m.logger.Warn().Err(err).Str("call_id", s.callID).Msg("Camera unavailable, falling back to audio-only.")
	}

	tracks, err := m.cfg.Media.Acquire(ctx, Constraints{Audio: true})
	if err != nil {
		m.logger.Error().Err(err).Str("call_id", s.callID).Msg("Local media acquisition failed.")
		return nil, ErrMediaUnavailable
	}
	s.callType = CallTypeAudio
	return tracks, nil
}

// fail tears the call down after a local error and tells the peer.
func (m *Machine) fail(err error) {
	if s := m.session; s != nil {
		m.logger.Error().Err(err).Str("call_id", s.callID).Msg("Call failed.")
		m.sendEnd(s)
	}
	m.teardown(EndFailed)
	m.reportError(err)
}

func (m *Machine) sendEnd(s *session) {
	if err := m.cfg.Signaler.Send(event.TypeCallEnd, event.CallRequest{TargetID: s.peerID, CallID: s.callID}); err != nil {
		m.logger.Warn().Err(err).Str("call_id", s.callID).Msg("Failed to send call-end.")
	}
}

// teardown releases the session and returns to Idle. It never signals the peer.
func (m *Machine) teardown(reason EndReason) {
	s := m.session
	if s == nil {
		return
	}

	stopRingTimer(s)
	releaseMedia(s)
	s.pendingICE = nil
	s.pendingOffer = nil

	var duration time.Duration
	if !s.connectedAt.IsZero() {
		duration = m.cfg.Now().Sub(s.connectedAt)
	}
	seconds := int(duration / time.Second)

	summary := Summary{
		CallID:   s.callID,
		PeerID:   s.peerID,
		Role:     s.role,
		CallType: s.callType,
		Reason:   reason,
		Duration: duration,
		Status:   calllog.Classify(seconds),
	}

	m.setState(StateIdle)
	m.session = nil

	m.logger.Info().
		Str("call_id", s.callID).
		Str("peer", s.peerID).
		Str("reason", string(reason)).
		Int("duration", seconds).
		Str("status", summary.Status).
		Msg("Call ended.")

	if s.role == RoleInitiator && m.cfg.CallLog != nil {
		logger := m.cfg.CallLog
		m.after(func() {
			ctx, cancel := context.WithTimeout(context.Background(), callLogTimeout)
			defer cancel()
			if err := logger.LogCall(ctx, s.peerID, seconds, s.callType); err != nil {
				m.logger.Warn().Err(err).Str("call_id", s.callID).Msg("Failed to report call log.")
			}
		})
	}

	if cb := m.cfg.Observer.OnEnded; cb != nil {
		m.after(func() { cb(summary) })
	}
}

func releaseMedia(s *session) {
	if s.peer != nil {
		_ = s.peer.Close()
		s.peer = nil
	}
	for _, t := range s.tracks {
		t.Stop()
	}
	s.tracks = nil
}

func (m *Machine) startRingTimer(s *session) {
	if m.cfg.RingTimeout <= 0 {
		return
	}
	s.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() { m.ringExpired(s) })
}

func stopRingTimer(s *session) {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (m *Machine) ringExpired(s *session) {
	m.lock()
	defer m.unlock()

	if m.session != s {
		return
	}

	switch m.state {
	case StateOutgoing:
		m.sendEnd(s)
	case StateIncoming:
		if err := m.cfg.Signaler.Send(event.TypeCallReject, event.CallRequest{TargetID: s.peerID, CallID: s.callID}); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to send call-reject on ring timeout.")
		}
	default:
		return
	}
	m.teardown(EndRingTimeout)
}

// bufferEarly keeps candidates that arrive while Idle. Only the most recent
// sender's candidates are kept.
func (m *Machine) bufferEarly(sig event.CallSignal) {
	if m.early.from != sig.From || m.early.callID != sig.CallID {
		m.early = earlyICE{from: sig.From, callID: sig.CallID}
	}
	if len(m.early.candidates) >= maxEarlyCandidates {
		return
	}
	m.early.candidates = append(m.early.candidates, sig.Candidate)
}

// adoptEarly moves candidates buffered while Idle into s when they belong to it.
func (m *Machine) adoptEarly(s *session) {
	if m.early.from == s.peerID && (m.early.callID == "" || s.callID == "" || m.early.callID == s.callID) {
		s.pendingICE = append(m.early.candidates, s.pendingICE...)
	}
	m.dropEarly()
}

func (m *Machine) dropEarly() {
	m.early = earlyICE{}
}
