/*
Package callsession implements the client side of a one-to-one call.

A Machine tracks the local call lifecycle (Idle, Outgoing or Incoming, Connecting,
Connected, back to Idle), drives a peer connection through offer/answer
negotiation, and buffers ICE candidates until a remote description exists. It
talks to the server only through a Signaler and never touches media transport
itself: the PeerConnection and MediaSource collaborators do.

At most one call is active at a time. Every message the machine sends carries
the call's id, and inbound events for another id or from another identity are
ignored.
*/
package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// State is the local call lifecycle state.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Role tells which side of the call this client is.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

// EndReason explains how a call reached Idle.
type EndReason string

const (
	EndHangup      EndReason = "hangup"
	EndRemoteEnd   EndReason = "remote-end"
	EndRejected    EndReason = "rejected"
	EndDeclined    EndReason = "declined"
	EndRingTimeout EndReason = "ring-timeout"
	EndFailed      EndReason = "failed"
)

// Track kinds.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Call types.
const (
	CallTypeVideo = "video"
	CallTypeAudio = "audio"
)

var (
	// ErrCallInProgress is returned when a call operation needs Idle.
	ErrCallInProgress = errors.New("a call is already in progress")

	// ErrNoActiveCall is returned when there is no call, or no call in the required state.
	ErrNoActiveCall = errors.New("no active call")

	// ErrMediaUnavailable is the user-facing failure of local media acquisition.
	ErrMediaUnavailable = errors.New("Could not access camera or microphone. Please check permissions.")

	// ErrInvalidTarget is returned for an empty call target.
	ErrInvalidTarget = errors.New("invalid call target")

	// ErrTrackUnavailable is returned when toggling a kind the call has no track for.
	ErrTrackUnavailable = errors.New("no local track of that kind")
)

// Signaler sends one event to the signaling server. It must be safe for concurrent use.
type Signaler interface {
	Send(eventType string, payload any) error
}

// PeerState is the coarse connection state reported by a PeerConnection.
type PeerState string

const (
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// PeerHandlers receives asynchronous peer connection callbacks.
type PeerHandlers struct {
	// OnICECandidate is called for every locally gathered candidate.
	OnICECandidate func(candidate json.RawMessage)

	// OnStateChange is called when the transport state changes.
	OnStateChange func(state PeerState)
}

// PeerConnection is the WebRTC peer the machine negotiates through. Descriptions
// and candidates are opaque JSON.
type PeerConnection interface {
	AddTracks(tracks []Track) error

	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (json.RawMessage, error)

	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (json.RawMessage, error)

	SetRemoteDescription(desc json.RawMessage) error

	// AddICECandidate fails when no remote description is set.
	AddICECandidate(candidate json.RawMessage) error

	Close() error
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeer(handlers PeerHandlers) (PeerConnection, error)
}

// Constraints selects the kinds of local media to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Track is a local media track.
type Track interface {
	Kind() string
	Enabled() bool

	// SetEnabled mutes or unmutes the track without renegotiation.
	SetEnabled(enabled bool)

	// Stop releases the underlying device.
	Stop()
}

// MediaSource acquires local media. It fails as a unit when any requested kind is unavailable.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) ([]Track, error)
}

// CallLogger reports finished calls. Duration is whole connected seconds.
type CallLogger interface {
	LogCall(ctx context.Context, targetID string, duration int, callType string) error
}

// Summary describes a finished call.
type Summary struct {
	CallID   string
	PeerID   string
	Role     Role
	CallType string
	Reason   EndReason
	Duration time.Duration
	Status   string
}

// Observer receives lifecycle notifications. All fields are optional and are
// invoked outside the machine's lock.
type Observer struct {
	OnStateChange  func(from, to State)
	OnIncomingCall func(fromID, fromName, callType string)
	OnEnded        func(summary Summary)
	OnError        func(err error)
}
