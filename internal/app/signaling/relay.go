/*
Package signaling forwards call lifecycle events between two online identities.

The relay keeps no per-call state. Each operation resolves the target through
the presence registry and delivers one event stamped with the sender's
authenticated identity. An offline target, a missing field, or a self-addressed
request drops the event. Session descriptions and ICE candidates are forwarded
verbatim.
*/
package signaling

import (
	"callhub/internal/app/event"
	"callhub/internal/app/presence"
	"callhub/internal/app/user"
	"callhub/internal/pkg/logx"

	"github.com/rs/zerolog"
)

// Relay is the stateless call signaling broker.
type Relay struct {
	presence *presence.Registry
	logger   zerolog.Logger
}

// NewRelay creates a Relay that delivers through registry.
func NewRelay(registry *presence.Registry) *Relay {
	return &Relay{presence: registry, logger: logx.Component("signaling")}
}

// Initiate delivers incoming-call to the target.
func (r *Relay) Initiate(from user.User, req event.CallRequest) bool {
	return r.forward(from, req, event.TypeIncomingCall, event.CallSignal{
		From:     from.ID,
		FromID:   from.ID,
		FromName: displayName(from, req.FromName),
		CallID:   req.CallID,
		CallType: req.CallType,
	})
}

// Accept delivers call-accepted to the caller. TargetID names the acceptor, the
// peer the caller should now negotiate with.
func (r *Relay) Accept(from user.User, req event.CallRequest) bool {
	return r.forward(from, req, event.TypeCallAccepted, event.CallSignal{
		From:     from.ID,
		TargetID: from.ID,
		CallID:   req.CallID,
	})
}

// Reject delivers call-rejected.
func (r *Relay) Reject(from user.User, req event.CallRequest) bool {
	return r.forward(from, req, event.TypeCallRejected, event.CallSignal{
		From:   from.ID,
		CallID: req.CallID,
	})
}

// Offer forwards an SDP offer. Requests without a description are dropped.
func (r *Relay) Offer(from user.User, req event.CallRequest) bool {
	if !event.HasValue(req.Description) {
		r.drop(from, req, event.TypeCallOffer, "missing description")
		return false
	}
	return r.forward(from, req, event.TypeCallOffer, event.CallSignal{
		From:        from.ID,
		FromName:    displayName(from, req.FromName),
		CallID:      req.CallID,
		CallType:    req.CallType,
		Description: req.Description,
	})
}

// Answer forwards an SDP answer. Requests without a description are dropped.
func (r *Relay) Answer(from user.User, req event.CallRequest) bool {
	if !event.HasValue(req.Description) {
		r.drop(from, req, event.TypeCallAnswer, "missing description")
		return false
	}
	return r.forward(from, req, event.TypeCallAnswer, event.CallSignal{
		From:        from.ID,
		CallID:      req.CallID,
		Description: req.Description,
	})
}

// ICE forwards one ICE candidate. Requests without a candidate are dropped.
func (r *Relay) ICE(from user.User, req event.CallRequest) bool {
	if !event.HasValue(req.Candidate) {
		r.drop(from, req, event.TypeCallICE, "missing candidate")
		return false
	}
	return r.forward(from, req, event.TypeCallICE, event.CallSignal{
		From:      from.ID,
		CallID:    req.CallID,
		Candidate: req.Candidate,
	})
}

// End delivers call-end.
func (r *Relay) End(from user.User, req event.CallRequest) bool {
	return r.forward(from, req, event.TypeCallEnd, event.CallSignal{
		From:   from.ID,
		CallID: req.CallID,
	})
}

func (r *Relay) forward(from user.User, req event.CallRequest, eventType string, signal event.CallSignal) bool {
	if req.TargetID == "" {
		r.drop(from, req, eventType, "missing target")
		return false
	}
	if req.TargetID == from.ID {
		r.drop(from, req, eventType, "self-addressed")
		return false
	}

	env, err := event.New(eventType, signal)
	if err != nil {
		r.logger.Error().Err(err).Str("event", eventType).Msg("Failed to build signaling event.")
		return false
	}

	if !r.presence.Deliver(req.TargetID, env) {
		r.drop(from, req, eventType, "target unreachable")
		return false
	}

	r.logger.Debug().
		Str("event", eventType).
		Str("from", from.ID).
		Str("target", req.TargetID).
		Str("call_id", req.CallID).
		Msg("Signal forwarded.")
	return true
}

func (r *Relay) drop(from user.User, req event.CallRequest, eventType, reason string) {
	r.logger.Debug().
		Str("event", eventType).
		Str("from", from.ID).
		Str("target", req.TargetID).
		Str("call_id", req.CallID).
		Str("reason", reason).
		Msg("Signal dropped.")
}

// displayName prefers the name the client supplied.
func displayName(from user.User, supplied string) string {
	if supplied != "" {
		return supplied
	}
	return from.Name
}
