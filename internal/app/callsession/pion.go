package callsession

import (
	"encoding/json"
	"errors"
	"fmt"

	"callhub/internal/pkg/logx"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// LocalTrack is a Track that can be sent over a pion peer connection.
type LocalTrack interface {
	Track
	TrackLocal() webrtc.TrackLocal
}

// PionFactory creates pion/webrtc peer connections sharing one API instance.
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	logger     zerolog.Logger
}

// NewPionFactory builds a media engine with the default codecs and interceptors.
func NewPionFactory(iceServers []string) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &PionFactory{api: api, iceServers: servers, logger: logx.Component("pion")}, nil
}

// NewPeer implements PeerFactory.
func (f *PionFactory) NewPeer(handlers PeerHandlers) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &PionPeer{pc: pc, logger: f.logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || handlers.OnICECandidate == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			p.logger.Warn().Err(err).Msg("Failed to encode local ICE candidate.")
			return
		}
		handlers.OnICECandidate(raw)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug().Str("state", s.String()).Msg("Peer connection state changed.")
		if handlers.OnStateChange == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			handlers.OnStateChange(PeerConnected)
		case webrtc.PeerConnectionStateDisconnected:
			handlers.OnStateChange(PeerDisconnected)
		case webrtc.PeerConnectionStateFailed:
			// the machine takes its lock here; pion must not be blocked on it
			go handlers.OnStateChange(PeerFailed)
		case webrtc.PeerConnectionStateClosed:
			handlers.OnStateChange(PeerClosed)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info().
			Str("kind", remote.Kind().String()).
			Str("codec", remote.Codec().MimeType).
			Msg("Remote track started.")
		// drain so the receive buffers never fill
		buf := make([]byte, 1500)
		for {
			if _, _, err := remote.Read(buf); err != nil {
				return
			}
		}
	})

	return p, nil
}

// PionPeer adapts a *webrtc.PeerConnection to PeerConnection.
type PionPeer struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger
}

// AddTracks sends every LocalTrack and adds a receive-only transceiver for each
// kind without a local track so the session description always carries both
// m-lines.
func (p *PionPeer) AddTracks(tracks []Track) error {
	have := map[string]bool{}
	for _, t := range tracks {
		lt, ok := t.(LocalTrack)
		if !ok {
			return fmt.Errorf("track of kind %s cannot be sent", t.Kind())
		}
		sender, err := p.pc.AddTrack(lt.TrackLocal())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		have[t.Kind()] = true

		// RTCP must be read for the interceptors to work
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	for kind, codec := range map[string]webrtc.RTPCodecType{
		KindAudio: webrtc.RTPCodecTypeAudio,
		KindVideo: webrtc.RTPCodecTypeVideo,
	} {
		if have[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (p *PionPeer) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return p.setLocal(offer)
}

func (p *PionPeer) CreateAnswer() (json.RawMessage, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return p.setLocal(answer)
}

func (p *PionPeer) setLocal(desc webrtc.SessionDescription) (json.RawMessage, error) {
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(desc)
}

func (p *PionPeer) SetRemoteDescription(raw json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}
	return p.pc.SetRemoteDescription(desc)
}

// AddICECandidate fails when no remote description has been set.
func (p *PionPeer) AddICECandidate(raw json.RawMessage) error {
	if p.pc.RemoteDescription() == nil {
		return errors.New("remote description not set")
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("decode ICE candidate: %w", err)
	}
	return p.pc.AddICECandidate(candidate)
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}
