/*
Package main is the entry point for the CallHub headless call peer.

It connects to the signaling server with an identity token, runs the call state
machine on a pion/webrtc peer connection with synthetic media, and either calls
a configured target or waits for incoming calls. With auto-answer enabled every
incoming call is accepted. When a call target is set the peer exits after that
call ends.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"callhub/internal/app/callsession"
	"callhub/internal/app/peerclient"
	"callhub/internal/configs"
	"callhub/internal/pkg/auth/jwt"
	"callhub/internal/pkg/logx"
)

func main() {
	cfg, err := configs.LoadPeerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logx.InitGlobalLogger(cfg.Environment == "development")

	me, err := jwt.PeekToken(cfg.Token)
	if err != nil {
		logx.Fatal(err, "PEER_TOKEN is not a valid identity token")
	}

	logx.Logger().Info().
		Str("server", cfg.ServerURL).
		Str("identity", me.ID).
		Str("name", me.Name).
		Str("call_target", cfg.CallTarget).
		Bool("auto_answer", cfg.AutoAnswer).
		Dur("ring_timeout", cfg.RingTimeout).
		Dur("hangup_after", cfg.HangupAfter).
		Msg("Peer configuration loaded")

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ctx also ends when a scripted call finishes
	ctx, finish := context.WithCancel(signalCtx)
	defer finish()

	api := peerclient.NewAPI(cfg.ServerURL, cfg.Token)

	iceServers := cfg.ICEServers
	if urls, err := api.ICEServers(ctx); err != nil {
		logx.Warn("Could not fetch ICE servers, using configured ones", "error", err.Error())
	} else if len(urls) > 0 {
		iceServers = urls
	}

	factory, err := callsession.NewPionFactory(iceServers)
	if err != nil {
		logx.Fatal(err, "Failed to initialize WebRTC")
	}

	sig, err := peerclient.Dial(ctx, cfg.ServerURL, cfg.Token)
	if err != nil {
		logx.Fatal(err, "Failed to connect to signaling server")
	}
	defer sig.Close()

	var machine *callsession.Machine

	// hangupTimer ends a connected call after HangupAfter.
	var timerMu sync.Mutex
	var hangupTimer *time.Timer

	observer := callsession.Observer{
		OnStateChange: func(from, to callsession.State) {
			timerMu.Lock()
			defer timerMu.Unlock()

			if to == callsession.StateConnected && cfg.HangupAfter > 0 {
				hangupTimer = time.AfterFunc(cfg.HangupAfter, func() {
					if err := machine.Hangup(); err != nil {
						logx.Debug("Scheduled hangup found no call", "error", err.Error())
					}
				})
			}
			if to == callsession.StateIdle && hangupTimer != nil {
				hangupTimer.Stop()
				hangupTimer = nil
			}
		},
		OnIncomingCall: func(fromID, fromName, callType string) {
			logx.Info("Incoming call", "from", fromID, "from_name", fromName, "call_type", callType)
			if !cfg.AutoAnswer {
				return
			}
			if err := machine.Accept(ctx); err != nil {
				logx.Error(err, "Failed to accept call", "from", fromID)
			}
		},
		OnEnded: func(s callsession.Summary) {
			logx.Info("Call finished",
				"call_id", s.CallID,
				"peer", s.PeerID,
				"role", string(s.Role),
				"reason", string(s.Reason),
				"status", s.Status,
				"duration", s.Duration.String(),
			)
			if cfg.CallTarget != "" {
				finish()
			}
		},
		OnError: func(err error) {
			logx.Error(err, "Call error")
		},
	}

	machine = callsession.New(callsession.Config{
		SelfName:    me.Name,
		Signaler:    sig,
		Peers:       factory,
		Media:       callsession.SyntheticSource{HasCamera: true, HasMicrophone: true},
		CallLog:     api,
		Observer:    observer,
		RingTimeout: cfg.RingTimeout,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	runErr := make(chan error, 1)
	go func() {
		runErr <- sig.Run(runCtx, machine.HandleEvent)
	}()

	if cfg.CallTarget != "" {
		logx.Info("Calling", "target", cfg.CallTarget)
		if err := machine.Initiate(ctx, cfg.CallTarget, callsession.CallTypeVideo); err != nil {
			logx.Fatal(err, "Failed to start call", "target", cfg.CallTarget)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if errors.Is(err, peerclient.ErrSessionReplaced) {
			logx.Warn("Another connection took over this identity")
		} else if err != nil {
			logx.Error(err, "Signaling connection lost")
		}
	}

	if machine.State() != callsession.StateIdle {
		_ = machine.Hangup()
	}
	cancelRun()

	logx.Info("Peer stopped.")
}
