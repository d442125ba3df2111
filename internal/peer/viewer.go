package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/keycast/keycast/internal/media"
	"github.com/keycast/keycast/internal/negotiation"
)

// Viewer runs the answering end of a call: it joins a session by key, waits
// for the broadcaster's offer, and hands inbound tracks to the sink.
type Viewer struct {
	opts   Options
	logger zerolog.Logger
	api    *webrtc.API
	client *client
	out    sender
	sink   media.Sink

	machine *negotiation.Machine
	ready   chan envelope

	mu  sync.Mutex
	key string
	pc  *webrtc.PeerConnection
}

// JoinBroadcast connects to the relay and joins the session behind key. The
// broadcaster offers as soon as the relay announces us; negotiation runs in
// the background after return.
func JoinBroadcast(ctx context.Context, opts Options, key string, sink media.Sink) (*Viewer, error) {
	logger := opts.Logger.With().Str("component", "viewer").Str("key", key).Logger()

	cl, err := dial(ctx, opts.URL, opts.Origin, logger)
	if err != nil {
		return nil, err
	}

	v := &Viewer{
		opts:    opts,
		logger:  logger,
		api:     newAPI(opts),
		client:  cl,
		out:     cl,
		sink:    sink,
		machine: negotiation.NewMachine(negotiation.RoleAnswerer, negotiation.Options{CandidateGrace: opts.CandidateGrace}),
		ready:   make(chan envelope, 1),
	}
	cl.run(v.handle)

	if err := cl.send(envelope{Type: typeJoinViewer, Key: key}); err != nil {
		cl.shutdown(nil)
		return nil, fmt.Errorf("send join_viewer: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = cl.Close()
		return nil, ctx.Err()
	case <-cl.Done():
		return nil, fmt.Errorf("relay connection closed during join: %w", cl.Err())
	case env := <-v.ready:
		if env.Type == typeError {
			_ = cl.Close()
			return nil, fmt.Errorf("relay rejected join: %s: %s", env.Code, env.Message)
		}
		v.mu.Lock()
		v.key = env.Key
		v.mu.Unlock()
	}

	logger.Info().Msg("joined broadcast")
	return v, nil
}

// Established reports whether negotiation with the broadcaster completed.
func (v *Viewer) Established() bool { return v.machine.Established() }

// Done closes when the relay connection is gone, including after the
// broadcaster ends the session.
func (v *Viewer) Done() <-chan struct{} { return v.client.Done() }

// Close leaves the session and tears down the PeerConnection.
func (v *Viewer) Close() error {
	_ = v.client.send(envelope{Type: typeLeave})
	v.teardown()
	return v.client.Close()
}

func (v *Viewer) handle(env envelope) {
	switch env.Type {
	case typeJoined:
		select {
		case v.ready <- env:
		default:
		}
	case typeSignal:
		v.onSignal(env.Payload)
	case typeSessionClosed:
		v.logger.Info().Msg("broadcast ended")
		v.teardown()
		_ = v.client.Close()
	case typeError:
		select {
		case v.ready <- env:
		default:
			v.logger.Warn().Str("code", env.Code).Str("message", env.Message).Msg("relay error")
		}
	default:
		v.logger.Warn().Str("type", env.Type).Msg("unexpected relay message")
	}
}

func (v *Viewer) onSignal(p *payload) {
	if p == nil {
		return
	}

	switch p.Type {
	case payloadOffer:
		v.onOffer(p)
	case payloadCandidate:
		v.onCandidate(p)
	default:
		// Answers only ever travel viewer-to-broadcaster.
		v.logger.Warn().Str("payload", p.Type).Msg("unexpected payload")
	}
}

func (v *Viewer) onOffer(p *payload) {
	desc, err := descriptionFromWire(p.SDP)
	if err != nil {
		v.logger.Warn().Err(err).Msg("bad offer")
		return
	}

	pc, err := v.ensurePC()
	if err != nil {
		v.logger.Error().Err(err).Msg("new peer connection")
		return
	}

	buffered, err := v.machine.Offer()
	if err != nil {
		// A fresh offer mid-stream is the broadcaster renegotiating.
		v.machine.Reset()
		buffered, err = v.machine.Offer()
		if err != nil {
			v.logger.Warn().Err(err).Msg("offer rejected")
			return
		}
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		v.logger.Error().Err(err).Msg("set remote description")
		v.machine.Fail()
		return
	}
	v.applyCandidates(pc, buffered)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		v.logger.Error().Err(err).Msg("create answer")
		v.machine.Fail()
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		v.logger.Error().Err(err).Msg("set local description")
		v.machine.Fail()
		return
	}

	if _, err := v.machine.Answer(); err != nil {
		v.logger.Warn().Err(err).Msg("answer out of order")
		return
	}
	_ = v.machine.Establish()

	if err := v.out.send(envelope{Type: typeSignal, Payload: answerPayload(answer)}); err != nil {
		v.logger.Warn().Err(err).Msg("send answer")
	}
}

func (v *Viewer) onCandidate(p *payload) {
	init, err := candidateFromWire(p.Candidate)
	if err != nil {
		v.logger.Warn().Err(err).Msg("bad candidate")
		return
	}

	released, err := v.machine.Candidate(init)
	if err != nil {
		v.logger.Warn().Err(err).Msg("candidate for failed pair")
		return
	}
	if len(released) == 0 {
		v.scheduleExpiry()
		return
	}

	pc := v.currentPC()
	if pc == nil {
		// Candidates released only once the offer set the description,
		// and the offer created the connection.
		v.logger.Warn().Msg("candidate without a peer connection")
		return
	}
	v.applyCandidates(pc, released)
}

// ensurePC creates the PeerConnection on the first offer and reuses it for
// renegotiation.
func (v *Viewer) ensurePC() (*webrtc.PeerConnection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pc != nil {
		return v.pc, nil
	}

	pc, err := v.api.NewPeerConnection(webrtc.Configuration{ICEServers: v.opts.ICEServers})
	if err != nil {
		return nil, err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		v.logger.Info().Str("track", track.ID()).Str("kind", track.Kind().String()).Msg("remote track")
		if v.sink == nil {
			return
		}
		if err := v.sink.Attach(remoteHandle{track: track}); err != nil {
			v.logger.Error().Err(err).Str("track", track.ID()).Msg("attach sink")
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := v.out.send(envelope{Type: typeSignal, Payload: candidatePayload(c.ToJSON())}); err != nil {
			v.logger.Warn().Err(err).Msg("send candidate")
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.logger.Debug().Str("state", state.String()).Msg("peer connection state")
		if state == webrtc.PeerConnectionStateFailed {
			v.machine.Fail()
		}
	})

	v.pc = pc
	return pc, nil
}

func (v *Viewer) applyCandidates(pc *webrtc.PeerConnection, candidates []negotiation.Candidate) {
	for _, c := range candidates {
		if err := pc.AddICECandidate(c); err != nil {
			v.logger.Warn().Err(err).Msg("add candidate")
		}
	}
}

func (v *Viewer) scheduleExpiry() {
	grace := v.opts.CandidateGrace
	if grace == 0 {
		grace = negotiation.DefaultCandidateGrace
	}
	if grace < 0 {
		return
	}
	time.AfterFunc(grace, func() {
		if errors.Is(v.machine.ExpireBuffered(), negotiation.ErrFailed) {
			v.logger.Warn().Msg("candidates expired without an offer")
			v.teardown()
		}
	})
}

func (v *Viewer) currentPC() *webrtc.PeerConnection {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pc
}

func (v *Viewer) teardown() {
	v.mu.Lock()
	pc := v.pc
	v.pc = nil
	v.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
}
