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
	"github.com/keycast/keycast/internal/registry"
)

// Broadcaster runs the offering end of a call: it opens the session, and for
// every viewer the relay announces it negotiates a dedicated PeerConnection
// carrying the captured track.
type Broadcaster struct {
	opts   Options
	logger zerolog.Logger
	api    *webrtc.API
	client *client
	out    sender
	track  webrtc.TrackLocal

	pairs *negotiation.Pairs
	ready chan envelope

	mu  sync.Mutex
	key string
	pcs map[registry.PartyID]*webrtc.PeerConnection
}

// StartBroadcast captures the source, connects to the relay, and opens a
// session. The returned broadcaster serves viewers until Close or until the
// relay connection drops (watch Done).
func StartBroadcast(ctx context.Context, opts Options, source media.Source) (*Broadcaster, error) {
	logger := opts.Logger.With().Str("component", "broadcaster").Logger()

	var track webrtc.TrackLocal
	if source != nil {
		handle, err := source.Capture(ctx)
		if err != nil {
			return nil, fmt.Errorf("capture source: %w", err)
		}
		if th, ok := handle.(TrackHandle); ok {
			track = th.Local
		}
	}

	cl, err := dial(ctx, opts.URL, opts.Origin, logger)
	if err != nil {
		return nil, err
	}

	b := &Broadcaster{
		opts:   opts,
		logger: logger,
		api:    newAPI(opts),
		client: cl,
		out:    cl,
		track:  track,
		pairs:  negotiation.NewPairs(negotiation.RoleOfferer, negotiation.Options{CandidateGrace: opts.CandidateGrace}),
		ready:  make(chan envelope, 1),
		pcs:    make(map[registry.PartyID]*webrtc.PeerConnection),
	}
	cl.run(b.handle)

	if err := cl.send(envelope{Type: typeStartCall}); err != nil {
		cl.shutdown(nil)
		return nil, fmt.Errorf("send start_call: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = cl.Close()
		return nil, ctx.Err()
	case <-cl.Done():
		return nil, fmt.Errorf("relay connection closed during start: %w", cl.Err())
	case env := <-b.ready:
		if env.Type == typeError {
			_ = cl.Close()
			return nil, fmt.Errorf("relay rejected start_call: %s: %s", env.Code, env.Message)
		}
		b.mu.Lock()
		b.key = env.Key
		b.mu.Unlock()
	}

	logger.Info().Str("key", b.Key()).Msg("broadcast started")
	return b, nil
}

// Key is the session key viewers join with.
func (b *Broadcaster) Key() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key
}

// Done closes when the relay connection is gone.
func (b *Broadcaster) Done() <-chan struct{} { return b.client.Done() }

// Close leaves the session, which closes it for every viewer, and tears down
// all PeerConnections.
func (b *Broadcaster) Close() error {
	_ = b.client.send(envelope{Type: typeLeave})

	b.mu.Lock()
	pcs := b.pcs
	b.pcs = make(map[registry.PartyID]*webrtc.PeerConnection)
	b.mu.Unlock()

	for viewer, pc := range pcs {
		b.pairs.Drop(viewer)
		_ = pc.Close()
	}
	return b.client.Close()
}

func (b *Broadcaster) handle(env envelope) {
	switch env.Type {
	case typeCallStarted:
		select {
		case b.ready <- env:
		default:
		}
	case typeViewerJoined:
		b.onViewerJoined(registry.PartyID(env.Party))
	case typeViewerLeft:
		b.dropViewer(registry.PartyID(env.Party))
	case typeSignal:
		b.onSignal(registry.PartyID(env.From), env.Payload)
	case typeSessionClosed:
		// Our own leave echoed back; teardown already ran.
	case typeError:
		select {
		case b.ready <- env:
		default:
			b.logger.Warn().Str("code", env.Code).Str("message", env.Message).Msg("relay error")
		}
	default:
		b.logger.Warn().Str("type", env.Type).Msg("unexpected relay message")
	}
}

func (b *Broadcaster) onViewerJoined(viewer registry.PartyID) {
	pc, err := b.api.NewPeerConnection(webrtc.Configuration{ICEServers: b.opts.ICEServers})
	if err != nil {
		b.logger.Error().Err(err).Str("viewer", string(viewer)).Msg("new peer connection")
		return
	}

	if b.track != nil {
		rtpSender, err := pc.AddTrack(b.track)
		if err != nil {
			b.logger.Error().Err(err).Str("viewer", string(viewer)).Msg("add track")
			_ = pc.Close()
			return
		}
		// Drain RTCP so interceptors keep running.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := rtpSender.Read(buf); err != nil {
					return
				}
			}
		}()
	} else {
		// A media-less call still needs something in the SDP.
		if _, err := pc.CreateDataChannel("keycast", nil); err != nil {
			b.logger.Error().Err(err).Str("viewer", string(viewer)).Msg("create data channel")
			_ = pc.Close()
			return
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := b.out.send(envelope{Type: typeSignal, To: string(viewer), Payload: candidatePayload(c.ToJSON())}); err != nil {
			b.logger.Warn().Err(err).Str("viewer", string(viewer)).Msg("send candidate")
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.logger.Debug().Str("viewer", string(viewer)).Str("state", state.String()).Msg("peer connection state")
		if state == webrtc.PeerConnectionStateFailed {
			b.dropViewer(viewer)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		b.logger.Error().Err(err).Str("viewer", string(viewer)).Msg("create offer")
		_ = pc.Close()
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		b.logger.Error().Err(err).Str("viewer", string(viewer)).Msg("set local description")
		_ = pc.Close()
		return
	}

	machine := b.pairs.For(viewer)
	if _, err := machine.Offer(); err != nil {
		// A viewer re-announced under the same ID: start the pair over.
		machine.Reset()
		_, _ = machine.Offer()
	}

	b.mu.Lock()
	if old, ok := b.pcs[viewer]; ok {
		_ = old.Close()
	}
	b.pcs[viewer] = pc
	b.mu.Unlock()

	if err := b.out.send(envelope{Type: typeSignal, To: string(viewer), Payload: offerPayload(offer)}); err != nil {
		b.logger.Warn().Err(err).Str("viewer", string(viewer)).Msg("send offer")
	}
}

func (b *Broadcaster) onSignal(from registry.PartyID, p *payload) {
	if p == nil {
		return
	}

	pc := b.pc(from)
	if pc == nil {
		b.logger.Warn().Str("from", string(from)).Msg("signal for unknown viewer")
		return
	}
	machine := b.pairs.For(from)

	switch p.Type {
	case payloadAnswer:
		desc, err := descriptionFromWire(p.SDP)
		if err != nil {
			b.logger.Warn().Err(err).Str("from", string(from)).Msg("bad answer")
			return
		}
		if err := pc.SetRemoteDescription(desc); err != nil {
			b.logger.Error().Err(err).Str("from", string(from)).Msg("set remote description")
			b.dropViewer(from)
			return
		}
		buffered, err := machine.Answer()
		if err != nil {
			b.logger.Warn().Err(err).Str("from", string(from)).Msg("answer out of order")
			return
		}
		_ = machine.Establish()
		b.applyCandidates(pc, from, buffered)

	case payloadCandidate:
		init, err := candidateFromWire(p.Candidate)
		if err != nil {
			b.logger.Warn().Err(err).Str("from", string(from)).Msg("bad candidate")
			return
		}
		released, err := machine.Candidate(init)
		if err != nil {
			b.logger.Warn().Err(err).Str("from", string(from)).Msg("candidate for failed pair")
			return
		}
		if len(released) == 0 {
			b.scheduleExpiry(from, machine)
			return
		}
		b.applyCandidates(pc, from, released)

	default:
		// The relay never forwards viewer offers to us.
		b.logger.Warn().Str("from", string(from)).Str("payload", p.Type).Msg("unexpected payload")
	}
}

func (b *Broadcaster) applyCandidates(pc *webrtc.PeerConnection, from registry.PartyID, candidates []negotiation.Candidate) {
	for _, c := range candidates {
		if err := pc.AddICECandidate(c); err != nil {
			b.logger.Warn().Err(err).Str("from", string(from)).Msg("add candidate")
		}
	}
}

func (b *Broadcaster) scheduleExpiry(viewer registry.PartyID, machine *negotiation.Machine) {
	grace := b.opts.CandidateGrace
	if grace == 0 {
		grace = negotiation.DefaultCandidateGrace
	}
	if grace < 0 {
		return
	}
	time.AfterFunc(grace, func() {
		if errors.Is(machine.ExpireBuffered(), negotiation.ErrFailed) {
			b.logger.Warn().Str("viewer", string(viewer)).Msg("candidates expired without an answer")
			b.dropViewer(viewer)
		}
	})
}

func (b *Broadcaster) dropViewer(viewer registry.PartyID) {
	b.pairs.Drop(viewer)

	b.mu.Lock()
	pc := b.pcs[viewer]
	delete(b.pcs, viewer)
	b.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
}

func (b *Broadcaster) pc(viewer registry.PartyID) *webrtc.PeerConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pcs[viewer]
}
