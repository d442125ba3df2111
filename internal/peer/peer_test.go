package peer

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/keycast/keycast/internal/media"
	"github.com/keycast/keycast/internal/negotiation"
	"github.com/keycast/keycast/internal/registry"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []envelope
}

func (f *fakeSender) send(env envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

// firstSignal returns the first signal envelope of the given payload type.
func (f *fakeSender) firstSignal(payloadType string) (envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range f.sent {
		if env.Type == typeSignal && env.Payload != nil && env.Payload.Type == payloadType {
			return env, true
		}
	}
	return envelope{}, false
}

func testOptions() Options {
	return Options{Logger: zerolog.Nop(), IncludeLoopback: true}
}

func newTestBroadcaster(t *testing.T, track webrtc.TrackLocal) (*Broadcaster, *fakeSender) {
	t.Helper()
	opts := testOptions()
	out := &fakeSender{}
	b := &Broadcaster{
		opts:   opts,
		logger: zerolog.Nop(),
		api:    newAPI(opts),
		out:    out,
		track:  track,
		pairs:  negotiation.NewPairs(negotiation.RoleOfferer, negotiation.Options{}),
		ready:  make(chan envelope, 1),
		pcs:    make(map[registry.PartyID]*webrtc.PeerConnection),
	}
	t.Cleanup(func() {
		b.mu.Lock()
		pcs := b.pcs
		b.pcs = make(map[registry.PartyID]*webrtc.PeerConnection)
		b.mu.Unlock()
		for _, pc := range pcs {
			_ = pc.Close()
		}
	})
	return b, out
}

func TestBroadcaster_OffersToEachViewer(t *testing.T) {
	b, out := newTestBroadcaster(t, nil)

	b.handle(envelope{Type: typeViewerJoined, Party: "v1"})

	env, ok := out.firstSignal(payloadOffer)
	if !ok {
		t.Fatalf("no offer sent after viewer joined")
	}
	if env.To != "v1" {
		t.Fatalf("offer addressed to %q, want v1", env.To)
	}
	if env.Payload.SDP == nil || env.Payload.SDP.SDP == "" {
		t.Fatalf("offer carries no sdp")
	}
	if got := b.pairs.For("v1").Phase(); got != negotiation.PhaseOfferSent {
		t.Fatalf("pair phase=%v, want offer_sent", got)
	}

	b.handle(envelope{Type: typeViewerJoined, Party: "v2"})
	if got := b.pairs.For("v2").Phase(); got != negotiation.PhaseOfferSent {
		t.Fatalf("second pair phase=%v, want offer_sent", got)
	}
	if got := b.pairs.For("v1").Phase(); got != negotiation.PhaseOfferSent {
		t.Fatalf("first pair disturbed by second viewer: %v", got)
	}
}

func TestBroadcaster_EstablishesOnAnswer(t *testing.T) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "keycast")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	b, out := newTestBroadcaster(t, track)

	b.handle(envelope{Type: typeViewerJoined, Party: "v1"})
	env, ok := out.firstSignal(payloadOffer)
	if !ok {
		t.Fatalf("no offer sent")
	}

	// Answer with a real peer so the SDP round-trips through pion.
	answering, err := webrtc.NewAPI().NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("answering peer: %v", err)
	}
	defer answering.Close()

	remote, err := descriptionFromWire(env.Payload.SDP)
	if err != nil {
		t.Fatalf("offer from wire: %v", err)
	}
	if err := answering.SetRemoteDescription(remote); err != nil {
		t.Fatalf("set remote: %v", err)
	}
	answer, err := answering.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := answering.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local: %v", err)
	}

	b.handle(envelope{Type: typeSignal, From: "v1", Payload: answerPayload(answer)})

	if !b.pairs.Established("v1") {
		t.Fatalf("pair not established after answer")
	}
}

func TestBroadcaster_ViewerLeftDropsPair(t *testing.T) {
	b, _ := newTestBroadcaster(t, nil)

	b.handle(envelope{Type: typeViewerJoined, Party: "v1"})
	if b.pc("v1") == nil {
		t.Fatalf("no peer connection for v1")
	}

	b.handle(envelope{Type: typeViewerLeft, Party: "v1"})
	if b.pc("v1") != nil {
		t.Fatalf("peer connection survived viewer_left")
	}
	if got := b.pairs.For("v1").Phase(); got != negotiation.PhaseIdle {
		t.Fatalf("dropped pair should start fresh, phase=%v", got)
	}
}

func newTestViewer(t *testing.T, sink media.Sink) (*Viewer, *fakeSender) {
	t.Helper()
	opts := testOptions()
	out := &fakeSender{}
	v := &Viewer{
		opts:    opts,
		logger:  zerolog.Nop(),
		api:     newAPI(opts),
		out:     out,
		sink:    sink,
		machine: negotiation.NewMachine(negotiation.RoleAnswerer, negotiation.Options{}),
		ready:   make(chan envelope, 1),
	}
	t.Cleanup(v.teardown)
	return v, out
}

func TestViewer_AnswersOffer(t *testing.T) {
	v, out := newTestViewer(t, media.NewMemorySink())

	offering, err := webrtc.NewAPI().NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("offering peer: %v", err)
	}
	defer offering.Close()
	if _, err := offering.CreateDataChannel("keycast", nil); err != nil {
		t.Fatalf("data channel: %v", err)
	}
	offer, err := offering.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := offering.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}

	v.handle(envelope{Type: typeSignal, From: "b", Payload: offerPayload(offer)})

	env, ok := out.firstSignal(payloadAnswer)
	if !ok {
		t.Fatalf("no answer sent after offer")
	}
	if env.To != "" {
		t.Fatalf("answer should use default routing, got to=%q", env.To)
	}
	if !v.Established() {
		t.Fatalf("viewer machine not established after answering")
	}
}

func TestViewer_RenegotiationAcceptsSecondOffer(t *testing.T) {
	v, out := newTestViewer(t, nil)

	offering, err := webrtc.NewAPI().NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("offering peer: %v", err)
	}
	defer offering.Close()
	if _, err := offering.CreateDataChannel("keycast", nil); err != nil {
		t.Fatalf("data channel: %v", err)
	}

	offer, err := offering.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := offering.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	v.handle(envelope{Type: typeSignal, From: "b", Payload: offerPayload(offer)})
	if !v.Established() {
		t.Fatalf("first negotiation did not establish")
	}

	// Complete the remote side so the offerer can renegotiate.
	answerEnv, ok := out.firstSignal(payloadAnswer)
	if !ok {
		t.Fatalf("no answer sent")
	}
	answerDesc, err := descriptionFromWire(answerEnv.Payload.SDP)
	if err != nil {
		t.Fatalf("answer from wire: %v", err)
	}
	if err := offering.SetRemoteDescription(answerDesc); err != nil {
		t.Fatalf("set remote answer: %v", err)
	}

	second, err := offering.CreateOffer(nil)
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if err := offering.SetLocalDescription(second); err != nil {
		t.Fatalf("set local second: %v", err)
	}
	v.handle(envelope{Type: typeSignal, From: "b", Payload: offerPayload(second)})

	if !v.Established() {
		t.Fatalf("renegotiation did not re-establish")
	}
	out.mu.Lock()
	answers := 0
	for _, env := range out.sent {
		if env.Type == typeSignal && env.Payload != nil && env.Payload.Type == payloadAnswer {
			answers++
		}
	}
	out.mu.Unlock()
	if answers != 2 {
		t.Fatalf("answers sent=%d, want 2", answers)
	}
}
