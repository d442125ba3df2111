package signaling

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keycast/keycast/internal/metrics"
	"github.com/keycast/keycast/internal/negotiation"
	"github.com/keycast/keycast/internal/registry"
)

// errStrayCandidate marks a candidate for a failed or nonexistent pair. Not
// surfaced to the sender; logged and counted instead.
var errStrayCandidate = errors.New("stray candidate")

// delivery is one routed message addressed to a connected party.
type delivery struct {
	to  registry.PartyID
	msg serverMessage
}

// router resolves recipients for negotiation messages and mirrors each pair's
// negotiation phase so routing can distinguish established pairs from pairs
// still mid-exchange. It never inspects sdp/candidate bodies.
type router struct {
	reg     *registry.Registry
	logger  zerolog.Logger
	metrics *metrics.Metrics
	opts    negotiation.Options

	mu    sync.Mutex
	pairs map[string]*negotiation.Pairs // by room key
}

func newRouter(reg *registry.Registry, logger zerolog.Logger, m *metrics.Metrics, opts negotiation.Options) *router {
	return &router{
		reg:     reg,
		logger:  logger.With().Str("component", "router").Logger(),
		metrics: m,
		opts:    opts,
		pairs:   make(map[string]*negotiation.Pairs),
	}
}

func (r *router) pairsFor(key string) *negotiation.Pairs {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pairs[key]
	if !ok {
		// The relay observes pairs from the offerer's perspective: the
		// broadcaster is always the offerer.
		p = negotiation.NewPairs(negotiation.RoleOfferer, r.opts)
		r.pairs[key] = p
	}
	return p
}

// route resolves the recipients of one signal message per the addressing
// rules: broadcaster-origin messages fan out to every viewer without an
// established pair (or to the explicitly named viewer), viewer-origin
// messages go only to the broadcaster.
func (r *router) route(from registry.PartyID, key string, to registry.PartyID, payload signalPayload) ([]delivery, error) {
	sess, ok := r.reg.Lookup(key)
	if !ok {
		return nil, registry.ErrUnknownKey
	}
	if !sess.Member(from) {
		return nil, registry.ErrPartyNotInSession
	}

	pairs := r.pairsFor(key)
	msg := serverMessage{
		Type:    messageTypeSignal,
		From:    from.String(),
		Payload: &payload,
	}

	if from == sess.Broadcaster() {
		return r.routeFromBroadcaster(sess, pairs, to, payload, msg)
	}
	return r.routeFromViewer(sess, pairs, from, to, payload, msg)
}

func (r *router) routeFromBroadcaster(sess *registry.Session, pairs *negotiation.Pairs, to registry.PartyID, payload signalPayload, msg serverMessage) ([]delivery, error) {
	var targets []registry.PartyID
	if to != "" {
		if to == sess.Broadcaster() || !sess.Member(to) {
			return nil, registry.ErrPartyNotInSession
		}
		targets = []registry.PartyID{to}
	} else {
		// Default rule: fan out to viewers still mid-exchange so a viewer
		// joining late gets the offer without disturbing established peers.
		for _, v := range sess.Viewers() {
			if !pairs.Established(v) {
				targets = append(targets, v)
			}
		}
	}

	var out []delivery
	for _, viewer := range targets {
		if err := r.applyBroadcasterEvent(pairs, viewer, payload); err != nil {
			if errors.Is(err, errStrayCandidate) {
				r.dropStrayCandidate(sess.Key(), viewer)
				continue
			}
			return nil, err
		}
		out = append(out, delivery{to: viewer, msg: msg})
	}
	r.metrics.Add(metrics.EventSignalRouted, uint64(len(out)))
	return out, nil
}

func (r *router) routeFromViewer(sess *registry.Session, pairs *negotiation.Pairs, from, to registry.PartyID, payload signalPayload, msg serverMessage) ([]delivery, error) {
	if to != "" && to != sess.Broadcaster() {
		return nil, registry.ErrPartyNotInSession
	}

	m := pairs.For(from)
	switch payload.Type {
	case payloadTypeAnswer:
		if _, err := m.Answer(); err != nil {
			// Out-of-order answer: reset the affected pair and drop the
			// message without touching the session or other peers.
			m.Reset()
			return nil, negotiation.ErrOutOfOrder
		}
		// Delivery to the offerer consumes the answer.
		if err := m.Establish(); err != nil {
			return nil, err
		}
	case payloadTypeCandidate:
		if m.Phase() == negotiation.PhaseFailed {
			r.dropStrayCandidate(sess.Key(), from)
			return nil, nil
		}
	case payloadTypeOffer:
		// Only the broadcaster initiates; a viewer offer is out of order by
		// role assignment.
		return nil, negotiation.ErrOutOfOrder
	}

	r.metrics.Inc(metrics.EventSignalRouted)
	return []delivery{{to: sess.Broadcaster(), msg: msg}}, nil
}

// applyBroadcasterEvent advances the pair machine for one broadcaster-origin
// message. An offer against a non-idle pair is a renegotiation request: the
// pair resets to Idle and the offer replays.
func (r *router) applyBroadcasterEvent(pairs *negotiation.Pairs, viewer registry.PartyID, payload signalPayload) error {
	m := pairs.For(viewer)
	switch payload.Type {
	case payloadTypeOffer:
		if _, err := m.Offer(); err != nil {
			m.Reset()
			if _, err := m.Offer(); err != nil {
				return err
			}
		}
	case payloadTypeAnswer:
		// Answers flow viewer -> broadcaster only.
		return negotiation.ErrOutOfOrder
	case payloadTypeCandidate:
		if m.Phase() == negotiation.PhaseFailed {
			return errStrayCandidate
		}
	}
	return nil
}

func (r *router) dropStrayCandidate(key string, viewer registry.PartyID) {
	r.metrics.Inc(metrics.DropReasonStrayCandidate)
	r.logger.Warn().
		Str("key", key).
		Str("viewer", viewer.String()).
		Msg("discarding candidate for failed negotiation pair")
}

// established reports the relay's view of one pair, for tests and for the
// session snapshot endpoint.
func (r *router) established(key string, viewer registry.PartyID) bool {
	r.mu.Lock()
	p, ok := r.pairs[key]
	r.mu.Unlock()
	return ok && p.Established(viewer)
}

// viewerGone fails and forgets the pair of a viewer that left or
// disconnected mid-negotiation.
func (r *router) viewerGone(key string, viewer registry.PartyID) {
	r.mu.Lock()
	p, ok := r.pairs[key]
	r.mu.Unlock()
	if ok {
		p.Drop(viewer)
	}
}

// sessionGone fails every pair of a closing session and releases its
// tracking state.
func (r *router) sessionGone(key string) {
	r.mu.Lock()
	p, ok := r.pairs[key]
	delete(r.pairs, key)
	r.mu.Unlock()
	if ok {
		p.FailAll()
	}
}
