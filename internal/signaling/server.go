package signaling

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/keycast/keycast/internal/metrics"
	"github.com/keycast/keycast/internal/negotiation"
	"github.com/keycast/keycast/internal/origin"
	"github.com/keycast/keycast/internal/ratelimit"
	"github.com/keycast/keycast/internal/registry"
	"github.com/keycast/keycast/internal/roomkey"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Registry *registry.Registry
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics

	// AllowedOrigins restricts browser clients at websocket upgrade. Empty
	// means same-host only, "*" allows any origin.
	AllowedOrigins []string

	// CandidateGrace bounds candidate buffering without a description; see
	// negotiation.Options.
	CandidateGrace time.Duration

	// Inbound hardening.
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Clock defaults to the real clock; tests inject a fake.
	Clock ratelimit.Clock
}

// Server is the relay's websocket signaling surface: it mints a PartyID per
// connection, coordinates role binding (one role per connection), and routes
// negotiation messages between session members.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	router   *router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	parties map[registry.PartyID]*party
}

func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = 50
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "signaling").Logger(),
		router: newRouter(cfg.Registry, cfg.Logger, cfg.Metrics, negotiation.Options{
			CandidateGrace: cfg.CandidateGrace,
			Clock:          cfg.Clock,
		}),
		parties: make(map[registry.PartyID]*party),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin applies the browser Origin policy at upgrade time. Non-browser
// clients (no Origin header) are always admitted.
func (s *Server) checkOrigin(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(originHeader)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := newParty(conn, s.logger)
	s.register(p)
	p.logger.Info().Msg("party connected")

	go p.writePump(s.cfg.PingInterval, wsWriteWait)
	s.readLoop(p)

	s.departure(p, false)
	s.unregister(p)
	p.shutdown()
	p.logger.Info().Msg("party disconnected")
}

func (s *Server) readLoop(p *party) {
	limiter := ratelimit.NewTokenBucket(s.cfg.Clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	for {
		msgType, msgReader, err := p.conn.NextReader()
		if err != nil {
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if !limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.DropReasonRateLimited)
			writeClose(p.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(p.conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		data, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.cfg.Metrics.Inc(metrics.DropReasonOversized)
				writeClose(p.conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(p.conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			// Malformed input is local and recoverable: reject the message,
			// keep the connection and the session intact.
			s.cfg.Metrics.Inc(metrics.DropReasonMalformed)
			p.logger.Warn().Err(err).Msg("rejecting malformed message")
			s.deliverTo(p, errorMessage(codeMalformedPayload, err.Error()))
			continue
		}

		s.dispatch(p, msg)
	}
}

func (s *Server) dispatch(p *party, msg clientMessage) {
	switch msg.Type {
	case messageTypeStartCall:
		s.handleStartCall(p)
	case messageTypeJoinViewer:
		s.handleJoinViewer(p, msg.Key)
	case messageTypeSignal:
		s.handleSignal(p, msg)
	case messageTypeLeave:
		s.handleLeave(p)
	}
}

// handleStartCall creates a session owned by the party and binds it as
// broadcaster.
func (s *Server) handleStartCall(p *party) {
	if role, _ := p.binding(); role != roleNone {
		s.deliverTo(p, errorMessage(codeOneRolePerConnection, "connection already holds the "+role.String()+" role"))
		return
	}

	sess, err := s.cfg.Registry.CreateSession(p.id)
	if err != nil {
		s.deliverTo(p, errorMessage(codeKeyExhaustion, "could not allocate a room key"))
		return
	}
	p.bind(roleBroadcaster, sess.Key())
	s.deliverTo(p, serverMessage{Type: messageTypeCallStarted, Key: sess.Key()})
}

// handleJoinViewer binds the party as viewer of the session addressed by key
// and tells the broadcaster a new pair needs an offer.
func (s *Server) handleJoinViewer(p *party, key string) {
	if role, _ := p.binding(); role != roleNone {
		s.deliverTo(p, errorMessage(codeOneRolePerConnection, "connection already holds the "+role.String()+" role"))
		return
	}

	// Keys that Generate could never have produced skip the registry lookup;
	// the caller sees the same error either way.
	if !roomkey.Valid(key) {
		s.cfg.Metrics.Inc(metrics.DropReasonUnknownKey)
		s.deliverTo(p, errorMessage(codeUnknownKey, "no session with that key"))
		return
	}

	sess, err := s.cfg.Registry.JoinAsViewer(key, p.id)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.DropReasonUnknownKey)
		s.deliverTo(p, joinError(err))
		return
	}
	p.bind(roleViewer, key)
	s.deliverTo(p, serverMessage{Type: messageTypeJoined, Key: key})
	s.deliver(sess.Broadcaster(), serverMessage{
		Type:  messageTypeViewerJoined,
		Key:   key,
		Party: p.id.String(),
	})
}

func (s *Server) handleSignal(p *party, msg clientMessage) {
	_, key := p.binding()
	if key == "" {
		s.deliverTo(p, errorMessage(codeNotInCall, "signal before start_call or join_viewer"))
		return
	}

	deliveries, err := s.router.route(p.id, key, registry.PartyID(msg.To), *msg.Payload)
	if err != nil {
		s.deliverTo(p, routeError(err))
		return
	}
	for _, d := range deliveries {
		s.deliver(d.to, d.msg)
	}
}

// handleLeave executes an explicit departure; the connection stays open and
// may start or join a fresh call.
func (s *Server) handleLeave(p *party) {
	role, _ := p.binding()
	if role == roleNone {
		s.deliverTo(p, errorMessage(codeNotInCall, "leave without a call"))
		return
	}
	s.departure(p, true)
}

// departure tears down the party's session membership: a viewer's pairs fail
// and are dropped, a broadcaster's whole session closes with every remaining
// member notified.
func (s *Server) departure(p *party, explicit bool) {
	role, key := p.binding()
	if role == roleNone {
		return
	}

	closed, evicted, err := s.cfg.Registry.Leave(key, p.id)
	if err != nil {
		// The session may already be gone, e.g. the broadcaster closed it
		// while this viewer's disconnect was in flight.
		p.unbind()
		return
	}

	if closed {
		s.router.sessionGone(key)
		for _, viewer := range evicted {
			// Eviction releases the viewer's role too, so the connection can
			// start or join a fresh call afterwards.
			if vp := s.lookupParty(viewer); vp != nil {
				vp.unbind()
			}
			s.deliver(viewer, serverMessage{Type: messageTypeSessionClosed, Key: key})
		}
		if explicit {
			s.deliverTo(p, serverMessage{Type: messageTypeSessionClosed, Key: key})
		}
	} else {
		s.router.viewerGone(key, p.id)
		if sess, ok := s.cfg.Registry.Lookup(key); ok {
			s.deliver(sess.Broadcaster(), serverMessage{
				Type:  messageTypeViewerLeft,
				Key:   key,
				Party: p.id.String(),
			})
		}
	}
	p.unbind()
}

func (s *Server) lookupParty(id registry.PartyID) *party {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parties[id]
}

func (s *Server) register(p *party) {
	s.mu.Lock()
	s.parties[p.id] = p
	s.mu.Unlock()
}

func (s *Server) unregister(p *party) {
	s.mu.Lock()
	delete(s.parties, p.id)
	s.mu.Unlock()
}

// deliver routes a message to a party by ID. Parties that disconnected while
// the message was in flight are skipped.
func (s *Server) deliver(to registry.PartyID, msg serverMessage) {
	s.mu.Lock()
	p, ok := s.parties[to]
	s.mu.Unlock()

	if !ok {
		s.logger.Debug().Str("party", to.String()).Msg("recipient gone, dropping message")
		return
	}
	s.deliverTo(p, msg)
}

func (s *Server) deliverTo(p *party, msg serverMessage) {
	if !p.enqueue(msg) {
		s.cfg.Metrics.Inc(metrics.DropReasonSlowConsumer)
		p.logger.Warn().Msg("send queue full, dropping connection")
		p.shutdown()
	}
}

// Close drops every connected party. Used for process shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	parties := make([]*party, 0, len(s.parties))
	for _, p := range s.parties {
		parties = append(parties, p)
	}
	s.mu.Unlock()

	for _, p := range parties {
		p.shutdown()
	}
}

// PartyCount reports the number of connected parties.
func (s *Server) PartyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parties)
}

func joinError(err error) serverMessage {
	switch {
	case errors.Is(err, registry.ErrUnknownKey):
		return errorMessage(codeUnknownKey, "no session with that key")
	case errors.Is(err, registry.ErrSessionClosed):
		return errorMessage(codeSessionClosed, "that session has ended")
	default:
		return errorMessage(codeMalformedPayload, err.Error())
	}
}

func routeError(err error) serverMessage {
	switch {
	case errors.Is(err, registry.ErrUnknownKey):
		return errorMessage(codeUnknownKey, "no session with that key")
	case errors.Is(err, registry.ErrPartyNotInSession):
		return errorMessage(codePartyNotInSession, "sender or recipient is not a session member")
	case errors.Is(err, negotiation.ErrOutOfOrder):
		return errorMessage(codeOutOfOrder, "negotiation message out of order")
	case errors.Is(err, negotiation.ErrFailed):
		return errorMessage(codeOutOfOrder, "negotiation attempt already failed")
	default:
		return errorMessage(codeMalformedPayload, err.Error())
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
