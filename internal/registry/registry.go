// Package registry is the process-wide source of truth for which party is in
// which call. It maps room keys to sessions and serializes read-then-write
// operations per key.
package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/keycast/keycast/internal/metrics"
	"github.com/keycast/keycast/internal/roomkey"
)

// DefaultKeyAttempts bounds collision retries in CreateSession.
const DefaultKeyAttempts = 5

type Config struct {
	// KeyLength is the generated room key length. 0 means roomkey.DefaultLength.
	KeyLength int
	// KeyAttempts is the collision retry budget. 0 means DefaultKeyAttempts.
	KeyAttempts int
}

func (c Config) WithDefaults() Config {
	if c.KeyLength <= 0 {
		c.KeyLength = roomkey.DefaultLength
	}
	if c.KeyAttempts <= 0 {
		c.KeyAttempts = DefaultKeyAttempts
	}
	return c
}

// Registry holds all live sessions. The registry mutex guards only the key
// map; each session serializes its own mutation, so unrelated sessions never
// contend.
type Registry struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		cfg:      cfg.WithDefaults(),
		logger:   logger.With().Str("component", "registry").Logger(),
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// CreateSession generates a fresh key, retrying on collision with a currently
// live session, and inserts an Open session owned by broadcaster.
func (r *Registry) CreateSession(broadcaster PartyID) (*Session, error) {
	for attempt := 0; attempt < r.cfg.KeyAttempts; attempt++ {
		key, err := roomkey.Generate(r.cfg.KeyLength)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if _, taken := r.sessions[key]; taken {
			r.mu.Unlock()
			continue
		}
		sess := newSession(key, broadcaster)
		r.sessions[key] = sess
		r.mu.Unlock()

		r.metrics.Inc(metrics.EventSessionCreated)
		r.logger.Info().
			Str("key", key).
			Str("broadcaster", broadcaster.String()).
			Msg("session created")
		return sess, nil
	}

	r.metrics.Inc(metrics.EventKeyExhaustion)
	return nil, ErrKeyExhaustion
}

// JoinAsViewer binds viewer into the session addressed by key and transitions
// it Open -> Active. The registry is never partially mutated on failure.
func (r *Registry) JoinAsViewer(key string, viewer PartyID) (*Session, error) {
	sess, ok := r.Lookup(key)
	if !ok {
		return nil, ErrUnknownKey
	}
	if err := sess.addViewer(viewer); err != nil {
		return nil, err
	}

	r.metrics.Inc(metrics.EventViewerJoined)
	r.logger.Info().
		Str("key", key).
		Str("viewer", viewer.String()).
		Msg("viewer joined")
	return sess, nil
}

// Leave removes party from the session addressed by key.
//
// A viewer's departure only shrinks the viewer set. The broadcaster's
// departure closes the session, evicts every viewer, and releases the key;
// the returned evicted slice carries the viewers that must be notified.
func (r *Registry) Leave(key string, party PartyID) (closed bool, evicted []PartyID, err error) {
	sess, ok := r.Lookup(key)
	if !ok {
		return false, nil, ErrUnknownKey
	}

	if party != sess.Broadcaster() {
		if !sess.removeViewer(party) {
			return false, nil, ErrPartyNotInSession
		}
		r.metrics.Inc(metrics.EventViewerLeft)
		r.logger.Info().
			Str("key", key).
			Str("viewer", party.String()).
			Msg("viewer left")
		return false, nil, nil
	}

	evicted = sess.close()

	r.mu.Lock()
	if r.sessions[key] == sess {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	r.metrics.Inc(metrics.EventSessionClosed)
	r.logger.Info().
		Str("key", key).
		Int("evicted_viewers", len(evicted)).
		Msg("session closed")
	return true, evicted, nil
}

// Lookup resolves a live session by key. Read-only; used by the relay for
// routing.
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[key]
	return sess, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
