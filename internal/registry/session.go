package registry

import (
	"sync"

	"github.com/google/uuid"
)

// PartyID identifies one connected participant. IDs are scoped to the relay
// connection lifetime and are not persisted across reconnects.
type PartyID string

func NewPartyID() PartyID {
	return PartyID(uuid.NewString())
}

func (p PartyID) String() string { return string(p) }

// State is the session lifecycle state.
type State int

const (
	// StateOpen: created, no viewers bound yet.
	StateOpen State = iota
	// StateActive: at least one viewer is bound and negotiating/negotiated.
	StateActive
	// StateClosed: the broadcaster left or ended the call. Terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the unit of a live call: exactly one broadcaster plus zero or
// more viewers, addressed by its room key.
//
// All mutation goes through Session methods under the session's own mutex, so
// operations on unrelated sessions never contend.
type Session struct {
	key         string
	broadcaster PartyID

	mu      sync.Mutex
	state   State
	viewers map[PartyID]struct{}
}

func newSession(key string, broadcaster PartyID) *Session {
	return &Session{
		key:         key,
		broadcaster: broadcaster,
		state:       StateOpen,
		viewers:     make(map[PartyID]struct{}),
	}
}

// Key returns the immutable room key.
func (s *Session) Key() string { return s.key }

// Broadcaster returns the immutable owning party.
func (s *Session) Broadcaster() PartyID { return s.broadcaster }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Viewers returns a snapshot of the bound viewers.
func (s *Session) Viewers() []PartyID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PartyID, 0, len(s.viewers))
	for v := range s.viewers {
		out = append(out, v)
	}
	return out
}

// Member reports whether party is the broadcaster or a bound viewer.
func (s *Session) Member(party PartyID) bool {
	if party == s.broadcaster {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.viewers[party]
	return ok
}

// addViewer binds a viewer and flips Open -> Active. Fails on Closed.
func (s *Session) addViewer(viewer PartyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.viewers[viewer] = struct{}{}
	s.state = StateActive
	return nil
}

// removeViewer unbinds a viewer. When the last viewer leaves the session
// returns to Open, matching the state's "no viewers bound" definition.
func (s *Session) removeViewer(viewer PartyID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.viewers[viewer]; !ok {
		return false
	}
	delete(s.viewers, viewer)
	if len(s.viewers) == 0 && s.state == StateActive {
		s.state = StateOpen
	}
	return true
}

// close marks the session Closed and returns the viewers that were still
// bound, so the caller can notify each of them.
func (s *Session) close() []PartyID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	evicted := make([]PartyID, 0, len(s.viewers))
	for v := range s.viewers {
		evicted = append(evicted, v)
	}
	s.viewers = make(map[PartyID]struct{})
	return evicted
}
