package negotiation

import (
	"sync"
	"time"

	"github.com/keycast/keycast/internal/ratelimit"
)

// DefaultCandidateGrace bounds how long candidates may sit buffered for a
// pair that never receives a session description.
const DefaultCandidateGrace = 15 * time.Second

type Options struct {
	// CandidateGrace overrides DefaultCandidateGrace. Negative disables the
	// buffer-then-fail deadline entirely.
	CandidateGrace time.Duration
	// Clock defaults to the real clock; tests inject a fake.
	Clock ratelimit.Clock
}

func (o Options) withDefaults() Options {
	if o.CandidateGrace == 0 {
		o.CandidateGrace = DefaultCandidateGrace
	}
	if o.Clock == nil {
		o.Clock = ratelimit.RealClock{}
	}
	return o
}

// Machine applies offer/answer/candidate events for one pair, serialized in
// arrival order by its mutex.
//
// "Description set" tracks whether the remote session description is known on
// the side that buffers candidates: the answerer learns it from the offer, the
// offerer from the answer. Candidates arriving earlier are buffered in arrival
// order and replayed, in order, by the event that sets the description.
type Machine struct {
	role Role
	opts Options

	mu             sync.Mutex
	phase          Phase
	descriptionSet bool
	pending        []Candidate
	firstBuffered  time.Time
}

func NewMachine(role Role, opts Options) *Machine {
	return &Machine{
		role:  role,
		opts:  opts.withDefaults(),
		phase: PhaseIdle,
	}
}

func (m *Machine) Role() Role { return m.role }

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Established reports whether the current attempt has completed.
func (m *Machine) Established() bool {
	return m.Phase() == PhaseEstablished
}

// Offer applies a session description offer. Valid only at Idle: an offer
// with one already outstanding is out of order, and the caller decides
// whether to surface the error or Reset and replay (renegotiation).
//
// On the answerer side the offer carries the remote description, so buffered
// candidates are returned for in-order application.
func (m *Machine) Offer() ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseFailed:
		return nil, ErrFailed
	case PhaseIdle:
	default:
		return nil, ErrOutOfOrder
	}

	m.phase = PhaseOfferSent
	if m.role == RoleAnswerer {
		return m.setDescriptionLocked(), nil
	}
	return nil, nil
}

// Answer applies a session description answer. Valid only at OfferSent.
//
// On the offerer side the answer carries the remote description, so buffered
// candidates are returned for in-order application.
func (m *Machine) Answer() ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseFailed:
		return nil, ErrFailed
	case PhaseOfferSent:
	default:
		return nil, ErrOutOfOrder
	}

	m.phase = PhaseAnswerSent
	if m.role == RoleOfferer {
		return m.setDescriptionLocked(), nil
	}
	return nil, nil
}

// Establish completes the attempt once the offerer has consumed the matching
// answer. Valid only at AnswerSent.
func (m *Machine) Establish() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseFailed:
		return ErrFailed
	case PhaseAnswerSent:
	default:
		return ErrOutOfOrder
	}
	m.phase = PhaseEstablished
	return nil
}

// Candidate applies one remote candidate.
//
// Returned candidates are ready for immediate application: the candidate
// itself once the description is set (including after Established), nothing
// while it sits buffered. Candidates for a failed attempt are rejected with
// ErrFailed; the caller logs and discards.
func (m *Machine) Candidate(c Candidate) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseFailed {
		return nil, ErrFailed
	}
	if m.descriptionSet {
		return []Candidate{c}, nil
	}

	if len(m.pending) == 0 {
		m.firstBuffered = m.opts.Clock.Now()
	}
	m.pending = append(m.pending, c)
	return nil, nil
}

// ExpireBuffered fails the attempt when candidates have been buffered longer
// than the grace period without any description arriving. The owner calls it
// from a timer; tests call it directly after advancing a fake clock.
func (m *Machine) ExpireBuffered() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.CandidateGrace < 0 {
		return nil
	}
	if m.phase == PhaseFailed || m.descriptionSet || len(m.pending) == 0 {
		return nil
	}
	if m.opts.Clock.Now().Sub(m.firstBuffered) < m.opts.CandidateGrace {
		return nil
	}

	m.failLocked()
	return ErrFailed
}

// Fail forces the attempt to Failed, e.g. on transport-level teardown or a
// malformed payload. Idempotent.
func (m *Machine) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked()
}

// Reset starts a fresh attempt at Idle, dropping any buffered candidates.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.phase = PhaseIdle
	m.descriptionSet = false
	m.pending = nil
	m.firstBuffered = time.Time{}
}

func (m *Machine) failLocked() {
	m.phase = PhaseFailed
	m.pending = nil
	m.descriptionSet = false
}

// setDescriptionLocked marks the remote description known and drains the
// buffer in arrival order.
func (m *Machine) setDescriptionLocked() []Candidate {
	m.descriptionSet = true
	drained := m.pending
	m.pending = nil
	m.firstBuffered = time.Time{}
	return drained
}
