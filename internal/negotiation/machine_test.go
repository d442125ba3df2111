package negotiation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keycast/keycast/internal/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func cand(s string) Candidate {
	return Candidate{Candidate: s}
}

func TestMachine_HappyPathOffererView(t *testing.T) {
	m := NewMachine(RoleOfferer, Options{})

	if m.Phase() != PhaseIdle {
		t.Fatalf("phase=%v, want idle", m.Phase())
	}
	if _, err := m.Offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if m.Phase() != PhaseOfferSent {
		t.Fatalf("phase=%v, want offer_sent", m.Phase())
	}
	if _, err := m.Answer(); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if m.Phase() != PhaseAnswerSent {
		t.Fatalf("phase=%v, want answer_sent", m.Phase())
	}
	if err := m.Establish(); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if !m.Established() {
		t.Fatalf("expected established")
	}
}

func TestMachine_SecondOfferWhileOutstandingIsOutOfOrder(t *testing.T) {
	for _, phase := range []string{"offer_sent", "answer_sent"} {
		m := NewMachine(RoleOfferer, Options{})
		if _, err := m.Offer(); err != nil {
			t.Fatalf("offer: %v", err)
		}
		if phase == "answer_sent" {
			if _, err := m.Answer(); err != nil {
				t.Fatalf("answer: %v", err)
			}
		}

		if _, err := m.Offer(); !errors.Is(err, ErrOutOfOrder) {
			t.Fatalf("phase=%s: err=%v, want ErrOutOfOrder", phase, err)
		}

		// Renegotiation: reset first, then the new offer is accepted and the
		// state is not corrupted.
		m.Reset()
		if _, err := m.Offer(); err != nil {
			t.Fatalf("phase=%s: offer after reset: %v", phase, err)
		}
		if m.Phase() != PhaseOfferSent {
			t.Fatalf("phase=%v after reset+offer, want offer_sent", m.Phase())
		}
	}
}

func TestMachine_AnswerWithoutOfferIsOutOfOrder(t *testing.T) {
	m := NewMachine(RoleOfferer, Options{})
	if _, err := m.Answer(); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err=%v, want ErrOutOfOrder", err)
	}
}

func TestMachine_CandidatesBufferedUntilDescriptionInArrivalOrder(t *testing.T) {
	// Answerer side: the offer sets the remote description.
	m := NewMachine(RoleAnswerer, Options{})

	for _, s := range []string{"a", "b", "c"} {
		apply, err := m.Candidate(cand(s))
		if err != nil {
			t.Fatalf("candidate %q: %v", s, err)
		}
		if len(apply) != 0 {
			t.Fatalf("candidate %q applied before description", s)
		}
	}

	drained, err := m.Offer()
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if len(drained) != 3 {
		t.Fatalf("drained %d candidates, want 3", len(drained))
	}
	for i, want := range []string{"a", "b", "c"} {
		if drained[i].Candidate != want {
			t.Fatalf("drained[%d]=%q, want %q (order must be preserved)", i, drained[i].Candidate, want)
		}
	}

	// With the description set, candidates apply immediately.
	apply, err := m.Candidate(cand("d"))
	if err != nil {
		t.Fatalf("candidate after description: %v", err)
	}
	if len(apply) != 1 || apply[0].Candidate != "d" {
		t.Fatalf("apply=%v, want immediate d", apply)
	}
}

func TestMachine_OffererBuffersUntilAnswer(t *testing.T) {
	m := NewMachine(RoleOfferer, Options{})

	if _, err := m.Offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if apply, err := m.Candidate(cand("early")); err != nil || len(apply) != 0 {
		t.Fatalf("apply=%v err=%v, want buffered", apply, err)
	}

	drained, err := m.Answer()
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(drained) != 1 || drained[0].Candidate != "early" {
		t.Fatalf("drained=%v, want [early]", drained)
	}
}

func TestMachine_CandidatesAfterEstablishedApplyImmediately(t *testing.T) {
	m := NewMachine(RoleOfferer, Options{})
	if _, err := m.Offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := m.Answer(); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := m.Establish(); err != nil {
		t.Fatalf("establish: %v", err)
	}

	apply, err := m.Candidate(cand("late"))
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if len(apply) != 1 {
		t.Fatalf("late candidate not applied immediately")
	}
}

func TestMachine_CandidateForFailedPairRejected(t *testing.T) {
	m := NewMachine(RoleAnswerer, Options{})
	m.Fail()

	if _, err := m.Candidate(cand("x")); !errors.Is(err, ErrFailed) {
		t.Fatalf("err=%v, want ErrFailed", err)
	}
}

func TestMachine_BufferThenFailAfterGrace(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := NewMachine(RoleAnswerer, Options{CandidateGrace: 10 * time.Second, Clock: clk})

	if _, err := m.Candidate(cand("x")); err != nil {
		t.Fatalf("candidate: %v", err)
	}

	clk.Advance(5 * time.Second)
	if err := m.ExpireBuffered(); err != nil {
		t.Fatalf("expired before grace elapsed: %v", err)
	}

	clk.Advance(6 * time.Second)
	if err := m.ExpireBuffered(); !errors.Is(err, ErrFailed) {
		t.Fatalf("err=%v, want ErrFailed after grace", err)
	}
	if m.Phase() != PhaseFailed {
		t.Fatalf("phase=%v, want failed", m.Phase())
	}

	// A fresh attempt re-enters at Idle.
	m.Reset()
	if _, err := m.Offer(); err != nil {
		t.Fatalf("offer after reset: %v", err)
	}
}

func TestMachine_ExpireIsNoOpOnceDescriptionSet(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := NewMachine(RoleAnswerer, Options{CandidateGrace: 10 * time.Second, Clock: clk})

	if _, err := m.Candidate(cand("x")); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if _, err := m.Offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}

	clk.Advance(time.Hour)
	if err := m.ExpireBuffered(); err != nil {
		t.Fatalf("expire after description set: %v", err)
	}
}

func TestPairs_IndependentMachinesPerViewer(t *testing.T) {
	pairs := NewPairs(RoleOfferer, Options{})
	v1, v2 := registry.NewPartyID(), registry.NewPartyID()

	m1 := pairs.For(v1)
	if _, err := m1.Offer(); err != nil {
		t.Fatalf("offer v1: %v", err)
	}
	if _, err := m1.Answer(); err != nil {
		t.Fatalf("answer v1: %v", err)
	}
	if err := m1.Establish(); err != nil {
		t.Fatalf("establish v1: %v", err)
	}

	if !pairs.Established(v1) {
		t.Fatalf("v1 not established")
	}
	if pairs.Established(v2) {
		t.Fatalf("v2 established without any exchange")
	}

	// A second offer for v2 must not disturb v1.
	if _, err := pairs.For(v2).Offer(); err != nil {
		t.Fatalf("offer v2: %v", err)
	}
	if !pairs.Established(v1) {
		t.Fatalf("v1 lost established state")
	}
}

func TestPairs_FailAll(t *testing.T) {
	pairs := NewPairs(RoleOfferer, Options{})
	v1, v2 := registry.NewPartyID(), registry.NewPartyID()

	if _, err := pairs.For(v1).Offer(); err != nil {
		t.Fatalf("offer v1: %v", err)
	}
	m2 := pairs.For(v2)
	if _, err := m2.Offer(); err != nil {
		t.Fatalf("offer v2: %v", err)
	}

	pairs.FailAll()

	if m2.Phase() != PhaseFailed {
		t.Fatalf("v2 phase=%v, want failed", m2.Phase())
	}
	// Pairs created after FailAll start a fresh attempt at Idle.
	if pairs.For(v1).Phase() != PhaseIdle {
		t.Fatalf("recreated pair not idle")
	}
}
