// Package negotiation drives the offer/answer/candidate exchange for one
// broadcaster-viewer pair to completion or failure.
//
// The relay keeps one Machine per pair to decide routing (an established pair
// no longer receives broadcaster offers); endpoints keep a mirrored Machine to
// enforce ordering and candidate buffering before handing payloads to their
// PeerConnection.
package negotiation

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrOutOfOrder is returned for a message that is not valid in the current
	// phase, e.g. a second offer while one is already outstanding.
	ErrOutOfOrder = errors.New("negotiation: out of order")
	// ErrMalformedPayload is returned for payloads that fail validation before
	// they reach the state machine.
	ErrMalformedPayload = errors.New("negotiation: malformed payload")
	// ErrFailed is returned for any operation on a pair whose current attempt
	// has already failed.
	ErrFailed = errors.New("negotiation: failed")
)

// Role distinguishes the two ends of a pair. The broadcaster is always the
// offerer.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Phase is the pair's negotiation phase. Established and Failed are terminal
// for the current attempt; Reset starts a fresh attempt at Idle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOfferSent
	PhaseAnswerSent
	PhaseEstablished
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOfferSent:
		return "offer_sent"
	case PhaseAnswerSent:
		return "answer_sent"
	case PhaseEstablished:
		return "established"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Candidate is a network-reachability proposal in the browser-compatible
// trickle ICE shape.
type Candidate = webrtc.ICECandidateInit
