package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Client-side mirror of the relay's wire protocol. Populated field subsets
// differ per direction; the relay owns validation.
const (
	typeStartCall  = "start_call"
	typeJoinViewer = "join_viewer"
	typeSignal     = "signal"
	typeLeave      = "leave"

	typeCallStarted   = "call_started"
	typeJoined        = "joined"
	typeViewerJoined  = "viewer_joined"
	typeViewerLeft    = "viewer_left"
	typeSessionClosed = "session_closed"
	typeError         = "error"
)

const (
	payloadOffer     = "offer"
	payloadAnswer    = "answer"
	payloadCandidate = "candidate"
)

type envelope struct {
	Type string `json:"type"`

	Key   string `json:"key,omitempty"`
	To    string `json:"to,omitempty"`
	From  string `json:"from,omitempty"`
	Party string `json:"party,omitempty"`

	Payload *payload `json:"payload,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type payload struct {
	Type      string         `json:"type"`
	SDP       *sessionDesc   `json:"sdp,omitempty"`
	Candidate *candidateInit `json:"candidate,omitempty"`
}

// sessionDesc and candidateInit are the browser-compatible JSON shapes
// (RTCSessionDescriptionInit / RTCIceCandidateInit).
type sessionDesc struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func offerPayload(d webrtc.SessionDescription) *payload {
	return &payload{Type: payloadOffer, SDP: &sessionDesc{Type: "offer", SDP: d.SDP}}
}

func answerPayload(d webrtc.SessionDescription) *payload {
	return &payload{Type: payloadAnswer, SDP: &sessionDesc{Type: "answer", SDP: d.SDP}}
}

func candidatePayload(c webrtc.ICECandidateInit) *payload {
	return &payload{Type: payloadCandidate, Candidate: &candidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}}
}

func descriptionFromWire(s *sessionDesc) (webrtc.SessionDescription, error) {
	if s == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("payload missing sdp")
	}
	sdpType := webrtc.NewSDPType(s.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: s.SDP}, nil
}

func candidateFromWire(c *candidateInit) (webrtc.ICECandidateInit, error) {
	if c == nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("payload missing candidate")
	}
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}, nil
}
