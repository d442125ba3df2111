package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type messageType string

const (
	// Client -> relay.
	messageTypeStartCall  messageType = "start_call"
	messageTypeJoinViewer messageType = "join_viewer"
	messageTypeSignal     messageType = "signal"
	messageTypeLeave      messageType = "leave"

	// Relay -> client.
	messageTypeCallStarted   messageType = "call_started"
	messageTypeJoined        messageType = "joined"
	messageTypeViewerJoined  messageType = "viewer_joined"
	messageTypeViewerLeft    messageType = "viewer_left"
	messageTypeSessionClosed messageType = "session_closed"
	messageTypeError         messageType = "error"
)

type payloadType string

const (
	payloadTypeOffer     payloadType = "offer"
	payloadTypeAnswer    payloadType = "answer"
	payloadTypeCandidate payloadType = "candidate"
)

// sdp and candidate mirror the browser-compatible JSON shapes
// (RTCSessionDescriptionInit / RTCIceCandidateInit). The relay validates only
// the envelope; the bodies stay opaque to routing.
type sdp struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// signalPayload is the negotiation body the relay forwards without
// interpretation beyond its tag.
type signalPayload struct {
	Type      payloadType `json:"type"`
	SDP       *sdp        `json:"sdp,omitempty"`
	Candidate *candidate  `json:"candidate,omitempty"`
}

func (p signalPayload) validate() error {
	switch p.Type {
	case payloadTypeOffer:
		if p.SDP == nil || p.Candidate != nil {
			return fmt.Errorf("offer payload must carry exactly an sdp")
		}
		if p.SDP.Type != "offer" {
			return fmt.Errorf("offer payload has sdp.type=%q", p.SDP.Type)
		}
		if p.SDP.SDP == "" {
			return fmt.Errorf("offer payload has empty sdp")
		}
	case payloadTypeAnswer:
		if p.SDP == nil || p.Candidate != nil {
			return fmt.Errorf("answer payload must carry exactly an sdp")
		}
		if p.SDP.Type != "answer" {
			return fmt.Errorf("answer payload has sdp.type=%q", p.SDP.Type)
		}
		if p.SDP.SDP == "" {
			return fmt.Errorf("answer payload has empty sdp")
		}
	case payloadTypeCandidate:
		if p.Candidate == nil || p.SDP != nil {
			return fmt.Errorf("candidate payload must carry exactly a candidate")
		}
		if p.Candidate.Candidate == "" {
			return fmt.Errorf("candidate payload has empty candidate")
		}
	default:
		return fmt.Errorf("unsupported payload type %q", p.Type)
	}
	return nil
}

// clientMessage is the envelope a connected party sends to the relay.
type clientMessage struct {
	Type messageType `json:"type"`

	// Key addresses a session for join_viewer.
	Key string `json:"key,omitempty"`

	// To optionally names the recipient of a signal. Empty means "route by
	// the default rule": broadcaster-origin messages fan out to every viewer
	// without an established pair, viewer-origin messages go to the
	// broadcaster.
	To      string         `json:"to,omitempty"`
	Payload *signalPayload `json:"payload,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeStartCall:
		if m.Key != "" || m.To != "" || m.Payload != nil {
			return fmt.Errorf("start_call message has unexpected fields")
		}
	case messageTypeJoinViewer:
		if m.Key == "" {
			return fmt.Errorf("join_viewer message missing key")
		}
		if m.To != "" || m.Payload != nil {
			return fmt.Errorf("join_viewer message has unexpected fields")
		}
	case messageTypeSignal:
		if m.Payload == nil {
			return fmt.Errorf("signal message missing payload")
		}
		if m.Key != "" {
			return fmt.Errorf("signal message has unexpected fields")
		}
		return m.Payload.validate()
	case messageTypeLeave:
		if m.Key != "" || m.To != "" || m.Payload != nil {
			return fmt.Errorf("leave message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// serverMessage is the envelope the relay sends to a connected party.
type serverMessage struct {
	Type messageType `json:"type"`

	Key   string `json:"key,omitempty"`
	From  string `json:"from,omitempty"`
	Party string `json:"party,omitempty"`

	Payload *signalPayload `json:"payload,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Wire error codes surfaced to the triggering party.
const (
	codeUnknownKey           = "unknown_key"
	codeSessionClosed        = "session_closed"
	codePartyNotInSession    = "party_not_in_session"
	codeKeyExhaustion        = "key_exhaustion"
	codeOutOfOrder           = "out_of_order"
	codeMalformedPayload     = "malformed_payload"
	codeOneRolePerConnection = "one_role_per_connection"
	codeNotInCall            = "not_in_call"
)

func errorMessage(code, text string) serverMessage {
	return serverMessage{
		Type:    messageTypeError,
		Code:    code,
		Message: text,
	}
}
