// Package peer is the endpoint side of the signaling protocol: it connects
// to the relay over websocket, runs the offer/answer/candidate exchange
// through a local negotiation machine, and drives a pion PeerConnection per
// remote party. The relay routes; this package is where payloads stop being
// opaque.
package peer

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/keycast/keycast/internal/media"
)

// Options configure one endpoint connection.
type Options struct {
	// URL is the relay's signaling endpoint, e.g. ws://host:port/signal.
	URL string

	// Origin, when set, is sent as the websocket Origin header. Browsers
	// set it implicitly; a Go endpoint talking to an allowlisting relay
	// must name one explicitly.
	Origin string

	Logger zerolog.Logger

	// ICEServers are handed to every PeerConnection. Empty works on
	// directly reachable networks.
	ICEServers []webrtc.ICEServer

	// CandidateGrace bounds how long remote candidates may wait for a
	// session description before the pair fails. Zero means the
	// negotiation default.
	CandidateGrace time.Duration

	// IncludeLoopback admits loopback ICE candidates. Needed when both
	// ends run on one machine, which is the shape of every test.
	IncludeLoopback bool
}

// newAPI builds the pion API all of this endpoint's PeerConnections come
// from, with pion's internals logging through our logger.
func newAPI(opts Options) *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(opts.Logger.With().Str("component", "pion").Logger()),
	}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// TrackHandle is a media.StreamHandle carrying a pion local track. A
// broadcaster whose source yields one gets the track added to every viewer
// PeerConnection; any other handle negotiates a media-less connection.
type TrackHandle struct {
	Local webrtc.TrackLocal
}

func (h TrackHandle) ID() string   { return h.Local.ID() }
func (h TrackHandle) Kind() string { return h.Local.Kind().String() }

// remoteHandle adapts an inbound pion track to the media boundary.
type remoteHandle struct {
	track *webrtc.TrackRemote
}

func (h remoteHandle) ID() string   { return h.track.ID() }
func (h remoteHandle) Kind() string { return h.track.Kind().String() }

var (
	_ media.StreamHandle = TrackHandle{}
	_ media.StreamHandle = remoteHandle{}
)
