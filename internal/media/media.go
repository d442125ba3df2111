// Package media defines the collaborator interfaces between a peer endpoint
// and whatever produces or renders media. The signaling layer never touches
// media; endpoints hand an opaque StreamHandle across this boundary and the
// application decides what capture and rendering mean.
package media

import "context"

// StreamHandle identifies a live media stream. Implementations wrap whatever
// the transport delivered (a pion remote track, a test fixture). Consumers
// treat it as opaque beyond identity and kind.
type StreamHandle interface {
	// ID uniquely identifies the stream within its session.
	ID() string
	// Kind is the media kind, "audio" or "video".
	Kind() string
}

// Source is a local media source a broadcaster sends from.
type Source interface {
	// Capture starts the source and returns a handle to the outgoing
	// stream. Capture may be called once per Source; the stream lives
	// until ctx is cancelled.
	Capture(ctx context.Context) (StreamHandle, error)
}

// Sink renders remote media for a viewer.
type Sink interface {
	// Attach hands the sink an incoming stream. Called once per remote
	// stream, after negotiation with the peer carrying it completes.
	Attach(handle StreamHandle) error
}
