// Package signaling implements the relay's websocket surface: the wire
// envelope exchanged with connected parties, the routing of negotiation
// messages between a session's broadcaster and viewers, and the per-connection
// role coordination.
//
// The relay is a pure addressing layer. It validates envelopes and tracks each
// pair's negotiation phase for routing, but never inspects or mutates
// sdp/candidate bodies; negotiation semantics live in the negotiation package
// and at the endpoints.
package signaling
