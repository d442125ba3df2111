package registry

import "errors"

var (
	ErrUnknownKey = errors.New("unknown room key")
	// ErrSessionClosed is returned when a key resolves to a session whose
	// broadcaster has already left. Callers see this only in the narrow window
	// between close and registry eviction.
	ErrSessionClosed     = errors.New("session closed")
	ErrPartyNotInSession = errors.New("party not in session")
	// ErrKeyExhaustion is returned when key generation keeps colliding with
	// live sessions after the configured retry budget.
	ErrKeyExhaustion = errors.New("room key space exhausted")
)
