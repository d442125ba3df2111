package negotiation

import (
	"sync"

	"github.com/keycast/keycast/internal/registry"
)

// Pairs tracks one Machine per (broadcaster, viewer) pair within a session,
// as observed at one vantage point (the relay tracks them from the network's
// perspective to make routing decisions).
//
// Machines for different viewers are independent: a new viewer joining never
// blocks a pair that is mid-exchange.
type Pairs struct {
	role Role
	opts Options

	mu sync.Mutex
	m  map[registry.PartyID]*Machine
}

func NewPairs(role Role, opts Options) *Pairs {
	return &Pairs{
		role: role,
		opts: opts,
		m:    make(map[registry.PartyID]*Machine),
	}
}

// For returns the machine for the pair with viewer, creating it at Idle on
// first use.
func (p *Pairs) For(viewer registry.PartyID) *Machine {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.m[viewer]
	if !ok {
		m = NewMachine(p.role, p.opts)
		p.m[viewer] = m
	}
	return m
}

// Established reports whether the pair with viewer has completed its current
// attempt. Unknown viewers are not established.
func (p *Pairs) Established(viewer registry.PartyID) bool {
	p.mu.Lock()
	m, ok := p.m[viewer]
	p.mu.Unlock()
	return ok && m.Established()
}

// Drop fails and forgets the pair with viewer, e.g. when the viewer
// disconnects mid-negotiation.
func (p *Pairs) Drop(viewer registry.PartyID) {
	p.mu.Lock()
	m, ok := p.m[viewer]
	delete(p.m, viewer)
	p.mu.Unlock()

	if ok {
		m.Fail()
	}
}

// FailAll fails every tracked pair, e.g. when the broadcaster disconnects and
// the whole session closes.
func (p *Pairs) FailAll() {
	p.mu.Lock()
	machines := make([]*Machine, 0, len(p.m))
	for _, m := range p.m {
		machines = append(machines, m)
	}
	p.m = make(map[registry.PartyID]*Machine)
	p.mu.Unlock()

	for _, m := range machines {
		m.Fail()
	}
}
