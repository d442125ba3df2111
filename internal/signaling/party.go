package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/keycast/keycast/internal/registry"
)

type partyRole int

const (
	roleNone partyRole = iota
	roleBroadcaster
	roleViewer
)

func (r partyRole) String() string {
	switch r {
	case roleBroadcaster:
		return "broadcaster"
	case roleViewer:
		return "viewer"
	default:
		return "none"
	}
}

const sendQueueLen = 32

// party is one connected participant: the websocket connection, its minted
// PartyID, and the single role it may hold for the connection's lifetime.
//
// Writes go through a buffered queue drained by writePump so routing never
// blocks on a slow consumer's socket.
type party struct {
	id     registry.PartyID
	conn   *websocket.Conn
	logger zerolog.Logger

	send chan serverMessage
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	role partyRole
	key  string
}

func newParty(conn *websocket.Conn, logger zerolog.Logger) *party {
	id := registry.NewPartyID()
	return &party{
		id:     id,
		conn:   conn,
		logger: logger.With().Str("party", id.String()).Logger(),
		send:   make(chan serverMessage, sendQueueLen),
		done:   make(chan struct{}),
	}
}

// bind assigns the party's single role. It fails once a different binding
// exists: one role per connection identity.
func (p *party) bind(role partyRole, key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != roleNone {
		return false
	}
	p.role = role
	p.key = key
	return true
}

// unbind clears the binding after a completed leave, so the connection can
// start or join a fresh call.
func (p *party) unbind() {
	p.mu.Lock()
	p.role = roleNone
	p.key = ""
	p.mu.Unlock()
}

func (p *party) binding() (partyRole, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role, p.key
}

// enqueue hands a message to the write pump. It reports false when the queue
// is full (slow consumer) or the party is already closing.
func (p *party) enqueue(msg serverMessage) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown stops the write pump and closes the socket. Safe to call from any
// goroutine, repeatedly.
func (p *party) shutdown() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// writePump serializes all writes to the socket: queued messages plus
// keepalive pings. It exits on write failure or shutdown.
func (p *party) writePump(pingInterval time.Duration, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				p.logger.Debug().Err(err).Msg("write failed, dropping connection")
				p.shutdown()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				p.shutdown()
				return
			}
		}
	}
}
