package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeTimeout = 10 * time.Second

// sender is the outbound half of a signaling connection. Session logic
// depends on it so tests can run without a socket.
type sender interface {
	send(env envelope) error
}

// client owns one signaling websocket: serialized writes, a read loop that
// hands every inbound envelope to a single handler, and teardown.
type client struct {
	logger zerolog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	done chan struct{}
	once sync.Once

	errMu sync.Mutex
	err   error
}

func dial(ctx context.Context, url, origin string, logger zerolog.Logger) (*client, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return &client{
		logger: logger,
		conn:   conn,
		done:   make(chan struct{}),
	}, nil
}

func (c *client) send(env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

// run reads envelopes until the connection dies and feeds them to handler in
// arrival order. The handler runs on the read goroutine, so it must not
// block on the same connection's reads.
func (c *client) run(handler func(envelope)) {
	go func() {
		defer c.shutdown(nil)

		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				c.shutdown(err)
				return
			}

			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.logger.Warn().Err(err).Msg("undecodable relay message")
				continue
			}
			handler(env)
		}
	}()
}

func (c *client) shutdown(err error) {
	c.once.Do(func() {
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
		}
		_ = c.conn.Close()
		close(c.done)
	})
}

// Done closes when the connection is torn down, locally or by the relay.
func (c *client) Done() <-chan struct{} { return c.done }

// Err reports the read error that ended the connection, if any.
func (c *client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(nil)
	return nil
}
