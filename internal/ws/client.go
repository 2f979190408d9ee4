package ws

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var (
	// ErrClientClosed is returned by Queue after the connection's send
	// side has been shut down.
	ErrClientClosed = errors.New("ws: client closed")
	// ErrClientBacklog is returned when the observer cannot keep up and
	// the outbound buffer is full. The frame is dropped.
	ErrClientBacklog = errors.New("ws: client send buffer full")
)

const sendBuffer = 64

// client adapts one websocket connection into an inspect.Sink. All writes
// funnel through a single writePump goroutine, so control replies and
// relay pushes are never interleaved mid-frame even though they originate
// on different goroutines.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

// Queue implements inspect.Sink. It never blocks.
func (c *client) Queue(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrClientBacklog
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// close shuts the send side down. Safe to call concurrently with Queue and
// more than once.
func (c *client) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}
