package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	// SendBuffer is the default outbound queue length of a client.
	SendBuffer = 64
	// PingInterval is the default keepalive period.
	PingInterval = 30 * time.Second
)

// ClientOption tunes a Client.
type ClientOption func(*Client)

// WithSendBuffer sets the outbound queue length.
func WithSendBuffer(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.send = make(chan []byte, n)
		}
	}
}

// WithPingInterval sets the keepalive period. The peer must answer within
// twice this interval.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.ping = d
		}
	}
}

// Client is a websocket connection registered with a Hub. Outbound messages
// go through a bounded queue drained by WritePump.
type Client struct {
	ws   *websocket.Conn
	send chan []byte
	ping time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	hub  *Hub
	keys []string
	log  *log.Entry
}

func NewClient(ws *websocket.Conn, hub *Hub, logger *log.Entry, opts ...ClientOption) *Client {
	c := &Client{
		ws:   ws,
		send: make(chan []byte, SendBuffer),
		ping: PingInterval,
		done: make(chan struct{}),
		hub:  hub,
		log:  logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send queues msg without blocking. A full queue closes the client.
func (c *Client) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.closeLocked()
		return ErrSlowConsumer
	}
}

// Join subscribes the client to key. Close undoes every Join.
func (c *Client) Join(key string) {
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.mu.Unlock()
	c.hub.Subscribe(key, c)
}

// Close unsubscribes the client everywhere and stops its pumps.
func (c *Client) Close() {
	c.mu.Lock()
	c.closeLocked()
	keys := c.keys
	c.keys = nil
	c.mu.Unlock()
	for _, k := range keys {
		c.hub.Unsubscribe(k, c)
	}
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// WritePump writes queued messages and keepalive pings until the client is
// closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.ping)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("websocket write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// ReadPump discards client frames and keeps the read deadline alive. It
// returns when the peer goes away.
func (c *Client) ReadPump() {
	defer c.Close()
	c.ws.SetReadLimit(maxMessageSize)
	pongWait := 2 * c.ping
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("websocket closed")
			}
			return
		}
	}
}
