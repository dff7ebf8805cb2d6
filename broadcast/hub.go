// Package broadcast fans realtime messages out to subscribed connections.
// A channel key is either "<project>:<board>" for board traffic,
// "user:<id>" for personal pings or "project:<id>" for project wide events.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// BoardChannel is the key of the channel carrying events of one board.
func BoardChannel(projectID, boardID string) string { return projectID + ":" + boardID }

// UserChannel is the key of a user's personal channel.
func UserChannel(userID string) string { return "user:" + userID }

// ProjectChannel is the key of a project wide channel.
func ProjectChannel(projectID string) string { return "project:" + projectID }

// Conn is one live connection. Send must not block; a returned error means
// the connection is dead.
type Conn interface {
	Send(msg []byte) error
}

type channel struct {
	mu   sync.Mutex
	subs map[Conn]struct{}
	// dead is set once the channel was removed from the registry.
	dead bool
}

// Hub tracks subscriptions per channel. The registry lock only guards the
// map of channels; each channel has its own lock so that traffic on one
// channel never waits for another. Sends happen outside every lock.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
	log      *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{channels: map[string]*channel{}, log: logger}
}

func (h *Hub) lookup(key string) *channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[key]
}

// Subscribe adds conn to key. Subscribing twice is a no-op.
func (h *Hub) Subscribe(key string, conn Conn) {
	for {
		ch := h.lookup(key)
		if ch == nil {
			h.mu.Lock()
			if ch = h.channels[key]; ch == nil {
				ch = &channel{subs: map[Conn]struct{}{}}
				h.channels[key] = ch
			}
			h.mu.Unlock()
		}
		ch.mu.Lock()
		if ch.dead {
			// lost a race with prune, retry with a fresh channel
			ch.mu.Unlock()
			continue
		}
		ch.subs[conn] = struct{}{}
		ch.mu.Unlock()
		return
	}
}

// Unsubscribe removes conn from key and drops the channel once it is empty.
// Unknown keys and connections are ignored.
func (h *Hub) Unsubscribe(key string, conn Conn) {
	ch := h.lookup(key)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	delete(ch.subs, conn)
	empty := len(ch.subs) == 0
	ch.mu.Unlock()
	if empty {
		h.prune(key, ch)
	}
}

func (h *Hub) prune(key string, ch *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.subs) == 0 && h.channels[key] == ch {
		ch.dead = true
		delete(h.channels, key)
	}
}

// Publish encodes msg once and sends it to every subscriber of key.
func (h *Hub) Publish(ctx context.Context, key string, msg any) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	h.PublishRaw(key, data)
	return nil
}

// PublishRaw sends data to a snapshot of the subscribers of key and returns
// how many accepted it. Connections whose send fails are unsubscribed.
func (h *Hub) PublishRaw(key string, data []byte) int {
	ch := h.lookup(key)
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	snapshot := make([]Conn, 0, len(ch.subs))
	for c := range ch.subs {
		snapshot = append(snapshot, c)
	}
	ch.mu.Unlock()

	delivered := 0
	var dead []Conn
	for _, c := range snapshot {
		if err := c.Send(data); err != nil {
			dead = append(dead, c)
			continue
		}
		delivered++
	}
	for _, c := range dead {
		h.log.WithField("channel", key).Debug("dropping dead connection")
		h.Unsubscribe(key, c)
	}
	return delivered
}

// Subscribers returns the number of connections subscribed to key.
func (h *Hub) Subscribers(key string) int {
	ch := h.lookup(key)
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// Channels returns the number of live channels.
func (h *Hub) Channels() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("connection closed")

// ErrSlowConsumer is returned by Send when the outbound buffer is full.
var ErrSlowConsumer = errors.New("connection outbound buffer full")
