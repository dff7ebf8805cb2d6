package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// envelope is the pub/sub payload shared by every instance of the service.
type envelope struct {
	Origin  string          `json:"origin"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// Relay publishes through a redis channel so that every process running a
// Hub sees the same traffic. The local Hub is always served directly and
// drops its own messages when they come back over the channel, so local
// sockets see each message once even while Run is not subscribed.
type Relay struct {
	id      string
	rc      *redis.Client
	hub     *Hub
	channel string
	log     *log.Logger
}

func NewRelay(rc *redis.Client, hub *Hub, channel string, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{id: uuid.NewString(), rc: rc, hub: hub, channel: channel, log: logger}
}

func (r *Relay) Publish(ctx context.Context, key string, msg any) error {
	payload, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(envelope{Origin: r.id, Key: key, Payload: payload})
	if err != nil {
		return err
	}
	r.hub.PublishRaw(key, payload)
	if err := r.rc.Publish(ctx, r.channel, data).Err(); err != nil {
		r.log.WithError(err).Warn("relay publish failed, delivered locally only")
	}
	return nil
}

// Run forwards relayed messages to the local Hub until ctx is done,
// resubscribing when the pub/sub connection drops.
func (r *Relay) Run(ctx context.Context) {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev envelope
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					r.log.WithError(err).Error("unable to parse relayed message")
					continue
				}
				if ev.Origin == r.id {
					continue
				}
				r.hub.PublishRaw(ev.Key, ev.Payload)
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.log.Error("relay channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
