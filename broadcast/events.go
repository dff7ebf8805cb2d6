package broadcast

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Publisher delivers a message to every subscriber of a channel key.
// Both Hub and Relay implement it.
type Publisher interface {
	Publish(ctx context.Context, key string, msg any) error
}

// BoardMessage is the envelope of every board event.
type BoardMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	BoardID   string `json:"board_id"`
	Data      any    `json:"data"`
	User      any    `json:"user,omitempty"`
}

// UserMessage is sent on personal channels.
type UserMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// NotificationNew tells a client to refresh its notifications.
const NotificationNew = "notification.new"

// Events adapts a Publisher to the board event sink used by the task service.
type Events struct {
	pub Publisher
	log *log.Logger
}

func NewEvents(pub Publisher, logger *log.Logger) *Events {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Events{pub: pub, log: logger}
}

func (e *Events) BoardEvent(ctx context.Context, projectID, boardID, eventType string, data, user any) {
	msg := BoardMessage{Type: eventType, ProjectID: projectID, BoardID: boardID, Data: data, User: user}
	if err := e.pub.Publish(ctx, BoardChannel(projectID, boardID), msg); err != nil {
		e.log.WithError(err).WithFields(log.Fields{"board": boardID, "type": eventType}).Warn("failed to publish board event")
	}
}

func (e *Events) UserPing(ctx context.Context, userID string) {
	if err := e.pub.Publish(ctx, UserChannel(userID), UserMessage{Type: NotificationNew}); err != nil {
		e.log.WithError(err).WithField("user", userID).Warn("failed to ping user")
	}
}
