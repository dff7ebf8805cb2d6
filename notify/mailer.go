package notify

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// Email is one outbound message. Rendering and sending happen in a
// separate mail worker that consumes the queue.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Type    string `json:"type"`
}

// Mailer hands an email off for delivery.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueMailer enqueues emails on an Azure storage queue.
type QueueMailer struct {
	queue queueClient
}

func NewQueueMailer(q *azqueue.QueueClient) *QueueMailer { return &QueueMailer{queue: q} }

func (m *QueueMailer) Send(ctx context.Context, e Email) error {
	data, err := sonic.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := m.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return fmt.Errorf("enqueue email: %w", err)
	}
	return nil
}

// LogMailer only logs. It is used when no mail queue is configured.
type LogMailer struct {
	Log *log.Logger
}

func (m LogMailer) Send(ctx context.Context, e Email) error {
	logger := m.Log
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger.WithFields(log.Fields{"to": e.To, "type": e.Type}).Debug("email skipped, no mail queue configured")
	return nil
}
