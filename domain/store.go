package domain

import (
	"context"
	"encoding/json"

	"prism-board/position"
)

// Tx is the transactional view of the relational store. Lookups return a
// nil entity and a nil error when the row does not exist.
type Tx interface {
	position.Store

	GetTask(ctx context.Context, id string) (*Task, error)
	InsertTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, upd TaskUpdate) error
	DeleteTask(ctx context.Context, id string) error
	// ListChildren returns direct subtasks ordered by position.
	ListChildren(ctx context.Context, parentID string) ([]Task, error)

	GetStatus(ctx context.Context, id string) (*Status, error)
	DefaultStatus(ctx context.Context, boardID string) (*Status, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetAttachment(ctx context.Context, id string) (*Attachment, error)

	// ResolveMembers returns the refs that exist, with names filled in.
	ResolveMembers(ctx context.Context, refs []MemberRef) ([]MemberRef, error)
	// ResolveLabels returns the labels that exist.
	ResolveLabels(ctx context.Context, ids []string) ([]Label, error)
	// ReplaceMembers replaces the whole relation set of a task.
	ReplaceMembers(ctx context.Context, taskID string, rel Relation, userIDs, agentIDs []string) error
	ReplaceLabels(ctx context.Context, taskID string, labelIDs []string) error

	AppendActivity(ctx context.Context, e *ActivityEntry) error
	// PurgeReactions removes reactions on an entity that has no foreign key to cascade from.
	PurgeReactions(ctx context.Context, entityType, entityID string) error
}

// Store runs fn in a single transaction. Any error returned by fn rolls
// everything back.
type Store interface {
	Tx
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// NotificationRequest asks the notifier to notify one recipient. An empty
// ActorID marks a system generated notification.
type NotificationRequest struct {
	RecipientID string
	ActorID     string
	ProjectID   string
	Type        string
	Title       string
	Message     string
	Data        map[string]any
}

// Notifier persists a notification when the recipient's preferences allow it.
type Notifier interface {
	Notify(ctx context.Context, req NotificationRequest) (bool, error)
}

// Broadcaster pushes realtime events. Implementations never fail the caller.
type Broadcaster interface {
	BoardEvent(ctx context.Context, projectID, boardID, eventType string, data, user any)
	UserPing(ctx context.Context, userID string)
}

// Webhooks enqueues outbound webhook deliveries.
type Webhooks interface {
	Dispatch(projectID, event string, data map[string]any)
}

// Content processes rich text descriptions.
type Content interface {
	Normalize(raw json.RawMessage) (json.RawMessage, error)
	PlainText(doc json.RawMessage) string
	Mentions(doc json.RawMessage, kinds ...MemberKind) []MemberRef
}

// BoardCache holds derived board reads that must be dropped after a write.
type BoardCache interface {
	Evict(ctx context.Context, boardID string) error
}
