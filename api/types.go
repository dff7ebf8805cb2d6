package api

import (
	"context"

	"prism-board/domain"
	"prism-board/position"
)

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate mutations.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the mutation fails.
	Remove(ctx context.Context, userID, key string) error
}

// Tasks is the mutation surface served over HTTP.
type Tasks interface {
	Create(ctx context.Context, actor domain.Actor, projectID, boardID string, in domain.TaskInput) (*domain.Result, error)
	Update(ctx context.Context, actor domain.Actor, taskID string, p domain.TaskPatch) (*domain.Result, error)
	Move(ctx context.Context, actor domain.Actor, taskID string, req domain.MoveRequest) (*domain.Result, error)
	Delete(ctx context.Context, actor domain.Actor, taskID string, mode domain.DeleteMode) (*domain.Result, error)
	ConvertToSubtask(ctx context.Context, actor domain.Actor, taskID, parentID string) (*domain.Result, error)
	Promote(ctx context.Context, actor domain.Actor, taskID string) (*domain.Result, error)
	ReorderSubtask(ctx context.Context, actor domain.Actor, parentID, subtaskID string, req domain.ReorderRequest) (*domain.Result, error)
	Reorder(ctx context.Context, actor domain.Actor, projectID, boardID string, g position.Group, itemID string, req domain.ReorderRequest) (float64, error)
	BulkUpdate(ctx context.Context, actor domain.Actor, boardID string, ids []string, p domain.BulkPatch) (*domain.BulkResult, error)
	BulkMove(ctx context.Context, actor domain.Actor, boardID string, ids []string, statusID string) (*domain.BulkResult, error)
	BulkDelete(ctx context.Context, actor domain.Actor, boardID string, ids []string, mode domain.DeleteMode) (*domain.BulkResult, error)
}

// Boards serves board snapshots.
type Boards interface {
	ListBoardTasks(ctx context.Context, boardID string) ([]domain.Task, error)
}

// Notifications serves the notification inbox of the caller.
type Notifications interface {
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error)
	SetNotificationRead(ctx context.Context, userID, id string, read bool) error
}

var _ Tasks = (*domain.TaskService)(nil)
