package domain

import (
	"context"
	"fmt"

	"prism-board/position"
)

// ConvertToSubtask nests an existing task under parentID and appends it to
// the parent's subtasks.
func (s *TaskService) ConvertToSubtask(ctx context.Context, actor Actor, taskID, parentID string) (*Result, error) {
	ctx, span := s.startSpan(ctx, "ConvertToSubtask", actor)
	defer span.End()
	actor = s.withActorName(ctx, actor)

	var task, parent *Task
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		old, err := s.loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if parent, err = s.loadTask(ctx, tx, parentID); err != nil {
			return err
		}
		if old.ParentID != nil && *old.ParentID == parent.ID {
			return invalid("parent_id", "task is already a subtask of %s", parent.ID)
		}
		if err := validateParent(ctx, tx, old, parent, old.BoardID); err != nil {
			return err
		}
		pos, err := position.New(tx).EnsureGapAndPosition(ctx, position.ParentGroup(parent.ID), nil)
		if err != nil {
			return err
		}
		upd := TaskUpdate{ID: old.ID, ParentID: Some(parent.ID), Position: &pos, UpdatedAt: s.now()}
		if err := tx.UpdateTask(ctx, upd); err != nil {
			return fmt.Errorf("update task %s: %w", old.ID, err)
		}
		var oldParentTitle *string
		if old.ParentID != nil {
			prev, err := tx.GetTask(ctx, *old.ParentID)
			if err != nil {
				return fmt.Errorf("get task %s: %w", *old.ParentID, err)
			}
			oldParentTitle = titleOf(prev)
		}
		changes := Changes{scalarChange(FieldParent, oldParentTitle, &parent.Title)}
		if err := s.record(ctx, tx, actor, old, ActionConverted, changes); err != nil {
			return err
		}
		task, err = s.loadTask(ctx, tx, old.ID)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}

	out := newOutbox(task.ProjectID, task.BoardID)
	out.round()
	for _, uid := range parent.Recipients() {
		out.notify(actor, uid, NotifySubtaskCreated, "Subtask Created",
			fmt.Sprintf("%s added subtask %s to %s", actor.Name, quoted(task.Title), quoted(parent.Title)), taskRef(task))
	}
	out.event(EventSubtaskCreated, task)
	out.hook(EventTaskUpdated, hookData(task))
	return &Result{Task: task, Notified: s.deliver(ctx, actor, out)}, nil
}

// Promote turns a subtask into a root task at the end of its status column.
func (s *TaskService) Promote(ctx context.Context, actor Actor, taskID string) (*Result, error) {
	ctx, span := s.startSpan(ctx, "Promote", actor)
	defer span.End()
	actor = s.withActorName(ctx, actor)

	var (
		task     *Task
		parentID string
	)
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		old, err := s.loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if old.ParentID == nil {
			return invalid("parent_id", "task %s is not a subtask", old.ID)
		}
		parentID = *old.ParentID
		parent, err := tx.GetTask(ctx, parentID)
		if err != nil {
			return fmt.Errorf("get task %s: %w", parentID, err)
		}
		pos, err := position.New(tx).EnsureGapAndPosition(ctx, position.StatusGroup(old.StatusID), nil)
		if err != nil {
			return err
		}
		upd := TaskUpdate{ID: old.ID, ParentID: Null[string](), Position: &pos, UpdatedAt: s.now()}
		if err := tx.UpdateTask(ctx, upd); err != nil {
			return fmt.Errorf("update task %s: %w", old.ID, err)
		}
		changes := Changes{scalarChange(FieldParent, titleOf(parent), nil)}
		if err := s.record(ctx, tx, actor, old, ActionPromoted, changes); err != nil {
			return err
		}
		task, err = s.loadTask(ctx, tx, old.ID)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}

	out := newOutbox(task.ProjectID, task.BoardID)
	out.event(EventSubtaskDeleted, map[string]any{"task_id": task.ID, "parent_id": parentID, "promoted": true})
	out.event(EventTaskCreated, task)
	out.hook(EventTaskUpdated, hookData(task))
	return &Result{Task: task, Notified: s.deliver(ctx, actor, out)}, nil
}
