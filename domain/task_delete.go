package domain

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"prism-board/position"
)

// DeleteMode decides what happens to the subtasks of a deleted task.
type DeleteMode string

const (
	// DeleteCascade removes the whole subtree.
	DeleteCascade DeleteMode = "cascade"
	// DeleteOrphan promotes direct children to root tasks in their own status column.
	DeleteOrphan DeleteMode = "orphan"
)

func (m DeleteMode) Valid() bool { return m == DeleteCascade || m == DeleteOrphan }

type deleted struct {
	task       *Task
	parent     *Task
	recipients []string
	removed    []string
}

// Delete removes a task. Recipients are collected before anything is
// deleted and notified once the transaction committed.
func (s *TaskService) Delete(ctx context.Context, actor Actor, taskID string, mode DeleteMode) (*Result, error) {
	ctx, span := s.startSpan(ctx, "Delete", actor)
	defer span.End()
	if mode == "" {
		mode = DeleteCascade
	}
	if !mode.Valid() {
		return nil, fail(span, invalid("mode", "unknown delete mode %q", mode))
	}
	actor = s.withActorName(ctx, actor)

	var d *deleted
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		t, err := s.loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		d, err = s.deleteInTx(ctx, tx, actor, t, mode)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}

	out := newOutbox(d.task.ProjectID, d.task.BoardID)
	deleteNotices(out, actor, d)
	deleteEvents(out, d, mode)
	return &Result{Task: d.task, Notified: s.deliver(ctx, actor, out)}, nil
}

// BulkDelete removes many tasks of a board in one transaction. Tasks already
// removed by an earlier cascade of the same batch are skipped.
func (s *TaskService) BulkDelete(ctx context.Context, actor Actor, boardID string, ids []string, mode DeleteMode) (*BulkResult, error) {
	ctx, span := s.startSpan(ctx, "BulkDelete", actor)
	defer span.End()
	if mode == "" {
		mode = DeleteCascade
	}
	if !mode.Valid() {
		return nil, fail(span, invalid("mode", "unknown delete mode %q", mode))
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, fail(span, invalid("task_ids", "at least one task is required"))
	}
	actor = s.withActorName(ctx, actor)

	var all []*deleted
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		for _, id := range ids {
			t, err := s.loadTask(ctx, tx, id)
			if err != nil {
				return err
			}
			if t.BoardID != boardID {
				return notFound("task", id)
			}
		}
		for _, id := range ids {
			t, err := tx.GetTask(ctx, id)
			if err != nil {
				return fmt.Errorf("get task %s: %w", id, err)
			}
			if t == nil {
				continue
			}
			d, err := s.deleteInTx(ctx, tx, actor, t, mode)
			if err != nil {
				return err
			}
			all = append(all, d)
		}
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}

	tasks := make([]*Task, len(all))
	for i, d := range all {
		tasks[i] = d.task
	}
	out := newOutbox(tasks[0].ProjectID, boardID)
	bulkNotices(out, actor, tasks, NotifyTaskDeleted, "Tasks Deleted", "deleted")
	for _, d := range all {
		deleteEvents(out, d, mode)
	}
	return &BulkResult{Tasks: tasks, Notified: s.deliver(ctx, actor, out)}, nil
}

func (s *TaskService) deleteInTx(ctx context.Context, tx Tx, actor Actor, t *Task, mode DeleteMode) (*deleted, error) {
	d := &deleted{task: t, recipients: t.Recipients()}
	if t.ParentID != nil {
		parent, err := tx.GetTask(ctx, *t.ParentID)
		if err != nil {
			return nil, fmt.Errorf("get task %s: %w", *t.ParentID, err)
		}
		d.parent = parent
	}

	var affected int
	switch mode {
	case DeleteCascade:
		subtree, err := descendants(ctx, tx, t.ID)
		if err != nil {
			return nil, err
		}
		// deepest first
		for i := len(subtree) - 1; i >= 0; i-- {
			id := subtree[i]
			if err := tx.PurgeReactions(ctx, "task", id); err != nil {
				return nil, fmt.Errorf("purge reactions %s: %w", id, err)
			}
			if err := tx.DeleteTask(ctx, id); err != nil {
				return nil, fmt.Errorf("delete task %s: %w", id, err)
			}
			d.removed = append(d.removed, id)
		}
		affected = len(subtree)
	case DeleteOrphan:
		children, err := tx.ListChildren(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("list children %s: %w", t.ID, err)
		}
		alloc := position.New(tx)
		now := s.now()
		for _, c := range children {
			pos, err := alloc.EnsureGapAndPosition(ctx, position.StatusGroup(c.StatusID), nil)
			if err != nil {
				return nil, err
			}
			upd := TaskUpdate{ID: c.ID, ParentID: Null[string](), Position: &pos, UpdatedAt: now}
			if err := tx.UpdateTask(ctx, upd); err != nil {
				return nil, fmt.Errorf("promote child %s: %w", c.ID, err)
			}
		}
		affected = len(children)
	}

	if err := tx.PurgeReactions(ctx, "task", t.ID); err != nil {
		return nil, fmt.Errorf("purge reactions %s: %w", t.ID, err)
	}
	if err := s.record(ctx, tx, actor, t, ActionDeleted, map[string]any{
		FieldTitle: t.Title,
		"mode":     mode,
		"subtasks": affected,
	}); err != nil {
		return nil, err
	}
	if err := tx.DeleteTask(ctx, t.ID); err != nil {
		return nil, fmt.Errorf("delete task %s: %w", t.ID, err)
	}
	d.removed = append(d.removed, t.ID)
	log.WithFields(log.Fields{"task": t.ID, "mode": mode, "subtasks": affected}).Debug("task deleted")
	return d, nil
}

// descendants walks the subtree of id breadth first. The root is not included.
func descendants(ctx context.Context, tx Tx, id string) ([]string, error) {
	seen := map[string]bool{id: true}
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := tx.ListChildren(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("list children %s: %w", cur, err)
		}
		for _, c := range children {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c.ID)
			queue = append(queue, c.ID)
		}
	}
	return out, nil
}

func deleteNotices(out *outbox, actor Actor, d *deleted) {
	data := taskRef(d.task)
	out.round()
	for _, uid := range d.recipients {
		out.notify(actor, uid, NotifyTaskDeleted, "Task Deleted",
			fmt.Sprintf("%s deleted %s", actor.Name, quoted(d.task.Title)), data)
	}
	if d.parent == nil {
		return
	}
	// people already told about the deletion are not told again
	for _, uid := range d.recipients {
		out.sent[uid] = true
	}
	for _, uid := range d.parent.Recipients() {
		out.notify(actor, uid, NotifySubtaskDeleted, "Subtask Deleted",
			fmt.Sprintf("%s deleted subtask %s of %s", actor.Name, quoted(d.task.Title), quoted(d.parent.Title)), data)
	}
}

func deleteEvents(out *outbox, d *deleted, mode DeleteMode) {
	data := map[string]any{"task_id": d.task.ID, "mode": mode, "deleted_ids": d.removed}
	if d.parent != nil {
		data["parent_id"] = d.parent.ID
		out.event(EventSubtaskDeleted, data)
	} else {
		out.event(EventTaskDeleted, data)
	}
	out.hook(EventTaskDeleted, map[string]any{"task_id": d.task.ID, "title": d.task.Title, "board_id": d.task.BoardID})
}
