package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"prism-board/position"
)

// ReorderRequest positions an item inside its group. An explicit Position
// wins, otherwise the item lands between BeforeID and AfterID, otherwise at
// the end.
type ReorderRequest struct {
	Position *float64 `json:"position,omitempty"`
	BeforeID string   `json:"before_id,omitempty"`
	AfterID  string   `json:"after_id,omitempty"`
}

// MoveRequest changes the status and, optionally, the parent of a task.
type MoveRequest struct {
	StatusID string           `json:"status_id"`
	ParentID Optional[string] `json:"parent_id"`
	ReorderRequest
}

// Move changes status and sibling group of a task in one step.
func (s *TaskService) Move(ctx context.Context, actor Actor, taskID string, req MoveRequest) (*Result, error) {
	ctx, span := s.startSpan(ctx, "Move", actor)
	defer span.End()
	actor = s.withActorName(ctx, actor)

	var (
		task             *Task
		fromName, toName string
		statusChanged    bool
	)
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		old, err := s.loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		statusID := req.StatusID
		if statusID == "" {
			statusID = old.StatusID
		}
		to, err := s.statusOnBoard(ctx, tx, statusID, old.BoardID)
		if err != nil {
			return err
		}
		from, err := tx.GetStatus(ctx, old.StatusID)
		if err != nil {
			return fmt.Errorf("get status %s: %w", old.StatusID, err)
		}
		parentID := old.ParentID
		var oldParent, newParent *Task
		if req.ParentID.Set {
			parentID = nil
			if req.ParentID.Present() {
				if newParent, err = s.loadTask(ctx, tx, req.ParentID.Value); err != nil {
					return err
				}
				if err := validateParent(ctx, tx, old, newParent, old.BoardID); err != nil {
					return err
				}
				parentID = &newParent.ID
			}
		}
		parentChanged := !sameString(parentID, old.ParentID)
		if parentChanged && old.ParentID != nil {
			if oldParent, err = tx.GetTask(ctx, *old.ParentID); err != nil {
				return fmt.Errorf("get task %s: %w", *old.ParentID, err)
			}
		}

		moved := *old
		moved.StatusID, moved.ParentID = to.ID, parentID
		g := moved.Group()
		now := s.now()
		upd := TaskUpdate{ID: old.ID, UpdatedAt: now}
		var changes Changes
		if to.ID != old.StatusID {
			statusChanged = true
			if from != nil {
				fromName = from.Name
			}
			toName = to.Name
			upd.StatusID = &to.ID
			upd.CompletedAt = completion(from, to, old.CompletedAt, now)
			changes = append(changes, scalarChange(FieldStatus, nameOf(from), &to.Name))
		}
		if parentChanged {
			upd.ParentID = optionalPtr(parentID)
			changes = append(changes, scalarChange(FieldParent, titleOf(oldParent), titleOf(newParent)))
		}

		pos := old.Position
		switch {
		case req.Position != nil || req.BeforeID != "" || req.AfterID != "":
			if pos, err = placeIn(ctx, tx, g, old.ID, req.ReorderRequest); err != nil {
				return err
			}
		case g != old.Group():
			if pos, err = position.New(tx).EnsureGapAndPosition(ctx, g, nil); err != nil {
				return err
			}
		}
		upd.Position = &pos

		if err := tx.UpdateTask(ctx, upd); err != nil {
			return fmt.Errorf("update task %s: %w", old.ID, err)
		}
		if len(changes) > 0 {
			if err := s.record(ctx, tx, actor, old, ActionMoved, changes); err != nil {
				return err
			}
		}
		task, err = s.loadTask(ctx, tx, old.ID)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}

	out := newOutbox(task.ProjectID, task.BoardID)
	if statusChanged {
		out.round()
		msg := fmt.Sprintf("%s moved %s from %s to %s", actor.Name, quoted(task.Title), orNone(&fromName), toName)
		for _, uid := range task.Recipients() {
			out.notify(actor, uid, NotifyTaskMoved, "Task Moved", msg, taskRef(task))
		}
	}
	out.event(EventTaskMoved, task)
	out.hook(EventTaskMoved, hookData(task))
	return &Result{Task: task, Notified: s.deliver(ctx, actor, out)}, nil
}

func nameOf(st *Status) *string {
	if st == nil {
		return nil
	}
	return &st.Name
}

func titleOf(t *Task) *string {
	if t == nil {
		return nil
	}
	return &t.Title
}

// ReorderSubtask moves a subtask inside the group of its parent.
func (s *TaskService) ReorderSubtask(ctx context.Context, actor Actor, parentID, subtaskID string, req ReorderRequest) (*Result, error) {
	ctx, span := s.startSpan(ctx, "ReorderSubtask", actor)
	defer span.End()
	actor = s.withActorName(ctx, actor)

	var task *Task
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		sub, err := s.loadTask(ctx, tx, subtaskID)
		if err != nil {
			return err
		}
		if sub.ParentID == nil || *sub.ParentID != parentID {
			return notFound("subtask", subtaskID)
		}
		pos, err := placeIn(ctx, tx, position.ParentGroup(parentID), sub.ID, req)
		if err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, TaskUpdate{ID: sub.ID, Position: &pos, UpdatedAt: s.now()}); err != nil {
			return fmt.Errorf("update task %s: %w", sub.ID, err)
		}
		task, err = s.loadTask(ctx, tx, sub.ID)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}
	out := newOutbox(task.ProjectID, task.BoardID)
	out.event(EventSubtaskReordered, map[string]any{"parent_id": parentID, "task": task})
	return &Result{Task: task, Notified: s.deliver(ctx, actor, out)}, nil
}

// Reorder moves a checklist item or custom field definition inside its group.
func (s *TaskService) Reorder(ctx context.Context, actor Actor, projectID, boardID string, g position.Group, itemID string, req ReorderRequest) (float64, error) {
	ctx, span := s.startSpan(ctx, "Reorder", actor)
	defer span.End()
	actor = s.withActorName(ctx, actor)

	var eventType string
	switch g.Kind {
	case position.KindChecklist:
		eventType = EventChecklistReorder
	case position.KindCustomField:
		eventType = EventCustomFieldReorder
	default:
		return 0, fail(span, invalid("group", "%s items are not reordered here", g.Kind))
	}
	var pos float64
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		members, err := tx.GroupPositions(ctx, g)
		if err != nil {
			return fmt.Errorf("group positions %s: %w", g, err)
		}
		found := false
		for _, m := range members {
			found = found || m.ID == itemID
		}
		if !found {
			return notFound(string(g.Kind), itemID)
		}
		if pos, err = placeIn(ctx, tx, g, itemID, req); err != nil {
			return err
		}
		return tx.SetPositions(ctx, g, []position.Member{{ID: itemID, Position: pos}})
	})
	if err != nil {
		return 0, fail(span, err)
	}
	out := newOutbox(projectID, boardID)
	out.event(eventType, map[string]any{"id": itemID, "group_id": g.ID, "position": pos})
	s.deliver(ctx, actor, out)
	return pos, nil
}

// BulkPatch is the subset of fields a bulk update may touch.
type BulkPatch struct {
	StatusID *string             `json:"status_id,omitempty"`
	Priority *Priority           `json:"priority,omitempty"`
	DueDate  Optional[time.Time] `json:"due_date"`
}

// BulkUpdate applies one patch to many tasks of a board atomically.
func (s *TaskService) BulkUpdate(ctx context.Context, actor Actor, boardID string, ids []string, p BulkPatch) (*BulkResult, error) {
	ctx, span := s.startSpan(ctx, "BulkUpdate", actor)
	defer span.End()
	return s.bulk(ctx, span, actor, boardID, ids, p, NotifyTaskUpdated, "Tasks Updated", "updated", EventTaskUpdated)
}

// BulkMove moves many tasks of a board to one status atomically.
func (s *TaskService) BulkMove(ctx context.Context, actor Actor, boardID string, ids []string, statusID string) (*BulkResult, error) {
	ctx, span := s.startSpan(ctx, "BulkMove", actor)
	defer span.End()
	if statusID == "" {
		return nil, fail(span, invalid("status_id", "status is required"))
	}
	return s.bulk(ctx, span, actor, boardID, ids, BulkPatch{StatusID: &statusID}, NotifyTaskMoved, "Tasks Moved", "moved", EventTaskMoved)
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *TaskService) bulk(ctx context.Context, span trace.Span, actor Actor, boardID string, ids []string, p BulkPatch, notifyType, title, verb, eventType string) (*BulkResult, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, fail(span, invalid("task_ids", "at least one task is required"))
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return nil, fail(span, invalid("priority", "unknown priority %q", *p.Priority))
	}
	actor = s.withActorName(ctx, actor)

	var changed []*Task
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		var to *Status
		if p.StatusID != nil {
			var err error
			if to, err = s.statusOnBoard(ctx, tx, *p.StatusID, boardID); err != nil {
				return err
			}
		}
		tasks := make([]*Task, 0, len(ids))
		for _, id := range ids {
			t, err := s.loadTask(ctx, tx, id)
			if err != nil {
				return err
			}
			if t.BoardID != boardID {
				return notFound("task", id)
			}
			tasks = append(tasks, t)
		}

		now := s.now()
		statuses := map[string]*Status{}
		var nextPos float64
		allocated := false
		for _, t := range tasks {
			upd := TaskUpdate{ID: t.ID, UpdatedAt: now}
			var changes Changes
			if to != nil && to.ID != t.StatusID {
				from, ok := statuses[t.StatusID]
				if !ok {
					var err error
					if from, err = tx.GetStatus(ctx, t.StatusID); err != nil {
						return fmt.Errorf("get status %s: %w", t.StatusID, err)
					}
					statuses[t.StatusID] = from
				}
				upd.StatusID = &to.ID
				upd.CompletedAt = completion(from, to, t.CompletedAt, now)
				changes = append(changes, scalarChange(FieldStatus, nameOf(from), &to.Name))
				if t.ParentID == nil {
					if !allocated {
						var err error
						if nextPos, err = position.New(tx).EnsureGapAndPosition(ctx, position.StatusGroup(to.ID), nil); err != nil {
							return err
						}
						allocated = true
					} else {
						nextPos += position.Gap
					}
					pos := nextPos
					upd.Position = &pos
				}
			}
			if p.Priority != nil && *p.Priority != t.Priority {
				upd.Priority = p.Priority
				from, next := string(t.Priority), string(*p.Priority)
				changes = append(changes, scalarChange(FieldPriority, &from, &next))
			}
			if p.DueDate.Set && !sameTime(t.DueDate, p.DueDate.Ptr()) {
				upd.DueDate = p.DueDate
				changes = append(changes, scalarChange(FieldDueDate, fmtDate(t.DueDate), fmtDate(p.DueDate.Ptr())))
			}
			if len(changes) == 0 {
				continue
			}
			if err := tx.UpdateTask(ctx, upd); err != nil {
				return fmt.Errorf("update task %s: %w", t.ID, err)
			}
			action := ActionUpdated
			if eventType == EventTaskMoved {
				action = ActionMoved
			}
			if err := s.record(ctx, tx, actor, t, action, changes); err != nil {
				return err
			}
			fresh, err := s.loadTask(ctx, tx, t.ID)
			if err != nil {
				return err
			}
			changed = append(changed, fresh)
		}
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	if len(changed) == 0 {
		return &BulkResult{Tasks: []*Task{}, Notified: []string{}}, nil
	}

	out := newOutbox(changed[0].ProjectID, boardID)
	bulkNotices(out, actor, changed, notifyType, title, verb)
	for _, t := range changed {
		out.event(eventType, t)
		out.hook(eventType, hookData(t))
	}
	return &BulkResult{Tasks: changed, Notified: s.deliver(ctx, actor, out)}, nil
}

// bulkNotices sends each recipient one notification listing every task of
// the batch they are involved in.
func bulkNotices(out *outbox, actor Actor, tasks []*Task, typ, title, verb string) {
	var order []string
	involved := map[string][]*Task{}
	for _, t := range tasks {
		for _, uid := range t.Recipients() {
			if _, ok := involved[uid]; !ok {
				order = append(order, uid)
			}
			involved[uid] = append(involved[uid], t)
		}
	}
	out.round()
	for _, uid := range order {
		mine := involved[uid]
		titles := make([]string, len(mine))
		taskIDs := make([]string, len(mine))
		for i, t := range mine {
			titles[i] = quoted(t.Title)
			taskIDs[i] = t.ID
		}
		msg := fmt.Sprintf("%s %s %s: %s", actor.Name, verb, plural(len(mine), "task"), strings.Join(titles, ", "))
		out.notify(actor, uid, typ, title, msg, map[string]any{"task_ids": taskIDs, "board_id": mine[0].BoardID})
	}
}
