package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"prism-board/position"
)

// TaskPatch is a partial update. Absent fields are left alone, explicit
// nulls clear nullable fields. Relation lists replace the whole set.
type TaskPatch struct {
	Title            *string                   `json:"title,omitempty"`
	Description      Optional[json.RawMessage] `json:"description"`
	StatusID         *string                   `json:"status_id,omitempty"`
	Priority         *Priority                 `json:"priority,omitempty"`
	DueDate          Optional[time.Time]       `json:"due_date"`
	CoverType        Optional[string]          `json:"cover_type"`
	CoverValue       Optional[string]          `json:"cover_value"`
	CoverSize        Optional[string]          `json:"cover_size"`
	AssigneeUserIDs  *[]string                 `json:"assignee_user_ids,omitempty"`
	AssigneeAgentIDs *[]string                 `json:"assignee_agent_ids,omitempty"`
	WatcherUserIDs   *[]string                 `json:"watcher_user_ids,omitempty"`
	WatcherAgentIDs  *[]string                 `json:"watcher_agent_ids,omitempty"`
	LabelIDs         *[]string                 `json:"label_ids,omitempty"`
}

// desiredMembers merges the supplied user or agent lists over the current set.
func desiredMembers(current []MemberRef, users, agents *[]string) ([]MemberRef, bool) {
	if users == nil && agents == nil {
		return nil, false
	}
	curUsers, curAgents := SplitMembers(current)
	if users != nil {
		curUsers = *users
	}
	if agents != nil {
		curAgents = *agents
	}
	return Members(curUsers, curAgents), true
}

// Update applies a patch. Only fields whose value actually changes become
// part of the change set, which drives the activity entry and the
// notification text.
func (s *TaskService) Update(ctx context.Context, actor Actor, taskID string, p TaskPatch) (*Result, error) {
	ctx, span := s.startSpan(ctx, "Update", actor)
	defer span.End()
	actor = s.withActorName(ctx, actor)

	var (
		old, task      *Task
		changes        Changes
		assigneeDiff   RelationDiff
		watcherDiff    RelationDiff
		descriptionOld json.RawMessage
	)
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		if old, err = s.loadTask(ctx, tx, taskID); err != nil {
			return err
		}
		descriptionOld = old.Description
		now := s.now()
		upd := TaskUpdate{ID: old.ID, UpdatedAt: now}

		if p.Title != nil {
			title := trimTitle(*p.Title)
			if title == "" {
				return invalid("title", "title is required")
			}
			if title != old.Title {
				upd.Title = &title
				changes = append(changes, scalarChange(FieldTitle, &old.Title, &title))
			}
		}
		if p.Description.Set {
			var raw json.RawMessage
			if p.Description.Present() {
				raw = p.Description.Value
			}
			doc, text, err := s.normalize(raw)
			if err != nil {
				return err
			}
			if !bytes.Equal(doc, old.Description) {
				upd.Description = Some(doc)
				if doc == nil {
					upd.Description = Null[json.RawMessage]()
				}
				upd.DescriptionText = &text
				changes = append(changes, Change{Field: FieldDescription, Opaque: true})
			}
		}
		var newStatus *Status
		if p.StatusID != nil && *p.StatusID != old.StatusID {
			if newStatus, err = s.statusOnBoard(ctx, tx, *p.StatusID, old.BoardID); err != nil {
				return err
			}
			oldStatus, err := tx.GetStatus(ctx, old.StatusID)
			if err != nil {
				return fmt.Errorf("get status %s: %w", old.StatusID, err)
			}
			var oldName *string
			if oldStatus != nil {
				oldName = &oldStatus.Name
			}
			upd.StatusID = &newStatus.ID
			upd.CompletedAt = completion(oldStatus, newStatus, old.CompletedAt, now)
			changes = append(changes, scalarChange(FieldStatus, oldName, &newStatus.Name))
		}
		if p.Priority != nil {
			if !p.Priority.Valid() {
				return invalid("priority", "unknown priority %q", *p.Priority)
			}
			if *p.Priority != old.Priority {
				upd.Priority = p.Priority
				from, to := string(old.Priority), string(*p.Priority)
				changes = append(changes, scalarChange(FieldPriority, &from, &to))
			}
		}
		if p.DueDate.Set {
			next := p.DueDate.Ptr()
			if !sameTime(old.DueDate, next) {
				upd.DueDate = p.DueDate
				changes = append(changes, scalarChange(FieldDueDate, fmtDate(old.DueDate), fmtDate(next)))
			}
		}
		if p.CoverType.Set || p.CoverValue.Set || p.CoverSize.Set {
			cur := coverPatch{typ: old.CoverType, value: old.CoverValue, size: old.CoverSize}
			next, err := resolveCover(ctx, tx, old.ID, cur, p.CoverType, p.CoverValue, p.CoverSize)
			if err != nil {
				return err
			}
			if !next.equal(cur) {
				upd.CoverType = optionalPtr(next.typ)
				upd.CoverValue = optionalPtr(next.value)
				upd.CoverSize = optionalPtr(next.size)
				changes = append(changes, scalarChange(FieldCover, cur.String(), next.String()))
			}
		}

		var assignees, watchers []MemberRef
		if desired, ok := desiredMembers(old.Assignees, p.AssigneeUserIDs, p.AssigneeAgentIDs); ok {
			if assignees, err = s.resolveMembers(ctx, tx, old.ProjectID, desired); err != nil {
				return err
			}
			if assigneeDiff = DiffMembers(old.Assignees, assignees); !assigneeDiff.Empty() {
				d := assigneeDiff
				changes = append(changes, Change{Field: FieldAssignees, Members: &d})
			}
		}
		if desired, ok := desiredMembers(old.Watchers, p.WatcherUserIDs, p.WatcherAgentIDs); ok {
			if watchers, err = s.resolveMembers(ctx, tx, old.ProjectID, desired); err != nil {
				return err
			}
			if watcherDiff = DiffMembers(old.Watchers, watchers); !watcherDiff.Empty() {
				d := watcherDiff
				changes = append(changes, Change{Field: FieldWatchers, Members: &d})
			}
		}
		var labelDiff SetDiff
		if p.LabelIDs != nil {
			labels, err := s.resolveLabels(ctx, tx, *p.LabelIDs)
			if err != nil {
				return err
			}
			if labelDiff = diffLabels(old.Labels, labels); !labelDiff.Empty() {
				d := labelDiff
				changes = append(changes, Change{Field: FieldLabels, Labels: &d})
			}
		}

		if len(changes) == 0 {
			task = old
			return nil
		}

		// Writes start here; every input is validated.
		if newStatus != nil && old.ParentID == nil {
			pos, err := position.New(tx).EnsureGapAndPosition(ctx, position.StatusGroup(newStatus.ID), nil)
			if err != nil {
				return err
			}
			upd.Position = &pos
		}
		if err := tx.UpdateTask(ctx, upd); err != nil {
			return fmt.Errorf("update task %s: %w", old.ID, err)
		}
		if !assigneeDiff.Empty() {
			users, agents := SplitMembers(assignees)
			if err := tx.ReplaceMembers(ctx, old.ID, RelationAssignee, users, agents); err != nil {
				return fmt.Errorf("set assignees: %w", err)
			}
		}
		if !watcherDiff.Empty() {
			users, agents := SplitMembers(watchers)
			if err := tx.ReplaceMembers(ctx, old.ID, RelationWatcher, users, agents); err != nil {
				return fmt.Errorf("set watchers: %w", err)
			}
		}
		if !labelDiff.Empty() {
			if err := tx.ReplaceLabels(ctx, old.ID, *p.LabelIDs); err != nil {
				return fmt.Errorf("set labels: %w", err)
			}
		}
		if err := s.record(ctx, tx, actor, old, ActionUpdated, changes); err != nil {
			return err
		}
		task, err = s.loadTask(ctx, tx, old.ID)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}
	if len(changes) == 0 {
		return &Result{Task: task, Notified: []string{}}, nil
	}

	out := newOutbox(task.ProjectID, task.BoardID)
	s.updateNotices(out, actor, task, changes, assigneeDiff, watcherDiff)
	if changes.Has(FieldDescription) {
		out.round()
		for _, uid := range s.mentionedUsers(task.Description, descriptionOld, actor) {
			out.notify(actor, uid, NotifyMentioned, "Mentioned",
				fmt.Sprintf("%s mentioned you in %s", actor.Name, quoted(task.Title)), taskRef(task))
		}
	}
	out.event(EventTaskUpdated, task)
	out.hook(EventTaskUpdated, hookData(task))
	return &Result{Task: task, Notified: s.deliver(ctx, actor, out)}, nil
}

// updateNotices runs the assignee round and the watcher round. Both always
// run, so a watcher is told about a change even when assignees changed too.
func (s *TaskService) updateNotices(out *outbox, actor Actor, task *Task, changes Changes, assigneeDiff, watcherDiff RelationDiff) {
	data := taskRef(task)
	updated := fmt.Sprintf("%s updated %s: %s", actor.Name, quoted(task.Title), changes.Describe())

	out.round()
	added := membersByID(assigneeDiff.Added)
	for _, uid := range userIDs(task.Assignees) {
		if added[uid] {
			out.notify(actor, uid, NotifyTaskAssigned, "Task Assigned",
				fmt.Sprintf("%s assigned you to %s", actor.Name, quoted(task.Title)), data)
			continue
		}
		out.notify(actor, uid, NotifyTaskUpdated, "Task Updated", updated, data)
	}
	for _, uid := range userIDs(assigneeDiff.Removed) {
		out.notify(actor, uid, NotifyAssigneeRemoved, "Unassigned",
			fmt.Sprintf("%s removed you from %s", actor.Name, quoted(task.Title)), data)
	}

	out.round()
	added = membersByID(watcherDiff.Added)
	for _, uid := range userIDs(task.Watchers) {
		if added[uid] {
			out.notify(actor, uid, NotifyWatcherAdded, "Watching",
				fmt.Sprintf("%s added you as a watcher of %s", actor.Name, quoted(task.Title)), data)
			continue
		}
		out.notify(actor, uid, NotifyTaskUpdated, "Watching: Task Updated", updated, data)
	}
	for _, uid := range userIDs(watcherDiff.Removed) {
		out.notify(actor, uid, NotifyWatcherRemoved, "No Longer Watching",
			fmt.Sprintf("%s removed you as a watcher of %s", actor.Name, quoted(task.Title)), data)
	}
}

func membersByID(ms []MemberRef) map[string]bool {
	out := map[string]bool{}
	for _, uid := range userIDs(ms) {
		out[uid] = true
	}
	return out
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
