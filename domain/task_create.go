package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"prism-board/position"
)

// TaskInput describes a new task.
type TaskInput struct {
	Title            string          `json:"title"`
	Description      json.RawMessage `json:"description,omitempty"`
	StatusID         string          `json:"status_id,omitempty"`
	Priority         Priority        `json:"priority,omitempty"`
	DueDate          *time.Time      `json:"due_date,omitempty"`
	ParentID         *string         `json:"parent_id,omitempty"`
	Position         *float64        `json:"position,omitempty"`
	AgentCreatorID   *string         `json:"agent_creator_id,omitempty"`
	AssigneeUserIDs  []string        `json:"assignee_user_ids,omitempty"`
	AssigneeAgentIDs []string        `json:"assignee_agent_ids,omitempty"`
	WatcherUserIDs   []string        `json:"watcher_user_ids,omitempty"`
	WatcherAgentIDs  []string        `json:"watcher_agent_ids,omitempty"`
	LabelIDs         []string        `json:"label_ids,omitempty"`
	CoverType        *string         `json:"cover_type,omitempty"`
	CoverValue       *string         `json:"cover_value,omitempty"`
	CoverSize        *string         `json:"cover_size,omitempty"`
}

// Create validates and inserts a task with its relations, records a
// "created" activity entry and notifies assignees, watchers, mentioned users
// and, for subtasks, the people following the parent.
func (s *TaskService) Create(ctx context.Context, actor Actor, projectID, boardID string, in TaskInput) (*Result, error) {
	ctx, span := s.startSpan(ctx, "Create", actor)
	defer span.End()

	title := trimTitle(in.Title)
	if title == "" {
		return nil, fail(span, invalid("title", "title is required"))
	}
	prio := in.Priority
	if prio == "" {
		prio = PriorityNone
	}
	if !prio.Valid() {
		return nil, fail(span, invalid("priority", "unknown priority %q", prio))
	}
	actor = s.withActorName(ctx, actor)

	var task, parent *Task
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		status, err := s.pickStatus(ctx, tx, boardID, in.StatusID)
		if err != nil {
			return err
		}
		if in.ParentID != nil {
			if parent, err = s.loadTask(ctx, tx, *in.ParentID); err != nil {
				return err
			}
			if err := validateParent(ctx, tx, nil, parent, boardID); err != nil {
				return err
			}
		}
		creatorAgent := in.AgentCreatorID
		if actor.AgentID != "" {
			creatorAgent = actor.agentID()
		}
		if creatorAgent != nil {
			if _, err := s.checkAgent(ctx, tx, projectID, *creatorAgent); err != nil {
				return err
			}
		}
		assignees, err := s.resolveMembers(ctx, tx, projectID, Members(in.AssigneeUserIDs, in.AssigneeAgentIDs))
		if err != nil {
			return err
		}
		watchers, err := s.resolveMembers(ctx, tx, projectID, Members(in.WatcherUserIDs, in.WatcherAgentIDs))
		if err != nil {
			return err
		}
		labels, err := s.resolveLabels(ctx, tx, in.LabelIDs)
		if err != nil {
			return err
		}
		cover, err := resolveCover(ctx, tx, "", coverPatch{}, optionalOf(in.CoverType), optionalOf(in.CoverValue), optionalOf(in.CoverSize))
		if err != nil {
			return err
		}
		doc, text, err := s.normalize(in.Description)
		if err != nil {
			return err
		}

		now := s.now()
		t := &Task{
			ID:              s.newID(),
			ProjectID:       projectID,
			BoardID:         boardID,
			CreatorID:       actor.UserID,
			AgentCreatorID:  creatorAgent,
			Title:           title,
			Description:     doc,
			DescriptionText: text,
			StatusID:        status.ID,
			Priority:        prio,
			DueDate:         in.DueDate,
			CoverType:       cover.typ,
			CoverValue:      cover.value,
			CoverSize:       cover.size,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if parent != nil {
			t.ParentID = &parent.ID
		}
		if status.IsTerminal {
			t.CompletedAt = &now
		}
		if t.Position, err = position.New(tx).EnsureGapAndPosition(ctx, t.Group(), in.Position); err != nil {
			return err
		}
		if err := tx.InsertTask(ctx, t); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if len(assignees) > 0 {
			users, agents := SplitMembers(assignees)
			if err := tx.ReplaceMembers(ctx, t.ID, RelationAssignee, users, agents); err != nil {
				return fmt.Errorf("set assignees: %w", err)
			}
		}
		if len(watchers) > 0 {
			users, agents := SplitMembers(watchers)
			if err := tx.ReplaceMembers(ctx, t.ID, RelationWatcher, users, agents); err != nil {
				return fmt.Errorf("set watchers: %w", err)
			}
		}
		if len(labels) > 0 {
			if err := tx.ReplaceLabels(ctx, t.ID, in.LabelIDs); err != nil {
				return fmt.Errorf("set labels: %w", err)
			}
		}

		changes := Changes{
			scalarChange(FieldTitle, nil, &title),
			scalarChange(FieldStatus, nil, &status.Name),
		}
		if prio != PriorityNone {
			p := string(prio)
			changes = append(changes, scalarChange(FieldPriority, nil, &p))
		}
		if t.DueDate != nil {
			changes = append(changes, scalarChange(FieldDueDate, nil, fmtDate(t.DueDate)))
		}
		if parent != nil {
			changes = append(changes, scalarChange(FieldParent, nil, &parent.Title))
		}
		if err := s.record(ctx, tx, actor, t, ActionCreated, changes); err != nil {
			return err
		}
		task, err = s.loadTask(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}

	out := newOutbox(task.ProjectID, task.BoardID)
	s.createNotices(out, actor, task, parent)
	if parent != nil {
		out.event(EventSubtaskCreated, task)
	} else {
		out.event(EventTaskCreated, task)
	}
	out.hook(EventTaskCreated, hookData(task))
	return &Result{Task: task, Notified: s.deliver(ctx, actor, out)}, nil
}

func (s *TaskService) createNotices(out *outbox, actor Actor, task, parent *Task) {
	data := taskRef(task)
	out.round()
	for _, uid := range userIDs(task.Assignees) {
		out.notify(actor, uid, NotifyTaskAssigned, "Task Assigned",
			fmt.Sprintf("%s assigned you to %s", actor.Name, quoted(task.Title)), data)
	}
	out.round()
	for _, uid := range userIDs(task.Watchers) {
		out.notify(actor, uid, NotifyWatcherAdded, "Watching: Task Created",
			fmt.Sprintf("%s created %s", actor.Name, quoted(task.Title)), data)
	}
	out.round()
	for _, uid := range s.mentionedUsers(task.Description, nil, actor) {
		out.notify(actor, uid, NotifyMentioned, "Mentioned",
			fmt.Sprintf("%s mentioned you in %s", actor.Name, quoted(task.Title)), data)
	}
	if parent != nil {
		out.round()
		for _, uid := range parent.Recipients() {
			out.notify(actor, uid, NotifySubtaskCreated, "Subtask Created",
				fmt.Sprintf("%s added subtask %s to %s", actor.Name, quoted(task.Title), quoted(parent.Title)), data)
		}
	}
}

// mentionedUsers returns users mentioned in doc but not in previous, minus the actor.
func (s *TaskService) mentionedUsers(doc, previous json.RawMessage, actor Actor) []string {
	if len(doc) == 0 {
		return nil
	}
	before := map[string]bool{}
	if len(previous) > 0 {
		for _, m := range s.content.Mentions(previous, MemberUser) {
			before[m.ID] = true
		}
	}
	var out []string
	for _, uid := range userIDs(s.content.Mentions(doc, MemberUser)) {
		if uid == actor.UserID || before[uid] {
			continue
		}
		out = append(out, uid)
	}
	return out
}
