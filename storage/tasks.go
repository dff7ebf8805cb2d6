package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"prism-board/domain"
)

const taskColumns = `id, project_id, board_id, creator_id, agent_creator_id, title, description,
	description_text, status_id, priority, due_date, position, parent_id, completed_at,
	cover_type, cover_value, cover_size, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		t                                     domain.Task
		agentCreator, description, parent     sql.NullString
		due, completed, coverType, coverValue sql.NullString
		coverSize                             sql.NullString
		created, updated, priority            string
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.BoardID, &t.CreatorID, &agentCreator, &t.Title, &description,
		&t.DescriptionText, &t.StatusID, &priority, &due, &t.Position, &parent, &completed,
		&coverType, &coverValue, &coverSize, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.Priority = domain.Priority(priority)
	t.AgentCreatorID = strPtr(agentCreator)
	t.ParentID = strPtr(parent)
	t.CoverType = strPtr(coverType)
	t.CoverValue = strPtr(coverValue)
	t.CoverSize = strPtr(coverSize)
	if description.Valid {
		t.Description = json.RawMessage(description.String)
	}
	if t.DueDate, err = parseNullTime(due); err != nil {
		return nil, fmt.Errorf("due_date: %w", err)
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("completed_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	return &t, nil
}

// GetTask loads a task with its assignees, watchers and labels.
func (q *Queries) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(q.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if err := q.loadRelations(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (q *Queries) loadRelations(ctx context.Context, t *domain.Task) error {
	var err error
	if t.Assignees, err = q.members(ctx, "task_assignees", t.ID); err != nil {
		return fmt.Errorf("load assignees: %w", err)
	}
	if t.Watchers, err = q.members(ctx, "task_watchers", t.ID); err != nil {
		return fmt.Errorf("load watchers: %w", err)
	}
	if t.Labels, err = q.taskLabels(ctx, t.ID); err != nil {
		return fmt.Errorf("load labels: %w", err)
	}
	return nil
}

func (q *Queries) members(ctx context.Context, table, taskID string) ([]domain.MemberRef, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT 'user', u.id, CASE WHEN u.full_name != '' THEN u.full_name ELSE u.username END
		FROM `+table+` r JOIN users u ON u.id = r.user_id WHERE r.task_id = ?
		UNION ALL
		SELECT 'agent', a.id, a.name
		FROM `+table+` r JOIN agents a ON a.id = r.agent_id WHERE r.task_id = ?`, taskID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.MemberRef{}
	for rows.Next() {
		var m domain.MemberRef
		var kind string
		if err := rows.Scan(&kind, &m.ID, &m.Name); err != nil {
			return nil, err
		}
		m.Kind = domain.MemberKind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queries) taskLabels(ctx context.Context, taskID string) ([]domain.Label, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT l.id, l.name FROM task_labels tl JOIN labels l ON l.id = tl.label_id
		WHERE tl.task_id = ? ORDER BY l.name, l.id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Label{}
	for rows.Next() {
		var l domain.Label
		if err := rows.Scan(&l.ID, &l.Name); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q *Queries) InsertTask(ctx context.Context, t *domain.Task) error {
	var description any
	if t.Description != nil {
		description = string(t.Description)
	}
	_, err := q.q.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.BoardID, t.CreatorID, nullString(t.AgentCreatorID), t.Title, description,
		t.DescriptionText, t.StatusID, string(t.Priority), nullTime(t.DueDate), t.Position,
		nullString(t.ParentID), nullTime(t.CompletedAt), nullString(t.CoverType),
		nullString(t.CoverValue), nullString(t.CoverSize), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask writes the set fields of upd. updated_at is always written.
func (q *Queries) UpdateTask(ctx context.Context, upd domain.TaskUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{fmtTime(upd.UpdatedAt)}
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.Title != nil {
		set("title", *upd.Title)
	}
	if upd.Description.Set {
		if upd.Description.Present() {
			set("description", string(upd.Description.Value))
		} else {
			set("description", nil)
		}
	}
	if upd.DescriptionText != nil {
		set("description_text", *upd.DescriptionText)
	}
	if upd.StatusID != nil {
		set("status_id", *upd.StatusID)
	}
	if upd.Priority != nil {
		set("priority", string(*upd.Priority))
	}
	if upd.DueDate.Set {
		set("due_date", nullTime(upd.DueDate.Ptr()))
	}
	if upd.Position != nil {
		set("position", *upd.Position)
	}
	if upd.ParentID.Set {
		set("parent_id", nullString(upd.ParentID.Ptr()))
	}
	if upd.CompletedAt.Set {
		set("completed_at", nullTime(upd.CompletedAt.Ptr()))
	}
	if upd.CoverType.Set {
		set("cover_type", nullString(upd.CoverType.Ptr()))
	}
	if upd.CoverValue.Set {
		set("cover_value", nullString(upd.CoverValue.Ptr()))
	}
	if upd.CoverSize.Set {
		set("cover_size", nullString(upd.CoverSize.Ptr()))
	}
	args = append(args, upd.ID)
	res, err := q.q.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update task %s: %w", upd.ID, domain.ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task. Relation rows, attachments and checklist items
// go with it; activity keeps its rows with a null task id.
func (q *Queries) DeleteTask(ctx context.Context, id string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (q *Queries) ListChildren(ctx context.Context, parentID string) ([]domain.Task, error) {
	return q.listTasks(ctx, `WHERE parent_id = ? ORDER BY position, id`, parentID)
}

// ListBoardTasks returns every task of a board, root tasks and subtasks,
// ordered by status and position.
func (q *Queries) ListBoardTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	return q.listTasks(ctx, `WHERE board_id = ? ORDER BY status_id, parent_id IS NOT NULL, position, id`, boardID)
}

func (q *Queries) listTasks(ctx context.Context, where string, args ...any) ([]domain.Task, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// relations are loaded after the cursor is closed, the pool has one connection
	for i := range out {
		if err := q.loadRelations(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
