package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"prism-board/domain"
)

func noRows[T any](v *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (q *Queries) GetStatus(ctx context.Context, id string) (*domain.Status, error) {
	var s domain.Status
	err := q.q.QueryRowContext(ctx, `SELECT id, board_id, name, is_default, is_terminal FROM statuses WHERE id = ?`, id).
		Scan(&s.ID, &s.BoardID, &s.Name, &s.IsDefault, &s.IsTerminal)
	return noRows(&s, err)
}

// DefaultStatus returns the status flagged as default on the board, or nil
// when no column carries the flag.
func (q *Queries) DefaultStatus(ctx context.Context, boardID string) (*domain.Status, error) {
	var s domain.Status
	err := q.q.QueryRowContext(ctx, `
		SELECT id, board_id, name, is_default, is_terminal FROM statuses
		WHERE board_id = ? AND is_default = 1 ORDER BY position, id LIMIT 1`, boardID).
		Scan(&s.ID, &s.BoardID, &s.Name, &s.IsDefault, &s.IsTerminal)
	return noRows(&s, err)
}

func (q *Queries) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var a domain.Agent
	err := q.q.QueryRowContext(ctx, `SELECT id, project_id, name, is_active FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.ProjectID, &a.Name, &a.Active)
	return noRows(&a, err)
}

func (q *Queries) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := q.q.QueryRowContext(ctx, `SELECT id, username, full_name, email FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.FullName, &u.Email)
	return noRows(&u, err)
}

func (q *Queries) GetAttachment(ctx context.Context, id string) (*domain.Attachment, error) {
	var a domain.Attachment
	err := q.q.QueryRowContext(ctx, `SELECT id, task_id FROM attachments WHERE id = ?`, id).Scan(&a.ID, &a.TaskID)
	return noRows(&a, err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func anyArgs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// ResolveMembers keeps the refs that exist, in input order, with their
// display names filled in.
func (q *Queries) ResolveMembers(ctx context.Context, refs []domain.MemberRef) ([]domain.MemberRef, error) {
	users, agents := domain.SplitMembers(refs)
	names := map[string]string{}
	if len(users) > 0 {
		err := q.collect(ctx, names, "user:", `SELECT id, CASE WHEN full_name != '' THEN full_name ELSE username END
			FROM users WHERE id IN (`+placeholders(len(users))+`)`, users)
		if err != nil {
			return nil, fmt.Errorf("resolve users: %w", err)
		}
	}
	if len(agents) > 0 {
		err := q.collect(ctx, names, "agent:", `SELECT id, name FROM agents WHERE id IN (`+placeholders(len(agents))+`)`, agents)
		if err != nil {
			return nil, fmt.Errorf("resolve agents: %w", err)
		}
	}
	out := make([]domain.MemberRef, 0, len(refs))
	for _, r := range refs {
		if name, ok := names[string(r.Kind)+":"+r.ID]; ok {
			r.Name = name
			out = append(out, r)
		}
	}
	return out, nil
}

func (q *Queries) collect(ctx context.Context, into map[string]string, prefix, query string, ids []string) error {
	rows, err := q.q.QueryContext(ctx, query, anyArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		into[prefix+id] = name
	}
	return rows.Err()
}

func (q *Queries) ResolveLabels(ctx context.Context, ids []string) ([]domain.Label, error) {
	if len(ids) == 0 {
		return []domain.Label{}, nil
	}
	names := map[string]string{}
	if err := q.collect(ctx, names, "", `SELECT id, name FROM labels WHERE id IN (`+placeholders(len(ids))+`)`, ids); err != nil {
		return nil, fmt.Errorf("resolve labels: %w", err)
	}
	out := make([]domain.Label, 0, len(ids))
	for _, id := range ids {
		if name, ok := names[id]; ok {
			out = append(out, domain.Label{ID: id, Name: name})
		}
	}
	return out, nil
}

func relationTable(rel domain.Relation) (string, error) {
	switch rel {
	case domain.RelationAssignee:
		return "task_assignees", nil
	case domain.RelationWatcher:
		return "task_watchers", nil
	}
	return "", fmt.Errorf("unknown relation %q", rel)
}

// ReplaceMembers swaps the whole relation set of a task.
func (q *Queries) ReplaceMembers(ctx context.Context, taskID string, rel domain.Relation, userIDs, agentIDs []string) error {
	table, err := relationTable(rel)
	if err != nil {
		return err
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for _, id := range userIDs {
		if _, err := q.q.ExecContext(ctx, `INSERT OR IGNORE INTO `+table+` (task_id, user_id) VALUES (?, ?)`, taskID, id); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	for _, id := range agentIDs {
		if _, err := q.q.ExecContext(ctx, `INSERT OR IGNORE INTO `+table+` (task_id, agent_id) VALUES (?, ?)`, taskID, id); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

func (q *Queries) ReplaceLabels(ctx context.Context, taskID string, labelIDs []string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM task_labels WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear labels: %w", err)
	}
	for _, id := range labelIDs {
		if _, err := q.q.ExecContext(ctx, `INSERT OR IGNORE INTO task_labels (task_id, label_id) VALUES (?, ?)`, taskID, id); err != nil {
			return fmt.Errorf("insert label: %w", err)
		}
	}
	return nil
}

func (q *Queries) AppendActivity(ctx context.Context, e *domain.ActivityEntry) error {
	changes := string(e.Changes)
	if changes == "" {
		changes = "{}"
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO activity (id, project_id, task_id, user_id, agent_id, action, entity_type, changes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, nullString(e.TaskID), e.UserID, nullString(e.AgentID), e.Action, e.EntityType,
		changes, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// ListActivity returns the activity of a task, newest first.
func (q *Queries) ListActivity(ctx context.Context, taskID string) ([]domain.ActivityEntry, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, project_id, task_id, user_id, agent_id, action, entity_type, changes, created_at
		FROM activity WHERE task_id = ? ORDER BY created_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()
	var out []domain.ActivityEntry
	for rows.Next() {
		var (
			e              domain.ActivityEntry
			task, agent    sql.NullString
			changes, stamp string
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &task, &e.UserID, &agent, &e.Action, &e.EntityType, &changes, &stamp); err != nil {
			return nil, err
		}
		e.TaskID, e.AgentID = strPtr(task), strPtr(agent)
		e.Changes = []byte(changes)
		if e.CreatedAt, err = parseTime(stamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) PurgeReactions(ctx context.Context, entityType, entityID string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM reactions WHERE entity_type = ? AND entity_id = ?`, entityType, entityID); err != nil {
		return fmt.Errorf("purge reactions: %w", err)
	}
	return nil
}
