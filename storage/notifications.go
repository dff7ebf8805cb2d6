package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"prism-board/domain"
	"prism-board/notify"
)

func (q *Queries) InsertNotification(ctx context.Context, n *domain.Notification) error {
	var data any
	if len(n.Data) > 0 {
		data = string(n.Data)
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, actor_id, project_id, type, title, message, data, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, nullString(n.ActorID), n.ProjectID, n.Type, n.Title, n.Message, data, n.Read, fmtTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns the newest notifications of a user.
func (q *Queries) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, actor_id, project_id, type, title, message, data, is_read, created_at
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := q.q.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	out := []domain.Notification{}
	for rows.Next() {
		var (
			n           domain.Notification
			actor, data sql.NullString
			stamp       string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &actor, &n.ProjectID, &n.Type, &n.Title, &n.Message, &data, &n.Read, &stamp); err != nil {
			return nil, err
		}
		n.ActorID = strPtr(actor)
		if data.Valid {
			n.Data = json.RawMessage(data.String)
		}
		if n.CreatedAt, err = parseTime(stamp); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetNotificationRead toggles the read flag of a notification owned by userID.
func (q *Queries) SetNotificationRead(ctx context.Context, userID, id string, read bool) error {
	res, err := q.q.ExecContext(ctx, `UPDATE notifications SET is_read = ? WHERE id = ? AND user_id = ?`, read, id, userID)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ActiveWebhooks returns the active hooks of a project subscribed to event.
func (q *Queries) ActiveWebhooks(ctx context.Context, projectID, event string) ([]domain.Webhook, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, project_id, url, secret, events FROM webhooks
		WHERE project_id = ? AND is_active = 1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	var out []domain.Webhook
	for rows.Next() {
		var (
			w      domain.Webhook
			events string
		)
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.URL, &w.Secret, &events); err != nil {
			return nil, err
		}
		if err := sonic.UnmarshalString(events, &w.Events); err != nil {
			return nil, fmt.Errorf("webhook %s events: %w", w.ID, err)
		}
		w.Active = true
		if w.Wants(event) {
			out = append(out, w)
		}
	}
	return out, rows.Err()
}

// Preferences reads the preference document stored with the user. Unknown
// users and empty documents get the defaults.
func (q *Queries) Preferences(ctx context.Context, userID string) (notify.Preferences, error) {
	var doc sql.NullString
	err := q.q.QueryRowContext(ctx, `SELECT preferences FROM users WHERE id = ?`, userID).Scan(&doc)
	if err == sql.ErrNoRows || (err == nil && !doc.Valid) {
		return notify.Defaults(), nil
	}
	if err != nil {
		return notify.Preferences{}, fmt.Errorf("load preferences: %w", err)
	}
	return notify.ParsePreferences([]byte(doc.String))
}

// SetPreferences stores the preference document of a user.
func (q *Queries) SetPreferences(ctx context.Context, userID string, p notify.Preferences) error {
	data, err := sonic.Marshal(p)
	if err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx, `UPDATE users SET preferences = ? WHERE id = ?`, string(data), userID)
	if err != nil {
		return fmt.Errorf("store preferences: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}
