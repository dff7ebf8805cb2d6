package domain

import (
	"encoding/json"
	"time"

	"prism-board/position"
)

// Priority of a task.
type Priority string

const (
	PriorityNone   Priority = "none"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityNone, PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// MaxAncestors bounds the parent chain of a task. A task whose chain would
// reach this many ancestors is rejected.
const MaxAncestors = 10

// Task is the central entity of a board.
type Task struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	BoardID         string          `json:"board_id"`
	CreatorID       string          `json:"creator_id"`
	AgentCreatorID  *string         `json:"agent_creator_id,omitempty"`
	Title           string          `json:"title"`
	Description     json.RawMessage `json:"description,omitempty"`
	DescriptionText string          `json:"description_text,omitempty"`
	StatusID        string          `json:"status_id"`
	Priority        Priority        `json:"priority"`
	DueDate         *time.Time      `json:"due_date,omitempty"`
	Position        float64         `json:"position"`
	ParentID        *string         `json:"parent_id,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CoverType       *string         `json:"cover_type,omitempty"`
	CoverValue      *string         `json:"cover_value,omitempty"`
	CoverSize       *string         `json:"cover_size,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	Assignees []MemberRef `json:"assignees"`
	Watchers  []MemberRef `json:"watchers"`
	Labels    []Label     `json:"labels"`
}

// Group returns the sibling group the task is ordered in.
func (t *Task) Group() position.Group {
	if t.ParentID != nil {
		return position.ParentGroup(*t.ParentID)
	}
	return position.StatusGroup(t.StatusID)
}

// Recipients returns the distinct users assigned to or watching the task.
func (t *Task) Recipients() []string {
	return userIDs(append(append([]MemberRef(nil), t.Assignees...), t.Watchers...))
}

// TaskUpdate is a field-level update. Nil pointers and unset optionals are
// left untouched.
type TaskUpdate struct {
	ID              string
	Title           *string
	Description     Optional[json.RawMessage]
	DescriptionText *string
	StatusID        *string
	Priority        *Priority
	DueDate         Optional[time.Time]
	Position        *float64
	ParentID        Optional[string]
	CompletedAt     Optional[time.Time]
	CoverType       Optional[string]
	CoverValue      Optional[string]
	CoverSize       Optional[string]
	UpdatedAt       time.Time
}

// Status is a board column.
type Status struct {
	ID         string `json:"id"`
	BoardID    string `json:"board_id"`
	Name       string `json:"name"`
	IsDefault  bool   `json:"is_default"`
	IsTerminal bool   `json:"is_terminal"`
}

// Agent is a non-human actor scoped to a project.
type Agent struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Active    bool   `json:"is_active"`
}

// User is a human account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// DisplayName prefers the full name.
func (u *User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// Label is a project level tag.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Attachment is a file uploaded to a task.
type Attachment struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
}

// ActivityEntry is an append-only audit record. TaskID becomes nil once the
// task is deleted.
type ActivityEntry struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	TaskID     *string         `json:"task_id,omitempty"`
	UserID     string          `json:"user_id"`
	AgentID    *string         `json:"agent_id,omitempty"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	Changes    json.RawMessage `json:"changes"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Notification is a persisted per-recipient message.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	ActorID   *string         `json:"actor_id,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"is_read"`
	CreatedAt time.Time       `json:"created_at"`
}

// Webhook is a project level outbound subscription.
type Webhook struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	URL       string   `json:"url"`
	Secret    string   `json:"-"`
	Events    []string `json:"events"`
	Active    bool     `json:"is_active"`
}

// Wants reports whether the webhook subscribes to event.
func (w Webhook) Wants(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}
