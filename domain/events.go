package domain

// Board event types pushed to subscribers of a board channel.
const (
	EventTaskCreated        = "task.created"
	EventTaskUpdated        = "task.updated"
	EventTaskMoved          = "task.moved"
	EventTaskDeleted        = "task.deleted"
	EventSubtaskCreated     = "subtask.created"
	EventSubtaskReordered   = "subtask.reordered"
	EventSubtaskDeleted     = "subtask.deleted"
	EventChecklistReorder   = "checklist_item.reordered"
	EventCustomFieldReorder = "custom_field.reordered"
)

// Notification types. Each can be muted separately in user preferences.
const (
	NotifyTaskAssigned    = "task_assigned"
	NotifyTaskUpdated     = "task_updated"
	NotifyTaskMoved       = "task_moved"
	NotifyTaskDeleted     = "task_deleted"
	NotifyMentioned       = "mentioned"
	NotifySubtaskCreated  = "subtask_created"
	NotifySubtaskDeleted  = "subtask_deleted"
	NotifyWatcherAdded    = "watcher_added"
	NotifyWatcherRemoved  = "watcher_removed"
	NotifyAssigneeAdded   = "assignee_added"
	NotifyAssigneeRemoved = "assignee_removed"
)

// Activity actions.
const (
	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionMoved     = "moved"
	ActionDeleted   = "deleted"
	ActionConverted = "converted_to_subtask"
	ActionPromoted  = "promoted"
)

// Actor performs a mutation. AgentID is set when a user acts through an agent.
type Actor struct {
	UserID    string
	Name      string
	AgentID   string
	AgentName string
}

type eventUser struct {
	ID       string      `json:"id"`
	Username string      `json:"username"`
	Agent    *eventAgent `json:"agent,omitempty"`
}

type eventAgent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (a Actor) eventUser() eventUser {
	u := eventUser{ID: a.UserID, Username: a.Name}
	if a.AgentID != "" {
		u.Agent = &eventAgent{ID: a.AgentID, Name: a.AgentName}
	}
	return u
}

func (a Actor) agentID() *string {
	if a.AgentID == "" {
		return nil
	}
	id := a.AgentID
	return &id
}
