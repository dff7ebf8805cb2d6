package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"prism-board/position"
)

type fakeStore struct {
	tasks       map[string]Task
	statuses    map[string]Status
	agents      map[string]Agent
	users       map[string]User
	labels      map[string]Label
	attachments map[string]Attachment
	members     map[string]map[Relation][]MemberRef
	taskLabels  map[string][]string
	extra       map[position.Group][]position.Member
	activity    []ActivityEntry
	purged      []string
	seq         map[string]int
	next        int
	failUpdate  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:       map[string]Task{},
		statuses:    map[string]Status{},
		agents:      map[string]Agent{},
		users:       map[string]User{},
		labels:      map[string]Label{},
		attachments: map[string]Attachment{},
		members:     map[string]map[Relation][]MemberRef{},
		taskLabels:  map[string][]string{},
		extra:       map[position.Group][]position.Member{},
		seq:         map[string]int{},
	}
}

func (f *fakeStore) clone() *fakeStore {
	c := newFakeStore()
	for k, v := range f.tasks {
		c.tasks[k] = v
	}
	for k, v := range f.members {
		m := map[Relation][]MemberRef{}
		for r, refs := range v {
			m[r] = append([]MemberRef(nil), refs...)
		}
		c.members[k] = m
	}
	for k, v := range f.taskLabels {
		c.taskLabels[k] = append([]string(nil), v...)
	}
	for k, v := range f.extra {
		c.extra[k] = append([]position.Member(nil), v...)
	}
	for k, v := range f.seq {
		c.seq[k] = v
	}
	c.statuses, c.agents, c.users, c.labels, c.attachments = f.statuses, f.agents, f.users, f.labels, f.attachments
	c.activity = append([]ActivityEntry(nil), f.activity...)
	c.purged = append([]string(nil), f.purged...)
	c.next, c.failUpdate = f.next, f.failUpdate
	return c
}

func (f *fakeStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	snapshot := f.clone()
	if err := fn(f); err != nil {
		*f = *snapshot
		return err
	}
	return nil
}

func (f *fakeStore) addStatus(id, board, name string, isDefault, terminal bool) {
	f.statuses[id] = Status{ID: id, BoardID: board, Name: name, IsDefault: isDefault, IsTerminal: terminal}
}

func (f *fakeStore) addUser(id, name string) { f.users[id] = User{ID: id, Username: name} }

func (f *fakeStore) addTask(t Task) {
	f.next++
	f.seq[t.ID] = f.next
	if t.Priority == "" {
		t.Priority = PriorityNone
	}
	f.tasks[t.ID] = t
}

func (f *fakeStore) inGroup(t Task, g position.Group) bool {
	switch g.Kind {
	case position.KindStatus:
		return t.ParentID == nil && t.StatusID == g.ID
	case position.KindParent:
		return t.ParentID != nil && *t.ParentID == g.ID
	}
	return false
}

func (f *fakeStore) GroupPositions(ctx context.Context, g position.Group) ([]position.Member, error) {
	if g.Kind == position.KindChecklist || g.Kind == position.KindCustomField {
		out := append([]position.Member(nil), f.extra[g]...)
		sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
		return out, nil
	}
	var ts []Task
	for _, t := range f.tasks {
		if f.inGroup(t, g) {
			ts = append(ts, t)
		}
	}
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Position != ts[j].Position {
			return ts[i].Position < ts[j].Position
		}
		return f.seq[ts[i].ID] < f.seq[ts[j].ID]
	})
	out := make([]position.Member, len(ts))
	for i, t := range ts {
		out[i] = position.Member{ID: t.ID, Position: t.Position}
	}
	return out, nil
}

func (f *fakeStore) MaxPosition(ctx context.Context, g position.Group) (float64, bool, error) {
	members, _ := f.GroupPositions(ctx, g)
	if len(members) == 0 {
		return 0, false, nil
	}
	return members[len(members)-1].Position, true, nil
}

func (f *fakeStore) SetPositions(ctx context.Context, g position.Group, members []position.Member) error {
	for _, m := range members {
		if t, ok := f.tasks[m.ID]; ok && (g.Kind == position.KindStatus || g.Kind == position.KindParent) {
			t.Position = m.Position
			f.tasks[m.ID] = t
			continue
		}
		for i, e := range f.extra[g] {
			if e.ID == m.ID {
				f.extra[g][i].Position = m.Position
			}
		}
	}
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	t.Assignees, _ = f.ResolveMembers(ctx, f.members[id][RelationAssignee])
	t.Watchers, _ = f.ResolveMembers(ctx, f.members[id][RelationWatcher])
	t.Labels, _ = f.ResolveLabels(ctx, f.taskLabels[id])
	return &t, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t *Task) error {
	if _, ok := f.tasks[t.ID]; ok {
		return fmt.Errorf("task %s exists", t.ID)
	}
	f.addTask(*t)
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, upd TaskUpdate) error {
	if f.failUpdate != nil {
		return f.failUpdate
	}
	t, ok := f.tasks[upd.ID]
	if !ok {
		return errors.New("missing task")
	}
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Description.Set {
		t.Description = upd.Description.Value
	}
	if upd.DescriptionText != nil {
		t.DescriptionText = *upd.DescriptionText
	}
	if upd.StatusID != nil {
		t.StatusID = *upd.StatusID
	}
	if upd.Priority != nil {
		t.Priority = *upd.Priority
	}
	if upd.DueDate.Set {
		t.DueDate = upd.DueDate.Ptr()
	}
	if upd.Position != nil {
		t.Position = *upd.Position
	}
	if upd.ParentID.Set {
		t.ParentID = upd.ParentID.Ptr()
	}
	if upd.CompletedAt.Set {
		t.CompletedAt = upd.CompletedAt.Ptr()
	}
	if upd.CoverType.Set {
		t.CoverType = upd.CoverType.Ptr()
	}
	if upd.CoverValue.Set {
		t.CoverValue = upd.CoverValue.Ptr()
	}
	if upd.CoverSize.Set {
		t.CoverSize = upd.CoverSize.Ptr()
	}
	t.UpdatedAt = upd.UpdatedAt
	f.tasks[upd.ID] = t
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) error {
	delete(f.tasks, id)
	delete(f.members, id)
	delete(f.taskLabels, id)
	// ON DELETE SET NULL
	for k, t := range f.tasks {
		if t.ParentID != nil && *t.ParentID == id {
			t.ParentID = nil
			f.tasks[k] = t
		}
	}
	for i, e := range f.activity {
		if e.TaskID != nil && *e.TaskID == id {
			f.activity[i].TaskID = nil
		}
	}
	return nil
}

func (f *fakeStore) ListChildren(ctx context.Context, parentID string) ([]Task, error) {
	members, _ := f.GroupPositions(ctx, position.ParentGroup(parentID))
	out := make([]Task, len(members))
	for i, m := range members {
		out[i] = f.tasks[m.ID]
	}
	return out, nil
}

func (f *fakeStore) GetStatus(ctx context.Context, id string) (*Status, error) {
	st, ok := f.statuses[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (f *fakeStore) DefaultStatus(ctx context.Context, boardID string) (*Status, error) {
	for _, st := range f.statuses {
		if st.BoardID == boardID && st.IsDefault {
			return &st, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (*User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (f *fakeStore) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	a, ok := f.attachments[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (f *fakeStore) ResolveMembers(ctx context.Context, refs []MemberRef) ([]MemberRef, error) {
	var out []MemberRef
	for _, m := range refs {
		switch m.Kind {
		case MemberUser:
			if u, ok := f.users[m.ID]; ok {
				out = append(out, MemberRef{Kind: MemberUser, ID: u.ID, Name: u.DisplayName()})
			}
		case MemberAgent:
			if a, ok := f.agents[m.ID]; ok {
				out = append(out, MemberRef{Kind: MemberAgent, ID: a.ID, Name: a.Name})
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ResolveLabels(ctx context.Context, ids []string) ([]Label, error) {
	var out []Label
	for _, id := range ids {
		if l, ok := f.labels[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) ReplaceMembers(ctx context.Context, taskID string, rel Relation, userIDs, agentIDs []string) error {
	if f.members[taskID] == nil {
		f.members[taskID] = map[Relation][]MemberRef{}
	}
	f.members[taskID][rel] = Members(userIDs, agentIDs)
	return nil
}

func (f *fakeStore) ReplaceLabels(ctx context.Context, taskID string, labelIDs []string) error {
	f.taskLabels[taskID] = append([]string(nil), labelIDs...)
	return nil
}

func (f *fakeStore) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	f.activity = append(f.activity, *e)
	return nil
}

func (f *fakeStore) PurgeReactions(ctx context.Context, entityType, entityID string) error {
	f.purged = append(f.purged, entityType+":"+entityID)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	reqs  []NotificationRequest
	muted map[string]bool
}

func (n *fakeNotifier) Notify(ctx context.Context, req NotificationRequest) (bool, error) {
	if req.RecipientID == req.ActorID || n.muted[req.RecipientID] {
		return false, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	return true, nil
}

func (n *fakeNotifier) forUser(uid string) []NotificationRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []NotificationRequest
	for _, r := range n.reqs {
		if r.RecipientID == uid {
			out = append(out, r)
		}
	}
	return out
}

type sentEvent struct {
	projectID, boardID, typ string
	data                    any
}

type fakeBroadcaster struct {
	events []sentEvent
	pings  []string
}

func (b *fakeBroadcaster) BoardEvent(ctx context.Context, projectID, boardID, eventType string, data, user any) {
	b.events = append(b.events, sentEvent{projectID: projectID, boardID: boardID, typ: eventType, data: data})
}

func (b *fakeBroadcaster) UserPing(ctx context.Context, userID string) { b.pings = append(b.pings, userID) }

type fakeWebhooks struct{ events []string }

func (w *fakeWebhooks) Dispatch(projectID, event string, data map[string]any) {
	w.events = append(w.events, event)
}

// fakeContent understands {"text": "...", "mentions": ["u1"]} documents and
// wraps bare strings.
type fakeContent struct{}

type fakeDoc struct {
	Text     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
}

func (fakeContent) Normalize(raw json.RawMessage) (json.RawMessage, error) {
	if bytes.HasPrefix(raw, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return json.Marshal(fakeDoc{Text: s})
	}
	var d fakeDoc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

func (fakeContent) PlainText(doc json.RawMessage) string {
	var d fakeDoc
	_ = json.Unmarshal(doc, &d)
	return d.Text
}

func (fakeContent) Mentions(doc json.RawMessage, kinds ...MemberKind) []MemberRef {
	var d fakeDoc
	_ = json.Unmarshal(doc, &d)
	var out []MemberRef
	for _, id := range d.Mentions {
		out = append(out, MemberRef{Kind: MemberUser, ID: id})
	}
	return out
}

type fakeCache struct{ evicted []string }

func (c *fakeCache) Evict(ctx context.Context, boardID string) error {
	c.evicted = append(c.evicted, boardID)
	return nil
}
