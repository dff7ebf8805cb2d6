package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-board/position"
)

var tracer = otel.Tracer("prism-board/domain")

const (
	defaultFanoutLimit   = 8
	defaultFanoutTimeout = 5 * time.Second
)

// TaskService orchestrates every task mutation: one transaction for the
// writes, then notifications, realtime events and webhooks once committed.
type TaskService struct {
	store    Store
	content  Content
	notifier Notifier
	events   Broadcaster
	webhooks Webhooks
	cache    BoardCache

	now           func() time.Time
	newID         func() string
	fanoutLimit   int
	fanoutTimeout time.Duration
}

// Option configures a TaskService.
type Option func(*TaskService)

func WithNotifier(n Notifier) Option       { return func(s *TaskService) { s.notifier = n } }
func WithBroadcaster(b Broadcaster) Option { return func(s *TaskService) { s.events = b } }
func WithWebhooks(w Webhooks) Option       { return func(s *TaskService) { s.webhooks = w } }
func WithBoardCache(c BoardCache) Option   { return func(s *TaskService) { s.cache = c } }
func WithClock(now func() time.Time) Option {
	return func(s *TaskService) { s.now = now }
}
func WithIDs(newID func() string) Option { return func(s *TaskService) { s.newID = newID } }

// WithFanout bounds how many notifications are created concurrently and how
// long a single one may take.
func WithFanout(limit int, timeout time.Duration) Option {
	return func(s *TaskService) {
		if limit > 0 {
			s.fanoutLimit = limit
		}
		if timeout > 0 {
			s.fanoutTimeout = timeout
		}
	}
}

func NewTaskService(store Store, content Content, opts ...Option) *TaskService {
	s := &TaskService{
		store:         store,
		content:       content,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         func() string { return uuid.NewString() },
		fanoutLimit:   defaultFanoutLimit,
		fanoutTimeout: defaultFanoutTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Result is returned by single task mutations.
type Result struct {
	Task     *Task    `json:"task"`
	Notified []string `json:"notified"`
}

// BulkResult is returned by bulk mutations.
type BulkResult struct {
	Tasks    []*Task  `json:"tasks"`
	Notified []string `json:"notified"`
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *TaskService) startSpan(ctx context.Context, name string, actor Actor) (context.Context, trace.Span) {
	return tracer.Start(ctx, "TaskService."+name, trace.WithAttributes(
		attribute.String("actor.user_id", actor.UserID),
		attribute.String("actor.agent_id", actor.AgentID),
	))
}

// withActorName fills the display name of the actor when the caller did not.
func (s *TaskService) withActorName(ctx context.Context, actor Actor) Actor {
	if actor.Name != "" || actor.UserID == "" {
		return actor
	}
	u, err := s.store.GetUser(ctx, actor.UserID)
	if err != nil {
		log.WithError(err).WithField("user", actor.UserID).Warn("failed to resolve actor name")
	}
	if u != nil {
		actor.Name = u.DisplayName()
	}
	if actor.Name == "" {
		actor.Name = "Someone"
	}
	return actor
}

func (s *TaskService) loadTask(ctx context.Context, tx Tx, id string) (*Task, error) {
	t, err := tx.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if t == nil {
		return nil, notFound("task", id)
	}
	return t, nil
}

func (s *TaskService) statusOnBoard(ctx context.Context, tx Tx, id, boardID string) (*Status, error) {
	st, err := tx.GetStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", id, err)
	}
	if st == nil || st.BoardID != boardID {
		return nil, notFound("status", id)
	}
	return st, nil
}

func (s *TaskService) pickStatus(ctx context.Context, tx Tx, boardID, id string) (*Status, error) {
	if id != "" {
		return s.statusOnBoard(ctx, tx, id, boardID)
	}
	st, err := tx.DefaultStatus(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("default status %s: %w", boardID, err)
	}
	if st == nil {
		return nil, invalid("status_id", "board %s has no default status", boardID)
	}
	return st, nil
}

func (s *TaskService) checkAgent(ctx context.Context, tx Tx, projectID, id string) (*Agent, error) {
	a, err := tx.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	if a == nil || a.ProjectID != projectID {
		return nil, notFound("agent", id)
	}
	if !a.Active {
		return nil, invalid("agent", "agent %s is not active", id)
	}
	return a, nil
}

// resolveMembers validates the requested users and agents and returns refs
// with display names.
func (s *TaskService) resolveMembers(ctx context.Context, tx Tx, projectID string, refs []MemberRef) ([]MemberRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	for _, m := range refs {
		if m.Kind == MemberAgent {
			if _, err := s.checkAgent(ctx, tx, projectID, m.ID); err != nil {
				return nil, err
			}
		}
	}
	found, err := tx.ResolveMembers(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("resolve members: %w", err)
	}
	known := make(map[string]bool, len(found))
	for _, m := range found {
		known[m.key()] = true
	}
	for _, m := range refs {
		if !known[m.key()] {
			return nil, notFound(string(m.Kind), m.ID)
		}
	}
	return found, nil
}

func (s *TaskService) resolveLabels(ctx context.Context, tx Tx, ids []string) ([]Label, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := tx.ResolveLabels(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve labels: %w", err)
	}
	known := make(map[string]bool, len(found))
	for _, l := range found {
		known[l.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			return nil, notFound("label", id)
		}
	}
	return found, nil
}

// normalize returns the canonical document and its plain text projection.
func (s *TaskService) normalize(raw json.RawMessage) (json.RawMessage, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, "", nil
	}
	doc, err := s.content.Normalize(raw)
	if err != nil {
		return nil, "", invalid("description", "%v", err)
	}
	return doc, s.content.PlainText(doc), nil
}

// validateParent checks that parent may hold task. task is nil for a task
// being created. Walking up from the parent counts every ancestor the task
// would end up with.
func validateParent(ctx context.Context, tx Tx, task, parent *Task, boardID string) error {
	if task != nil && parent.ID == task.ID {
		return invalid("parent_id", "a task cannot be its own parent")
	}
	if parent.BoardID != boardID {
		return invalid("parent_id", "parent %s is on another board", parent.ID)
	}
	ancestors := 0
	for cur := parent; cur != nil; {
		if task != nil && cur.ID == task.ID {
			return invalid("parent_id", "task %s cannot be nested under its own subtask", task.ID)
		}
		ancestors++
		if ancestors >= MaxAncestors {
			return invalid("parent_id", "subtasks cannot be nested %d levels deep", MaxAncestors)
		}
		if cur.ParentID == nil {
			break
		}
		next, err := tx.GetTask(ctx, *cur.ParentID)
		if err != nil {
			return fmt.Errorf("get task %s: %w", *cur.ParentID, err)
		}
		cur = next
	}
	return nil
}

// completion returns the completed_at update for a status transition.
// Entering a terminal status stamps it, leaving one clears it. A move
// between two non-terminal statuses leaves it untouched.
func completion(from, to *Status, current *time.Time, now time.Time) Optional[time.Time] {
	wasDone := from != nil && from.IsTerminal
	switch {
	case to.IsTerminal && (!wasDone || current == nil):
		return Some(now)
	case !to.IsTerminal && wasDone:
		return Null[time.Time]()
	}
	return Optional[time.Time]{}
}

// placeIn computes a position inside g for the member id.
func placeIn(ctx context.Context, tx Tx, g position.Group, id string, req ReorderRequest) (float64, error) {
	alloc := position.New(tx)
	if req.Position != nil || (req.BeforeID == "" && req.AfterID == "") {
		return alloc.EnsureGapAndPosition(ctx, g, req.Position)
	}
	pos, err := alloc.Place(ctx, g, id, req.BeforeID, req.AfterID)
	if errors.Is(err, position.ErrUnknownNeighbour) {
		return 0, invalid("position", "%v", err)
	}
	return pos, err
}

func (s *TaskService) record(ctx context.Context, tx Tx, actor Actor, t *Task, action string, changes any) error {
	blob, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	var taskID *string
	if action != ActionDeleted {
		id := t.ID
		taskID = &id
	}
	e := &ActivityEntry{
		ID:         s.newID(),
		ProjectID:  t.ProjectID,
		TaskID:     taskID,
		UserID:     actor.UserID,
		AgentID:    actor.agentID(),
		Action:     action,
		EntityType: "task",
		Changes:    blob,
		CreatedAt:  s.now(),
	}
	if err := tx.AppendActivity(ctx, e); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

func optionalOf[T any](p *T) Optional[T] {
	if p == nil {
		return Optional[T]{}
	}
	return Some(*p)
}

func optionalPtr[T any](p *T) Optional[T] {
	if p == nil {
		return Null[T]()
	}
	return Some(*p)
}

func fmtDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}

func quoted(title string) string { return "\"" + title + "\"" }

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// outbox collects the side effects of a committed mutation.
type outbox struct {
	projectID string
	boardID   string
	notices   []NotificationRequest
	events    []boardEvent
	hooks     []hookEvent
	sent      map[string]bool
}

type boardEvent struct {
	typ  string
	data any
}

type hookEvent struct {
	event string
	data  map[string]any
}

func newOutbox(projectID, boardID string) *outbox {
	return &outbox{projectID: projectID, boardID: boardID}
}

// round starts a new notification round. A recipient gets at most one
// notification per round.
func (o *outbox) round() { o.sent = map[string]bool{} }

func (o *outbox) notify(actor Actor, recipient, typ, title, message string, data map[string]any) {
	if recipient == "" || o.sent[recipient] {
		return
	}
	if o.sent == nil {
		o.sent = map[string]bool{}
	}
	o.sent[recipient] = true
	o.notices = append(o.notices, NotificationRequest{
		RecipientID: recipient,
		ActorID:     actor.UserID,
		ProjectID:   o.projectID,
		Type:        typ,
		Title:       title,
		Message:     message,
		Data:        data,
	})
}

func (o *outbox) event(typ string, data any) {
	o.events = append(o.events, boardEvent{typ: typ, data: data})
}

func (o *outbox) hook(event string, data map[string]any) {
	o.hooks = append(o.hooks, hookEvent{event: event, data: data})
}

// deliver runs after commit. Failures are logged and never reach the caller.
func (s *TaskService) deliver(ctx context.Context, actor Actor, o *outbox) []string {
	ctx = context.WithoutCancel(ctx)
	notified := s.notifyAll(ctx, o.notices)
	if s.cache != nil {
		if err := s.cache.Evict(ctx, o.boardID); err != nil {
			log.WithError(err).WithField("board", o.boardID).Warn("failed to evict board cache")
		}
	}
	if s.events != nil {
		for _, ev := range o.events {
			s.events.BoardEvent(ctx, o.projectID, o.boardID, ev.typ, ev.data, actor.eventUser())
		}
		for _, uid := range notified {
			s.events.UserPing(ctx, uid)
		}
	}
	if s.webhooks != nil {
		for _, h := range o.hooks {
			s.webhooks.Dispatch(o.projectID, h.event, h.data)
		}
	}
	return notified
}

// notifyAll creates notifications concurrently with a bounded number of
// workers and returns the sorted ids of recipients that were notified.
func (s *TaskService) notifyAll(ctx context.Context, reqs []NotificationRequest) []string {
	if s.notifier == nil || len(reqs) == 0 {
		return []string{}
	}
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		notified = map[string]bool{}
		sem      = make(chan struct{}, s.fanoutLimit)
	)
	for _, req := range reqs {
		wg.Add(1)
		sem <- struct{}{}
		go func(req NotificationRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{"recipient": req.RecipientID, "type": req.Type, "panic": r}).Error("notification panicked")
				}
			}()
			rctx, cancel := context.WithTimeout(ctx, s.fanoutTimeout)
			defer cancel()
			ok, err := s.notifier.Notify(rctx, req)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{"recipient": req.RecipientID, "type": req.Type}).Warn("failed to create notification")
				return
			}
			if ok {
				mu.Lock()
				notified[req.RecipientID] = true
				mu.Unlock()
			}
		}(req)
	}
	wg.Wait()
	out := make([]string, 0, len(notified))
	for id := range notified {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func taskRef(t *Task) map[string]any {
	return map[string]any{"task_id": t.ID, "board_id": t.BoardID, "project_id": t.ProjectID}
}

func hookData(t *Task) map[string]any {
	return map[string]any{"task_id": t.ID, "title": t.Title, "board_id": t.BoardID, "status_id": t.StatusID}
}

func trimTitle(s string) string { return strings.TrimSpace(s) }
