package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
	"prism-board/position"
)

type fakeTasks struct {
	err error

	actor     domain.Actor
	projectID string
	boardID   string
	input     domain.TaskInput
	patch     domain.TaskPatch
	move      domain.MoveRequest
	mode      domain.DeleteMode
	ids       []string
	group     position.Group
	itemID    string
	reorder   domain.ReorderRequest
	parentID  string
}

func (f *fakeTasks) result(id string) (*domain.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Result{Task: &domain.Task{ID: id, Title: "t"}, Notified: []string{"bob"}}, nil
}

func (f *fakeTasks) bulk(ids []string) (*domain.BulkResult, error) {
	f.ids = ids
	if f.err != nil {
		return nil, f.err
	}
	out := &domain.BulkResult{}
	for _, id := range ids {
		out.Tasks = append(out.Tasks, &domain.Task{ID: id})
	}
	return out, nil
}

func (f *fakeTasks) Create(ctx context.Context, actor domain.Actor, projectID, boardID string, in domain.TaskInput) (*domain.Result, error) {
	f.actor, f.projectID, f.boardID, f.input = actor, projectID, boardID, in
	return f.result("new")
}

func (f *fakeTasks) Update(ctx context.Context, actor domain.Actor, taskID string, p domain.TaskPatch) (*domain.Result, error) {
	f.actor, f.patch = actor, p
	return f.result(taskID)
}

func (f *fakeTasks) Move(ctx context.Context, actor domain.Actor, taskID string, req domain.MoveRequest) (*domain.Result, error) {
	f.move = req
	return f.result(taskID)
}

func (f *fakeTasks) Delete(ctx context.Context, actor domain.Actor, taskID string, mode domain.DeleteMode) (*domain.Result, error) {
	f.mode = mode
	return f.result(taskID)
}

func (f *fakeTasks) ConvertToSubtask(ctx context.Context, actor domain.Actor, taskID, parentID string) (*domain.Result, error) {
	f.parentID = parentID
	return f.result(taskID)
}

func (f *fakeTasks) Promote(ctx context.Context, actor domain.Actor, taskID string) (*domain.Result, error) {
	return f.result(taskID)
}

func (f *fakeTasks) ReorderSubtask(ctx context.Context, actor domain.Actor, parentID, subtaskID string, req domain.ReorderRequest) (*domain.Result, error) {
	f.parentID, f.reorder = parentID, req
	return f.result(subtaskID)
}

func (f *fakeTasks) Reorder(ctx context.Context, actor domain.Actor, projectID, boardID string, g position.Group, itemID string, req domain.ReorderRequest) (float64, error) {
	f.group, f.itemID, f.reorder = g, itemID, req
	if f.err != nil {
		return 0, f.err
	}
	return 1536, nil
}

func (f *fakeTasks) BulkUpdate(ctx context.Context, actor domain.Actor, boardID string, ids []string, p domain.BulkPatch) (*domain.BulkResult, error) {
	return f.bulk(ids)
}

func (f *fakeTasks) BulkMove(ctx context.Context, actor domain.Actor, boardID string, ids []string, statusID string) (*domain.BulkResult, error) {
	return f.bulk(ids)
}

func (f *fakeTasks) BulkDelete(ctx context.Context, actor domain.Actor, boardID string, ids []string, mode domain.DeleteMode) (*domain.BulkResult, error) {
	f.mode = mode
	return f.bulk(ids)
}

type fakeBoards struct {
	tasks []domain.Task
	err   error
}

func (f *fakeBoards) ListBoardTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	return f.tasks, f.err
}

type fakeInbox struct {
	list      []domain.Notification
	lastLimit int
	unread    bool
	read      map[string]bool
	err       error
}

func (f *fakeInbox) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	f.lastLimit, f.unread = limit, unreadOnly
	return f.list, f.err
}

func (f *fakeInbox) SetNotificationRead(ctx context.Context, userID, id string, read bool) error {
	if f.err != nil {
		return f.err
	}
	if f.read == nil {
		f.read = map[string]bool{}
	}
	f.read[id] = read
	return nil
}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	return "user", nil
}

type harness struct {
	e      *echo.Echo
	tasks  *fakeTasks
	boards *fakeBoards
	inbox  *fakeInbox
	hook   *test.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})
	h := &harness{e: echo.New(), tasks: &fakeTasks{}, boards: &fakeBoards{}, inbox: &fakeInbox{}, hook: hook}
	Register(h.e, &Server{Tasks: h.tasks, Boards: h.boards, Notifications: h.inbox, Log: logger}, mockAuth{}, nil)
	return h
}

func (h *harness) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := sonic.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestCreateTask(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/projects/p1/boards/b1/tasks", `{"title":"Ship it","priority":"high"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if h.tasks.projectID != "p1" || h.tasks.boardID != "b1" {
		t.Fatalf("unexpected scope %s/%s", h.tasks.projectID, h.tasks.boardID)
	}
	if h.tasks.actor.UserID != "user" {
		t.Fatalf("expected actor from auth, got %+v", h.tasks.actor)
	}
	if h.tasks.input.Title != "Ship it" || h.tasks.input.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected input %+v", h.tasks.input)
	}
	var res domain.Result
	decodeBody(t, rec, &res)
	if res.Task == nil || res.Task.ID != "new" || len(res.Notified) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCreateTaskRejectsUnknownField(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/projects/p1/boards/b1/tasks", `{"title":"x","bogus":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if h.tasks.input.Title != "" {
		t.Fatalf("service must not be called on bad body")
	}
}

func TestMutationErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"validation", &domain.ValidationError{Field: "title", Reason: "title is required"}, http.StatusUnprocessableEntity, `{"error":"title is required","field":"title"}`},
		{"not found", domain.ErrNotFound, http.StatusNotFound, ""},
		{"conflict", domain.ErrConcurrencyConflict, http.StatusConflict, `{"error":"conflicting update, retry"}`},
		{"internal", context.DeadlineExceeded, http.StatusInternalServerError, `{"error":"internal error"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.tasks.err = tc.err
			rec := h.do(http.MethodPatch, "/api/tasks/t1", `{"title":"x"}`)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			if tc.body != "" && strings.TrimSpace(rec.Body.String()) != tc.body {
				t.Fatalf("unexpected body %s", rec.Body.String())
			}
		})
	}
}

func TestMoveTask(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/tasks/t1/move", `{"status_id":"done","before_id":"t2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if h.tasks.move.StatusID != "done" || h.tasks.move.BeforeID != "t2" {
		t.Fatalf("unexpected move %+v", h.tasks.move)
	}
}

func TestDeleteTaskMode(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(http.MethodDelete, "/api/tasks/t1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.tasks.mode != domain.DeleteCascade {
		t.Fatalf("expected cascade default, got %q", h.tasks.mode)
	}
	if rec := h.do(http.MethodDelete, "/api/tasks/t1?mode=orphan", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.tasks.mode != domain.DeleteOrphan {
		t.Fatalf("expected orphan, got %q", h.tasks.mode)
	}
	if rec := h.do(http.MethodDelete, "/api/tasks/t1?mode=shred", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown mode, got %d", rec.Code)
	}
}

func TestConvertRequiresParent(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(http.MethodPost, "/api/tasks/t1/convert", `{}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/api/tasks/t1/convert", `{"parent_id":"p"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.tasks.parentID != "p" {
		t.Fatalf("unexpected parent %q", h.tasks.parentID)
	}
}

func TestReorderRoutes(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/projects/p1/boards/b1/checklists/cl1/items/i1/reorder", `{"after_id":"i2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if h.tasks.group != (position.Group{Kind: position.KindChecklist, ID: "cl1"}) || h.tasks.itemID != "i1" {
		t.Fatalf("unexpected group %v item %s", h.tasks.group, h.tasks.itemID)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"id":"i1","position":1536}` {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = h.do(http.MethodPost, "/api/projects/p1/boards/b1/custom-fields/f1/reorder", `{"position":12}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.tasks.group != (position.Group{Kind: position.KindCustomField, ID: "b1"}) {
		t.Fatalf("unexpected group %v", h.tasks.group)
	}
	if h.tasks.reorder.Position == nil || *h.tasks.reorder.Position != 12 {
		t.Fatalf("position not forwarded: %+v", h.tasks.reorder)
	}

	rec = h.do(http.MethodPost, "/api/tasks/t1/subtasks/s1/reorder", `{"before_id":"s2"}`)
	if rec.Code != http.StatusOK || h.tasks.parentID != "t1" {
		t.Fatalf("subtask reorder: %d parent=%q", rec.Code, h.tasks.parentID)
	}
}

func TestBulkDelete(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/projects/p1/boards/b1/tasks/bulk-delete", `{"task_ids":["a","b"],"mode":"orphan"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(h.tasks.ids) != 2 || h.tasks.mode != domain.DeleteOrphan {
		t.Fatalf("unexpected call ids=%v mode=%q", h.tasks.ids, h.tasks.mode)
	}
	var res domain.BulkResult
	decodeBody(t, rec, &res)
	if len(res.Tasks) != 2 {
		t.Fatalf("expected two tasks, got %d", len(res.Tasks))
	}
}

func TestBulkUpdateAndMove(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/projects/p1/boards/b1/tasks/bulk-update", `{"task_ids":["a"],"priority":"low"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = h.do(http.MethodPost, "/api/projects/p1/boards/b1/tasks/bulk-move", `{"task_ids":["a","b","c"],"status_id":"done"}`)
	if rec.Code != http.StatusOK || len(h.tasks.ids) != 3 {
		t.Fatalf("bulk move: %d ids=%v", rec.Code, h.tasks.ids)
	}
}

func TestBoardTasksSnapshot(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/projects/p1/boards/b1/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"tasks":[]}` {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}

	h.boards.tasks = []domain.Task{{ID: "t1"}, {ID: "t2"}}
	rec = h.do(http.MethodGet, "/api/projects/p1/boards/b1/tasks", "")
	var out tasksResponse
	decodeBody(t, rec, &out)
	if len(out.Tasks) != 2 || out.Tasks[1].ID != "t2" {
		t.Fatalf("unexpected snapshot %+v", out)
	}
}

func TestNotifications(t *testing.T) {
	h := newHarness(t)
	h.inbox.list = []domain.Notification{{ID: "n1", UserID: "user", Title: "hi"}}
	rec := h.do(http.MethodGet, "/api/notifications?unread=true&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.inbox.lastLimit != 5 || !h.inbox.unread {
		t.Fatalf("unexpected query limit=%d unread=%v", h.inbox.lastLimit, h.inbox.unread)
	}
	if rec := h.do(http.MethodGet, "/api/notifications?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	if rec := h.do(http.MethodPatch, "/api/notifications/n1", `{"read":true}`); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if !h.inbox.read["n1"] {
		t.Fatalf("notification not marked read")
	}
	if rec := h.do(http.MethodPatch, "/api/notifications/n1", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without read flag, got %d", rec.Code)
	}
	h.inbox.err = domain.ErrNotFound
	if rec := h.do(http.MethodPatch, "/api/notifications/n2", `{"read":false}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUnauthenticated(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMutationLogsObservabilityEvent(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/api/tasks/t1/promote", "")
	entry := h.hook.LastEntry()
	if entry == nil || entry.Message != observabilityEvent {
		t.Fatalf("expected observability event, got %#v", entry)
	}
	attrs := entry.Data["attributes"].(map[string]any)
	if attrs["http.route"] != "/tasks/:id/promote" || attrs["prism.board.notified"] != 1 {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
