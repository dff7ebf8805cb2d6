// Package api serves the board mutations, board snapshots, the notification
// inbox and the realtime websocket over HTTP.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/broadcast"
	"prism-board/domain"
	"prism-board/position"
)

const maxBodySize = 1 << 20

var errBadBody = errors.New("invalid body")

// Server holds the collaborators of the HTTP handlers.
type Server struct {
	Tasks         Tasks
	Boards        Boards
	Notifications Notifications
	Hub           *broadcast.Hub
	ClientOptions []broadcast.ClientOption
	Log           *log.Logger

	upgrader websocket.Upgrader
}

// Register wires up all routes on e.
func Register(e *echo.Echo, s *Server, auth Authenticator, dedup Deduper) {
	if s.Log == nil {
		s.Log = log.StandardLogger()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	e.GET("/healthz", healthz)

	g := e.Group("/api", GzipRequest(), RequireUser(auth), Idempotent(dedup, s.Log))
	board := "/projects/:project/boards/:board"
	g.GET(board+"/tasks", s.boardTasks)
	g.POST(board+"/tasks", s.mutate(board+"/tasks", s.createTask))
	g.POST(board+"/tasks/bulk-update", s.mutate(board+"/tasks/bulk-update", s.bulkUpdate))
	g.POST(board+"/tasks/bulk-move", s.mutate(board+"/tasks/bulk-move", s.bulkMove))
	g.POST(board+"/tasks/bulk-delete", s.mutate(board+"/tasks/bulk-delete", s.bulkDelete))
	g.POST(board+"/checklists/:checklist/items/:item/reorder", s.mutate(board+"/checklists/reorder", s.reorderChecklist))
	g.POST(board+"/custom-fields/:field/reorder", s.mutate(board+"/custom-fields/reorder", s.reorderCustomField))

	g.PATCH("/tasks/:id", s.mutate("/tasks/:id", s.updateTask))
	g.DELETE("/tasks/:id", s.mutate("/tasks/:id", s.deleteTask))
	g.POST("/tasks/:id/move", s.mutate("/tasks/:id/move", s.moveTask))
	g.POST("/tasks/:id/convert", s.mutate("/tasks/:id/convert", s.convertTask))
	g.POST("/tasks/:id/promote", s.mutate("/tasks/:id/promote", s.promoteTask))
	g.POST("/tasks/:parent/subtasks/:id/reorder", s.mutate("/tasks/subtasks/reorder", s.reorderSubtask))

	g.GET("/notifications", s.listNotifications)
	g.PATCH("/notifications/:id", s.markNotification)

	e.GET("/ws", s.serveWS, RequireUser(auth))
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// request is the view a mutation handler gets of the incoming call.
type request struct {
	echo.Context
	actor   domain.Actor
	metrics *requestMetrics
}

func (r *request) bind(v any) error {
	start := time.Now()
	defer func() { r.metrics.ObserveDecode(time.Since(start)) }()
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(r.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errBadBody
	}
	return nil
}

type response struct {
	status   int
	body     any
	notified int
}

func (s *Server) mutate(route string, apply func(r *request) (response, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, ctx := newRequestMetrics(c.Request().Context(), s.Log, route)
		c.SetRequest(c.Request().WithContext(ctx))
		r := &request{Context: c, actor: domain.Actor{UserID: userID(c)}, metrics: m}

		start := time.Now()
		resp, err := apply(r)
		m.ObserveApply(time.Since(start))
		if err != nil {
			if errors.Is(err, errBadBody) {
				m.SetErrorStage("decode")
				m.Log(http.StatusBadRequest, err)
				return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
			}
			code, body := statusFor(err)
			m.SetErrorStage("apply")
			if code >= http.StatusInternalServerError {
				s.Log.WithError(err).WithField("route", route).Error("mutation failed")
			}
			m.Log(code, err)
			return c.JSON(code, body)
		}
		m.SetNotified(resp.notified)
		m.Log(resp.status, nil)
		return c.JSON(resp.status, resp.body)
	}
}

func single(status int, res *domain.Result) response {
	return response{status: status, body: res, notified: len(res.Notified)}
}

func bulk(res *domain.BulkResult) response {
	return response{status: http.StatusOK, body: res, notified: len(res.Notified)}
}

func (s *Server) createTask(r *request) (response, error) {
	var in domain.TaskInput
	if err := r.bind(&in); err != nil {
		return response{}, err
	}
	res, err := s.Tasks.Create(r.Request().Context(), r.actor, r.Param("project"), r.Param("board"), in)
	if err != nil {
		return response{}, err
	}
	return single(http.StatusCreated, res), nil
}

func (s *Server) updateTask(r *request) (response, error) {
	var p domain.TaskPatch
	if err := r.bind(&p); err != nil {
		return response{}, err
	}
	res, err := s.Tasks.Update(r.Request().Context(), r.actor, r.Param("id"), p)
	if err != nil {
		return response{}, err
	}
	return single(http.StatusOK, res), nil
}

func (s *Server) moveTask(r *request) (response, error) {
	var req domain.MoveRequest
	if err := r.bind(&req); err != nil {
		return response{}, err
	}
	res, err := s.Tasks.Move(r.Request().Context(), r.actor, r.Param("id"), req)
	if err != nil {
		return response{}, err
	}
	return single(http.StatusOK, res), nil
}

func deleteMode(raw string) (domain.DeleteMode, error) {
	mode := domain.DeleteMode(raw)
	if mode == "" {
		return domain.DeleteCascade, nil
	}
	if !mode.Valid() {
		return "", &domain.ValidationError{Field: "mode", Reason: "mode must be cascade or orphan"}
	}
	return mode, nil
}

func (s *Server) deleteTask(r *request) (response, error) {
	mode, err := deleteMode(r.QueryParam("mode"))
	if err != nil {
		return response{}, err
	}
	res, err := s.Tasks.Delete(r.Request().Context(), r.actor, r.Param("id"), mode)
	if err != nil {
		return response{}, err
	}
	return single(http.StatusOK, res), nil
}

func (s *Server) convertTask(r *request) (response, error) {
	var body struct {
		ParentID string `json:"parent_id"`
	}
	if err := r.bind(&body); err != nil {
		return response{}, err
	}
	if body.ParentID == "" {
		return response{}, &domain.ValidationError{Field: "parent_id", Reason: "parent is required"}
	}
	res, err := s.Tasks.ConvertToSubtask(r.Request().Context(), r.actor, r.Param("id"), body.ParentID)
	if err != nil {
		return response{}, err
	}
	return single(http.StatusOK, res), nil
}

func (s *Server) promoteTask(r *request) (response, error) {
	res, err := s.Tasks.Promote(r.Request().Context(), r.actor, r.Param("id"))
	if err != nil {
		return response{}, err
	}
	return single(http.StatusOK, res), nil
}

func (s *Server) reorderSubtask(r *request) (response, error) {
	var req domain.ReorderRequest
	if err := r.bind(&req); err != nil {
		return response{}, err
	}
	res, err := s.Tasks.ReorderSubtask(r.Request().Context(), r.actor, r.Param("parent"), r.Param("id"), req)
	if err != nil {
		return response{}, err
	}
	return single(http.StatusOK, res), nil
}

type positionBody struct {
	ID       string  `json:"id"`
	Position float64 `json:"position"`
}

func (s *Server) reorder(r *request, g position.Group, itemID string) (response, error) {
	var req domain.ReorderRequest
	if err := r.bind(&req); err != nil {
		return response{}, err
	}
	pos, err := s.Tasks.Reorder(r.Request().Context(), r.actor, r.Param("project"), r.Param("board"), g, itemID, req)
	if err != nil {
		return response{}, err
	}
	return response{status: http.StatusOK, body: positionBody{ID: itemID, Position: pos}}, nil
}

func (s *Server) reorderChecklist(r *request) (response, error) {
	return s.reorder(r, position.Group{Kind: position.KindChecklist, ID: r.Param("checklist")}, r.Param("item"))
}

func (s *Server) reorderCustomField(r *request) (response, error) {
	return s.reorder(r, position.Group{Kind: position.KindCustomField, ID: r.Param("board")}, r.Param("field"))
}

func (s *Server) bulkUpdate(r *request) (response, error) {
	var body struct {
		TaskIDs []string `json:"task_ids"`
		domain.BulkPatch
	}
	if err := r.bind(&body); err != nil {
		return response{}, err
	}
	res, err := s.Tasks.BulkUpdate(r.Request().Context(), r.actor, r.Param("board"), body.TaskIDs, body.BulkPatch)
	if err != nil {
		return response{}, err
	}
	return bulk(res), nil
}

func (s *Server) bulkMove(r *request) (response, error) {
	var body struct {
		TaskIDs  []string `json:"task_ids"`
		StatusID string   `json:"status_id"`
	}
	if err := r.bind(&body); err != nil {
		return response{}, err
	}
	res, err := s.Tasks.BulkMove(r.Request().Context(), r.actor, r.Param("board"), body.TaskIDs, body.StatusID)
	if err != nil {
		return response{}, err
	}
	return bulk(res), nil
}

func (s *Server) bulkDelete(r *request) (response, error) {
	var body struct {
		TaskIDs []string `json:"task_ids"`
		Mode    string   `json:"mode"`
	}
	if err := r.bind(&body); err != nil {
		return response{}, err
	}
	mode, err := deleteMode(body.Mode)
	if err != nil {
		return response{}, err
	}
	res, err := s.Tasks.BulkDelete(r.Request().Context(), r.actor, r.Param("board"), body.TaskIDs, mode)
	if err != nil {
		return response{}, err
	}
	return bulk(res), nil
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

func (s *Server) boardTasks(c echo.Context) error {
	tasks, err := s.Boards.ListBoardTasks(c.Request().Context(), c.Param("board"))
	if err != nil {
		s.Log.WithError(err).WithField("board", c.Param("board")).Error("list board tasks")
		code, body := statusFor(err)
		return c.JSON(code, body)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
}

type notificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
}

func (s *Server) listNotifications(c echo.Context) error {
	unread, _ := strconv.ParseBool(c.QueryParam("unread"))
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid limit"})
		}
		limit = n
	}
	list, err := s.Notifications.ListNotifications(c.Request().Context(), userID(c), unread, limit)
	if err != nil {
		s.Log.WithError(err).Error("list notifications")
		code, body := statusFor(err)
		return c.JSON(code, body)
	}
	return c.JSON(http.StatusOK, notificationsResponse{Notifications: list})
}

func (s *Server) markNotification(c echo.Context) error {
	var body struct {
		Read *bool `json:"read"`
	}
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	if err := dec.Decode(&body); err != nil || body.Read == nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: errBadBody.Error()})
	}
	if err := s.Notifications.SetNotificationRead(c.Request().Context(), userID(c), c.Param("id"), *body.Read); err != nil {
		code, eb := statusFor(err)
		return c.JSON(code, eb)
	}
	return c.NoContent(http.StatusNoContent)
}
