package api

import (
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/broadcast"
)

// serveWS upgrades the connection and subscribes it to the caller's
// personal channel plus the project and board given as query parameters.
// The handler returns once the peer disconnects.
func (s *Server) serveWS(c echo.Context) error {
	user := userID(c)
	project, board := c.QueryParam("project"), c.QueryParam("board")

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the error response
		return nil
	}
	client := broadcast.NewClient(ws, s.Hub, s.Log.WithFields(log.Fields{"user": user, "board": board}), s.ClientOptions...)
	client.Join(broadcast.UserChannel(user))
	if project != "" {
		client.Join(broadcast.ProjectChannel(project))
		if board != "" {
			client.Join(broadcast.BoardChannel(project, board))
		}
	}
	go client.WritePump()
	client.ReadPump()
	return nil
}
