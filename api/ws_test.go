package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/broadcast"
)

func TestWebsocketReceivesBoardAndUserMessages(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := broadcast.NewHub(logger)
	e := echo.New()
	Register(e, &Server{Tasks: &fakeTasks{}, Boards: &fakeBoards{}, Notifications: &fakeInbox{}, Hub: hub, Log: logger}, mockAuth{}, nil)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?project=p1&board=b1&token=a.b.c"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(broadcast.BoardChannel("p1", "b1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never joined board channel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx := context.Background()
	if err := hub.Publish(ctx, broadcast.BoardChannel("p1", "b1"), map[string]string{"type": "task.created"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := hub.Publish(ctx, broadcast.UserChannel("user"), map[string]string{"type": "notification.new"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := hub.Publish(ctx, broadcast.BoardChannel("p1", "other"), map[string]string{"type": "ignored"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"task.created", "notification.new"} {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !strings.Contains(string(msg), want) {
			t.Fatalf("expected %s, got %s", want, msg)
		}
	}

	_ = ws.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Channels() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("channels not pruned after disconnect: %d", hub.Channels())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
