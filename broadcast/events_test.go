package broadcast

import (
	"context"
	"testing"
)

func TestBoardEventEnvelope(t *testing.T) {
	h := NewHub(nil)
	conn := &fakeConn{}
	h.Subscribe(BoardChannel("p1", "b1"), conn)

	ev := NewEvents(h, nil)
	ev.BoardEvent(context.Background(), "p1", "b1", "task.moved",
		map[string]string{"id": "t1"}, map[string]string{"id": "u1", "username": "alice"})

	got := conn.received()
	want := `{"type":"task.moved","project_id":"p1","board_id":"b1","data":{"id":"t1"},"user":{"id":"u1","username":"alice"}}`
	if len(got) != 1 || got[0] != want {
		t.Fatalf("got %v, want %s", got, want)
	}
}

func TestUserPing(t *testing.T) {
	h := NewHub(nil)
	conn := &fakeConn{}
	h.Subscribe(UserChannel("u1"), conn)
	NewEvents(h, nil).UserPing(context.Background(), "u1")
	got := conn.received()
	if len(got) != 1 || got[0] != `{"type":"notification.new"}` {
		t.Fatalf("unexpected ping %v", got)
	}
}
