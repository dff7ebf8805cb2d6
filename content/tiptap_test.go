package content

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"prism-board/domain"
)

const mentionDoc = `{"type":"doc","content":[{"type":"paragraph","content":[
	{"type":"text","text":"ping"},
	{"type":"mention","attrs":{"entityType":"user","id":"u1","label":"bob"}},
	{"type":"mention","attrs":{"entityType":"agent","id":"a1","label":"Robo"}},
	{"type":"hardBreak"},
	{"type":"text","text":"thanks"}]}]}`

func TestNormalizeString(t *testing.T) {
	p := New()
	got, err := p.Normalize(json.RawMessage(`"first\n\nsecond"`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := `{"content":[{"content":[{"text":"first","type":"text"}],"type":"paragraph"},{"type":"paragraph"},{"content":[{"text":"second","type":"text"}],"type":"paragraph"}],"type":"doc"}`
	if string(got) != want {
		t.Fatalf("got %s\nwant %s", got, want)
	}
	if text := p.PlainText(got); text != "first second" {
		t.Fatalf("PlainText = %q", text)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	p := New()
	for _, raw := range []string{``, `null`, `"   "`, `{"type":"doc"}`, `{"type":"doc","content":[{"type":"paragraph"}]}`} {
		got, err := p.Normalize(json.RawMessage(raw))
		if err != nil || got != nil {
			t.Fatalf("Normalize(%s) = %s, %v; want nil", raw, got, err)
		}
	}
}

func TestNormalizeRejectsOtherShapes(t *testing.T) {
	p := New()
	if _, err := p.Normalize(json.RawMessage(`{"type":"paragraph"}`)); !errors.Is(err, ErrNotDoc) {
		t.Fatalf("expected ErrNotDoc, got %v", err)
	}
	if _, err := p.Normalize(json.RawMessage(`[1,2]`)); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestNormalizeIsStable(t *testing.T) {
	p := New()
	a, _ := p.Normalize(json.RawMessage(mentionDoc))
	b, _ := p.Normalize(a)
	if string(a) != string(b) {
		t.Fatalf("normalizing twice changed the document:\n%s\n%s", a, b)
	}
}

func TestPlainTextIncludesMentionLabels(t *testing.T) {
	if got := New().PlainText(json.RawMessage(mentionDoc)); got != "ping @bob @Robo \n thanks" {
		t.Fatalf("PlainText = %q", got)
	}
}

func TestMentions(t *testing.T) {
	p := New()
	all := p.Mentions(json.RawMessage(mentionDoc))
	if len(all) != 2 {
		t.Fatalf("expected two mentions, got %+v", all)
	}
	users := p.Mentions(json.RawMessage(mentionDoc), domain.MemberUser)
	want := []domain.MemberRef{{Kind: domain.MemberUser, ID: "u1", Name: "bob"}}
	if !reflect.DeepEqual(users, want) {
		t.Fatalf("Mentions(user) = %+v, want %+v", users, want)
	}
	if got := p.Mentions(nil); got != nil {
		t.Fatalf("expected no mentions for empty doc, got %+v", got)
	}
}
