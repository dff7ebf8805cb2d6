package notify

import (
	"testing"
)

func TestParsePreferencesDefaults(t *testing.T) {
	p, err := ParsePreferences(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.SelfNotifications || p.EmailEnabled || p.EmailDigest != DigestOff {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if !p.Allows("task_moved") || p.Muted("p1") {
		t.Fatalf("everything is allowed by default")
	}
}

func TestParsePreferencesFlatDocument(t *testing.T) {
	p, err := ParsePreferences([]byte(`{"task_moved":false,"mentioned":true,"self_notifications":true,
		"muted_projects":["p9"],"email_enabled":true,"email_digest":"instant","unknown":"x"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Allows("task_moved") || !p.Allows("mentioned") || !p.Allows("task_assigned") {
		t.Fatalf("unexpected categories: %+v", p.Categories)
	}
	if !p.SelfNotifications || !p.Muted("p9") || !p.InstantEmail() {
		t.Fatalf("unexpected flags: %+v", p)
	}
	if _, ok := p.Categories["unknown"]; ok {
		t.Fatalf("non boolean keys are not categories")
	}
}

func TestParsePreferencesRejectsGarbage(t *testing.T) {
	if _, err := ParsePreferences([]byte(`[`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	p := Defaults()
	p.Categories["watcher_added"] = false
	p.MutedProjects = []string{"p1"}
	b, err := p.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := ParsePreferences(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back.Allows("watcher_added") || !back.Muted("p1") || !back.DesktopEnabled {
		t.Fatalf("round trip lost data: %s -> %+v", b, back)
	}
}
