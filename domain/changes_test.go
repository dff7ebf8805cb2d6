package domain

import (
	"encoding/json"
	"testing"

	"pgregory.net/rapid"
)

func TestDescribe(t *testing.T) {
	s := func(v string) *string { return &v }
	cases := []struct {
		name    string
		changes Changes
		want    string
	}{
		{"empty", nil, "updated"},
		{"scalar", Changes{scalarChange(FieldStatus, s("To Do"), s("Done"))}, "status: To Do → Done"},
		{"missing values", Changes{scalarChange(FieldDueDate, nil, s("2026-03-01")), scalarChange(FieldPriority, s("high"), nil)},
			"due date: none → 2026-03-01, priority: high → none"},
		{"opaque", Changes{{Field: FieldDescription, Opaque: true}}, "description changed"},
		{"unlabeled field", Changes{scalarChange("estimate", s("1"), s("2"))}, "estimate changed"},
		{"relation", Changes{{Field: FieldWatchers, Members: &RelationDiff{
			Added:   []MemberRef{{Kind: MemberUser, ID: "u1", Name: "Bob"}, {Kind: MemberAgent, ID: "a1", Name: "Robo"}},
			Removed: []MemberRef{{Kind: MemberUser, ID: "u2"}},
		}}}, "watchers: added Bob, Robo; removed u2"},
		{"labels", Changes{{Field: FieldLabels, Labels: &SetDiff{Removed: []string{"bug"}}}}, "labels: removed bug"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.changes.Describe(); got != tc.want {
				t.Fatalf("Describe() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChangesJSON(t *testing.T) {
	s := "New"
	b, err := json.Marshal(Changes{
		scalarChange(FieldTitle, nil, &s),
		{Field: FieldDescription, Opaque: true},
		{Field: FieldAssignees, Members: &RelationDiff{Added: []MemberRef{{Kind: MemberUser, ID: "u1"}}}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"assignees":{"added":[{"kind":"user","id":"u1"}],"removed":null},"description":"changed","title":{"old":null,"new":"New"}}`
	if string(b) != want {
		t.Fatalf("got %s\nwant %s", b, want)
	}
}

// The summary of a relation change does not depend on the order members were
// supplied or stored in.
func TestPropertyRelationSummaryIsOrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		pool := []MemberRef{
			{Kind: MemberUser, ID: "u1", Name: "Ann"},
			{Kind: MemberUser, ID: "u2", Name: "Bob"},
			{Kind: MemberUser, ID: "u3", Name: "Cid"},
			{Kind: MemberAgent, ID: "a1", Name: "Robo"},
			{Kind: MemberAgent, ID: "a2", Name: "Ann"},
		}
		gen := rapid.SliceOfDistinct(rapid.SampledFrom(pool), func(m MemberRef) string { return m.key() })
		old := gen.Draw(rt, "old")
		desired := gen.Draw(rt, "desired")

		d1 := DiffMembers(old, desired)
		d2 := DiffMembers(reversed(old), reversed(desired))
		c1 := Changes{{Field: FieldAssignees, Members: &d1}}.Describe()
		c2 := Changes{{Field: FieldAssignees, Members: &d2}}.Describe()
		if c1 != c2 {
			rt.Fatalf("order dependent summary: %q vs %q", c1, c2)
		}
		if len(d1.Added)+len(old)-len(d1.Removed) != len(desired) {
			rt.Fatalf("diff does not add up: old %v desired %v diff %+v", old, desired, d1)
		}
	})
}

func reversed(ms []MemberRef) []MemberRef {
	out := make([]MemberRef, len(ms))
	for i, m := range ms {
		out[len(ms)-1-i] = m
	}
	return out
}
