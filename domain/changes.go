package domain

import (
	"encoding/json"
	"strings"
)

// Field names used in change sets and activity entries.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldPriority    = "priority"
	FieldDueDate     = "due_date"
	FieldCover       = "cover"
	FieldParent      = "parent"
	FieldAssignees   = "assignees"
	FieldWatchers    = "watchers"
	FieldLabels      = "labels"
)

var fieldLabels = map[string]string{
	FieldTitle:       "title",
	FieldDescription: "description",
	FieldStatus:      "status",
	FieldPriority:    "priority",
	FieldDueDate:     "due date",
	FieldCover:       "cover",
	FieldParent:      "parent",
	FieldAssignees:   "assignees",
	FieldWatchers:    "watchers",
	FieldLabels:      "labels",
}

// Change records one field that actually changed. Exactly one of the
// scalar pair, Members or Labels is meaningful unless Opaque is set.
type Change struct {
	Field   string
	Old     *string
	New     *string
	Members *RelationDiff
	Labels  *SetDiff
	// Opaque values are rendered as "<field> changed".
	Opaque bool
}

func scalarChange(field string, old, new *string) Change {
	return Change{Field: field, Old: old, New: new}
}

func (c Change) describe() string {
	label, ok := fieldLabels[c.Field]
	if !ok || c.Opaque {
		if !ok {
			label = c.Field
		}
		return label + " changed"
	}
	switch {
	case c.Members != nil:
		return label + ": " + relationText(memberNames(c.Members.Added), memberNames(c.Members.Removed))
	case c.Labels != nil:
		return label + ": " + relationText(c.Labels.Added, c.Labels.Removed)
	default:
		return label + ": " + orNone(c.Old) + " → " + orNone(c.New)
	}
}

func relationText(added, removed []string) string {
	var parts []string
	if len(added) > 0 {
		parts = append(parts, "added "+strings.Join(added, ", "))
	}
	if len(removed) > 0 {
		parts = append(parts, "removed "+strings.Join(removed, ", "))
	}
	if len(parts) == 0 {
		return "unchanged"
	}
	return strings.Join(parts, "; ")
}

func memberNames(ms []MemberRef) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.display()
	}
	return out
}

func orNone(s *string) string {
	if s == nil || *s == "" {
		return "none"
	}
	return *s
}

// Changes is an ordered change set.
type Changes []Change

// Describe renders a stable human readable summary. The output only depends
// on the change set, so it is identical wherever it is rendered.
func (cs Changes) Describe() string {
	if len(cs) == 0 {
		return "updated"
	}
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.describe()
	}
	return strings.Join(parts, ", ")
}

// Has reports whether field is part of the change set.
func (cs Changes) Has(field string) bool {
	for _, c := range cs {
		if c.Field == field {
			return true
		}
	}
	return false
}

// Get returns the change for field.
func (cs Changes) Get(field string) (Change, bool) {
	for _, c := range cs {
		if c.Field == field {
			return c, true
		}
	}
	return Change{}, false
}

type scalarJSON struct {
	Old *string `json:"old"`
	New *string `json:"new"`
}

// MarshalJSON produces the structured blob stored with activity entries.
func (cs Changes) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(cs))
	for _, c := range cs {
		switch {
		case c.Opaque:
			out[c.Field] = "changed"
		case c.Members != nil:
			out[c.Field] = c.Members
		case c.Labels != nil:
			out[c.Field] = c.Labels
		default:
			out[c.Field] = scalarJSON{Old: c.Old, New: c.New}
		}
	}
	return json.Marshal(out)
}
