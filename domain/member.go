package domain

import "sort"

// MemberKind tells users and agents apart.
type MemberKind string

const (
	MemberUser  MemberKind = "user"
	MemberAgent MemberKind = "agent"
)

// MemberRef points at exactly one user or one agent.
type MemberRef struct {
	Kind MemberKind `json:"kind"`
	ID   string     `json:"id"`
	Name string     `json:"name,omitempty"`
}

func (m MemberRef) key() string { return string(m.Kind) + ":" + m.ID }

func (m MemberRef) display() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// Relation names a task to member association.
type Relation string

const (
	RelationAssignee Relation = "assignee"
	RelationWatcher  Relation = "watcher"
)

// RelationDiff is the outcome of replacing a relation.
type RelationDiff struct {
	Added   []MemberRef `json:"added"`
	Removed []MemberRef `json:"removed"`
}

func (d RelationDiff) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// DiffMembers compares two member sets by identity.
func DiffMembers(old, desired []MemberRef) RelationDiff {
	inOld := make(map[string]bool, len(old))
	for _, m := range old {
		inOld[m.key()] = true
	}
	inNew := make(map[string]bool, len(desired))
	var d RelationDiff
	for _, m := range desired {
		if inNew[m.key()] {
			continue
		}
		inNew[m.key()] = true
		if !inOld[m.key()] {
			d.Added = append(d.Added, m)
		}
	}
	for _, m := range old {
		if !inNew[m.key()] {
			d.Removed = append(d.Removed, m)
		}
	}
	sortMembers(d.Added)
	sortMembers(d.Removed)
	return d
}

func sortMembers(ms []MemberRef) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Kind != ms[j].Kind {
			return ms[i].Kind > ms[j].Kind // users first
		}
		if ms[i].display() != ms[j].display() {
			return ms[i].display() < ms[j].display()
		}
		return ms[i].ID < ms[j].ID
	})
}

// Members builds refs from separate user and agent id lists, dropping duplicates.
func Members(userIDs, agentIDs []string) []MemberRef {
	seen := map[string]bool{}
	var out []MemberRef
	add := func(kind MemberKind, ids []string) {
		for _, id := range ids {
			m := MemberRef{Kind: kind, ID: id}
			if id == "" || seen[m.key()] {
				continue
			}
			seen[m.key()] = true
			out = append(out, m)
		}
	}
	add(MemberUser, userIDs)
	add(MemberAgent, agentIDs)
	return out
}

// SplitMembers returns user ids and agent ids.
func SplitMembers(ms []MemberRef) (users, agents []string) {
	for _, m := range ms {
		if m.Kind == MemberAgent {
			agents = append(agents, m.ID)
		} else {
			users = append(users, m.ID)
		}
	}
	return users, agents
}

func userIDs(ms []MemberRef) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range ms {
		if m.Kind != MemberUser || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m.ID)
	}
	return out
}

// SetDiff is a diff over named values such as labels.
type SetDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

func (d SetDiff) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

func diffLabels(old, desired []Label) SetDiff {
	names := func(ls []Label) map[string]string {
		m := make(map[string]string, len(ls))
		for _, l := range ls {
			m[l.ID] = l.Name
		}
		return m
	}
	o, n := names(old), names(desired)
	var d SetDiff
	for id, name := range n {
		if _, ok := o[id]; !ok {
			d.Added = append(d.Added, name)
		}
	}
	for id, name := range o {
		if _, ok := n[id]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	return d
}
