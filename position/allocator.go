// Package position computes fractional sort positions for ordered sibling
// groups (status columns, subtasks of a parent, checklist items, custom fields)
// and repairs groups whose positions have become too dense to subdivide.
package position

import (
	"context"
	"errors"
	"fmt"
)

const (
	// Gap is the distance between neighbours after a rebalance and the step
	// used when appending to the end of a group.
	Gap = 1024.0
	// RebalanceThreshold is the smallest tolerated distance between two
	// adjacent positions.
	RebalanceThreshold = 1.0
)

// Kind identifies the ordering domain of a group.
type Kind string

const (
	KindStatus      Kind = "status"
	KindParent      Kind = "parent"
	KindChecklist   Kind = "checklist"
	KindCustomField Kind = "custom_field"
)

// Group is a sibling group. Positions are only comparable inside one group.
type Group struct {
	Kind Kind
	ID   string
}

func (g Group) String() string { return string(g.Kind) + ":" + g.ID }

// StatusGroup is the group of root tasks sharing a status.
func StatusGroup(statusID string) Group { return Group{Kind: KindStatus, ID: statusID} }

// ParentGroup is the group of subtasks sharing a parent.
func ParentGroup(parentID string) Group { return Group{Kind: KindParent, ID: parentID} }

// Member is one row of a group.
type Member struct {
	ID       string
	Position float64
}

// Store reads and writes the position column of group members.
type Store interface {
	// MaxPosition returns the largest position in the group. ok is false for an empty group.
	MaxPosition(ctx context.Context, g Group) (top float64, ok bool, err error)
	// GroupPositions returns every member sorted by ascending position.
	GroupPositions(ctx context.Context, g Group) ([]Member, error)
	// SetPositions writes the given positions.
	SetPositions(ctx context.Context, g Group, members []Member) error
}

// Allocator computes positions against a Store. It takes no lock over a
// group: two concurrent end-of-group inserts may compute the same value,
// which the next rebalance repairs.
type Allocator struct {
	store Store
}

// New creates an Allocator backed by store.
func New(store Store) *Allocator {
	return &Allocator{store: store}
}

// Between returns a position strictly between before and after. A nil bound
// means the neighbour does not exist.
func Between(before, after *float64) float64 {
	switch {
	case before == nil && after == nil:
		return Gap
	case before == nil:
		return *after / 2
	case after == nil:
		return *before + Gap
	default:
		return (*before + *after) / 2
	}
}

// NeedsRebalance reports whether two adjacent positions of an ascending
// slice are closer than RebalanceThreshold.
func NeedsRebalance(sorted []Member) bool {
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Position-sorted[i-1].Position < RebalanceThreshold {
			return true
		}
	}
	return false
}

// EndOfGroup returns a position after every current member of g.
func (a *Allocator) EndOfGroup(ctx context.Context, g Group) (float64, error) {
	top, ok, err := a.store.MaxPosition(ctx, g)
	if err != nil {
		return 0, fmt.Errorf("max position %s: %w", g, err)
	}
	if !ok {
		return Gap, nil
	}
	return top + Gap, nil
}

// NeedsRebalance loads the group and checks its spacing.
func (a *Allocator) NeedsRebalance(ctx context.Context, g Group) (bool, error) {
	members, err := a.store.GroupPositions(ctx, g)
	if err != nil {
		return false, fmt.Errorf("group positions %s: %w", g, err)
	}
	return NeedsRebalance(members), nil
}

// Rebalance rewrites every member to rank*Gap (rank is 1-based) keeping the
// current order. Healthy groups are rewritten too.
func (a *Allocator) Rebalance(ctx context.Context, g Group) error {
	members, err := a.store.GroupPositions(ctx, g)
	if err != nil {
		return fmt.Errorf("group positions %s: %w", g, err)
	}
	return a.rewrite(ctx, g, members)
}

func (a *Allocator) rewrite(ctx context.Context, g Group, members []Member) error {
	if len(members) == 0 {
		return nil
	}
	out := make([]Member, len(members))
	for i, m := range members {
		out[i] = Member{ID: m.ID, Position: float64(i+1) * Gap}
	}
	if err := a.store.SetPositions(ctx, g, out); err != nil {
		return fmt.Errorf("rebalance %s: %w", g, err)
	}
	return nil
}

// EnsureGapAndPosition trusts a client supplied position as is. Without one it
// rebalances a crowded group first and then appends to its end.
func (a *Allocator) EnsureGapAndPosition(ctx context.Context, g Group, requested *float64) (float64, error) {
	if requested != nil {
		return *requested, nil
	}
	members, err := a.store.GroupPositions(ctx, g)
	if err != nil {
		return 0, fmt.Errorf("group positions %s: %w", g, err)
	}
	if NeedsRebalance(members) {
		if err := a.rewrite(ctx, g, members); err != nil {
			return 0, err
		}
	}
	return a.EndOfGroup(ctx, g)
}

// Place computes a position for id between the members beforeID and afterID
// of g. Empty neighbour ids mean "start" or "end" of the group. When the new
// value would sit closer than RebalanceThreshold to a neighbour the group is
// rebalanced first and the neighbours are read again.
func (a *Allocator) Place(ctx context.Context, g Group, id, beforeID, afterID string) (float64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		members, err := a.store.GroupPositions(ctx, g)
		if err != nil {
			return 0, fmt.Errorf("group positions %s: %w", g, err)
		}
		before, after, err := neighbours(members, id, beforeID, afterID)
		if err != nil {
			return 0, fmt.Errorf("place in %s: %w", g, err)
		}
		pos := Between(before, after)
		if attempt == 0 && tooClose(pos, before, after) {
			if err := a.rewrite(ctx, g, members); err != nil {
				return 0, err
			}
			continue
		}
		return pos, nil
	}
	return 0, fmt.Errorf("place in %s: no room after rebalance", g)
}

// ErrUnknownNeighbour is returned by Place when a neighbour id is not a member of the group.
var ErrUnknownNeighbour = errors.New("neighbour not in group")

func neighbours(members []Member, id, beforeID, afterID string) (before, after *float64, err error) {
	find := func(want string) (*float64, error) {
		if want == "" {
			return nil, nil
		}
		for _, m := range members {
			if m.ID == want && m.ID != id {
				p := m.Position
				return &p, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownNeighbour, want)
	}
	if before, err = find(beforeID); err != nil {
		return nil, nil, err
	}
	if after, err = find(afterID); err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

func tooClose(pos float64, before, after *float64) bool {
	if before != nil && pos-*before < RebalanceThreshold {
		return true
	}
	if after != nil && *after-pos < RebalanceThreshold {
		return true
	}
	return false
}
