package storage

import (
	"context"
	"fmt"

	"prism-board/position"
)

// groupQuery maps a sibling group onto its table and filter.
func groupQuery(g position.Group) (table, where string, err error) {
	switch g.Kind {
	case position.KindStatus:
		return "tasks", "status_id = ? AND parent_id IS NULL", nil
	case position.KindParent:
		return "tasks", "parent_id = ?", nil
	case position.KindChecklist:
		return "checklist_items", "checklist_id = ?", nil
	case position.KindCustomField:
		return "custom_fields", "board_id = ?", nil
	}
	return "", "", fmt.Errorf("unknown group kind %q", g.Kind)
}

func (q *Queries) MaxPosition(ctx context.Context, g position.Group) (float64, bool, error) {
	table, where, err := groupQuery(g)
	if err != nil {
		return 0, false, err
	}
	var top *float64
	if err := q.q.QueryRowContext(ctx, `SELECT MAX(position) FROM `+table+` WHERE `+where, g.ID).Scan(&top); err != nil {
		return 0, false, err
	}
	if top == nil {
		return 0, false, nil
	}
	return *top, true, nil
}

func (q *Queries) GroupPositions(ctx context.Context, g position.Group) ([]position.Member, error) {
	table, where, err := groupQuery(g)
	if err != nil {
		return nil, err
	}
	rows, err := q.q.QueryContext(ctx, `SELECT id, position FROM `+table+` WHERE `+where+` ORDER BY position, id`, g.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []position.Member
	for rows.Next() {
		var m position.Member
		if err := rows.Scan(&m.ID, &m.Position); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queries) SetPositions(ctx context.Context, g position.Group, members []position.Member) error {
	table, where, err := groupQuery(g)
	if err != nil {
		return err
	}
	for _, m := range members {
		if _, err := q.q.ExecContext(ctx, `UPDATE `+table+` SET position = ? WHERE id = ? AND `+where, m.Position, m.ID, g.ID); err != nil {
			return err
		}
	}
	return nil
}
