package domain

import (
	"context"
	"regexp"
)

const (
	CoverImage    = "image"
	CoverColor    = "color"
	CoverGradient = "gradient"
)

var (
	hexColor        = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
	gradientPresets = map[string]bool{
		"sunset": true, "ocean": true, "forest": true, "lavender": true,
		"rose": true, "ember": true, "slate": true, "midnight": true,
		"aurora": true, "golden": true, "storm": true, "mint": true,
	}
	coverSizes = map[string]bool{"full": true, "half": true}
)

// coverPatch is the requested cover state after applying a patch on top of
// the current task.
type coverPatch struct {
	typ, value, size *string
}

// resolveCover merges the requested cover fields into the current ones and
// validates the result. taskID is empty for a task being created.
func resolveCover(ctx context.Context, tx Tx, taskID string, cur coverPatch, typ, value, size Optional[string]) (coverPatch, error) {
	next := cur
	if typ.Set {
		next.typ = typ.Ptr()
		if typ.Null {
			next.value, next.size = nil, nil
		}
	}
	if value.Set {
		next.value = value.Ptr()
	}
	if size.Set {
		next.size = size.Ptr()
	}
	if next.typ == nil {
		if next.value != nil {
			return cur, invalid("cover_value", "cover value requires a cover type")
		}
		return next, nil
	}
	if next.value == nil {
		return cur, invalid("cover_value", "cover value is required for cover type %q", *next.typ)
	}
	switch *next.typ {
	case CoverColor:
		if !hexColor.MatchString(*next.value) {
			return cur, invalid("cover_value", "%q is not a #RRGGBB color", *next.value)
		}
	case CoverGradient:
		if !gradientPresets[*next.value] {
			return cur, invalid("cover_value", "unknown gradient preset %q", *next.value)
		}
	case CoverImage:
		if taskID == "" {
			return cur, invalid("cover_value", "image cover must reference an attachment of the task")
		}
		att, err := tx.GetAttachment(ctx, *next.value)
		if err != nil {
			return cur, err
		}
		if att == nil || att.TaskID != taskID {
			return cur, invalid("cover_value", "attachment %s does not belong to the task", *next.value)
		}
	default:
		return cur, invalid("cover_type", "unknown cover type %q", *next.typ)
	}
	if next.size != nil && !coverSizes[*next.size] {
		return cur, invalid("cover_size", "unknown cover size %q", *next.size)
	}
	return next, nil
}

func (c coverPatch) String() *string {
	if c.typ == nil {
		return nil
	}
	s := *c.typ + ":" + orNone(c.value)
	if c.size != nil {
		s += " (" + *c.size + ")"
	}
	return &s
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (c coverPatch) equal(o coverPatch) bool {
	return sameString(c.typ, o.typ) && sameString(c.value, o.value) && sameString(c.size, o.size)
}
