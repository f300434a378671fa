package verdict

import (
	"fmt"
	"sort"
)

// Category is one entry in the closed internal taxonomy that every
// classifier's native label vocabulary gets mapped into.
type Category string

const (
	// CategoryChildSafety is the absolute-precedence category: a match in any
	// layer rejects the item in every mode, and no configuration can disable
	// or re-threshold it.
	CategoryChildSafety    Category = "child_safety"
	CategorySexualExplicit Category = "sexual_explicit"
	CategoryViolence       Category = "violence"
	CategoryHate           Category = "hate"
	CategorySelfHarm       Category = "self_harm"
	CategorySpam           Category = "spam"
)

// AllCategories lists the full taxonomy, in canonical order.
var AllCategories = []Category{
	CategoryChildSafety,
	CategorySexualExplicit,
	CategoryViolence,
	CategoryHate,
	CategorySelfHarm,
	CategorySpam,
}

func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	for _, known := range AllCategories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown moderation category: %s", raw)
}

// SortCategories returns a sorted copy, with duplicates removed. Verdicts
// carry sorted category lists so that repeated evaluations of the same item
// serialize identically.
func SortCategories(cats []Category) []Category {
	seen := make(map[Category]bool, len(cats))
	out := make([]Category, 0, len(cats))
	for _, c := range cats {
		if !seen[c] {
			out = append(out, c)
			seen[c] = true
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Mode is the evaluation strictness applied to non-precedence categories.
type Mode string

const (
	// ModeStrict rejects on a single match in any category.
	ModeStrict Mode = "strict"
	// ModeNormal requires a category to reach its configured match-count
	// threshold before it flags.
	ModeNormal Mode = "normal"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeStrict:
		return ModeStrict, nil
	case ModeNormal:
		return ModeNormal, nil
	}
	return "", fmt.Errorf("unknown moderation mode: %s", raw)
}

// Thresholds is the per-category match-count threshold table used in normal
// mode. The child_safety threshold is always 1; Normalize enforces that
// regardless of what configuration supplied.
type Thresholds map[Category]int

// DefaultThresholds requires only a single match for child_safety, and two
// matches for everything else.
func DefaultThresholds() Thresholds {
	t := make(Thresholds, len(AllCategories))
	for _, c := range AllCategories {
		t[c] = 2
	}
	t[CategoryChildSafety] = 1
	return t
}

// For returns the threshold for a category, defaulting to 1 for categories
// absent from the table.
func (t Thresholds) For(c Category) int {
	if c == CategoryChildSafety {
		return 1
	}
	if v, ok := t[c]; ok && v > 0 {
		return v
	}
	return 1
}

// Normalize returns a copy with the child_safety threshold pinned to 1 and
// non-positive entries replaced with 1.
func (t Thresholds) Normalize() Thresholds {
	out := make(Thresholds, len(t))
	for c, v := range t {
		if v < 1 {
			v = 1
		}
		out[c] = v
	}
	out[CategoryChildSafety] = 1
	return out
}
