package moderation

import (
	"github.com/haven-social/gatekeeper/moderation/verdict"
)

// accumulator is the item-local merge state for one pipeline execution:
// every layer result in order, plus running per-category match counts.
// Matches below a category's threshold carry forward across layers, so two
// weak signals from different layers can combine into a rejection.
type accumulator struct {
	mode       verdict.Mode
	thresholds verdict.Thresholds
	counts     map[verdict.Category]int
	rationale  []verdict.LayerResult
}

func newAccumulator(mode verdict.Mode, thresholds verdict.Thresholds) *accumulator {
	return &accumulator{
		mode:       mode,
		thresholds: thresholds,
		counts:     make(map[verdict.Category]int),
	}
}

func (a *accumulator) merge(lr *verdict.LayerResult) {
	a.rationale = append(a.rationale, *lr)
	for _, h := range lr.Hits {
		a.counts[h.Category]++
	}
}

// metFor reports whether a category's accumulated count meets the
// mode-dependent bar. child_safety is handled by explicit precedence checks
// before this is ever consulted.
func (a *accumulator) metFor(c verdict.Category) bool {
	if a.mode == verdict.ModeStrict {
		return a.counts[c] >= 1
	}
	return a.counts[c] >= a.thresholds.For(c)
}

func (a *accumulator) thresholdMet() bool {
	for c := range a.counts {
		if a.metFor(c) {
			return true
		}
	}
	return false
}

// flaggedCategories returns every category whose accumulated count meets the
// bar, sorted for deterministic output.
func (a *accumulator) flaggedCategories() []verdict.Category {
	var out []verdict.Category
	for c := range a.counts {
		if a.metFor(c) {
			out = append(out, c)
		}
	}
	return verdict.SortCategories(out)
}

// reject builds the rejection verdict for the given deciding layer, merging
// per-layer flagged categories with accumulated threshold crossings.
func (a *accumulator) reject(layer verdict.Layer) *verdict.Verdict {
	cats := a.flaggedCategories()
	for i := range a.rationale {
		cats = append(cats, a.rationale[i].Categories...)
	}
	return &verdict.Verdict{
		Approved:          false,
		FlaggedCategories: verdict.SortCategories(cats),
		DecidingLayer:     layer,
		Rationale:         a.rationale,
	}
}
