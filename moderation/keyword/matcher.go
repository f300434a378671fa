package keyword

import (
	"fmt"

	"github.com/haven-social/gatekeeper/moderation/verdict"
)

// Matcher evaluates text against a compiled rule table. It is pure: no I/O,
// no mutation, never an error result. A single Matcher is shared by all
// concurrent evaluations.
type Matcher struct {
	childSafety []compiledRule
	other       []compiledRule
}

// NewMatcher compiles the rule table. Any compilation failure, or a table
// with no child_safety rules, is a startup error: the service must never run
// with a broken or bypassable filter.
func NewMatcher(rules []Rule) (*Matcher, error) {
	m := &Matcher{}
	for _, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		if cr.Category == verdict.CategoryChildSafety {
			m.childSafety = append(m.childSafety, cr)
		} else {
			m.other = append(m.other, cr)
		}
	}
	if len(m.childSafety) == 0 {
		return nil, fmt.Errorf("%w: rule table has no %s rules", ErrPatternCompile, verdict.CategoryChildSafety)
	}
	return m, nil
}

// matchRule returns the number of occurrences and any echoed matched text.
func (cr *compiledRule) match(text string, tokens []string) (int, []string) {
	if cr.re != nil {
		found := cr.re.FindAllString(text, -1)
		return len(found), found
	}
	// phrase rule: every word must appear within the token window, anchored
	// at each occurrence of the first word
	count := 0
	for i, tok := range tokens {
		if tok != cr.words[0] {
			continue
		}
		end := i + cr.Window
		if end > len(tokens) {
			end = len(tokens)
		}
		window := tokens[i:end]
		all := true
		for _, w := range cr.words[1:] {
			if !tokenIn(window, w) {
				all = false
				break
			}
		}
		if all {
			count++
		}
	}
	return count, nil
}

func tokenIn(window []string, w string) bool {
	for _, tok := range window {
		if tok == w {
			return true
		}
	}
	return false
}

// Check runs the full rule table over one text.
//
// child_safety rules run first and independent of mode: the first match
// short-circuits everything else. Otherwise per-category match counts
// accumulate, and a category flags when it meets the mode-dependent
// threshold (any single match in strict mode).
func (m *Matcher) Check(text string, mode verdict.Mode, thresholds verdict.Thresholds) verdict.LayerResult {
	res := verdict.LayerResult{Layer: verdict.LayerKeyword}
	if text == "" {
		return res
	}
	tokens := Tokenize(text)

	for i := range m.childSafety {
		cr := &m.childSafety[i]
		if n, echoed := cr.match(text, tokens); n > 0 {
			res.Flagged = true
			res.Categories = []verdict.Category{verdict.CategoryChildSafety}
			res.Hits = []verdict.Hit{{ID: cr.ID, Category: verdict.CategoryChildSafety}}
			res.MatchedText = echoed
			return res
		}
	}

	counts := make(map[verdict.Category]int)
	for i := range m.other {
		cr := &m.other[i]
		n, echoed := cr.match(text, tokens)
		if n == 0 {
			continue
		}
		counts[cr.Category] += n
		for j := 0; j < n; j++ {
			res.Hits = append(res.Hits, verdict.Hit{ID: cr.ID, Category: cr.Category})
		}
		res.MatchedText = append(res.MatchedText, echoed...)
	}

	var flagged []verdict.Category
	for cat, n := range counts {
		if mode == verdict.ModeStrict || n >= thresholds.For(cat) {
			flagged = append(flagged, cat)
		}
	}
	if len(flagged) > 0 {
		res.Flagged = true
		res.Categories = verdict.SortCategories(flagged)
	}
	return res
}
