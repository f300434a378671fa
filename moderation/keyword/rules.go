// Package keyword implements the local pattern-matching layer of the
// moderation pipeline: a fixed table of category-labeled rules evaluated
// in-process, with no external calls. Rules compile once at startup and are
// read-only afterwards, safe for unsynchronized concurrent use.
package keyword

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/haven-social/gatekeeper/moderation/verdict"
)

// ErrPatternCompile is wrapped by every rule compilation failure. An invalid
// rule must abort startup rather than silently become a no-op.
var ErrPatternCompile = errors.New("moderation rule failed to compile")

const defaultPhraseWindow = 8

// Rule is one immutable pattern entry. Either Pattern (a regular expression,
// compiled case-insensitive and word-boundary anchored) or Words (a phrase
// whose words must all appear within Window tokens of each other) is set.
type Rule struct {
	ID       string           `json:"id"`
	Category verdict.Category `json:"category"`
	Pattern  string           `json:"pattern,omitempty"`
	Words    []string         `json:"words,omitempty"`
	Window   int              `json:"window,omitempty"`
}

type compiledRule struct {
	Rule
	re    *regexp.Regexp
	words []string
}

func compileRule(r Rule) (compiledRule, error) {
	if _, err := verdict.ParseCategory(string(r.Category)); err != nil {
		return compiledRule{}, fmt.Errorf("%w: rule %s: %v", ErrPatternCompile, r.ID, err)
	}
	if r.ID == "" {
		return compiledRule{}, fmt.Errorf("%w: rule with empty id (category %s)", ErrPatternCompile, r.Category)
	}
	cr := compiledRule{Rule: r}
	switch {
	case r.Pattern != "":
		re, err := regexp.Compile(`(?i)\b(?:` + r.Pattern + `)\b`)
		if err != nil {
			return compiledRule{}, fmt.Errorf("%w: rule %s: %v", ErrPatternCompile, r.ID, err)
		}
		cr.re = re
	case len(r.Words) >= 2:
		for _, w := range r.Words {
			toks := Tokenize(w)
			if len(toks) != 1 {
				return compiledRule{}, fmt.Errorf("%w: rule %s: phrase word %q is not a single token", ErrPatternCompile, r.ID, w)
			}
			cr.words = append(cr.words, toks[0])
		}
		if cr.Window <= 0 {
			cr.Window = defaultPhraseWindow
		}
	default:
		return compiledRule{}, fmt.Errorf("%w: rule %s: needs a pattern or at least two phrase words", ErrPatternCompile, r.ID)
	}
	return cr, nil
}

// LoadRulesFileJSON reads a rule table from a JSON file (an array of Rule
// objects), for deployments that override the built-in table.
func LoadRulesFileJSON(fpath string) ([]Rule, error) {
	f, err := os.Open(fpath)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules file: %w", err)
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules file: %w", err)
	}

	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return rules, nil
}

// DefaultRules is the built-in rule table. Deployments usually extend or
// replace it via LoadRulesFileJSON; the child_safety subset can only be
// extended, never emptied (NewMatcher rejects rule sets without one).
func DefaultRules() []Rule {
	return []Rule{
		{ID: "cs-jailbait", Category: verdict.CategoryChildSafety, Pattern: `jail\s?bait`},
		{ID: "cs-csam-terms", Category: verdict.CategoryChildSafety, Pattern: `csam|child\s+porn(ography)?|pedo(phile)?s?`},
		{ID: "cs-minor-sexual", Category: verdict.CategoryChildSafety, Words: []string{"minors", "sexual"}, Window: 6},
		{ID: "sex-explicit-solicit", Category: verdict.CategorySexualExplicit, Pattern: `(hard|soft)core\s+porn|onlyfans\s+leak(s|ed)?`},
		{ID: "violence-threat", Category: verdict.CategoryViolence, Words: []string{"going", "shoot", "up"}, Window: 6},
		{ID: "violence-gore", Category: verdict.CategoryViolence, Pattern: `beheading|gore\s+video`},
		{ID: "hate-slur-generic", Category: verdict.CategoryHate, Words: []string{"gas", "the"}, Window: 4},
		{ID: "selfharm-encourage", Category: verdict.CategorySelfHarm, Pattern: `kill\s+yourself|kys`},
		{ID: "spam-followers", Category: verdict.CategorySpam, Pattern: `buy\s+(cheap\s+)?followers`},
		{ID: "spam-giveaway", Category: verdict.CategorySpam, Pattern: `crypto\s+giveaway|free\s+nitro`},
	}
}
