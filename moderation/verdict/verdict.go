// Package verdict contains the shared types produced by the moderation
// pipeline: per-layer classification results and the final publish/reject
// decision. Everything here is immutable-by-convention: values are
// constructed once per evaluated item and never mutated afterwards, so
// concurrent evaluations of different items share nothing.
package verdict

// ErrorKind describes a classification layer failure.
type ErrorKind string

const (
	// ErrorNone is the zero value: the layer completed.
	ErrorNone ErrorKind = ""
	// ErrorServiceUnavailable covers remote timeout, network error, non-2xx
	// status, and malformed responses. The orchestrator converts this to a
	// fail-closed rejection; the layer itself never decides to fail open.
	ErrorServiceUnavailable ErrorKind = "service_unavailable"
)

// Layer identifies which pipeline stage decided (or contributed to) a verdict.
type Layer string

const (
	// LayerUpstream is the pre-pipeline short-circuit on items the content
	// source already marked not-for-general-audience.
	LayerUpstream        Layer = "upstream"
	LayerKeyword         Layer = "keyword"
	LayerTextClassifier  Layer = "text_classifier"
	LayerImageClassifier Layer = "image_classifier"
	// LayerFailClosed marks rejections caused by a remote layer error rather
	// than a positive classification.
	LayerFailClosed Layer = "fail_closed"
	// LayerNone is used on approvals: no layer rejected.
	LayerNone Layer = "none"
)

// Hit is a single rule or remote-label match: a short identifier plus the
// internal category it maps to. Hits never carry matched content.
type Hit struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
}

// LayerResult is the output of one classification layer for one item.
type LayerResult struct {
	Layer   Layer `json:"layer"`
	Flagged bool  `json:"flagged"`
	// Categories holds the categories this layer flagged, sorted.
	Categories []Category `json:"categories,omitempty"`
	// Hits records every individual match, in evaluation order, including
	// matches below the flagging threshold (they accumulate across layers).
	Hits []Hit `json:"hits,omitempty"`
	// UnmappedLabels records remote labels absent from the adapter's mapping
	// table. Logged for observability; never treated as evidence either way.
	UnmappedLabels []string `json:"unmappedLabels,omitempty"`
	ErrKind        ErrorKind `json:"error,omitempty"`
	// MatchedText may echo locally matched pattern text for in-process
	// debugging. It is never serialized and never persisted.
	MatchedText []string `json:"-"`
}

// MatchedIdentifiers returns the ordered rule ids / remote labels for this
// layer. Safe to persist.
func (lr *LayerResult) MatchedIdentifiers() []string {
	out := make([]string, 0, len(lr.Hits))
	for _, h := range lr.Hits {
		out = append(out, h.ID)
	}
	return out
}

// HasCategory reports whether the layer flagged the given category.
func (lr *LayerResult) HasCategory(c Category) bool {
	for _, cat := range lr.Categories {
		if cat == c {
			return true
		}
	}
	return false
}

// Verdict is the final decision for one item. Constructed once, then handed
// to the caller and the decision recorder; never mutated.
type Verdict struct {
	Approved          bool       `json:"approved"`
	FlaggedCategories []Category `json:"flaggedCategories"`
	DecidingLayer     Layer      `json:"decidingLayer"`
	// Rationale holds every layer result produced before the decision, in
	// pipeline order, for the audit trail.
	Rationale []LayerResult `json:"rationale,omitempty"`
}

// MatchedIdentifiers flattens the rule ids and remote labels from every layer
// in the rationale, in pipeline order.
func (v *Verdict) MatchedIdentifiers() []string {
	var out []string
	for i := range v.Rationale {
		out = append(out, v.Rationale[i].MatchedIdentifiers()...)
	}
	return out
}

// Redacted returns a copy safe for persistence: layer results keep categories
// and identifiers but drop any echoed match text. The audit trail must be
// reviewable without becoming a store of the material it flags.
func (v *Verdict) Redacted() Verdict {
	out := Verdict{
		Approved:          v.Approved,
		FlaggedCategories: SortCategories(v.FlaggedCategories),
		DecidingLayer:     v.DecidingLayer,
		Rationale:         make([]LayerResult, len(v.Rationale)),
	}
	copy(out.Rationale, v.Rationale)
	for i := range out.Rationale {
		out.Rationale[i].MatchedText = nil
	}
	return out
}
