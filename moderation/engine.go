// Package moderation implements the pre-publish moderation pipeline: a
// fixed-order, short-circuiting sequence of classifier layers (local pattern
// matcher, remote text classifier, remote image classifier) combined under a
// single fail-closed policy. The child_safety category has absolute
// precedence: it is re-asserted at every layer and no mode, threshold, or
// configuration can disable it.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haven-social/gatekeeper/moderation/cachestore"
	"github.com/haven-social/gatekeeper/moderation/countstore"
	"github.com/haven-social/gatekeeper/moderation/decisionstore"
	"github.com/haven-social/gatekeeper/moderation/keyword"
	"github.com/haven-social/gatekeeper/moderation/setstore"
	"github.com/haven-social/gatekeeper/moderation/verdict"
)

// Classifier is the capability interface implemented by the remote adapters
// (text and image). Implementations encode their own failures into the
// LayerResult rather than failing open; the engine decides what an error
// means for the item.
type Classifier interface {
	Classify(ctx context.Context, payload string) verdict.LayerResult
}

// Item is one candidate piece of content, as handed over by the content
// source integration.
type Item struct {
	ID     string `json:"id"`
	Source string `json:"source,omitempty"`
	Text   string `json:"text"`
	// ImageRefs are references (URLs) to attached images, classified one
	// call per image.
	ImageRefs []string `json:"imageRefs,omitempty"`
	// SourceTrustFlag is set when the upstream source already marked the
	// item not-for-general-audience. Checked before any layer runs.
	SourceTrustFlag bool `json:"sourceTrustFlag,omitempty"`
}

// Engine runs the moderation pipeline. All fields are read-only after
// startup; evaluations of different items share no mutable state, so a
// single Engine serves any number of concurrent callers.
//
// Matcher is required. Classifiers, recorder, cache, counters, and sets are
// optional: a nil classifier skips that layer (local-only deployments), a
// nil recorder skips audit persistence.
type Engine struct {
	Logger          *slog.Logger
	Matcher         *keyword.Matcher
	TextClassifier  Classifier
	ImageClassifier Classifier
	Recorder        decisionstore.DecisionStore
	Cache           cachestore.CacheStore
	Counters        countstore.CountStore
	Sets            setstore.SetStore
	Config          EngineConfig
}

// ModeForSource derives the evaluation mode from the strict-source set.
func (eng *Engine) ModeForSource(ctx context.Context, source string) verdict.Mode {
	if eng.Sets != nil && source != "" {
		strict, err := eng.Sets.InSet(ctx, setstore.SetStrictSources, source)
		if err != nil {
			eng.Logger.Warn("strict-source lookup failed, defaulting to normal", "err", err, "source", source)
		} else if strict {
			return verdict.ModeStrict
		}
	}
	return verdict.ModeNormal
}

// Evaluate runs the full pipeline for one item and produces its verdict.
//
// Layer order is cheapest first: the upstream not-for-general-audience flag,
// then the zero-cost local pattern matcher, then the remote text and image
// classifiers. Obviously dangerous content never reaches the paid APIs.
// A service_unavailable result from either remote layer rejects the item
// (fail closed); it is never retried here and never treated as approval.
//
// The error return is non-nil only for context cancellation and recorder
// failures; classification outcomes, including remote errors, are expressed
// in the verdict itself.
func (eng *Engine) Evaluate(ctx context.Context, item Item, mode verdict.Mode) (v *verdict.Verdict, err error) {
	// similar to an HTTP server, recover panics from rule evaluation; the
	// recovery path produces no verdict and records nothing
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("moderation evaluation exception", "err", r, "item", item.ID)
			v = nil
			err = fmt.Errorf("moderation evaluation panic: %v", r)
		}
	}()

	start := time.Now()
	defer func() {
		evaluationDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	}()

	thresholds := eng.Config.Thresholds.Normalize()

	// upstream flag first: the cheapest possible short-circuit, ahead of
	// every layer. A rationale entry keeps it visible in the audit trail.
	if item.SourceTrustFlag {
		upstream := &verdict.Verdict{
			Approved:      false,
			DecidingLayer: verdict.LayerUpstream,
			Rationale: []verdict.LayerResult{
				{Layer: verdict.LayerUpstream, Flagged: true},
			},
		}
		return eng.finish(ctx, item, mode, upstream, false)
	}

	cacheKey := itemCacheKey(item, mode)
	if eng.Cache != nil {
		if raw, err := eng.Cache.Get(ctx, "verdict", cacheKey); err != nil {
			eng.Logger.Warn("verdict cache read failed", "err", err)
		} else if raw != "" {
			var cached verdict.Verdict
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				verdictCacheHits.Inc()
				return &cached, nil
			}
			eng.Logger.Warn("discarding unparseable cached verdict", "item", item.ID)
		}
	}

	acc := newAccumulator(mode, thresholds)

	// 1. local pattern matcher: zero external calls, never errors
	kw := eng.Matcher.Check(item.Text, mode, thresholds)
	acc.merge(&kw)
	if kw.HasCategory(verdict.CategoryChildSafety) {
		return eng.finish(ctx, item, mode, acc.reject(verdict.LayerKeyword), true)
	}
	if mode == verdict.ModeStrict && kw.Flagged {
		return eng.finish(ctx, item, mode, acc.reject(verdict.LayerKeyword), true)
	}
	// in normal mode a non-child-safety keyword flag carries forward and is
	// merged at the final decision; it does not terminate the pipeline

	// 2. remote text classifier
	if item.Text != "" && eng.TextClassifier != nil {
		lr := eng.TextClassifier.Classify(ctx, item.Text)
		if err := ctx.Err(); err != nil {
			// cancellation wins over any layer outcome: no verdict, no record
			return nil, err
		}
		acc.merge(&lr)
		if lr.ErrKind != verdict.ErrorNone {
			return eng.finish(ctx, item, mode, acc.reject(verdict.LayerFailClosed), false)
		}
		if lr.HasCategory(verdict.CategoryChildSafety) {
			return eng.finish(ctx, item, mode, acc.reject(verdict.LayerTextClassifier), true)
		}
		if acc.thresholdMet() {
			return eng.finish(ctx, item, mode, acc.reject(verdict.LayerTextClassifier), true)
		}
	}

	// 3. remote image classifier, bounded fan-out per item
	if len(item.ImageRefs) > 0 && eng.ImageClassifier != nil {
		results := make([]verdict.LayerResult, len(item.ImageRefs))
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(eng.Config.maxImageCalls())
		for i, ref := range item.ImageRefs {
			eg.Go(func() error {
				results[i] = eng.ImageClassifier.Classify(egCtx, ref)
				return nil
			})
		}
		_ = eg.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		failed := false
		childSafety := false
		for i := range results {
			acc.merge(&results[i])
			if results[i].ErrKind != verdict.ErrorNone {
				failed = true
			}
			if results[i].HasCategory(verdict.CategoryChildSafety) {
				childSafety = true
			}
		}
		// precedence holds even when another image errored
		if childSafety {
			return eng.finish(ctx, item, mode, acc.reject(verdict.LayerImageClassifier), true)
		}
		if failed {
			return eng.finish(ctx, item, mode, acc.reject(verdict.LayerFailClosed), false)
		}
		if acc.thresholdMet() {
			return eng.finish(ctx, item, mode, acc.reject(verdict.LayerImageClassifier), true)
		}
	}

	// 4. no layer rejected: merge carried flags into the final decision
	flagged := acc.flaggedCategories()
	if len(flagged) > 0 {
		if allowed := eng.allLogAllow(ctx, flagged); !allowed {
			return eng.finish(ctx, item, mode, acc.reject(verdict.LayerKeyword), true)
		}
		// categories explicitly configured "log but allow" surface on the
		// approved verdict for observability
	}
	approved := &verdict.Verdict{
		Approved:          true,
		FlaggedCategories: flagged,
		DecidingLayer:     verdict.LayerNone,
		Rationale:         acc.rationale,
	}
	return eng.finish(ctx, item, mode, approved, true)
}

// allLogAllow reports whether every flagged category is configured
// "log but allow". child_safety is never allowed, whatever the set says.
func (eng *Engine) allLogAllow(ctx context.Context, cats []verdict.Category) bool {
	if eng.Sets == nil {
		return false
	}
	for _, c := range cats {
		if c == verdict.CategoryChildSafety {
			return false
		}
		ok, err := eng.Sets.InSet(ctx, setstore.SetLogAllowCategories, string(c))
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// finish records the verdict (at most once per item), bumps counters and
// metrics, and optionally caches the outcome. Fail-closed and upstream-flag
// verdicts are never cached: a later evaluation may go differently.
func (eng *Engine) finish(ctx context.Context, item Item, mode verdict.Mode, v *verdict.Verdict, cacheable bool) (*verdict.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcome := "rejected"
	if v.Approved {
		outcome = "approved"
	}
	verdictCount.WithLabelValues(outcome, string(v.DecidingLayer)).Inc()
	for _, c := range v.FlaggedCategories {
		flaggedCategoryCount.WithLabelValues(string(c)).Inc()
	}

	if eng.Counters != nil {
		if err := eng.Counters.Increment(ctx, "decision", outcome); err != nil {
			eng.Logger.Warn("decision counter increment failed", "err", err)
		}
		for _, c := range v.FlaggedCategories {
			if err := eng.Counters.Increment(ctx, "category", string(c)); err != nil {
				eng.Logger.Warn("category counter increment failed", "err", err)
			}
		}
	}

	if cacheable && eng.Cache != nil {
		redacted := v.Redacted()
		if raw, err := json.Marshal(&redacted); err == nil {
			if err := eng.Cache.Set(ctx, "verdict", itemCacheKey(item, mode), string(raw)); err != nil {
				eng.Logger.Warn("verdict cache write failed", "err", err)
			}
		}
	}

	eng.Logger.Info("moderation decision",
		"item", item.ID,
		"source", item.Source,
		"mode", mode,
		"approved", v.Approved,
		"layer", v.DecidingLayer,
		"categories", v.FlaggedCategories,
	)

	if eng.Recorder != nil {
		redacted := v.Redacted()
		rec := decisionstore.DecisionRecord{
			ItemID:             item.ID,
			Source:             item.Source,
			Mode:               mode,
			Approved:           redacted.Approved,
			DecidingLayer:      redacted.DecidingLayer,
			FlaggedCategories:  redacted.FlaggedCategories,
			MatchedIdentifiers: redacted.MatchedIdentifiers(),
			CreatedAt:          time.Now().UTC(),
		}
		if err := eng.Recorder.Record(ctx, rec); err != nil {
			return v, fmt.Errorf("recording moderation decision: %w", err)
		}
	}
	return v, nil
}
