package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-social/gatekeeper/moderation/decisionstore"
	"github.com/haven-social/gatekeeper/moderation/keyword"
	"github.com/haven-social/gatekeeper/moderation/setstore"
	"github.com/haven-social/gatekeeper/moderation/verdict"
)

func cleanResult(layer verdict.Layer) verdict.LayerResult {
	return verdict.LayerResult{Layer: layer}
}

func TestEvaluateBenignText(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	textStub := &StubClassifier{Result: cleanResult(verdict.LayerTextClassifier)}
	eng := EngineTestFixture(textStub, nil)

	v, err := eng.Evaluate(ctx, Item{ID: "post-1", Text: "great tutorial, thanks!"}, verdict.ModeNormal)
	assert.NoError(err)
	assert.True(v.Approved)
	assert.Empty(v.FlaggedCategories)
	assert.Equal(verdict.LayerNone, v.DecidingLayer)
	assert.Equal(int64(1), textStub.Calls())
}

func TestEvaluateChildSafetyKeyword(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	textStub := &StubClassifier{Result: cleanResult(verdict.LayerTextClassifier)}
	imageStub := &StubClassifier{Result: cleanResult(verdict.LayerImageClassifier)}
	eng := EngineTestFixture(textStub, imageStub)

	v, err := eng.Evaluate(ctx, Item{
		ID:        "post-2",
		Text:      "looking for jailbait content",
		ImageRefs: []string{"https://cdn.example.com/img/1.jpg"},
	}, verdict.ModeNormal)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerKeyword, v.DecidingLayer)
	assert.Equal([]verdict.Category{verdict.CategoryChildSafety}, v.FlaggedCategories)
	// obviously dangerous content never reaches the remote services
	assert.Equal(int64(0), textStub.Calls())
	assert.Equal(int64(0), imageStub.Calls())
}

// precedence invariant: child_safety rejects in every mode, whatever else
// matches
func TestChildSafetyPrecedence(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	for _, mode := range []verdict.Mode{verdict.ModeStrict, verdict.ModeNormal} {
		eng := EngineTestFixture(nil, nil)
		v, err := eng.Evaluate(ctx, Item{
			ID:   "post-3",
			Text: "jailbait plus crypto giveaway plus buy followers",
		}, mode)
		assert.NoError(err)
		assert.False(v.Approved)
		assert.Equal(verdict.LayerKeyword, v.DecidingLayer)
		assert.Contains(v.FlaggedCategories, verdict.CategoryChildSafety)
	}
}

// no-bypass invariant: a rule table reduced to only child_safety rules, and
// a threshold table trying to weaken child_safety, still reject
func TestChildSafetyNoBypass(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var csOnly []keyword.Rule
	for _, r := range keyword.DefaultRules() {
		if r.Category == verdict.CategoryChildSafety {
			csOnly = append(csOnly, r)
		}
	}
	matcher, err := keyword.NewMatcher(csOnly)
	require.NoError(t, err)

	eng := EngineTestFixture(nil, nil)
	eng.Matcher = matcher
	eng.Config.Thresholds = verdict.Thresholds{verdict.CategoryChildSafety: 1000}

	for _, mode := range []verdict.Mode{verdict.ModeStrict, verdict.ModeNormal} {
		v, err := eng.Evaluate(ctx, Item{ID: "post-4", Text: "total jailbait post"}, mode)
		assert.NoError(err)
		assert.False(v.Approved)
		assert.Equal([]verdict.Category{verdict.CategoryChildSafety}, v.FlaggedCategories)
	}
}

func TestRemoteChildSafetyPrecedence(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	flagged := verdict.LayerResult{
		Layer:      verdict.LayerTextClassifier,
		Flagged:    true,
		Categories: []verdict.Category{verdict.CategoryChildSafety},
		Hits:       []verdict.Hit{{ID: "minor_sexualized", Category: verdict.CategoryChildSafety}},
	}
	textStub := &StubClassifier{Result: flagged}
	eng := EngineTestFixture(textStub, nil)

	// local patterns miss it, the remote service catches it
	v, err := eng.Evaluate(ctx, Item{ID: "post-5", Text: "innocuous looking text"}, verdict.ModeNormal)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerTextClassifier, v.DecidingLayer)
	assert.Contains(v.FlaggedCategories, verdict.CategoryChildSafety)
}

// fail-closed invariant: a remote error is never "no opinion, approve"
func TestFailClosedOnImageTimeout(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	unavailable := verdict.LayerResult{
		Layer:   verdict.LayerImageClassifier,
		ErrKind: verdict.ErrorServiceUnavailable,
	}
	textStub := &StubClassifier{Result: cleanResult(verdict.LayerTextClassifier)}
	imageStub := &StubClassifier{Result: unavailable}
	eng := EngineTestFixture(textStub, imageStub)

	v, err := eng.Evaluate(ctx, Item{
		ID:        "post-6",
		Text:      "nice picture of my garden",
		ImageRefs: []string{"https://cdn.example.com/img/2.jpg"},
	}, verdict.ModeNormal)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerFailClosed, v.DecidingLayer)
}

func TestFailClosedOnTextError(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	textStub := &StubClassifier{Result: verdict.LayerResult{
		Layer:   verdict.LayerTextClassifier,
		ErrKind: verdict.ErrorServiceUnavailable,
	}}
	imageStub := &StubClassifier{Result: cleanResult(verdict.LayerImageClassifier)}
	eng := EngineTestFixture(textStub, imageStub)

	v, err := eng.Evaluate(ctx, Item{
		ID:        "post-7",
		Text:      "anything at all",
		ImageRefs: []string{"https://cdn.example.com/img/3.jpg"},
	}, verdict.ModeNormal)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerFailClosed, v.DecidingLayer)
	// pipeline stopped at the failing layer
	assert.Equal(int64(0), imageStub.Calls())
}

func TestImageFlagRejectsItem(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	flaggedImage := verdict.LayerResult{
		Layer:      verdict.LayerImageClassifier,
		Flagged:    true,
		Categories: []verdict.Category{verdict.CategorySexualExplicit},
		Hits:       []verdict.Hit{{ID: "porn", Category: verdict.CategorySexualExplicit}},
	}
	imageStub := &RoutingStubClassifier{
		Layer: verdict.LayerImageClassifier,
		Results: map[string]verdict.LayerResult{
			"https://cdn.example.com/img/nsfw.jpg": flaggedImage,
		},
	}
	eng := EngineTestFixture(nil, nil)
	eng.ImageClassifier = imageStub

	// strict mode: one flagged image among several clean ones rejects the item
	v, err := eng.Evaluate(ctx, Item{
		ID:   "post-20",
		Text: "check out my holiday album",
		ImageRefs: []string{
			"https://cdn.example.com/img/beach.jpg",
			"https://cdn.example.com/img/nsfw.jpg",
			"https://cdn.example.com/img/sunset.jpg",
		},
	}, verdict.ModeStrict)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerImageClassifier, v.DecidingLayer)
	assert.Equal([]verdict.Category{verdict.CategorySexualExplicit}, v.FlaggedCategories)
	assert.Equal(int64(3), imageStub.Calls())
}

func TestImageFlagThresholdNormalMode(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// two mapped labels on one image meet the sexual_explicit threshold of 2
	imageStub := &RoutingStubClassifier{
		Layer: verdict.LayerImageClassifier,
		Results: map[string]verdict.LayerResult{
			"https://cdn.example.com/img/nsfw.jpg": {
				Layer:      verdict.LayerImageClassifier,
				Flagged:    true,
				Categories: []verdict.Category{verdict.CategorySexualExplicit},
				Hits: []verdict.Hit{
					{ID: "porn", Category: verdict.CategorySexualExplicit},
					{ID: "nudity", Category: verdict.CategorySexualExplicit},
				},
			},
		},
	}
	eng := EngineTestFixture(nil, nil)
	eng.ImageClassifier = imageStub

	v, err := eng.Evaluate(ctx, Item{
		ID:        "post-21",
		Text:      "look at this",
		ImageRefs: []string{"https://cdn.example.com/img/nsfw.jpg"},
	}, verdict.ModeNormal)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerImageClassifier, v.DecidingLayer)
	assert.Equal([]verdict.Category{verdict.CategorySexualExplicit}, v.FlaggedCategories)
}

func TestImageChildSafetyRejects(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	csImage := verdict.LayerResult{
		Layer:      verdict.LayerImageClassifier,
		Flagged:    true,
		Categories: []verdict.Category{verdict.CategoryChildSafety},
		Hits:       []verdict.Hit{{ID: "csam", Category: verdict.CategoryChildSafety}},
	}
	textStub := &StubClassifier{Result: cleanResult(verdict.LayerTextClassifier)}
	imageStub := &RoutingStubClassifier{
		Layer: verdict.LayerImageClassifier,
		Results: map[string]verdict.LayerResult{
			"https://cdn.example.com/img/bad.jpg": csImage,
		},
	}
	eng := EngineTestFixture(textStub, nil)
	eng.ImageClassifier = imageStub

	// text is clean everywhere; only the vision service catches it
	v, err := eng.Evaluate(ctx, Item{
		ID:        "post-22",
		Text:      "family photos",
		ImageRefs: []string{"https://cdn.example.com/img/bad.jpg"},
	}, verdict.ModeNormal)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerImageClassifier, v.DecidingLayer)
	assert.Equal([]verdict.Category{verdict.CategoryChildSafety}, v.FlaggedCategories)

	recs := eng.Recorder.(*decisionstore.MemDecisionStore).All()
	require.Len(t, recs, 1)
	assert.Equal([]string{"csam"}, recs[0].MatchedIdentifiers)
}

// precedence holds even when a sibling image call errors: child_safety on one
// image beats service_unavailable on another
func TestImageChildSafetyBeatsSiblingError(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	imageStub := &RoutingStubClassifier{
		Layer: verdict.LayerImageClassifier,
		Results: map[string]verdict.LayerResult{
			"https://cdn.example.com/img/a.jpg": {
				Layer:      verdict.LayerImageClassifier,
				Flagged:    true,
				Categories: []verdict.Category{verdict.CategoryChildSafety},
				Hits:       []verdict.Hit{{ID: "csam", Category: verdict.CategoryChildSafety}},
			},
			"https://cdn.example.com/img/b.jpg": {
				Layer:   verdict.LayerImageClassifier,
				ErrKind: verdict.ErrorServiceUnavailable,
			},
		},
	}
	eng := EngineTestFixture(nil, nil)
	eng.ImageClassifier = imageStub

	v, err := eng.Evaluate(ctx, Item{
		ID:   "post-23",
		Text: "two attachments",
		ImageRefs: []string{
			"https://cdn.example.com/img/a.jpg",
			"https://cdn.example.com/img/b.jpg",
		},
	}, verdict.ModeNormal)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerImageClassifier, v.DecidingLayer)
	assert.Equal([]verdict.Category{verdict.CategoryChildSafety}, v.FlaggedCategories)
}

// concurrencyGaugeClassifier records the high-water mark of in-flight calls.
type concurrencyGaugeClassifier struct {
	inflight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
}

func (s *concurrencyGaugeClassifier) Classify(ctx context.Context, payload string) verdict.LayerResult {
	cur := s.inflight.Add(1)
	for {
		p := s.peak.Load()
		if cur <= p || s.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	s.calls.Add(1)
	s.inflight.Add(-1)
	return verdict.LayerResult{Layer: verdict.LayerImageClassifier}
}

func TestImageFanOutBounded(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	imageStub := &concurrencyGaugeClassifier{}
	eng := EngineTestFixture(nil, nil)
	eng.ImageClassifier = imageStub
	eng.Config.MaxConcurrentImageCalls = 2

	refs := make([]string, 8)
	for i := range refs {
		refs[i] = fmt.Sprintf("https://cdn.example.com/img/%d.jpg", i)
	}
	v, err := eng.Evaluate(ctx, Item{ID: "post-24", Text: "eight attachments", ImageRefs: refs}, verdict.ModeNormal)
	assert.NoError(err)
	assert.True(v.Approved)
	assert.Equal(int64(8), imageStub.calls.Load())
	assert.LessOrEqual(imageStub.peak.Load(), int64(2))
}

// scenario D/E: strict mode ignores thresholds, normal mode honors them
func TestModeThresholds(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// single spam occurrence, spam threshold is 2
	item := Item{ID: "post-8", Text: "join this crypto giveaway now"}

	eng := EngineTestFixture(nil, nil)
	v, err := eng.Evaluate(ctx, item, verdict.ModeStrict)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerKeyword, v.DecidingLayer)

	eng = EngineTestFixture(nil, nil)
	v, err = eng.Evaluate(ctx, item, verdict.ModeNormal)
	assert.NoError(err)
	assert.True(v.Approved)
	assert.Empty(v.FlaggedCategories)
}

// weak signals from different layers accumulate toward the threshold
func TestCrossLayerAccumulation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	textStub := &StubClassifier{Result: verdict.LayerResult{
		Layer:      verdict.LayerTextClassifier,
		Flagged:    true,
		Categories: []verdict.Category{verdict.CategorySpam},
		Hits:       []verdict.Hit{{ID: "spam", Category: verdict.CategorySpam}},
	}}
	eng := EngineTestFixture(textStub, nil)

	// one keyword hit + one remote hit = spam threshold of 2
	v, err := eng.Evaluate(ctx, Item{ID: "post-9", Text: "crypto giveaway friends"}, verdict.ModeNormal)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerTextClassifier, v.DecidingLayer)
	assert.Equal([]verdict.Category{verdict.CategorySpam}, v.FlaggedCategories)
}

func TestNormalModeKeywordFlagCarriesToFinalDecision(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// two spam hits meet the threshold, but normal mode does not terminate
	// at the keyword layer; with no other layer configured the final merge
	// rejects
	eng := EngineTestFixture(nil, nil)
	v, err := eng.Evaluate(ctx, Item{ID: "post-10", Text: "crypto giveaway and buy followers"}, verdict.ModeNormal)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerKeyword, v.DecidingLayer)
	assert.Equal([]verdict.Category{verdict.CategorySpam}, v.FlaggedCategories)
}

func TestLogButAllowCategories(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	eng := EngineTestFixture(nil, nil)
	eng.Sets.(*setstore.MemSetStore).Add(setstore.SetLogAllowCategories, string(verdict.CategorySpam))

	v, err := eng.Evaluate(ctx, Item{ID: "post-11", Text: "crypto giveaway and buy followers"}, verdict.ModeNormal)
	assert.NoError(err)
	// approved, but the flag surfaces for observability
	assert.True(v.Approved)
	assert.Equal([]verdict.Category{verdict.CategorySpam}, v.FlaggedCategories)
	assert.Equal(verdict.LayerNone, v.DecidingLayer)
}

func TestUpstreamFlagShortCircuit(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	textStub := &StubClassifier{Result: cleanResult(verdict.LayerTextClassifier)}
	eng := EngineTestFixture(textStub, nil)

	v, err := eng.Evaluate(ctx, Item{
		ID:              "post-12",
		Text:            "totally fine text",
		SourceTrustFlag: true,
	}, verdict.ModeNormal)
	assert.NoError(err)
	assert.False(v.Approved)
	assert.Equal(verdict.LayerUpstream, v.DecidingLayer)
	// no layer ran, but the short-circuit is visible in the audit rationale
	require.Len(t, v.Rationale, 1)
	assert.Equal(verdict.LayerUpstream, v.Rationale[0].Layer)
	assert.Equal(int64(0), textStub.Calls())
}

// idempotence: same item, same mode, unchanged remote behavior => identical
// verdicts, and the repeat evaluation is served from cache
func TestEvaluateIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	textStub := &StubClassifier{Result: cleanResult(verdict.LayerTextClassifier)}
	eng := EngineTestFixture(textStub, nil)
	item := Item{ID: "post-13", Text: "an ordinary post"}

	v1, err := eng.Evaluate(ctx, item, verdict.ModeNormal)
	require.NoError(t, err)
	v2, err := eng.Evaluate(ctx, item, verdict.ModeNormal)
	require.NoError(t, err)

	raw1, err := json.Marshal(v1)
	require.NoError(t, err)
	raw2, err := json.Marshal(v2)
	require.NoError(t, err)
	assert.Equal(string(raw1), string(raw2))
	assert.Equal(int64(1), textStub.Calls())
}

func TestDecisionRecordRedaction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	eng := EngineTestFixture(nil, nil)
	_, err := eng.Evaluate(ctx, Item{ID: "post-14", Source: "blog", Text: "looking for jailbait content"}, verdict.ModeNormal)
	require.NoError(t, err)

	recs := eng.Recorder.(*decisionstore.MemDecisionStore).All()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal("post-14", rec.ItemID)
	assert.False(rec.Approved)
	assert.Equal(verdict.LayerKeyword, rec.DecidingLayer)
	assert.Equal([]string{"cs-jailbait"}, rec.MatchedIdentifiers)

	// the audit record must never contain the offending text itself
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(string(raw), "jailbait content")
}

func TestModeForSource(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	eng := EngineTestFixture(nil, nil)
	assert.Equal(verdict.ModeStrict, eng.ModeForSource(ctx, "untrusted-forum"))
	assert.Equal(verdict.ModeNormal, eng.ModeForSource(ctx, "company-blog"))
	assert.Equal(verdict.ModeNormal, eng.ModeForSource(ctx, ""))
}

func TestEvaluateCancellation(t *testing.T) {
	assert := assert.New(t)

	textStub := &StubClassifier{Result: cleanResult(verdict.LayerTextClassifier)}
	eng := EngineTestFixture(textStub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := eng.Evaluate(ctx, Item{ID: "post-15", Text: "whatever"}, verdict.ModeNormal)
	assert.Error(err)
	assert.Nil(v)
	// cancellation leaves no partial audit record
	assert.Empty(eng.Recorder.(*decisionstore.MemDecisionStore).All())
}

func TestEvaluateEmptyItem(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	textStub := &StubClassifier{Result: cleanResult(verdict.LayerTextClassifier)}
	eng := EngineTestFixture(textStub, nil)

	v, err := eng.Evaluate(ctx, Item{ID: "post-16", Text: ""}, verdict.ModeNormal)
	assert.NoError(err)
	assert.True(v.Approved)
	// no text means no text classifier call
	assert.Equal(int64(0), textStub.Calls())
}
