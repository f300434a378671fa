package moderation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/haven-social/gatekeeper/moderation/cachestore"
	"github.com/haven-social/gatekeeper/moderation/countstore"
	"github.com/haven-social/gatekeeper/moderation/decisionstore"
	"github.com/haven-social/gatekeeper/moderation/keyword"
	"github.com/haven-social/gatekeeper/moderation/setstore"
	"github.com/haven-social/gatekeeper/moderation/util"
	"github.com/haven-social/gatekeeper/moderation/verdict"
)

// StubClassifier returns a canned layer result and counts invocations.
// Intentionally exported for use in other packages' tests.
type StubClassifier struct {
	Result verdict.LayerResult
	calls  atomic.Int64
}

var _ Classifier = (*StubClassifier)(nil)

func (s *StubClassifier) Classify(ctx context.Context, payload string) verdict.LayerResult {
	s.calls.Add(1)
	return s.Result
}

func (s *StubClassifier) Calls() int64 {
	return s.calls.Load()
}

// RoutingStubClassifier returns a canned result per payload, falling back to
// a clean result for unlisted payloads. Useful when images attached to the
// same item need different outcomes.
type RoutingStubClassifier struct {
	Layer   verdict.Layer
	Results map[string]verdict.LayerResult
	calls   atomic.Int64
}

var _ Classifier = (*RoutingStubClassifier)(nil)

func (s *RoutingStubClassifier) Classify(ctx context.Context, payload string) verdict.LayerResult {
	s.calls.Add(1)
	if res, ok := s.Results[payload]; ok {
		return res
	}
	return verdict.LayerResult{Layer: s.Layer}
}

func (s *RoutingStubClassifier) Calls() int64 {
	return s.calls.Load()
}

// EngineTestFixture builds an engine over the default rule table, stub
// classifiers, and in-memory stores.
func EngineTestFixture(textStub, imageStub *StubClassifier) *Engine {
	matcher := util.Must(keyword.NewMatcher(keyword.DefaultRules()))
	sets := setstore.NewMemSetStore()
	sets.Add(setstore.SetStrictSources, "untrusted-forum")

	eng := &Engine{
		Logger:   slog.Default(),
		Matcher:  matcher,
		Recorder: decisionstore.NewMemDecisionStore(),
		Cache:    cachestore.NewMemCacheStore(100, time.Hour),
		Counters: countstore.NewMemCountStore(),
		Sets:     sets,
		Config:   DefaultEngineConfig(),
	}
	if textStub != nil {
		eng.TextClassifier = textStub
	}
	if imageStub != nil {
		eng.ImageClassifier = imageStub
	}
	return eng
}
