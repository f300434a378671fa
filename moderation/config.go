package moderation

import (
	"github.com/haven-social/gatekeeper/moderation/verdict"
)

const defaultMaxConcurrentImageCalls = 4

// EngineConfig holds the per-process tuning knobs. Everything here is read
// once at startup; per-evaluation inputs (mode) are explicit Evaluate
// parameters instead, so concurrent evaluations with different modes never
// interfere.
type EngineConfig struct {
	// Thresholds is the normal-mode per-category match-count table. The
	// child_safety entry is pinned to 1 whatever this says.
	Thresholds verdict.Thresholds
	// MaxConcurrentImageCalls bounds the per-item fan-out to the image
	// classifier, capping worst-case latency and spend.
	MaxConcurrentImageCalls int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Thresholds:              verdict.DefaultThresholds(),
		MaxConcurrentImageCalls: defaultMaxConcurrentImageCalls,
	}
}

func (c EngineConfig) maxImageCalls() int {
	if c.MaxConcurrentImageCalls <= 0 {
		return defaultMaxConcurrentImageCalls
	}
	return c.MaxConcurrentImageCalls
}
