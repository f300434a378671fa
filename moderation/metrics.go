package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "gatekeeper_evaluation_duration_sec",
	Help: "Total duration of pipeline evaluations",
}, []string{"mode"})

var verdictCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeeper_verdicts",
	Help: "Number of verdicts produced, by outcome and deciding layer",
}, []string{"outcome", "layer"})

var flaggedCategoryCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeeper_flagged_categories",
	Help: "Number of verdicts flagging each category",
}, []string{"category"})

var verdictCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gatekeeper_verdict_cache_hits",
	Help: "Number of evaluations served from the verdict cache",
})
