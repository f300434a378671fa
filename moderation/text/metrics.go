package text

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var textAPIDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "gatekeeper_text_api_duration_sec",
	Help: "Duration of text classifier API calls",
})

var textAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeeper_text_api_requests",
	Help: "Number of text classifier API calls, by HTTP status code",
}, []string{"status"})

var textAPIErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gatekeeper_text_api_errors",
	Help: "Number of text classifier API calls which failed outright",
})
