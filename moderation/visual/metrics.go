package visual

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var imageAPIDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "gatekeeper_image_api_duration_sec",
	Help: "Duration of image classifier API calls",
})

var imageAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeeper_image_api_requests",
	Help: "Number of image classifier API calls, by HTTP status code",
}, []string{"status"})

var imageAPIErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gatekeeper_image_api_errors",
	Help: "Number of image classifier API calls which failed outright",
})
