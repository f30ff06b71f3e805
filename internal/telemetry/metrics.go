package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/victornm/risingstars/internal/errors"
)

// GatewayMetrics records backend requests made by the gateway client.
type GatewayMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewGatewayMetrics registers the collectors on reg. A nil reg uses the
// default registerer.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &GatewayMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "risingstars",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Backend requests by operation, HTTP status and error code.",
		}, []string{"op", "status", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "risingstars",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Backend request latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}

	reg.MustRegister(m.requests, m.duration)

	return m
}

func (m *GatewayMetrics) ObserveRequest(op string, status int, err error, d time.Duration) {
	code := "ok"
	if err != nil {
		code = errors.Convert(err).Code.String()
	}

	// Status 0 means no response was received.
	m.requests.WithLabelValues(op, strconv.Itoa(status), code).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}
