package client

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects prometheus metrics for a Client. A nil *Metrics records nothing.
type Metrics struct {
	requests       *prometheus.CounterVec
	rateLimited    prometheus.Counter
	polls          prometheus.Counter
	cancellations  prometheus.Counter
	errors         prometheus.Counter
	branchDuration prometheus.Histogram
}

// NewMetrics creates the client metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diffgrid_client_requests_total",
				Help: "Requests sent to the diffusion backend",
			},
			[]string{"method", "status"},
		),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diffgrid_client_rate_limited_total",
			Help: "Requests retransmitted after a 429 response",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diffgrid_client_polls_total",
			Help: "Polls of running diffusion jobs",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diffgrid_client_cancellations_total",
			Help: "Calls that failed because they were cancelled",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diffgrid_client_errors_total",
			Help: "Failures reported to the error listener",
		}),
		branchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "diffgrid_client_branch_duration_seconds",
			Help:    "Time from branch submission to completion",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	reg.MustRegister(m.requests, m.rateLimited, m.polls, m.cancellations, m.errors, m.branchDuration)
	return m
}

func (m *Metrics) observeRequest(method string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) observePoll() {
	if m == nil {
		return
	}
	m.polls.Inc()
}

func (m *Metrics) observeCanceled() {
	if m == nil {
		return
	}
	m.cancellations.Inc()
}

func (m *Metrics) observeError() {
	if m == nil {
		return
	}
	m.errors.Inc()
}

func (m *Metrics) observeBranch(start time.Time) {
	if m == nil {
		return
	}
	m.branchDuration.Observe(time.Since(start).Seconds())
}
