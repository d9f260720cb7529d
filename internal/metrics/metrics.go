// Package metrics exposes Prometheus instruments for the admission subsystem.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/admissionerrors"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
)

const prefix = "waitroom_"

var operationsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "operations_total",
		Help: "Admission operations by outcome",
	},
	[]string{"operation", "outcome"},
)

var operationDurationHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    prefix + "operation_duration_seconds",
		Help:    "Time taken by admission operations, store round trips included",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
	[]string{"operation"},
)

var sessionsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "sessions_total",
		Help: "Session create-or-resume calls, split by whether the session already existed",
	},
	[]string{"resumed"},
)

var selectionTransitionsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "selection_transitions_total",
		Help: "Sessions moved out of waiting by the selection engine",
	},
	[]string{"status"},
)

var eventPublishFailuresCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "event_publish_failures_total",
		Help: "Events that could not be published",
	},
	[]string{"type"},
)

var httpRequestsHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    prefix + "http_request_duration_seconds",
		Help:    "HTTP request latency by route and status code",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "route", "code"},
)

type Metrics struct{}

var m = &Metrics{}

func Get() *Metrics {
	return m
}

// Outcome is the label recorded for err: "ok" or the error kind.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(admissionerrors.KindOf(err))
}

func (m *Metrics) RecordOperation(operation string, err error, duration time.Duration) {
	operationsCounter.WithLabelValues(operation, Outcome(err)).Inc()
	operationDurationHist.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordSession(resumed bool) {
	sessionsCounter.WithLabelValues(strconv.FormatBool(resumed)).Inc()
}

func (m *Metrics) RecordSelection(result model.SelectionResult) {
	selectionTransitionsCounter.WithLabelValues(string(model.StatusSelected)).Add(float64(result.SelectedCount))
	selectionTransitionsCounter.WithLabelValues(string(model.StatusRejected)).Add(float64(result.RejectedCount))
}

func (m *Metrics) RecordEventPublishFailure(eventType string) {
	eventPublishFailuresCounter.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsHist.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
