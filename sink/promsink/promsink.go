// Package promsink exports dispatch outcome records as Prometheus metrics.
package promsink

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bjaus/dispatcher"
)

var _ dispatcher.Sink = (*Sink)(nil)

// unknownType replaces event types that were never registered so producers
// cannot grow label cardinality.
const unknownType = "unknown"

// Sink records outcome metrics.
type Sink struct {
	outcomes     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	attempts     *prometheus.HistogramVec
	redeliveries *prometheus.CounterVec
	retries      *prometheus.CounterVec
}

// New creates a Sink and registers its collectors with reg.
func New(reg prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_messages_total",
				Help: "Total number of processed messages by event type, outcome and reason.",
			},
			[]string{"event_type", "outcome", "reason"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatcher_message_duration_seconds",
				Help:    "Time from classification to final outcome of a message.",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"event_type", "outcome"},
		),
		attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatcher_delivery_attempts",
				Help:    "Signal delivery attempts per message.",
				Buckets: []float64{1, 2, 3, 5, 8, 13},
			},
			[]string{"event_type", "outcome"},
		),
		redeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_redelivered_messages_total",
				Help: "Total number of processed messages the stream had presented before.",
			},
			[]string{"event_type"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_delivery_retries_total",
				Help: "Total number of scheduled signal delivery retries by signal and reason.",
			},
			[]string{"signal", "reason"},
		),
	}

	for _, c := range []prometheus.Collector{s.outcomes, s.latency, s.attempts, s.redeliveries, s.retries} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Record implements dispatcher.Sink.
func (s *Sink) Record(_ context.Context, rec dispatcher.Record) {
	typ := eventTypeLabel(rec)
	outcome := rec.Outcome.String()

	s.outcomes.WithLabelValues(typ, outcome, Reason(rec.Reason)).Inc()
	s.latency.WithLabelValues(typ, outcome).Observe(rec.Latency.Seconds())
	if rec.Attempt > 0 {
		s.attempts.WithLabelValues(typ, outcome).Observe(float64(rec.Attempt))
	}
	if rec.Redeliveries > 0 {
		s.redeliveries.WithLabelValues(typ).Inc()
	}
}

// OnRetry returns a hook that counts delivery retries. Install it with
// dispatcher.WithOnRetry.
func (s *Sink) OnRetry() dispatcher.OnRetryFunc {
	return func(_ context.Context, loc dispatcher.Locator, _ int, err error, _ time.Duration) {
		s.retries.WithLabelValues(loc.SignalName, Reason(err)).Inc()
	}
}

// Reason maps an outcome reason to a bounded label value.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, dispatcher.ErrUnknownEventType):
		return "unknown_event_type"
	case errors.Is(err, dispatcher.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, dispatcher.ErrUnroutable):
		return "unroutable"
	case errors.Is(err, dispatcher.ErrRetryBudgetExhausted):
		return "retry_budget_exhausted"
	case errors.Is(err, dispatcher.ErrWorkflowNotFound):
		return "workflow_not_found"
	case errors.Is(err, dispatcher.ErrSignalTimeout):
		return "signal_timeout"
	case errors.Is(err, dispatcher.ErrEngineUnavailable):
		return "engine_unavailable"
	default:
		return "other"
	}
}

func eventTypeLabel(rec dispatcher.Record) string {
	if rec.EventType == "" || errors.Is(rec.Reason, dispatcher.ErrUnknownEventType) {
		return unknownType
	}
	return rec.EventType
}
